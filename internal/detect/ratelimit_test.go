package detect

import "testing"

func samplesOf(values ...int) []RatelimitSample {
	samples := make([]RatelimitSample, len(values))
	for i, v := range values {
		samples[i] = RatelimitSample{Round: i, Remaining: v}
	}
	return samples
}

func TestClassifyDynamicsDecreasing(t *testing.T) {
	if got := ClassifyDynamics(samplesOf(300000, 299000, 298000)); got != DynamicsGenuine {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsGenuine)
	}
}

func TestClassifyDynamicsFrozen(t *testing.T) {
	if got := ClassifyDynamics(samplesOf(299000, 299000, 299000)); got != DynamicsStatic {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsStatic)
	}
}

func TestClassifyDynamicsSingleSample(t *testing.T) {
	if got := ClassifyDynamics(samplesOf(299000)); got != DynamicsInsufficient {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsInsufficient)
	}
}

func TestClassifyDynamicsQuotaReset(t *testing.T) {
	// Window resets upward mid-sequence; the counter moved, so it is live.
	if got := ClassifyDynamics(samplesOf(300000, 299000, 400000)); got != DynamicsGenuine {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsGenuine)
	}
}

func TestClassifyDynamicsRisingOnly(t *testing.T) {
	// Counter changes but never drops, as a multi-key relay rotating real
	// upstream accounts would produce. Movement of any kind is a live counter.
	if got := ClassifyDynamics(samplesOf(299000, 300000)); got != DynamicsGenuine {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsGenuine)
	}
}

func TestClassifyDynamicsIgnoresAbsentReadings(t *testing.T) {
	samples := []RatelimitSample{
		{Round: 0, Remaining: -1},
		{Round: 1, Remaining: 299000},
	}
	if got := ClassifyDynamics(samples); got != DynamicsInsufficient {
		t.Fatalf("dynamics = %s, want %s", got, DynamicsInsufficient)
	}
}

func TestApplyDynamicsAdjustments(t *testing.T) {
	vector := ScoreVector{BackendAnthropic: 10}
	entry := ApplyDynamics(vector, DynamicsGenuine)
	if vector[BackendAnthropic] != 10+dynamicsBonus {
		t.Fatalf("bonus not applied: %.1f", vector[BackendAnthropic])
	}
	if entry == nil || entry.Weight != dynamicsBonus {
		t.Fatalf("unexpected bonus entry: %+v", entry)
	}

	vector = ScoreVector{BackendAnthropic: 10}
	entry = ApplyDynamics(vector, DynamicsStatic)
	if vector[BackendAnthropic] != 10-dynamicsPenalty {
		t.Fatalf("penalty not applied: %.1f", vector[BackendAnthropic])
	}
	if entry == nil || entry.Weight != -dynamicsPenalty {
		t.Fatalf("unexpected penalty entry: %+v", entry)
	}

	vector = ScoreVector{BackendAnthropic: 10}
	if entry = ApplyDynamics(vector, DynamicsInsufficient); entry != nil {
		t.Fatalf("insufficient samples must not adjust, got %+v", entry)
	}
}

func TestSamplesFromFingerprints(t *testing.T) {
	fps := []Fingerprint{
		{RatelimitRemaining: 300000},
		{RatelimitRemaining: -1},
		{RatelimitRemaining: 299000},
	}
	samples := SamplesFromFingerprints(fps)
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	if samples[0].Remaining != 300000 || samples[1].Remaining != 299000 {
		t.Fatalf("unexpected readings: %+v", samples)
	}
	if samples[1].Round != 2 {
		t.Fatalf("round index = %d, want 2", samples[1].Round)
	}
}
