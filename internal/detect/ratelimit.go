package detect

// Ratelimit dynamics verification. A genuine anthropic-ratelimit-*-remaining
// header counts down as probes consume quota; a relay that pastes the header
// onto its responses returns the same number every time. Two or more samples
// are enough to tell the difference.

const (
	dynamicsBonus   = 2.0
	dynamicsPenalty = 4.0
)

// ClassifyDynamics inspects a sequence of quota-header readings taken across
// consecutive probe rounds.
//
//	- fewer than two usable samples: insufficient, no adjustment
//	- every sample identical: static, the header is forged
//	- anything else: dynamic
//
// The counter does not have to fall monotonically to count as live. A reading
// that only ever increases still means someone is maintaining it: quota
// windows reset mid-scan and multi-key relays rotate between real upstream
// accounts. Only a counter that never moves at all reads as forged.
func ClassifyDynamics(samples []RatelimitSample) Dynamics {
	usable := make([]int, 0, len(samples))
	for _, sample := range samples {
		if sample.Remaining >= 0 {
			usable = append(usable, sample.Remaining)
		}
	}
	if len(usable) < 2 {
		return DynamicsInsufficient
	}

	for i := 1; i < len(usable); i++ {
		if usable[i] != usable[0] {
			return DynamicsGenuine
		}
	}
	return DynamicsStatic
}

// ApplyDynamics adjusts the hypothesis the ratelimit headers vouch for.
// A live counter earns a small bonus; a forged one costs double, because a
// static counter is active deception rather than mere absence. Returns the
// evidence entry, or nil when the samples were insufficient.
func ApplyDynamics(vector ScoreVector, dynamics Dynamics) *Evidence {
	switch dynamics {
	case DynamicsGenuine:
		vector[BackendAnthropic] += dynamicsBonus
		return &Evidence{
			Field:   FieldRatelimitHdr,
			Value:   string(DynamicsGenuine),
			Weight:  dynamicsBonus,
			Backend: BackendAnthropic,
			Note:    "quota counter decreases across rounds",
		}
	case DynamicsStatic:
		vector[BackendAnthropic] -= dynamicsPenalty
		return &Evidence{
			Field:   FieldRatelimitHdr,
			Value:   string(DynamicsStatic),
			Weight:  -dynamicsPenalty,
			Backend: BackendAnthropic,
			Note:    "quota counter frozen across rounds, header is forged",
		}
	default:
		return nil
	}
}

// SamplesFromFingerprints collects the quota readings embedded in a scan's
// fingerprints, in round order.
func SamplesFromFingerprints(fps []Fingerprint) []RatelimitSample {
	samples := make([]RatelimitSample, 0, len(fps))
	for i, fp := range fps {
		if fp.RatelimitRemaining < 0 {
			continue
		}
		samples = append(samples, RatelimitSample{
			Round:     i,
			Remaining: fp.RatelimitRemaining,
		})
	}
	return samples
}
