package detect

import (
	"reflect"
	"testing"
)

func TestVerdictIroncladOutvotesSpoofable(t *testing.T) {
	// Everything spoofable says anthropic; one kiro model name says bedrock.
	fps := []Fingerprint{
		fpWith(ProbeTool, map[string]string{
			FieldToolUseID:    ToolIDAnthropic,
			FieldMessageID:    MsgIDBase62,
			FieldServiceTier:  ValuePresent,
			FieldUsageCasing:  CasingSnake,
			FieldRatelimitHdr: ValuePresent,
			FieldModelName:    ModelKiro,
		}),
	}
	verdict := BuildModelVerdict("claude-sonnet-4-5", fps, DefaultRules())
	if verdict.Hypothesis != BackendBedrock {
		t.Fatalf("hypothesis = %s, want bedrock against spoofable chorus", verdict.Hypothesis)
	}
}

func TestVerdictNoFingerprintsIsUnknown(t *testing.T) {
	verdict := BuildModelVerdict("claude-sonnet-4-5", nil, DefaultRules())
	if verdict.Hypothesis != BackendUnknown {
		t.Fatalf("hypothesis = %s, want unknown", verdict.Hypothesis)
	}
	if verdict.Confidence != 0 || verdict.Suspicious {
		t.Fatalf("empty verdict should carry no confidence or suspicion: %+v", verdict)
	}
}

func TestVerdictContestedStaysUnknown(t *testing.T) {
	// Equal spoofable pull in both directions.
	fps := []Fingerprint{
		fpWith(ProbeTool, map[string]string{FieldToolUseID: ToolIDAnthropic}),
		fpWith(ProbeTool, map[string]string{FieldUsageCasing: CasingCamel}),
	}
	verdict := BuildModelVerdict("claude-sonnet-4-5", fps, DefaultRules())
	if verdict.Hypothesis != BackendUnknown {
		t.Fatalf("hypothesis = %s, want unknown on a tie", verdict.Hypothesis)
	}
	found := false
	for _, entry := range verdict.Evidence {
		if entry.Value == "contested" {
			found = true
		}
	}
	if !found {
		t.Fatalf("contested verdict missing its evidence note")
	}
}

func TestVerdictSpoofedAnthropicGoesSuspicious(t *testing.T) {
	// Anthropic lead from spoofable markers, no exclusives anywhere, and a
	// frozen quota counter.
	tool := fpWith(ProbeTool, map[string]string{
		FieldToolUseID:    ToolIDAnthropic,
		FieldMessageID:    MsgIDBase62,
		FieldServiceTier:  ValuePresent,
		FieldUsageCasing:  CasingSnake,
		FieldRatelimitHdr: ValuePresent,
	})
	tool.RatelimitRemaining = 299000
	second := fpWith(ProbeTool, map[string]string{
		FieldToolUseID:    ToolIDAnthropic,
		FieldMessageID:    MsgIDBase62,
		FieldServiceTier:  ValuePresent,
		FieldUsageCasing:  CasingSnake,
		FieldRatelimitHdr: ValuePresent,
	})
	second.RatelimitRemaining = 299000
	thinking := fpWith(ProbeThinking, map[string]string{FieldThinkingSig: SigShort})

	verdict := BuildModelVerdict("claude-sonnet-4-5", []Fingerprint{tool, second, thinking}, DefaultRules())
	if !verdict.Suspicious {
		t.Fatalf("expected suspicious verdict, got %+v", verdict)
	}
	if verdict.Dynamics != DynamicsStatic {
		t.Fatalf("dynamics = %s, want static", verdict.Dynamics)
	}
}

func TestVerdictGenuineAnthropic(t *testing.T) {
	first := fpWith(ProbeTool, map[string]string{
		FieldToolUseID:    ToolIDAnthropic,
		FieldMessageID:    MsgIDBase62,
		FieldInferenceGeo: ValuePresent,
		FieldCacheObject:  ValuePresent,
		FieldUsageCasing:  CasingSnake,
		FieldRatelimitHdr: ValuePresent,
	})
	first.RatelimitRemaining = 300000
	second := fpWith(ProbeThinking, map[string]string{FieldThinkingSig: SigNormal, FieldRatelimitHdr: ValuePresent})
	second.RatelimitRemaining = 299000

	verdict := BuildModelVerdict("claude-sonnet-4-5", []Fingerprint{first, second}, DefaultRules())
	if verdict.Hypothesis != BackendAnthropic {
		t.Fatalf("hypothesis = %s, want anthropic", verdict.Hypothesis)
	}
	if verdict.Suspicious {
		t.Fatalf("genuine channel flagged suspicious: %+v", verdict)
	}
	if verdict.Dynamics != DynamicsGenuine {
		t.Fatalf("dynamics = %s, want dynamic", verdict.Dynamics)
	}
	if verdict.Confidence <= 0.5 {
		t.Fatalf("confidence = %.2f, want a clear majority share", verdict.Confidence)
	}
}

func TestVerdictIdempotent(t *testing.T) {
	fps := []Fingerprint{
		fpWith(ProbeTool, map[string]string{FieldToolUseID: ToolIDBedrock, FieldModelName: ModelKiro}),
		fpWith(ProbeThinking, map[string]string{FieldThinkingSig: SigShort}),
	}
	first := BuildModelVerdict("claude-sonnet-4-5", fps, DefaultRules())
	second := BuildModelVerdict("claude-sonnet-4-5", fps, DefaultRules())
	if !reflect.DeepEqual(first.Scores, second.Scores) {
		t.Fatalf("scores differ across runs: %v vs %v", first.Scores, second.Scores)
	}
	if first.Hypothesis != second.Hypothesis || first.Confidence != second.Confidence {
		t.Fatalf("verdict not stable: %+v vs %+v", first, second)
	}
}

func TestChannelReportMixedChannel(t *testing.T) {
	report := BuildChannelReport("https://proxy.example/v1", []ModelVerdict{
		{Model: "claude-sonnet-4-5", Hypothesis: BackendAnthropic},
		{Model: "claude-opus-4-1", Hypothesis: BackendBedrock},
		{Model: "claude-haiku-3-5", Hypothesis: BackendUnknown},
	}, "")
	if !report.MixedChannel {
		t.Fatalf("expected mixed-channel flag")
	}
	if len(report.Models) != 3 {
		t.Fatalf("models = %d, want 3", len(report.Models))
	}
}

func TestChannelReportUniformChannel(t *testing.T) {
	report := BuildChannelReport("https://proxy.example/v1", []ModelVerdict{
		{Model: "claude-sonnet-4-5", Hypothesis: BackendVertex},
		{Model: "claude-opus-4-1", Hypothesis: BackendVertex},
		{Model: "claude-haiku-3-5", Hypothesis: BackendUnknown},
	}, "cloudflare")
	if report.MixedChannel {
		t.Fatalf("uniform verdicts flagged mixed")
	}
	if report.Platform != "cloudflare" {
		t.Fatalf("platform = %q, want cloudflare", report.Platform)
	}
}
