package detect

// negativePenalty is subtracted from the anthropic hypothesis for every
// exclusive field the endpoint never produced.
const negativePenalty = 3.0

// suspiciousAbsenceCount is the number of jointly absent exclusive fields
// that flips a verdict to suspicious.
const suspiciousAbsenceCount = 2

// NegativeFinding records one exclusive field that never appeared across an
// entire scan even though the leading hypothesis predicts it.
type NegativeFinding struct {
	Field   string  `json:"field"`
	Penalty float64 `json:"penalty"`
}

// EvaluateNegativeEvidence checks whether the positive evidence is consistent
// with what a genuine primary-API channel would also leak. It only fires when
// the raw scores already point at anthropic with a strict lead over the
// runner-up: a relay or contested verdict is expected to lack anthropic
// exclusives, so their absence means nothing there. A single missing field is
// tolerated too; only the joint absence of suspiciousAbsenceCount or more
// exclusives reads as impersonation.
//
// The thinking-signature field is only judged when a thinking probe actually
// ran; an endpoint that was never asked to think cannot be blamed for not
// signing.
func EvaluateNegativeEvidence(fps []Fingerprint, vector ScoreVector, rules []EvidenceRule) []NegativeFinding {
	leader, best := vector.Leader()
	if leader != BackendAnthropic || best <= 0 || best <= vector.RunnerUp() {
		return nil
	}

	sawThinkingProbe := false
	for _, fp := range fps {
		if fp.Kind == ProbeThinking {
			sawThinkingProbe = true
			break
		}
	}

	findings := []NegativeFinding{}
	for _, rule := range ExclusiveAnthropicRules(rules) {
		if rule.Field == FieldThinkingSig && !sawThinkingProbe {
			continue
		}
		observed := false
		for _, fp := range fps {
			if fp.Field(rule.Field) == rule.Match {
				observed = true
				break
			}
		}
		if observed {
			continue
		}
		findings = append(findings, NegativeFinding{Field: rule.Field, Penalty: negativePenalty})
	}
	if len(findings) < suspiciousAbsenceCount {
		return nil
	}
	return findings
}

// ApplyNegativeEvidence subtracts the penalties from the anthropic hypothesis
// and appends the findings to the evidence trail. The vector may go negative
// here; the verdict stage clamps after all adjustments are in.
func ApplyNegativeEvidence(vector ScoreVector, findings []NegativeFinding) []Evidence {
	entries := make([]Evidence, 0, len(findings))
	for _, finding := range findings {
		vector[BackendAnthropic] -= finding.Penalty
		entries = append(entries, Evidence{
			Field:   finding.Field,
			Value:   ValueAbsent,
			Weight:  -finding.Penalty,
			Backend: BackendAnthropic,
			Note:    "exclusive primary-API field never observed",
		})
	}
	return entries
}
