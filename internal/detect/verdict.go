package detect

import (
	"fmt"
	"time"
)

// verdictMargin is the minimum lead, as a share of the total score, the top
// hypothesis needs over the runner-up before the verdict commits to it.
const verdictMargin = 0.10

// BuildModelVerdict folds a model's fingerprints into a final classification.
// The pipeline is deterministic: positive scoring, shared-marker
// reattribution, negative evidence, ratelimit dynamics, clamp, then the
// margin decision. Running it twice over the same fingerprints yields the
// same verdict.
func BuildModelVerdict(model string, fps []Fingerprint, rules []EvidenceRule) ModelVerdict {
	verdict := ModelVerdict{
		Model:      model,
		Hypothesis: BackendUnknown,
		Scores:     NewScoreVector(),
		Evidence:   []Evidence{},
		Rounds:     len(fps),
	}
	if len(fps) == 0 {
		return verdict
	}

	for round, fp := range fps {
		contribution, entries := ScoreFingerprint(fp, rules, round)
		verdict.Scores.Add(contribution)
		verdict.Evidence = append(verdict.Evidence, entries...)
	}

	verdict.Evidence = append(verdict.Evidence,
		ReattributeSharedMarkers(fps, verdict.Scores, rules)...)

	findings := EvaluateNegativeEvidence(fps, verdict.Scores, rules)
	verdict.Evidence = append(verdict.Evidence,
		ApplyNegativeEvidence(verdict.Scores, findings)...)

	verdict.Dynamics = ClassifyDynamics(SamplesFromFingerprints(fps))
	if entry := ApplyDynamics(verdict.Scores, verdict.Dynamics); entry != nil {
		verdict.Evidence = append(verdict.Evidence, *entry)
	}

	verdict.Scores.ClampNonNegative()

	total := verdict.Scores.Total()
	if total == 0 {
		// All positive evidence was cancelled by penalties. The endpoint
		// looked like anthropic and then failed the anti-spoofing checks:
		// keep the hypothesis but flag it and report no confidence.
		if len(findings) >= suspiciousAbsenceCount {
			verdict.Hypothesis = BackendAnthropic
			verdict.Suspicious = true
		}
		return verdict
	}

	leader, best := verdict.Scores.Leader()
	share := best / total
	lead := (best - verdict.Scores.RunnerUp()) / total
	if lead < verdictMargin {
		verdict.Hypothesis = BackendUnknown
		verdict.Evidence = append(verdict.Evidence, Evidence{
			Field: "verdict",
			Value: "contested",
			Note:  fmt.Sprintf("lead %.2f below decision margin %.2f", lead, verdictMargin),
		})
		verdict.Confidence = share
		return verdict
	}

	verdict.Hypothesis = leader
	verdict.Confidence = share
	if leader == BackendAnthropic {
		if len(findings) >= suspiciousAbsenceCount {
			verdict.Suspicious = true
		}
		if verdict.Dynamics == DynamicsStatic {
			verdict.Suspicious = true
		}
	}
	return verdict
}

// BuildChannelReport aggregates per-model verdicts for one endpoint.
// MixedChannel flips on when two committed verdicts name different backends,
// which is the signature of a proxy fanning model names out to separate
// upstreams.
func BuildChannelReport(endpoint string, verdicts []ModelVerdict, platform string) ChannelReport {
	report := ChannelReport{
		Endpoint:    endpoint,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Models:      make(map[string]ModelVerdict, len(verdicts)),
		Platform:    platform,
	}
	seen := BackendUnknown
	for _, verdict := range verdicts {
		report.Models[verdict.Model] = verdict
		if verdict.Hypothesis == BackendUnknown {
			continue
		}
		if seen == BackendUnknown {
			seen = verdict.Hypothesis
			continue
		}
		if verdict.Hypothesis != seen {
			report.MixedChannel = true
		}
	}
	return report
}
