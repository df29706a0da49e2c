package scan

import (
	"fmt"
	"math"
	"strings"

	"relaytrace/internal/detect"
)

// confidenceDriftThreshold is the confidence drop that counts as drift even
// when the hypothesis itself held.
const confidenceDriftThreshold = 0.15

// DriftStatus summarizes a baseline comparison.
type DriftStatus string

const (
	DriftNone     DriftStatus = "stable"
	DriftMinor    DriftStatus = "minor"
	DriftVerdicts DriftStatus = "verdict_change"
)

// DriftResult is the outcome of comparing a fresh scan against a stored
// baseline report of the same endpoint.
type DriftResult struct {
	Status   DriftStatus `json:"status"`
	Findings []string    `json:"findings"`
}

// CompareWithBaseline diffs a current channel report against an earlier one.
// A hypothesis change on any model is the hard signal: it means the operator
// swapped the upstream behind the proxy. Confidence erosion and suspicion
// flips are soft signals.
func CompareWithBaseline(current, baseline detect.ChannelReport) DriftResult {
	result := DriftResult{Status: DriftNone, Findings: []string{}}

	if strings.TrimSpace(current.Endpoint) != strings.TrimSpace(baseline.Endpoint) {
		result.Findings = append(result.Findings,
			fmt.Sprintf("endpoint mismatch: current=%s baseline=%s", current.Endpoint, baseline.Endpoint))
		result.Status = DriftMinor
	}

	for _, model := range sortedModels(baseline) {
		old := baseline.Models[model]
		now, ok := current.Models[model]
		if !ok {
			result.Findings = append(result.Findings, "model no longer scanned: "+model)
			markMinor(&result)
			continue
		}
		if now.Hypothesis != old.Hypothesis {
			result.Findings = append(result.Findings, fmt.Sprintf(
				"%s verdict changed: %s -> %s", model, old.Hypothesis, now.Hypothesis))
			result.Status = DriftVerdicts
			continue
		}
		if drop := old.Confidence - now.Confidence; drop >= confidenceDriftThreshold {
			result.Findings = append(result.Findings, fmt.Sprintf(
				"%s confidence dropped %.0f%% (%.2f -> %.2f)", model, math.Abs(drop)*100, old.Confidence, now.Confidence))
			markMinor(&result)
		}
		if now.Suspicious && !old.Suspicious {
			result.Findings = append(result.Findings, model+" newly flagged suspicious")
			markMinor(&result)
		}
	}

	if current.MixedChannel != baseline.MixedChannel {
		result.Findings = append(result.Findings, fmt.Sprintf(
			"mixed-channel flag changed: %t -> %t", baseline.MixedChannel, current.MixedChannel))
		result.Status = DriftVerdicts
	}
	return result
}

func markMinor(result *DriftResult) {
	if result.Status == DriftNone {
		result.Status = DriftMinor
	}
}
