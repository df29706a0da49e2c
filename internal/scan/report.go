package scan

import (
	"fmt"
	"sort"
	"strings"

	"relaytrace/internal/detect"
)

// RenderText formats a channel report for terminal output.
func RenderText(report detect.ChannelReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint: %s\n", report.Endpoint)
	fmt.Fprintf(&b, "Generated: %s\n", report.GeneratedAt)
	if report.Platform != "" {
		fmt.Fprintf(&b, "Relay platform: %s\n", report.Platform)
	}
	if report.MixedChannel {
		b.WriteString("MIXED CHANNEL: models on this endpoint route to different backends\n")
	}
	b.WriteString("\n")

	for _, model := range sortedModels(report) {
		verdict := report.Models[model]
		fmt.Fprintf(&b, "%s\n", model)
		fmt.Fprintf(&b, "  verdict:    %s (confidence %.0f%%)%s\n",
			verdict.Hypothesis, verdict.Confidence*100, suspicionTag(verdict))
		fmt.Fprintf(&b, "  scores:     anthropic=%.1f bedrock=%.1f vertex=%.1f\n",
			verdict.Scores[detect.BackendAnthropic],
			verdict.Scores[detect.BackendBedrock],
			verdict.Scores[detect.BackendVertex])
		if verdict.Dynamics != "" {
			fmt.Fprintf(&b, "  ratelimit:  %s\n", verdict.Dynamics)
		}
		fmt.Fprintf(&b, "  rounds:     %d\n", verdict.Rounds)
		for _, entry := range verdict.Evidence {
			fmt.Fprintf(&b, "    %s\n", renderEvidence(entry))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func suspicionTag(verdict detect.ModelVerdict) string {
	if verdict.Suspicious {
		return " [SUSPICIOUS]"
	}
	return ""
}

func renderEvidence(entry detect.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-24s", entry.Field, entry.Value)
	if entry.Backend != "" {
		fmt.Fprintf(&b, " %+5.1f -> %s", entry.Weight, entry.Backend)
	}
	if entry.Tier != "" {
		fmt.Fprintf(&b, " [%s]", entry.Tier)
	}
	if entry.Note != "" {
		fmt.Fprintf(&b, "  (%s)", entry.Note)
	}
	return b.String()
}

func sortedModels(report detect.ChannelReport) []string {
	models := make([]string, 0, len(report.Models))
	for model := range report.Models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
