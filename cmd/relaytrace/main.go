package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
	"relaytrace/internal/scan"
)

func main() {
	endpoint := flag.String("endpoint", envOr("RELAYTRACE_ENDPOINT", "https://api.anthropic.com"), "Anthropic-compatible base URL to classify")
	apiKey := flag.String("api-key", envOr("RELAYTRACE_API_KEY", ""), "API key for the endpoint")
	models := flag.String("models", envOr("RELAYTRACE_MODELS", ""), "Comma-separated model IDs to probe (default: built-in candidates)")
	version := flag.String("anthropic-version", envOr("ANTHROPIC_VERSION", "2023-06-01"), "anthropic-version request header")
	beta := flag.String("anthropic-beta", envOr("ANTHROPIC_BETA", ""), "anthropic-beta request header (optional)")
	timeout := flag.Duration("timeout", 60*time.Second, "Per-request HTTP timeout")
	toolRounds := flag.Int("rounds", 2, "Tool probe rounds per model")
	withThinking := flag.Bool("thinking", true, "Send a thinking probe after the tool rounds")
	roundDelay := flag.Duration("round-delay", 500*time.Millisecond, "Delay between probe rounds")
	verbose := flag.Bool("verbose", false, "Log every probe at debug level")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full report JSON to this file")
	baselineInPath := flag.String("baseline-in", "", "Load baseline report JSON and run drift comparison")
	baselineOutPath := flag.String("baseline-out", "", "Write current report as future baseline JSON")
	strict := flag.Bool("strict", false, "Exit non-zero on suspicious verdicts, mixed channels, or verdict drift")
	flag.Parse()

	if strings.TrimSpace(*apiKey) == "" {
		exitWith("RELAYTRACE_API_KEY or -api-key is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client := anthropic.NewClient(anthropic.Config{
		BaseURL:          *endpoint,
		APIKey:           *apiKey,
		AnthropicVersion: *version,
		AnthropicBeta:    *beta,
		Timeout:          *timeout,
	})

	cfg := scan.Config{
		Models:       splitModels(*models),
		ToolRounds:   *toolRounds,
		WithThinking: *withThinking,
		RoundDelay:   *roundDelay,
		Logger:       logger,
	}

	perModel := time.Duration(*toolRounds+1) * (*timeout + *roundDelay)
	modelCount := len(cfg.Models)
	if modelCount == 0 {
		modelCount = len(scan.DefaultModelCandidates())
	}
	ctx, cancel := context.WithTimeout(context.Background(), perModel*time.Duration(modelCount))
	defer cancel()

	report := scan.ScanModels(ctx, client, *endpoint, cfg)

	var drift *scan.DriftResult
	if strings.TrimSpace(*baselineInPath) != "" {
		baseline, err := readReport(*baselineInPath)
		if err != nil {
			exitWith("failed to read baseline report: " + err.Error())
		}
		result := scan.CompareWithBaseline(report, baseline)
		drift = &result
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(report, drift)
	default:
		fmt.Print(scan.RenderText(report))
		if drift != nil {
			printDriftText(*drift)
		}
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, report); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}
	if strings.TrimSpace(*baselineOutPath) != "" {
		if err := writeReport(*baselineOutPath, report); err != nil {
			exitWith("failed to write baseline report: " + err.Error())
		}
	}

	if *strict && strictFailure(report, drift) {
		os.Exit(1)
	}
}

func strictFailure(report detect.ChannelReport, drift *scan.DriftResult) bool {
	if report.MixedChannel {
		return true
	}
	for _, verdict := range report.Models {
		if verdict.Suspicious {
			return true
		}
	}
	return drift != nil && drift.Status == scan.DriftVerdicts
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitModels(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	models := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			models = append(models, trimmed)
		}
	}
	return models
}

func printDriftText(drift scan.DriftResult) {
	fmt.Printf("Baseline drift: %s\n", drift.Status)
	for _, finding := range drift.Findings {
		fmt.Printf("  - %s\n", finding)
	}
}

func printJSON(report detect.ChannelReport, drift *scan.DriftResult) {
	payload := struct {
		Report detect.ChannelReport `json:"report"`
		Drift  *scan.DriftResult    `json:"drift,omitempty"`
	}{Report: report, Drift: drift}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, report detect.ChannelReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	cleanPath := filepath.Clean(path)
	return os.WriteFile(cleanPath, data, 0o644)
}

func readReport(path string) (detect.ChannelReport, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return detect.ChannelReport{}, err
	}
	var report detect.ChannelReport
	if err := json.Unmarshal(data, &report); err != nil {
		return detect.ChannelReport{}, err
	}
	return report, nil
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
