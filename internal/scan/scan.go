// Package scan orchestrates probe rounds against an endpoint and feeds the
// responses to the detection engine. It owns everything with a network side
// effect; the detect package stays pure.
package scan

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
)

// DefaultRatelimitShots is the verification-shot count used when the caller
// does not set one. The budget layer assumes it when estimating scan cost.
const DefaultRatelimitShots = 2

// Config controls one endpoint scan.
type Config struct {
	Models       []string
	ToolRounds   int
	WithThinking bool
	// RatelimitShots is how many extra simple probes to spend on quota-header
	// sampling when the endpoint surfaced a ratelimit counter at all.
	RatelimitShots int
	RoundDelay     time.Duration
	Rules          []detect.EvidenceRule
	Logger         *slog.Logger
}

func (c Config) normalized() Config {
	if c.ToolRounds <= 0 {
		c.ToolRounds = 2
	}
	if c.RatelimitShots <= 0 {
		c.RatelimitShots = DefaultRatelimitShots
	}
	if c.RoundDelay <= 0 {
		c.RoundDelay = 500 * time.Millisecond
	}
	if c.Rules == nil {
		c.Rules = detect.DefaultRules()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if len(c.Models) == 0 {
		c.Models = DefaultModelCandidates()
	}
	return c
}

// DefaultModelCandidates lists the model names scanned when the caller does
// not narrow the set. Scanning several names is what exposes mixed channels.
func DefaultModelCandidates() []string {
	return []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
	}
}

// DetectModel runs the probe sequence for one model and classifies it.
// The sequence is N tool rounds, then a thinking round when enabled, then a
// handful of cheap simple probes for extra quota-header samples, but only
// when an earlier round actually surfaced a ratelimit counter. Endpoints
// without the header get nothing out of extra traffic.
func DetectModel(ctx context.Context, client *anthropic.Client, model string, cfg Config) (detect.ModelVerdict, []detect.ProbeResponse) {
	cfg = cfg.normalized()
	log := cfg.Logger.With("model", model)

	probes := make([]detect.ProbeResponse, 0, cfg.ToolRounds+1+cfg.RatelimitShots)
	sawRatelimit := false
	for round := 0; round < cfg.ToolRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				log.Warn("scan cancelled mid-round", "round", round)
				return verdictFromProbes(model, probes, cfg), probes
			case <-time.After(cfg.RoundDelay):
			}
		}
		probe, raw := ProbeExchange(ctx, client, detect.ProbeTool, model)
		log.Debug("tool probe complete", "round", round, "status", probe.Status, "latency_ms", probe.LatencyMS)
		probes = append(probes, probe)
		if probe.Usable() && raw.RatelimitRemaining() >= 0 {
			sawRatelimit = true
		}
	}

	if cfg.WithThinking {
		probe, raw := ProbeExchange(ctx, client, detect.ProbeThinking, model)
		log.Debug("thinking probe complete", "status", probe.Status, "latency_ms", probe.LatencyMS)
		probes = append(probes, probe)
		if probe.Usable() && raw.RatelimitRemaining() >= 0 {
			sawRatelimit = true
		}
	}

	if sawRatelimit {
		for shot := 0; shot < cfg.RatelimitShots; shot++ {
			select {
			case <-ctx.Done():
				log.Warn("scan cancelled mid-shot", "shot", shot)
				return verdictFromProbes(model, probes, cfg), probes
			case <-time.After(cfg.RoundDelay):
			}
			probe, raw := ProbeExchange(ctx, client, detect.ProbeSimple, model)
			log.Debug("ratelimit shot complete", "shot", shot, "remaining", raw.RatelimitRemaining())
			probes = append(probes, probe)
		}
	}

	verdict := verdictFromProbes(model, probes, cfg)
	log.Info("model classified",
		"hypothesis", verdict.Hypothesis,
		"confidence", verdict.Confidence,
		"suspicious", verdict.Suspicious,
		"dynamics", verdict.Dynamics,
	)
	return verdict, probes
}

func verdictFromProbes(model string, probes []detect.ProbeResponse, cfg Config) detect.ModelVerdict {
	fps := make([]detect.Fingerprint, 0, len(probes))
	for _, probe := range probes {
		if !probe.Usable() {
			continue
		}
		fps = append(fps, detect.Extract(probe))
	}
	verdict := detect.BuildModelVerdict(model, fps, cfg.Rules)
	verdict.Platform = detect.IdentifyPlatformAcross(probes)
	return verdict
}

// ModelAvailable sends the cheapest possible message to check whether the
// endpoint routes the model at all. Full probe rounds are wasted on a model
// the proxy answers with a 404 or a mapping error.
func ModelAvailable(ctx context.Context, client *anthropic.Client, model string) bool {
	_, raw, err := client.CreateMessage(ctx, SimpleProbeRequest(model))
	return err == nil && raw != nil && raw.StatusCode == http.StatusOK
}

// ScanModels probes every candidate model and aggregates the verdicts into a
// channel report. Each model gets an availability pre-check first; models the
// endpoint does not serve are recorded as unknown with zero rounds rather
// than dropped, so the report shows what was tried.
func ScanModels(ctx context.Context, client *anthropic.Client, endpoint string, cfg Config) detect.ChannelReport {
	cfg = cfg.normalized()

	verdicts := make([]detect.ModelVerdict, 0, len(cfg.Models))
	platform := ""
	for _, model := range cfg.Models {
		if ctx.Err() != nil {
			break
		}
		if !ModelAvailable(ctx, client, model) {
			cfg.Logger.Info("model not served by endpoint, skipping probe rounds", "model", model)
			verdicts = append(verdicts, detect.BuildModelVerdict(model, nil, cfg.Rules))
			continue
		}
		verdict, probes := DetectModel(ctx, client, model, cfg)
		if platform == "" {
			platform = detect.IdentifyPlatformAcross(probes)
		}
		verdicts = append(verdicts, verdict)
	}
	return detect.BuildChannelReport(endpoint, verdicts, platform)
}

// FindWorkingModel returns the first candidate the endpoint answers with a
// 200, or empty when none respond. Used by quick scans to avoid burning
// probe rounds on models the proxy does not route.
func FindWorkingModel(ctx context.Context, client *anthropic.Client, candidates []string) string {
	if len(candidates) == 0 {
		candidates = DefaultModelCandidates()
	}
	for _, model := range candidates {
		probe := ProbeOnce(ctx, client, detect.ProbeSimple, model)
		if probe.Usable() {
			return model
		}
	}
	return ""
}
