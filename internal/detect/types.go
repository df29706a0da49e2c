// Package detect classifies which backend infrastructure actually serves an
// Anthropic-compatible endpoint by scoring response fingerprints against
// known backend signatures. It is a pure transformation layer: probes come in
// as ProbeResponse records, verdicts come out as ModelVerdict/ChannelReport
// records, and nothing in here touches the network.
package detect

// Backend is one of the three infrastructure hypotheses, or unknown.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendBedrock   Backend = "bedrock"
	BackendVertex    Backend = "vertex"
	BackendUnknown   Backend = "unknown"
)

// Hypotheses returns the three scoreable backends in canonical order.
func Hypotheses() []Backend {
	return []Backend{BackendAnthropic, BackendBedrock, BackendVertex}
}

// ProbeKind labels which diagnostic payload produced a response.
type ProbeKind string

const (
	ProbeTool     ProbeKind = "tool"
	ProbeThinking ProbeKind = "thinking"
	ProbeSimple   ProbeKind = "simple"
)

// ProbeResponse is the observable data from one HTTP exchange, captured by
// the transport layer. Header keys are matched case-insensitively. Err is
// set for transport or non-200 failures; such probes carry no evidence.
type ProbeResponse struct {
	Kind      ProbeKind         `json:"kind"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      map[string]any    `json:"body,omitempty"`
	LatencyMS int64             `json:"latency_ms"`
	Err       string            `json:"error,omitempty"`
}

// Usable reports whether the probe produced a response worth fingerprinting.
func (p ProbeResponse) Usable() bool {
	return p.Err == "" && p.Status == 200
}

// ValueAbsent marks a fingerprint field that was not observed. Absence is
// evidence in its own right, so extraction records it explicitly instead of
// omitting the key.
const ValueAbsent = "absent"

// Fingerprint is the normalized, backend-agnostic extraction from one probe.
// Fields always contains every key in FieldNames(), with ValueAbsent for
// anything the response did not carry.
type Fingerprint struct {
	Kind   ProbeKind         `json:"kind"`
	Fields map[string]string `json:"fields"`

	// Raw companions kept for the evidence trail and ratelimit sampling.
	ToolID             string `json:"tool_id,omitempty"`
	MessageID          string `json:"message_id,omitempty"`
	Model              string `json:"model,omitempty"`
	SignatureLen       int    `json:"thinking_sig_len,omitempty"`
	ServiceTier        string `json:"service_tier,omitempty"`
	InferenceGeo       string `json:"inference_geo,omitempty"`
	RatelimitRemaining int    `json:"ratelimit_remaining"`
	RatelimitReset     string `json:"ratelimit_reset,omitempty"`
}

// Field returns the observed class for a fingerprint field, or ValueAbsent.
func (f Fingerprint) Field(name string) string {
	if f.Fields == nil {
		return ValueAbsent
	}
	value, ok := f.Fields[name]
	if !ok {
		return ValueAbsent
	}
	return value
}

// ScoreVector accumulates weighted evidence per backend hypothesis.
type ScoreVector map[Backend]float64

// NewScoreVector returns a zeroed vector over the three hypotheses.
func NewScoreVector() ScoreVector {
	return ScoreVector{
		BackendAnthropic: 0,
		BackendBedrock:   0,
		BackendVertex:    0,
	}
}

// Add merges another vector into this one.
func (v ScoreVector) Add(other ScoreVector) {
	for backend, score := range other {
		v[backend] += score
	}
}

// ClampNonNegative floors every entry at zero.
func (v ScoreVector) ClampNonNegative() {
	for backend, score := range v {
		if score < 0 {
			v[backend] = 0
		}
	}
}

// Total returns the sum over all hypotheses.
func (v ScoreVector) Total() float64 {
	total := 0.0
	for _, score := range v {
		total += score
	}
	return total
}

// Leader returns the hypothesis with the highest score and that score.
// Ties resolve in canonical hypothesis order so output is deterministic.
func (v ScoreVector) Leader() (Backend, float64) {
	leader := BackendUnknown
	best := 0.0
	for _, backend := range Hypotheses() {
		if score := v[backend]; score > best {
			leader = backend
			best = score
		}
	}
	return leader, best
}

// RunnerUp returns the second-highest score.
func (v ScoreVector) RunnerUp() float64 {
	leader, _ := v.Leader()
	second := 0.0
	for _, backend := range Hypotheses() {
		if backend == leader {
			continue
		}
		if score := v[backend]; score > second {
			second = score
		}
	}
	return second
}

// RatelimitSample is one quota-header reading taken during a probe round.
// Remaining is -1 when the header was absent.
type RatelimitSample struct {
	Round     int     `json:"round"`
	Remaining int     `json:"remaining"`
	Timestamp float64 `json:"timestamp"`
}

// Dynamics classifies a ratelimit sample sequence.
type Dynamics string

const (
	DynamicsGenuine      Dynamics = "dynamic"
	DynamicsStatic       Dynamics = "static"
	DynamicsInsufficient Dynamics = "insufficient"
)

// Evidence is one scored observation in a verdict's audit trail.
type Evidence struct {
	Round   int     `json:"round"`
	Field   string  `json:"field"`
	Value   string  `json:"value"`
	Weight  float64 `json:"weight"`
	Backend Backend `json:"hypothesis,omitempty"`
	Tier    Tier    `json:"tier,omitempty"`
	Note    string  `json:"note,omitempty"`
}

// ModelVerdict is the final classification for one model.
type ModelVerdict struct {
	Model      string      `json:"model"`
	Hypothesis Backend     `json:"hypothesis"`
	Confidence float64     `json:"confidence"`
	Suspicious bool        `json:"suspicious"`
	Scores     ScoreVector `json:"scores"`
	Evidence   []Evidence  `json:"evidence"`
	Dynamics   Dynamics    `json:"ratelimit_dynamics,omitempty"`
	Rounds     int         `json:"rounds"`
	Platform   string      `json:"relay_platform,omitempty"`
}

// ChannelReport aggregates per-model verdicts for one endpoint scan.
// MixedChannel is true when two or more non-unknown verdicts disagree,
// which surfaces proxies that route model names to different backends.
type ChannelReport struct {
	Endpoint     string                  `json:"endpoint"`
	GeneratedAt  string                  `json:"generated_at"`
	Models       map[string]ModelVerdict `json:"models"`
	MixedChannel bool                    `json:"mixed_channel"`
	Platform     string                  `json:"relay_platform,omitempty"`
}
