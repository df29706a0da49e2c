package scan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*anthropic.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := anthropic.NewClient(anthropic.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
	return client, server
}

func anthropicStyleResponse(remaining int) map[string]any {
	return map[string]any{
		"id":    "msg_01XFDUDYJgAACzvnptvVoYEL",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-5",
		"content": []any{
			map[string]any{
				"type":  "tool_use",
				"id":    "toolu_01A09q90qw90lq917835lq9",
				"name":  "get_time",
				"input": map[string]any{"city": "Tokyo"},
			},
		},
		"usage": map[string]any{
			"input_tokens":   120,
			"output_tokens":  30,
			"service_tier":   "standard",
			"inference_geo":  "us-east-1",
			"cache_creation": map[string]any{"ephemeral_5m_input_tokens": 0},
		},
		"_remaining": remaining,
	}
}

func TestProbeOnceBuildsUsableProbe(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req anthropic.MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode probe request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "get_time" {
			t.Fatalf("tool probe missing forced tool: %+v", req.Tools)
		}
		w.Header().Set("anthropic-ratelimit-input-tokens-remaining", "299000")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(299000))
	})

	probe := ProbeOnce(context.Background(), client, detect.ProbeTool, "claude-sonnet-4-5")
	if !probe.Usable() {
		t.Fatalf("probe unusable: status=%d err=%s", probe.Status, probe.Err)
	}
	fp := detect.Extract(probe)
	if fp.Field(detect.FieldToolUseID) != detect.ToolIDAnthropic {
		t.Fatalf("tool id class = %q", fp.Field(detect.FieldToolUseID))
	}
	if fp.RatelimitRemaining != 299000 {
		t.Fatalf("remaining = %d, want 299000", fp.RatelimitRemaining)
	}
}

func TestProbeOnceAPIErrorIsUnusable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	})

	probe := ProbeOnce(context.Background(), client, detect.ProbeSimple, "claude-sonnet-4-5")
	if probe.Usable() {
		t.Fatalf("429 probe marked usable")
	}
	if probe.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", probe.Status)
	}
	if probe.Err == "" {
		t.Fatalf("expected error summary on failed probe")
	}
}

func TestDetectModelClassifiesGenuineAnthropic(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		// Counter decreases per round, like a live quota window.
		remaining := 300000 - int(n)*1000
		w.Header().Set("anthropic-ratelimit-input-tokens-remaining", strconv.Itoa(remaining))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(remaining))
	})

	cfg := Config{ToolRounds: 2, RoundDelay: time.Millisecond}
	verdict, probes := DetectModel(context.Background(), client, "claude-sonnet-4-5", cfg)
	if verdict.Hypothesis != detect.BackendAnthropic {
		t.Fatalf("hypothesis = %s, want anthropic", verdict.Hypothesis)
	}
	if verdict.Dynamics != detect.DynamicsGenuine {
		t.Fatalf("dynamics = %s, want dynamic", verdict.Dynamics)
	}
	if verdict.Suspicious {
		t.Fatalf("genuine channel flagged suspicious")
	}
	// Two tool rounds plus the default verification shots the live counter
	// earned.
	if len(probes) != 4 {
		t.Fatalf("probes = %d, want 4", len(probes))
	}
}

func TestDetectModelSkipsShotsWithoutCounter(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(0))
	})

	cfg := Config{ToolRounds: 2, RoundDelay: time.Millisecond}
	verdict, probes := DetectModel(context.Background(), client, "claude-sonnet-4-5", cfg)
	if len(probes) != 2 {
		t.Fatalf("probes = %d, want 2 (no quota header, no shots)", len(probes))
	}
	if calls.Load() != 2 {
		t.Fatalf("requests = %d, want 2", calls.Load())
	}
	if verdict.Dynamics != detect.DynamicsInsufficient {
		t.Fatalf("dynamics = %s, want insufficient", verdict.Dynamics)
	}
}

func TestDetectModelShotsRescueSingleReading(t *testing.T) {
	// One tool round yields a single quota sample, not enough to classify.
	// Seeing the header must trigger the verification shots, whose extra
	// readings settle the dynamics.
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		remaining := 300000 - int(n)*1000
		w.Header().Set("anthropic-ratelimit-input-tokens-remaining", strconv.Itoa(remaining))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(remaining))
	})

	cfg := Config{ToolRounds: 1, RoundDelay: time.Millisecond}
	verdict, probes := DetectModel(context.Background(), client, "claude-sonnet-4-5", cfg)
	if len(probes) != 3 {
		t.Fatalf("probes = %d, want 1 round + 2 shots", len(probes))
	}
	if verdict.Dynamics != detect.DynamicsGenuine {
		t.Fatalf("dynamics = %s, want dynamic", verdict.Dynamics)
	}
}

func TestDetectModelFlagsFrozenCounter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Anthropic-looking body without the exclusive usage fields, plus a
		// counter that never moves.
		w.Header().Set("anthropic-ratelimit-input-tokens-remaining", "299000")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_01XFDUDYJgAACzvnptvVoYEL",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-sonnet-4-5",
			"content": []any{
				map[string]any{"type": "tool_use", "id": "toolu_01A09q90qw90lq9", "name": "get_time", "input": map[string]any{}},
			},
			"usage": map[string]any{"input_tokens": 120, "output_tokens": 30},
		})
	})

	cfg := Config{ToolRounds: 3, RoundDelay: time.Millisecond}
	verdict, _ := DetectModel(context.Background(), client, "claude-sonnet-4-5", cfg)
	if verdict.Dynamics != detect.DynamicsStatic {
		t.Fatalf("dynamics = %s, want static", verdict.Dynamics)
	}
	if !verdict.Suspicious {
		t.Fatalf("frozen counter with anthropic lead must be suspicious: %+v", verdict)
	}
}

func TestScanModelsMixedChannel(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropic.MessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Model == "claude-opus-4-1" {
			// Relay path: kiro catalog leak, camelCase usage.
			json.NewEncoder(w).Encode(map[string]any{
				"id":    "8b2e7a40-91c3-4d7e-a8f2-3c5d6e7f8a9b",
				"type":  "message",
				"role":  "assistant",
				"model": "kiro-claude-opus-4-1",
				"content": []any{
					map[string]any{"type": "tool_use", "id": "tooluse_kXEW2uKWQZy", "name": "get_time", "input": map[string]any{}},
				},
				"usage": map[string]any{"inputTokens": 120, "outputTokens": 30},
			})
			return
		}
		json.NewEncoder(w).Encode(anthropicStyleResponse(0))
	})

	cfg := Config{
		Models:     []string{"claude-sonnet-4-5", "claude-opus-4-1"},
		ToolRounds: 1,
		RoundDelay: time.Millisecond,
	}
	report := ScanModels(context.Background(), client, "http://proxy.example", cfg)
	if !report.MixedChannel {
		t.Fatalf("expected mixed-channel flag, got %+v", report)
	}
	if report.Models["claude-opus-4-1"].Hypothesis != detect.BackendBedrock {
		t.Fatalf("opus hypothesis = %s, want bedrock", report.Models["claude-opus-4-1"].Hypothesis)
	}
}

func TestScanModelsRecordsUnavailableModel(t *testing.T) {
	var opusRequests atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropic.MessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "claude-opus-4-1" {
			opusRequests.Add(1)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"error","error":{"type":"not_found_error","message":"model not found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(0))
	})

	cfg := Config{
		Models:     []string{"claude-sonnet-4-5", "claude-opus-4-1"},
		ToolRounds: 2,
		RoundDelay: time.Millisecond,
	}
	report := ScanModels(context.Background(), client, "http://proxy.example", cfg)

	opus, ok := report.Models["claude-opus-4-1"]
	if !ok {
		t.Fatalf("unserved model missing from report: %+v", report.Models)
	}
	if opus.Hypothesis != detect.BackendUnknown || opus.Rounds != 0 {
		t.Fatalf("unserved model verdict = %s rounds=%d, want unknown with 0 rounds", opus.Hypothesis, opus.Rounds)
	}
	// The availability pre-check is the only request an unserved model costs.
	if opusRequests.Load() != 1 {
		t.Fatalf("opus requests = %d, want 1", opusRequests.Load())
	}
	if report.Models["claude-sonnet-4-5"].Hypothesis != detect.BackendAnthropic {
		t.Fatalf("served model hypothesis = %s, want anthropic", report.Models["claude-sonnet-4-5"].Hypothesis)
	}
}

func TestFindWorkingModelSkipsUnrouted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropic.MessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "claude-haiku-4-5" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"error","error":{"type":"not_found_error","message":"model not found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicStyleResponse(0))
	})

	model := FindWorkingModel(context.Background(), client, []string{"claude-sonnet-4-5", "claude-haiku-4-5"})
	if model != "claude-haiku-4-5" {
		t.Fatalf("working model = %q, want claude-haiku-4-5", model)
	}
}
