package detect

import "testing"

func anthropicProbeBody() map[string]any {
	return map[string]any{
		"id":    "msg_01XFDUDYJgAACzvnptvVoYEL",
		"model": "claude-sonnet-4-5",
		"content": []any{
			map[string]any{"type": "tool_use", "id": "toolu_01A09q90qw90lq917835lq9", "name": "get_time"},
		},
		"usage": map[string]any{
			"input_tokens":   float64(120),
			"output_tokens":  float64(30),
			"service_tier":   "standard",
			"inference_geo":  "us-east-1",
			"cache_creation": map[string]any{"ephemeral_5m_input_tokens": float64(0)},
		},
	}
}

func TestExtractAnthropicShape(t *testing.T) {
	fp := Extract(ProbeResponse{
		Kind:   ProbeTool,
		Status: 200,
		Headers: map[string]string{
			"Anthropic-Ratelimit-Input-Tokens-Remaining": "299000",
			"anthropic-ratelimit-input-tokens-reset":     "2026-08-24T12:00:00Z",
		},
		Body: anthropicProbeBody(),
	})

	if got := fp.Field(FieldToolUseID); got != ToolIDAnthropic {
		t.Fatalf("tool id class = %q, want %q", got, ToolIDAnthropic)
	}
	if got := fp.Field(FieldMessageID); got != MsgIDBase62 {
		t.Fatalf("message id class = %q, want %q", got, MsgIDBase62)
	}
	if got := fp.Field(FieldModelName); got != ModelClaude {
		t.Fatalf("model class = %q, want %q", got, ModelClaude)
	}
	if got := fp.Field(FieldInferenceGeo); got != ValuePresent {
		t.Fatalf("inference_geo = %q, want present", got)
	}
	if got := fp.Field(FieldCacheObject); got != ValuePresent {
		t.Fatalf("cache_creation = %q, want present", got)
	}
	if got := fp.Field(FieldUsageCasing); got != CasingSnake {
		t.Fatalf("usage casing = %q, want snake_case", got)
	}
	if got := fp.Field(FieldRatelimitHdr); got != ValuePresent {
		t.Fatalf("ratelimit header = %q, want present", got)
	}
	if fp.RatelimitRemaining != 299000 {
		t.Fatalf("remaining = %d, want 299000", fp.RatelimitRemaining)
	}
}

func TestExtractBedrockShape(t *testing.T) {
	fp := Extract(ProbeResponse{
		Kind:   ProbeTool,
		Status: 200,
		Headers: map[string]string{
			"x-amzn-requestid": "f7b5c4a1",
		},
		Body: map[string]any{
			"id":    "8b2e7a40-91c3-4d7e-a8f2-3c5d6e7f8a9b",
			"model": "kiro-claude-sonnet-4-5",
			"content": []any{
				map[string]any{"type": "tool_use", "id": "tooluse_kXEW2uKWQZy", "name": "get_time"},
			},
			"usage": map[string]any{
				"inputTokens":  float64(120),
				"outputTokens": float64(30),
			},
		},
	})

	if got := fp.Field(FieldToolUseID); got != ToolIDBedrock {
		t.Fatalf("tool id class = %q, want %q", got, ToolIDBedrock)
	}
	if got := fp.Field(FieldMessageID); got != MsgIDBareUUID {
		t.Fatalf("message id class = %q, want %q", got, MsgIDBareUUID)
	}
	if got := fp.Field(FieldModelName); got != ModelKiro {
		t.Fatalf("model class = %q, want %q", got, ModelKiro)
	}
	if got := fp.Field(FieldUsageCasing); got != CasingCamel {
		t.Fatalf("usage casing = %q, want camelCase", got)
	}
	if got := fp.Field(FieldAWSHdr); got != ValuePresent {
		t.Fatalf("aws header = %q, want present", got)
	}
	if got := fp.Field(FieldInferenceGeo); got != ValueAbsent {
		t.Fatalf("inference_geo = %q, want absent", got)
	}
}

func TestExtractVertexSignature(t *testing.T) {
	fp := Extract(ProbeResponse{
		Kind:   ProbeThinking,
		Status: 200,
		Body: map[string]any{
			"id":    "req_vrtx_011CRJ7zb8M3wirDGJtLd4E5",
			"model": "claude-sonnet-4-5",
			"content": []any{
				map[string]any{"type": "thinking", "thinking": "...", "signature": "claude#abc123"},
			},
		},
	})

	if got := fp.Field(FieldMessageID); got != MsgIDVertexReq {
		t.Fatalf("message id class = %q, want %q", got, MsgIDVertexReq)
	}
	if got := fp.Field(FieldThinkingSig); got != SigVertex {
		t.Fatalf("signature class = %q, want %q", got, SigVertex)
	}
}

func TestExtractMsgUUIDAndShortSignature(t *testing.T) {
	fp := Extract(ProbeResponse{
		Kind:   ProbeThinking,
		Status: 200,
		Body: map[string]any{
			"id": "msg_8b2e7a40-91c3-4d7e-a8f2-3c5d6e7f8a9b",
			"content": []any{
				map[string]any{"type": "thinking", "thinking": "...", "signature": "dGhpcyBpcyBzaG9ydA=="},
			},
		},
	})

	if got := fp.Field(FieldMessageID); got != MsgIDMsgUUID {
		t.Fatalf("message id class = %q, want %q", got, MsgIDMsgUUID)
	}
	if got := fp.Field(FieldThinkingSig); got != SigShort {
		t.Fatalf("signature class = %q, want %q", got, SigShort)
	}
}

func TestExtractUnusableProbeIsAllAbsent(t *testing.T) {
	fp := Extract(ProbeResponse{
		Kind:   ProbeSimple,
		Status: 529,
		Body:   anthropicProbeBody(),
	})

	for _, name := range FieldNames() {
		if got := fp.Field(name); got != ValueAbsent {
			t.Fatalf("field %s = %q, want absent for failed probe", name, got)
		}
	}
	if fp.RatelimitRemaining != -1 {
		t.Fatalf("remaining = %d, want -1", fp.RatelimitRemaining)
	}
}

func TestExtractAlwaysPopulatesEveryField(t *testing.T) {
	fp := Extract(ProbeResponse{Kind: ProbeSimple, Status: 200, Body: map[string]any{}})
	for _, name := range FieldNames() {
		if _, ok := fp.Fields[name]; !ok {
			t.Fatalf("field %s missing from fingerprint", name)
		}
	}
}
