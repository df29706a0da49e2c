package scan

import (
	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
)

// Diagnostic payload builders. Each probe kind is designed to force the
// backend to emit the artifacts detection keys on: the tool probe forces a
// tool_use block, the thinking probe forces a signed thinking block, and the
// simple probe is a cheap exchange used for ratelimit sampling.

const probeMaxTokens = 256

// ToolProbeRequest forces a tool invocation so the response carries a
// tool_use id. tool_choice pins the tool, otherwise weaker models answer in
// prose and the probe learns nothing.
func ToolProbeRequest(model string) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: probeMaxTokens,
		Messages: []anthropic.Message{
			{Role: "user", Content: "What time is it in Tokyo right now?"},
		},
		Tools: []anthropic.ToolDefinition{
			{
				Name:        "get_time",
				Description: "Get the current time for a city",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"city": map[string]any{"type": "string"},
					},
					"required": []string{"city"},
				},
			},
		},
		ToolChoice: map[string]any{"type": "tool", "name": "get_time"},
	}
}

// ThinkingProbeRequest forces extended thinking so the response carries a
// signature. The budget is the minimum the API accepts; max_tokens must
// exceed it.
func ThinkingProbeRequest(model string) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: 2048,
		Messages: []anthropic.Message{
			{Role: "user", Content: "Is 1027 prime? Answer yes or no."},
		},
		Thinking: &anthropic.ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: 1024,
		},
	}
}

// SimpleProbeRequest is a minimal exchange used for availability checks and
// extra ratelimit-header samples.
func SimpleProbeRequest(model string) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: 16,
		Messages: []anthropic.Message{
			{Role: "user", Content: "ping"},
		},
	}
}

func requestForKind(kind detect.ProbeKind, model string) anthropic.MessageRequest {
	switch kind {
	case detect.ProbeTool:
		return ToolProbeRequest(model)
	case detect.ProbeThinking:
		return ThinkingProbeRequest(model)
	default:
		return SimpleProbeRequest(model)
	}
}
