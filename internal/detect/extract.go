package detect

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	anthropicToolPrefix = "toolu_"
	bedrockToolPrefix   = "tooluse_"
	anthropicMsgPrefix  = "msg_"
	vertexReqPrefix     = "req_vrtx_"
	kiroModelPrefix     = "kiro-"
	bedrockModelPrefix  = "anthropic."
	claudeModelPrefix   = "claude-"

	// Signatures below this length are truncated relay artifacts.
	shortSignatureThreshold = 100
)

var (
	// msg_ + UUID has hyphens where native base62 ids never do.
	msgUUIDPattern  = regexp.MustCompile(`(?i)^msg_[0-9a-f]{8}-[0-9a-f]{4}-`)
	bareUUIDPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	vertexToolIDPat = regexp.MustCompile(`^tool_\d+$`)
)

var awsHeaderKeywords = []string{"x-amzn", "x-amz-", "bedrock"}

var ratelimitHeaderKeywords = []string{"anthropic-ratelimit", "x-ratelimit", "retry-after"}

// Extract normalizes one probe response into a Fingerprint. Every key from
// FieldNames is populated; malformed or missing structure degrades the
// affected field to ValueAbsent rather than failing extraction.
func Extract(probe ProbeResponse) Fingerprint {
	fp := Fingerprint{
		Kind:               probe.Kind,
		Fields:             map[string]string{},
		RatelimitRemaining: -1,
	}
	for _, name := range FieldNames() {
		fp.Fields[name] = ValueAbsent
	}
	if !probe.Usable() {
		return fp
	}

	extractHeaders(&fp, probe.Headers)
	extractBody(&fp, probe.Body)
	return fp
}

func extractHeaders(fp *Fingerprint, headers map[string]string) {
	for name, value := range headers {
		key := strings.ToLower(strings.TrimSpace(name))
		if containsAny(key, awsHeaderKeywords) {
			fp.Fields[FieldAWSHdr] = ValuePresent
		}
		if containsAny(key, ratelimitHeaderKeywords) {
			fp.Fields[FieldRatelimitHdr] = ValuePresent
		}
		switch key {
		case "anthropic-ratelimit-input-tokens-remaining":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				fp.RatelimitRemaining = n
			}
		case "anthropic-ratelimit-input-tokens-reset":
			fp.RatelimitReset = strings.TrimSpace(value)
		}
	}
}

func extractBody(fp *Fingerprint, body map[string]any) {
	if body == nil {
		return
	}

	if id, ok := body["id"].(string); ok && id != "" {
		fp.MessageID = id
		fp.Fields[FieldMessageID] = classifyMessageID(id)
	}
	if model, ok := body["model"].(string); ok && model != "" {
		fp.Model = model
		fp.Fields[FieldModelName] = classifyModel(model)
	}

	for _, block := range contentBlocks(body) {
		blockType, _ := block["type"].(string)
		switch blockType {
		case "tool_use":
			if fp.ToolID != "" {
				continue
			}
			if id, ok := block["id"].(string); ok && id != "" {
				fp.ToolID = id
				fp.Fields[FieldToolUseID] = classifyToolID(id)
			}
		case "thinking":
			sig, _ := block["signature"].(string)
			fp.SignatureLen = len(sig)
			fp.Fields[FieldThinkingSig] = classifySignature(sig)
		}
	}

	usage, _ := body["usage"].(map[string]any)
	if usage == nil {
		return
	}
	if _, ok := usage["input_tokens"]; ok {
		fp.Fields[FieldUsageCasing] = CasingSnake
	}
	if _, ok := usage["inputTokens"]; ok {
		fp.Fields[FieldUsageCasing] = CasingCamel
	}
	if tier, ok := usage["service_tier"].(string); ok && tier != "" {
		fp.ServiceTier = tier
		fp.Fields[FieldServiceTier] = ValuePresent
	}
	if geo, ok := usage["inference_geo"].(string); ok && geo != "" {
		fp.InferenceGeo = geo
		fp.Fields[FieldInferenceGeo] = ValuePresent
	}
	if _, ok := usage["cache_creation"].(map[string]any); ok {
		fp.Fields[FieldCacheObject] = ValuePresent
	}
}

func contentBlocks(body map[string]any) []map[string]any {
	raw, ok := body["content"].([]any)
	if !ok {
		return nil
	}
	blocks := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func classifyToolID(id string) string {
	switch {
	case strings.HasPrefix(id, bedrockToolPrefix):
		return ToolIDBedrock
	case strings.HasPrefix(id, anthropicToolPrefix):
		return ToolIDAnthropic
	case vertexToolIDPat.MatchString(id):
		return ToolIDVertex
	default:
		return ToolIDRewritten
	}
}

// classifyMessageID separates native base62 message ids from the UUID-shaped
// forgeries and the vertex request-id format. The hyphen is the tell: base62
// never contains one.
func classifyMessageID(id string) string {
	switch {
	case strings.HasPrefix(id, vertexReqPrefix):
		return MsgIDVertexReq
	case strings.HasPrefix(id, anthropicMsgPrefix):
		if msgUUIDPattern.MatchString(id) {
			return MsgIDMsgUUID
		}
		return MsgIDBase62
	case bareUUIDPattern.MatchString(id):
		return MsgIDBareUUID
	default:
		return MsgIDOther
	}
}

func classifyModel(model string) string {
	switch {
	case strings.HasPrefix(model, kiroModelPrefix):
		return ModelKiro
	case strings.HasPrefix(model, bedrockModelPrefix):
		return ModelBedrockList
	case strings.HasPrefix(model, claudeModelPrefix):
		return ModelClaude
	default:
		return ModelOther
	}
}

func classifySignature(sig string) string {
	switch {
	case sig == "":
		return ValueAbsent
	case strings.HasPrefix(sig, "claude#"):
		return SigVertex
	case len(sig) < shortSignatureThreshold:
		return SigShort
	default:
		return SigNormal
	}
}

func containsAny(value string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(value, keyword) {
			return true
		}
	}
	return false
}
