package detect

// Tier ranks how hard a fingerprint field is to fabricate. Ironclad fields
// have never been observed forged by a relay; spoofable fields have been
// rewritten or injected in the wild. Weights keep at least a 5x gap between
// the tiers so accumulated spoofable evidence cannot outvote a single
// ironclad contradiction.
type Tier string

const (
	TierIronclad  Tier = "ironclad"
	TierSpoofable Tier = "spoofable"
)

// Fingerprint field names. Extraction always emits all of them.
const (
	FieldToolUseID    = "tool_use_id"
	FieldMessageID    = "message_id"
	FieldModelName    = "model_name"
	FieldThinkingSig  = "thinking_signature"
	FieldServiceTier  = "service_tier"
	FieldInferenceGeo = "inference_geo"
	FieldCacheObject  = "cache_creation"
	FieldUsageCasing  = "usage_casing"
	FieldRatelimitHdr = "ratelimit_headers"
	FieldAWSHdr       = "aws_headers"
)

// FieldNames lists every fingerprint field in a stable order.
func FieldNames() []string {
	return []string{
		FieldToolUseID,
		FieldMessageID,
		FieldModelName,
		FieldThinkingSig,
		FieldServiceTier,
		FieldInferenceGeo,
		FieldCacheObject,
		FieldUsageCasing,
		FieldRatelimitHdr,
		FieldAWSHdr,
	}
}

// Observed value classes per field.
const (
	ToolIDAnthropic = "toolu"     // toolu_ prefix
	ToolIDBedrock   = "tooluse"   // tooluse_ prefix
	ToolIDVertex    = "tool_n"    // tool_<digits>
	ToolIDRewritten = "rewritten" // anything else

	MsgIDBase62    = "msg_base62" // msg_ + base62, no hyphens
	MsgIDMsgUUID   = "msg_uuid"   // msg_ + UUID fragment
	MsgIDVertexReq = "req_vrtx"   // req_vrtx_ prefix
	MsgIDBareUUID  = "uuid"       // bare UUID
	MsgIDOther     = "other"

	ModelClaude      = "claude"        // claude-*
	ModelKiro        = "kiro"          // kiro-*
	ModelBedrockList = "anthropic_dot" // anthropic.*
	ModelOther       = "other"

	SigNormal = "normal"      // full-length signature
	SigShort  = "short"       // truncated, below length threshold
	SigVertex = "claude_hash" // claude# prefixed

	CasingSnake = "snake_case"
	CasingCamel = "camelCase"

	ValuePresent = "present"
)

// EvidenceRule maps one observed field class to a backend hypothesis with a
// tiered weight. The table is static configuration: new spoofing patterns
// are handled by appending rules, not by editing scoring control flow.
// ExclusiveAnthropic marks fields a genuine primary-API response essentially
// always carries; their joint absence feeds the negative-evidence detector.
type EvidenceRule struct {
	Field              string
	Match              string
	Backend            Backend
	Tier               Tier
	Weight             float64
	ExclusiveAnthropic bool
}

// DefaultRules is the versioned evidence table. Derived from observed
// response corpora of the three backends:
//
//	field             anthropic        bedrock relay       vertex relay
//	tool_use id       toolu_           tooluse_            tooluse_ / tool_N
//	message id        msg_<base62>     UUID / msg_<UUID>   msg_<UUID> / req_vrtx_
//	thinking sig      len 200+         len 200+ / cut      claude# / cut
//	model name        claude-*         kiro-* / anthropic.* claude-*
//	service_tier      present          -                   -
//	inference_geo     present          -                   -
//	cache_creation    nested object    -                   -
//	ratelimit header  anthropic-*      -                   -
//	aws headers       -                sometimes           -
//	usage casing      snake_case       camelCase           snake_case
func DefaultRules() []EvidenceRule {
	return []EvidenceRule{
		// Identifier prefixes: relays have been caught rewriting all of
		// these, so they stay in the spoofable tier.
		{Field: FieldToolUseID, Match: ToolIDAnthropic, Backend: BackendAnthropic, Tier: TierSpoofable, Weight: 2},
		{Field: FieldToolUseID, Match: ToolIDBedrock, Backend: BackendBedrock, Tier: TierSpoofable, Weight: 2},
		{Field: FieldToolUseID, Match: ToolIDVertex, Backend: BackendVertex, Tier: TierIronclad, Weight: 10},
		{Field: FieldMessageID, Match: MsgIDBase62, Backend: BackendAnthropic, Tier: TierSpoofable, Weight: 1},
		{Field: FieldMessageID, Match: MsgIDMsgUUID, Backend: BackendVertex, Tier: TierSpoofable, Weight: 1},

		// Platform-native request identifier: no relay fabricates req_vrtx_.
		{Field: FieldMessageID, Match: MsgIDVertexReq, Backend: BackendVertex, Tier: TierIronclad, Weight: 12},

		// Model name leaks from the bedrock relay's own catalog.
		{Field: FieldModelName, Match: ModelKiro, Backend: BackendBedrock, Tier: TierIronclad, Weight: 12},
		{Field: FieldModelName, Match: ModelBedrockList, Backend: BackendBedrock, Tier: TierSpoofable, Weight: 2},

		// Thinking signatures: the vertex-native claude# form is ironclad,
		// a normal full-length signature weakly supports the primary API.
		{Field: FieldThinkingSig, Match: SigVertex, Backend: BackendVertex, Tier: TierIronclad, Weight: 10},
		{Field: FieldThinkingSig, Match: SigNormal, Backend: BackendAnthropic, Tier: TierSpoofable, Weight: 1, ExclusiveAnthropic: true},

		// Usage-block exclusives. service_tier has been injected by relays;
		// inference_geo and the nested cache_creation object have not.
		{Field: FieldServiceTier, Match: ValuePresent, Backend: BackendAnthropic, Tier: TierSpoofable, Weight: 2},
		{Field: FieldInferenceGeo, Match: ValuePresent, Backend: BackendAnthropic, Tier: TierIronclad, Weight: 10, ExclusiveAnthropic: true},
		{Field: FieldCacheObject, Match: ValuePresent, Backend: BackendAnthropic, Tier: TierIronclad, Weight: 8, ExclusiveAnthropic: true},

		// Transport-level markers.
		{Field: FieldUsageCasing, Match: CasingCamel, Backend: BackendBedrock, Tier: TierSpoofable, Weight: 2},
		{Field: FieldRatelimitHdr, Match: ValuePresent, Backend: BackendAnthropic, Tier: TierSpoofable, Weight: 2},
		{Field: FieldAWSHdr, Match: ValuePresent, Backend: BackendBedrock, Tier: TierIronclad, Weight: 8},
	}
}

// ExclusiveAnthropicRules filters the rules whose absence counts as negative
// evidence against a primary-API verdict.
func ExclusiveAnthropicRules(rules []EvidenceRule) []EvidenceRule {
	out := make([]EvidenceRule, 0, len(rules))
	for _, rule := range rules {
		if rule.ExclusiveAnthropic {
			out = append(out, rule)
		}
	}
	return out
}
