package detect

import "fmt"

// ScoreFingerprint evaluates one fingerprint against the rule table and
// returns its ScoreVector contribution plus the evidence entries behind every
// point. Scoring is additive and order-independent: the same fingerprints in
// any order accumulate to the same vector.
func ScoreFingerprint(fp Fingerprint, rules []EvidenceRule, round int) (ScoreVector, []Evidence) {
	vector := NewScoreVector()
	evidence := make([]Evidence, 0, 4)
	for _, rule := range rules {
		observed := fp.Field(rule.Field)
		if observed == ValueAbsent || observed != rule.Match {
			continue
		}
		vector[rule.Backend] += rule.Weight
		evidence = append(evidence, Evidence{
			Round:   round,
			Field:   rule.Field,
			Value:   observedDetail(fp, rule.Field, observed),
			Weight:  rule.Weight,
			Backend: rule.Backend,
			Tier:    rule.Tier,
		})
	}
	return vector, evidence
}

// observedDetail enriches the evidence trail with the raw value behind a
// classified field, truncated to keep reports readable.
func observedDetail(fp Fingerprint, field, class string) string {
	switch field {
	case FieldToolUseID:
		if fp.ToolID != "" {
			return class + " (" + firstN(fp.ToolID, 28) + ")"
		}
	case FieldMessageID:
		if fp.MessageID != "" {
			return class + " (" + firstN(fp.MessageID, 28) + ")"
		}
	case FieldModelName:
		if fp.Model != "" {
			return class + " (" + fp.Model + ")"
		}
	case FieldThinkingSig:
		return fmt.Sprintf("%s (len=%d)", class, fp.SignatureLen)
	case FieldServiceTier:
		if fp.ServiceTier != "" {
			return class + " (" + fp.ServiceTier + ")"
		}
	case FieldInferenceGeo:
		if fp.InferenceGeo != "" {
			return class + " (" + fp.InferenceGeo + ")"
		}
	}
	return class
}

// ReattributeSharedMarkers resolves evidence classes that two backends share.
//
// The tooluse_ prefix belongs to both relay families. It is booked to bedrock
// up front; when the fingerprints carry a vertex ironclad marker and no
// kiro-model marker, the tooluse_ points move to vertex. Conversely, when a
// kiro-model marker exists, msg_<UUID> readings are relay rewrites rather
// than vertex forgeries, so their vertex points are withdrawn.
func ReattributeSharedMarkers(fps []Fingerprint, vector ScoreVector, rules []EvidenceRule) []Evidence {
	hasKiroModel := false
	hasVertexMarker := false
	for _, fp := range fps {
		if fp.Field(FieldModelName) == ModelKiro {
			hasKiroModel = true
		}
		switch {
		case fp.Field(FieldToolUseID) == ToolIDVertex,
			fp.Field(FieldMessageID) == MsgIDVertexReq,
			fp.Field(FieldThinkingSig) == SigVertex:
			hasVertexMarker = true
		}
	}

	notes := []Evidence{}
	if hasVertexMarker && !hasKiroModel && vector[BackendBedrock] > 0 {
		moved := 0.0
		weight := ruleWeight(rules, FieldToolUseID, ToolIDBedrock)
		for _, fp := range fps {
			if fp.Field(FieldToolUseID) == ToolIDBedrock {
				moved += weight
			}
		}
		if moved > 0 {
			if moved > vector[BackendBedrock] {
				moved = vector[BackendBedrock]
			}
			vector[BackendBedrock] -= moved
			vector[BackendVertex] += moved
			notes = append(notes, Evidence{
				Field:   FieldToolUseID,
				Value:   ToolIDBedrock,
				Weight:  moved,
				Backend: BackendVertex,
				Note:    "shared tooluse_ prefix reattributed to vertex (vertex ironclad marker present, no kiro model)",
			})
		}
	}

	if hasKiroModel {
		withdrawn := 0.0
		weight := ruleWeight(rules, FieldMessageID, MsgIDMsgUUID)
		for _, fp := range fps {
			if fp.Field(FieldMessageID) == MsgIDMsgUUID {
				withdrawn += weight
			}
		}
		if withdrawn > 0 {
			if withdrawn > vector[BackendVertex] {
				withdrawn = vector[BackendVertex]
			}
			vector[BackendVertex] -= withdrawn
			notes = append(notes, Evidence{
				Field:   FieldMessageID,
				Value:   MsgIDMsgUUID,
				Weight:  -withdrawn,
				Backend: BackendVertex,
				Note:    "msg_<UUID> attributed to bedrock relay rewrite (kiro model marker present)",
			})
		}
	}
	return notes
}

func ruleWeight(rules []EvidenceRule, field, match string) float64 {
	for _, rule := range rules {
		if rule.Field == field && rule.Match == match {
			return rule.Weight
		}
	}
	return 0
}

func firstN(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
