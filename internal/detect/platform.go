package detect

import "strings"

// platformClue ties a response-header marker to the relay product that emits
// it. Each product leaks its name in a different place: a substring of some
// header name, a substring of some header value, or an entry in the CORS
// allow-list. These identify the proxy software in front of the backend, not
// the backend itself, so they never contribute to the score vector.
type platformClue struct {
	name    string
	keyPart string // substring of any header name
	valPart string // substring of any header value
	cors    string // substring of access-control-allow-headers
}

func (c platformClue) matches(headers map[string]string, allowHeaders string) bool {
	for key, value := range headers {
		if c.keyPart != "" && strings.Contains(key, c.keyPart) {
			return true
		}
		if c.valPart != "" && strings.Contains(value, c.valPart) {
			return true
		}
	}
	return c.cors != "" && strings.Contains(allowHeaders, c.cors)
}

var platformClues = []platformClue{
	{name: "aidistri", keyPart: "aidistri"},
	{name: "accounthub", cors: "accounthub"},
	{name: "openrouter", keyPart: "openrouter", valPart: "openrouter"},
	{name: "oneapi", keyPart: "one-api"},
	{name: "oneapi", keyPart: "new-api"},
}

// IdentifyPlatform scans response headers for relay-product markers and
// returns the first match, or empty when nothing identifies the proxy layer.
// Matching is case-insensitive over both names and values. Cloudflare is the
// weakest clue and only fires when the Server header names it outright and a
// cf-ray trace id rode along; it still only tells us about the CDN in front.
func IdentifyPlatform(headers map[string]string) string {
	lowered := make(map[string]string, len(headers))
	for name, value := range headers {
		lowered[strings.ToLower(strings.TrimSpace(name))] = strings.ToLower(value)
	}
	allowHeaders := lowered["access-control-allow-headers"]
	for _, clue := range platformClues {
		if clue.matches(lowered, allowHeaders) {
			return clue.name
		}
	}
	if _, ok := lowered["cf-ray"]; ok && lowered["server"] == "cloudflare" {
		return "cloudflare"
	}
	return ""
}

// IdentifyPlatformAcross applies IdentifyPlatform over every probe in a scan
// and returns the first identified platform.
func IdentifyPlatformAcross(probes []ProbeResponse) string {
	for _, probe := range probes {
		if name := IdentifyPlatform(probe.Headers); name != "" {
			return name
		}
	}
	return ""
}
