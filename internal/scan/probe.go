package scan

import (
	"context"
	"encoding/json"
	"net/http"

	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
)

// ProbeOnce sends one diagnostic payload and converts the raw exchange into
// the form the detection engine consumes. Transport failures and non-200
// statuses come back as unusable probes rather than errors: a failed probe is
// still a data point for the scan log.
func ProbeOnce(ctx context.Context, client *anthropic.Client, kind detect.ProbeKind, model string) detect.ProbeResponse {
	probe, _ := ProbeExchange(ctx, client, kind, model)
	return probe
}

// ProbeExchange is ProbeOnce plus the raw HTTP exchange. The orchestrator
// reads the quota headers off the raw response to decide whether verification
// shots are worth sending.
func ProbeExchange(ctx context.Context, client *anthropic.Client, kind detect.ProbeKind, model string) (detect.ProbeResponse, *anthropic.RawResponse) {
	req := requestForKind(kind, model)
	raw, err := client.RawRequest(ctx, http.MethodPost, "/v1/messages", req, anthropic.RequestOptions{})
	return probeFromRaw(kind, raw, err), raw
}

func probeFromRaw(kind detect.ProbeKind, raw *anthropic.RawResponse, err error) detect.ProbeResponse {
	probe := detect.ProbeResponse{Kind: kind}
	if raw != nil {
		probe.Status = raw.StatusCode
		probe.LatencyMS = raw.Duration.Milliseconds()
		probe.Headers = flattenHeaders(raw.Headers)
		if len(raw.Body) > 0 {
			var body map[string]any
			if decodeErr := json.Unmarshal(raw.Body, &body); decodeErr == nil {
				probe.Body = body
			}
		}
	}
	if err != nil {
		if apiErr, ok := anthropic.IsAPIError(err); ok {
			probe.Err = apiErr.Error()
		} else {
			probe.Err = err.Error()
		}
	}
	return probe
}

// flattenHeaders keeps the first value per header. Detection matches on key
// presence and single values; multi-valued headers do not occur on the
// fingerprinted fields.
func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
