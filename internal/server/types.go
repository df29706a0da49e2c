package server

import (
	"time"

	"relaytrace/internal/detect"
	"relaytrace/internal/scan"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ScanRequest is the admin-facing request to classify an endpoint.
type ScanRequest struct {
	Endpoint         string   `json:"endpoint"`
	Models           []string `json:"models,omitempty"`
	ToolRounds       int      `json:"tool_rounds,omitempty"`
	WithThinking     *bool    `json:"with_thinking,omitempty"`
	BaselineScanID   string   `json:"baseline_scan_id,omitempty"`
	TimeoutSec       int      `json:"timeout_sec,omitempty"`
	AnthropicVersion string   `json:"anthropic_version,omitempty"`
	AnthropicBeta    string   `json:"anthropic_beta,omitempty"`
}

// QuickScanRequest is the unauthenticated single-model variant. The caller
// supplies their own key; the service never spends pool keys on it.
type QuickScanRequest struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
}

type ScanMeta struct {
	ScanID       string                `json:"scan_id"`
	Status       string                `json:"status"`
	CreatorType  string                `json:"creator_type"`
	CreatorSub   string                `json:"creator_sub,omitempty"`
	CreatorEmail string                `json:"creator_email,omitempty"`
	Source       string                `json:"source"`
	Request      ScanRequest           `json:"request"`
	StartedAt    string                `json:"started_at,omitempty"`
	FinishedAt   string                `json:"finished_at,omitempty"`
	CreatedAt    string                `json:"created_at"`
	Error        string                `json:"error,omitempty"`
	Report       *detect.ChannelReport `json:"report,omitempty"`
	Drift        *scan.DriftResult     `json:"drift,omitempty"`
	KeyUsage     KeyUsageRecord        `json:"key_usage"`
}

type KeyUsageRecord struct {
	ScanID        string `json:"scan_id"`
	KeyLabel      string `json:"key_label"`
	ProbeCount    int    `json:"probe_count"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	ScanID    string `json:"scan_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type ScanEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string         `json:"generated_at"`
	TotalScans      int            `json:"total_scans"`
	RunningScans    int            `json:"running_scans"`
	DoneScans       int            `json:"done_scans"`
	ErrorScans      int            `json:"error_scans"`
	MixedChannels   int            `json:"mixed_channels"`
	SuspiciousScans int            `json:"suspicious_scans"`
	BackendCounts   map[string]int `json:"backend_counts"`
	TotalProbes     int            `json:"total_probes"`
}

// StoreSnapshot is the on-disk shape of the file-backed store.
type StoreSnapshot struct {
	Scans  []ScanMeta             `json:"scans"`
	Events map[string][]ScanEvent `json:"events"`
	Audit  []AuditEvent           `json:"audit"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
