package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaytrace/internal/anthropic"
	"relaytrace/internal/detect"
	"relaytrace/internal/scan"
)

// ScanManager queues scans and executes them on a bounded worker pool.
type ScanManager struct {
	cfg        ServerConfig
	store      Store
	budget     *BudgetManager
	obs        *Observability
	queue      chan queuedScan
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type ScannerService interface {
	CreateAdminScan(request ScanRequest, principal Principal, source string) (ScanMeta, error)
	CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (ScanMeta, error)
}

type queuedScan struct {
	ScanID      string
	Request     ScanRequest
	Creator     Principal
	CreatorType string
	Source      string
	UserAPIKey  string
}

func NewScanManager(cfg ServerConfig, store Store, budget *BudgetManager, obs *Observability) *ScanManager {
	maxParallel := cfg.Scan.MaxParallelScans
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &ScanManager{
		cfg:        cfg,
		store:      store,
		budget:     budget,
		obs:        obs,
		queue:      make(chan queuedScan, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickScanRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *ScanManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *ScanManager) CreateAdminScan(request ScanRequest, principal Principal, source string) (ScanMeta, error) {
	if strings.TrimSpace(request.Endpoint) == "" {
		return ScanMeta{}, errors.New("endpoint is required")
	}
	if len(request.Models) == 0 {
		request.Models = scan.DefaultModelCandidates()
	}
	if request.ToolRounds <= 0 {
		request.ToolRounds = m.cfg.Scan.ToolRounds
	}
	if request.WithThinking == nil {
		request.WithThinking = ptrBool(m.cfg.Scan.WithThinking)
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Scan.DefaultTimeoutSec
	}
	scanID, err := randomID("scan")
	if err != nil {
		return ScanMeta{}, err
	}
	meta := ScanMeta{
		ScanID:      scanID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateScan(meta); err != nil {
		return ScanMeta{}, err
	}
	_, _ = m.store.AppendScanEvent(scanID, "queue", "scan queued", map[string]any{
		"source":   source,
		"endpoint": request.Endpoint,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    scanID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "scan.create",
		Result:    "queued",
	})
	m.queue <- queuedScan{
		ScanID:      scanID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *ScanManager) CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (ScanMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "quick_scan_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_scan.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return ScanMeta{}, errors.New("quick scan rate limit reached")
	}
	if strings.TrimSpace(request.Endpoint) == "" {
		return ScanMeta{}, errors.New("endpoint is required")
	}
	if strings.TrimSpace(request.APIKey) == "" {
		return ScanMeta{}, errors.New("api_key is required")
	}

	scanRequest := ScanRequest{
		Endpoint:     request.Endpoint,
		ToolRounds:   m.cfg.Scan.ToolRounds,
		WithThinking: ptrBool(m.cfg.Scan.WithThinking),
		TimeoutSec:   m.cfg.Scan.DefaultTimeoutSec,
	}
	if strings.TrimSpace(request.Model) != "" {
		scanRequest.Models = []string{strings.TrimSpace(request.Model)}
	}
	scanID, err := randomID("scan")
	if err != nil {
		return ScanMeta{}, err
	}
	meta := ScanMeta{
		ScanID:      scanID,
		Status:      "queued",
		Source:      "user.quick_scan",
		CreatorType: "user",
		Request:     scanRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateScan(meta); err != nil {
		return ScanMeta{}, err
	}
	_, _ = m.store.AppendScanEvent(scanID, "queue", "quick scan queued", map[string]any{
		"endpoint": request.Endpoint,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    scanID,
		ActorType: "user",
		Action:    "quick_scan.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
	m.queue <- queuedScan{
		ScanID:      scanID,
		Request:     scanRequest,
		CreatorType: "user",
		Source:      "user.quick_scan",
		UserAPIKey:  request.APIKey,
	}
	return meta, nil
}

func (m *ScanManager) worker() {
	for queued := range m.queue {
		m.executeScan(queued)
	}
}

func (m *ScanManager) executeScan(queued queuedScan) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateScan(queued.ScanID, func(meta *ScanMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendScanEvent(queued.ScanID, "start", "scan started", nil)

	apiKey := queued.UserAPIKey
	lease := KeyLease{}
	estimated := EstimateProbeCount(len(queued.Request.Models),
		queued.Request.ToolRounds, valueOrDefaultBool(queued.Request.WithThinking, true))
	if apiKey == "" {
		acquired, err := m.budget.Acquire(estimated)
		if err != nil {
			m.failScan(queued.ScanID, "scan key unavailable: "+err.Error(), "scan_key_unavailable")
			return
		}
		lease = acquired
		apiKey = lease.APIKey
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := anthropic.NewClient(anthropic.Config{
		BaseURL:          queued.Request.Endpoint,
		APIKey:           apiKey,
		AnthropicVersion: firstNonEmpty(queued.Request.AnthropicVersion, "2023-06-01"),
		AnthropicBeta:    queued.Request.AnthropicBeta,
		Timeout:          time.Duration(minInt(queued.Request.TimeoutSec, 120)) * time.Second,
	})

	scanCfg := scan.Config{
		Models:       queued.Request.Models,
		ToolRounds:   queued.Request.ToolRounds,
		WithThinking: valueOrDefaultBool(queued.Request.WithThinking, true),
		RoundDelay:   time.Duration(m.cfg.Scan.RoundDelayMS) * time.Millisecond,
	}
	report, probeCount := m.runScanWithEvents(ctx, client, queued, scanCfg)

	usage := KeyUsageRecord{
		ScanID:     queued.ScanID,
		KeyLabel:   lease.Label,
		ProbeCount: probeCount,
	}
	if lease.keyRef != nil {
		m.budget.Commit(lease, usage)
	}

	drift := m.compareBaseline(queued.Request.BaselineScanID, report)

	status := "done"
	if ctx.Err() != nil {
		status = "error"
	}
	_, _ = m.store.UpdateScan(queued.ScanID, func(meta *ScanMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.KeyUsage = usage
		meta.Drift = drift
		if status == "error" {
			meta.Error = "scan timed out"
		}
	})
	_, _ = m.store.AppendScanEvent(queued.ScanID, "completed", "scan completed", map[string]any{
		"status":        status,
		"mixed_channel": report.MixedChannel,
		"probe_count":   probeCount,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ScanID:    queued.ScanID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "scan.completed",
		Result:    status,
		Detail:    fmt.Sprintf("probes=%d key=%s", probeCount, lease.Label),
	})
	if m.obs != nil {
		m.obs.MarkScan(ctx, status)
		if report.MixedChannel {
			m.obs.MarkMixedChannel(ctx, report.Endpoint)
		}
		for _, verdict := range report.Models {
			m.obs.MarkVerdict(ctx, string(verdict.Hypothesis), verdict.Suspicious)
		}
	}
}

// runScanWithEvents runs the per-model detection loop, emitting a scan event
// after each model so the SSE stream shows live progress.
func (m *ScanManager) runScanWithEvents(ctx context.Context, client *anthropic.Client, queued queuedScan, cfg scan.Config) (detect.ChannelReport, int) {
	verdicts := make([]detect.ModelVerdict, 0, len(cfg.Models))
	platform := ""
	probeCount := 0
	for _, model := range cfg.Models {
		if ctx.Err() != nil {
			break
		}
		_, _ = m.store.AppendScanEvent(queued.ScanID, "model_start", "probing model", map[string]any{
			"model": model,
		})
		start := time.Now()
		verdict, probes := scan.DetectModel(ctx, client, model, cfg)
		probeCount += len(probes)
		if platform == "" {
			platform = detect.IdentifyPlatformAcross(probes)
		}
		verdicts = append(verdicts, verdict)
		_, _ = m.store.AppendScanEvent(queued.ScanID, "model_result", "model classified", map[string]any{
			"model":       model,
			"hypothesis":  string(verdict.Hypothesis),
			"confidence":  verdict.Confidence,
			"suspicious":  verdict.Suspicious,
			"dynamics":    string(verdict.Dynamics),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if m.obs != nil {
			m.obs.MarkProbeDuration(ctx, model, time.Since(start).Milliseconds())
		}
	}
	return detect.BuildChannelReport(queued.Request.Endpoint, verdicts, platform), probeCount
}

func (m *ScanManager) compareBaseline(baselineID string, current detect.ChannelReport) *scan.DriftResult {
	baselineID = strings.TrimSpace(baselineID)
	if baselineID == "" {
		return nil
	}
	baseline, ok := m.store.GetScan(baselineID)
	if !ok || baseline.Report == nil {
		return &scan.DriftResult{
			Status:   scan.DriftMinor,
			Findings: []string{"baseline scan not found or has no report: " + baselineID},
		}
	}
	result := scan.CompareWithBaseline(current, *baseline.Report)
	return &result
}

func (m *ScanManager) failScan(scanID, message, reason string) {
	_, _ = m.store.UpdateScan(scanID, func(meta *ScanMeta) {
		meta.Status = "error"
		meta.Error = message
		meta.FinishedAt = nowRFC3339()
		meta.KeyUsage = KeyUsageRecord{
			ScanID:        scanID,
			BlockedReason: reason,
		}
	})
	_, _ = m.store.AppendScanEvent(scanID, "error", message, nil)
	if m.obs != nil {
		m.obs.MarkScan(context.Background(), "error")
		m.obs.MarkBudgetBlocked(context.Background(), reason)
	}
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func valueOrDefaultBool(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ptrBool(v bool) *bool {
	return &v
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
