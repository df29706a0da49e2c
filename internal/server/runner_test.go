package server

import "testing"

func TestEstimateProbeCount(t *testing.T) {
	// Per model: availability check + tool rounds + thinking + shots.
	if got := EstimateProbeCount(3, 2, true); got != 18 {
		t.Fatalf("EstimateProbeCount(3,2,true) = %d, want 18", got)
	}
	if got := EstimateProbeCount(1, 2, false); got != 5 {
		t.Fatalf("EstimateProbeCount(1,2,false) = %d, want 5", got)
	}
	if got := EstimateProbeCount(0, 1, false); got != 4 {
		t.Fatalf("EstimateProbeCount(0,1,false) = %d, want 4", got)
	}
}

func TestBudgetManagerAcquireAndCommit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Keys.ScanKeys = []ScanKeyConfig{
		{Label: "primary", APIKey: "sk-a", DailyProbeLimit: 10, RPM: 30},
		{Label: "backup", APIKey: "sk-b", DailyProbeLimit: 100, RPM: 30},
	}
	manager := NewBudgetManager(cfg)

	lease, err := manager.Acquire(6)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	// The key with more remaining budget wins.
	if lease.Label != "backup" {
		t.Fatalf("lease label = %s, want backup", lease.Label)
	}
	manager.Commit(lease, KeyUsageRecord{ProbeCount: 6})

	// A request exceeding every key's remaining budget is refused.
	if _, err := manager.Acquire(200); err == nil {
		t.Fatalf("expected refusal for oversized probe estimate")
	}
}

func TestBudgetManagerNoKeys(t *testing.T) {
	manager := NewBudgetManager(DefaultServerConfig())
	if _, err := manager.Acquire(1); err == nil {
		t.Fatalf("expected error with empty key pool")
	}
}

func TestIPRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(2)
	if !limiter.Allow("ip-1") || !limiter.Allow("ip-1") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("ip-1") {
		t.Fatalf("third request within a minute should be rejected")
	}
	if !limiter.Allow("ip-2") {
		t.Fatalf("separate address must not share the window")
	}
}

func TestCreateAdminScanValidation(t *testing.T) {
	cfg := DefaultServerConfig()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	manager := NewScanManager(cfg, store, NewBudgetManager(cfg), nil)
	defer manager.Shutdown()

	if _, err := manager.CreateAdminScan(ScanRequest{}, Principal{Subject: "admin"}, "test"); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}

	meta, err := manager.CreateAdminScan(ScanRequest{Endpoint: "https://proxy.example"}, Principal{Subject: "admin"}, "test")
	if err != nil {
		t.Fatalf("CreateAdminScan error: %v", err)
	}
	if meta.Status != "queued" {
		t.Fatalf("status = %s, want queued", meta.Status)
	}
	if len(meta.Request.Models) == 0 {
		t.Fatalf("expected default model candidates to be filled in")
	}
	if meta.Request.ToolRounds != cfg.Scan.ToolRounds {
		t.Fatalf("tool rounds = %d, want default %d", meta.Request.ToolRounds, cfg.Scan.ToolRounds)
	}
}

func TestCreateQuickScanRequiresKey(t *testing.T) {
	cfg := DefaultServerConfig()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	manager := NewScanManager(cfg, store, NewBudgetManager(cfg), nil)
	defer manager.Shutdown()

	if _, err := manager.CreateQuickScan(QuickScanRequest{Endpoint: "https://proxy.example"}, "ip", "ua"); err == nil {
		t.Fatalf("expected error for missing api_key")
	}
}
