package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeScanner struct{}

func (f fakeScanner) CreateAdminScan(request ScanRequest, principal Principal, source string) (ScanMeta, error) {
	return ScanMeta{
		ScanID:     "scan_fake_admin",
		Status:     "queued",
		CreatorSub: principal.Subject,
		Request:    request,
		CreatedAt:  nowRFC3339(),
	}, nil
}

func (f fakeScanner) CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (ScanMeta, error) {
	return ScanMeta{
		ScanID:    "scan_fake_user",
		Status:    "queued",
		Request:   ScanRequest{Endpoint: request.Endpoint},
		CreatedAt: nowRFC3339(),
	}, nil
}

func TestRouterHealthz(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	api := NewAPI(auth, store, fakeScanner{}, nil)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestRouterAdminAuthAndScan(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	api := NewAPI(auth, store, fakeScanner{}, nil)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	body := map[string]any{
		"endpoint": "https://proxy.example/v1",
		"models":   []string{"claude-sonnet-4-5"},
	}
	rawBody, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/admin/scans", bytes.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("admin create without auth failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req2, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/admin/scans", bytes.NewReader(rawBody))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Admin-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("admin create with token failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp2.StatusCode)
	}
}

func TestLoginThrottledPerIP(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	api := NewAPI(auth, store, fakeScanner{}, nil)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	rawBody, _ := json.Marshal(map[string]string{"username": "admin", "password": "guess"})
	var last int
	for i := 0; i < loginAttemptsPerMinute+1; i++ {
		resp, err := http.Post(server.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(rawBody))
		if err != nil {
			t.Fatalf("login attempt %d failed: %v", i, err)
		}
		last = resp.StatusCode
		resp.Body.Close()
		if i < loginAttemptsPerMinute && last == http.StatusTooManyRequests {
			t.Fatalf("throttled too early on attempt %d", i)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("final status = %d, want 429", last)
	}
}

func TestRouterQuickScan(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	api := NewAPI(auth, store, fakeScanner{}, nil)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	body := map[string]any{
		"endpoint": "https://proxy.example/v1",
		"api_key":  "sk-user-key",
	}
	rawBody, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/user/quick-scan", bytes.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("quick scan request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}
