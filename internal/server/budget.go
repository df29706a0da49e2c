package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"relaytrace/internal/scan"
)

// KeyLease is a checked-out pool key for one scan.
type KeyLease struct {
	Label  string
	APIKey string
	keyRef *scanKeyState
}

// BudgetManager hands out pooled API keys and enforces per-key probe budgets.
// Spend is counted in probe requests since every probe costs roughly the same
// small token volume.
type BudgetManager struct {
	mu   sync.Mutex
	keys []*scanKeyState
}

type scanKeyState struct {
	Config          ScanKeyConfig
	DayKey          string
	ProbesToday     int
	RequestsLastMin []time.Time
	ActiveScans     int
}

func NewBudgetManager(cfg ServerConfig) *BudgetManager {
	manager := &BudgetManager{keys: []*scanKeyState{}}
	for _, key := range cfg.Keys.ScanKeys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(manager.keys)+1)
		}
		if item.DailyProbeLimit <= 0 {
			item.DailyProbeLimit = 500
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		manager.keys = append(manager.keys, &scanKeyState{Config: item})
	}
	return manager
}

// Acquire picks the key with the most remaining daily budget that is not
// rate limited. estimatedProbes is the probe count the scan expects to spend.
func (m *BudgetManager) Acquire(estimatedProbes int) (KeyLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys) == 0 {
		return KeyLease{}, errors.New("no scan keys configured")
	}
	if estimatedProbes <= 0 {
		estimatedProbes = 1
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*scanKeyState, 0, len(m.keys))
	for _, key := range m.keys {
		m.rollWindow(key, now, dayKey)
		if key.Config.DailyProbeLimit-key.ProbesToday < estimatedProbes {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all scan keys are budget or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyProbeLimit - candidates[i].ProbesToday
		rightRemain := candidates[j].Config.DailyProbeLimit - candidates[j].ProbesToday
		if leftRemain == rightRemain {
			return candidates[i].ActiveScans < candidates[j].ActiveScans
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveScans++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:  selected.Config.Label,
		APIKey: selected.Config.APIKey,
		keyRef: selected,
	}, nil
}

// Commit records actual probe spend and releases the lease.
func (m *BudgetManager) Commit(lease KeyLease, usage KeyUsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	m.rollWindow(lease.keyRef, now, dayKey)
	if usage.ProbeCount > 0 {
		lease.keyRef.ProbesToday += usage.ProbeCount
	}
	if lease.keyRef.ActiveScans > 0 {
		lease.keyRef.ActiveScans--
	}
}

// Reject releases a lease that was never used.
func (m *BudgetManager) Reject(lease KeyLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveScans > 0 {
		lease.keyRef.ActiveScans--
	}
}

func (m *BudgetManager) rollWindow(state *scanKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.ProbesToday = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

// EstimateProbeCount predicts the worst-case number of requests a scan will
// issue, so Acquire can refuse keys that cannot cover it. Per model that is
// the availability pre-check, the tool rounds, the optional thinking round,
// and the ratelimit verification shots.
func EstimateProbeCount(models, toolRounds int, withThinking bool) int {
	perModel := 1 + toolRounds + scan.DefaultRatelimitShots
	if withThinking {
		perModel++
	}
	if models <= 0 {
		models = 1
	}
	return models * perModel
}
