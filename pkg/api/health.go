package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Health status values
const (
	StatusHealthy  = "healthy"
	StatusStarting = "starting"
	StatusStale    = "stale"
)

// DefaultStaleAfter is how long the block stream may stall before /health degrades
const DefaultStaleAfter = 2 * time.Minute

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
	LastBlock      uint64 `json:"last_block"`
	LastBlockAge   string `json:"last_block_age,omitempty"`
	PendingActions int    `json:"pending_actions"`
	Cooldown       bool   `json:"cooldown"`
	StateBackend   string `json:"state_backend,omitempty"`
}

// HealthChecker derives bot health from block progress
type HealthChecker struct {
	mu sync.Mutex

	version    string
	backend    string
	startTime  time.Time
	staleAfter time.Duration
	now        func() time.Time

	blocks   BlockProgress
	schedule ScheduleProvider

	lastBlock uint64
	lastSeen  time.Time
}

// NewHealthChecker creates a health checker. blocks and schedule may be nil.
func NewHealthChecker(version string, blocks BlockProgress, schedule ScheduleProvider) *HealthChecker {
	return &HealthChecker{
		version:    version,
		startTime:  time.Now(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		blocks:     blocks,
		schedule:   schedule,
	}
}

// SetStaleAfter overrides the stall threshold
func (hc *HealthChecker) SetStaleAfter(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if d > 0 {
		hc.staleAfter = d
	}
}

// SetStateBackend records the persistence backend name reported by /health
func (hc *HealthChecker) SetStateBackend(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.backend = name
}

// Check returns the current health
func (hc *HealthChecker) Check() HealthResponse {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := hc.now()
	resp := HealthResponse{
		Status:       StatusStarting,
		Timestamp:    now.Format(time.RFC3339),
		Uptime:       now.Sub(hc.startTime).Truncate(time.Second).String(),
		Version:      hc.version,
		StateBackend: hc.backend,
	}

	if hc.blocks != nil {
		if n, ok := hc.blocks.LastDelivered(); ok {
			if n != hc.lastBlock || hc.lastSeen.IsZero() {
				hc.lastBlock = n
				hc.lastSeen = now
			}
		}
	}
	if !hc.lastSeen.IsZero() {
		age := now.Sub(hc.lastSeen)
		resp.LastBlock = hc.lastBlock
		resp.LastBlockAge = age.Truncate(time.Millisecond).String()
		resp.Status = StatusHealthy
		if age > hc.staleAfter {
			resp.Status = StatusStale
		}
	}

	if hc.schedule != nil {
		if snap := hc.schedule.Snapshot(); snap != nil {
			resp.PendingActions = len(snap.Pending)
			resp.Cooldown = snap.CooldownUntil != nil && snap.CooldownUntil.After(now)
			if resp.LastBlock == 0 {
				resp.LastBlock = snap.LastBlock
			}
		}
	}

	return resp
}

// HealthHandler serves the health check. A stale block stream answers 503.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.Check()
		status := http.StatusOK
		if health.Status == StatusStale {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

// LivenessHandler returns 200 while the process is alive
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns 200 once the first block has been delivered
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check().Status == StatusStarting {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
