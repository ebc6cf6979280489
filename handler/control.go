// Package handler's control surface: health, read-only stats/runs/
// telemetry views, and runtime enable/disable toggles per spec §6.
//
// Grounded on router.go's plain-JSON health handlers (healthz/ready/health)
// extended into the richer read-only/control surface the spec requires.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/alerting"
	"github.com/relayplane/proxy/anomaly"
	"github.com/relayplane/proxy/budget"
	"github.com/relayplane/proxy/cache"
	"github.com/relayplane/proxy/mesh"
)

// ControlHandler serves /health, /stats, /runs, /v1/telemetry/*,
// /control/*, and /v1/mesh/*.
type ControlHandler struct {
	logger    zerolog.Logger
	startedAt time.Time
	cache     *cache.Engine
	budget    *budget.Manager
	anomaly   *anomaly.Detector
	alerts    *alerting.Manager
	mesh      *mesh.Client

	enabled atomic.Bool

	runsMu sync.Mutex
	runs   []RunRecord
}

// RunRecord is a single completed request summary kept for GET /runs.
type RunRecord struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Model       string  `json:"model"`
	RoutedModel string  `json:"routed_model"`
	CacheStatus string  `json:"cache_status"`
	CostUSD     float64 `json:"cost_usd"`
	StatusCode  int     `json:"status_code"`
}

const maxRuns = 500

// NewControlHandler constructs a ControlHandler, starting enabled.
func NewControlHandler(logger zerolog.Logger, cacheEngine *cache.Engine, budgetMgr *budget.Manager, anomalyDetector *anomaly.Detector, alerts *alerting.Manager, meshClient *mesh.Client) *ControlHandler {
	h := &ControlHandler{
		logger:    logger,
		startedAt: time.Now(),
		cache:     cacheEngine,
		budget:    budgetMgr,
		anomaly:   anomalyDetector,
		alerts:    alerts,
		mesh:      meshClient,
	}
	h.enabled.Store(true)
	return h
}

// RecordRun appends a run summary, capped at maxRuns (oldest dropped first).
func (h *ControlHandler) RecordRun(r RunRecord) {
	h.runsMu.Lock()
	defer h.runsMu.Unlock()
	h.runs = append(h.runs, r)
	if len(h.runs) > maxRuns {
		h.runs = h.runs[len(h.runs)-maxRuns:]
	}
}

// Enabled reports whether the pipeline is currently accepting requests.
func (h *ControlHandler) Enabled() bool { return h.enabled.Load() }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health handles GET /health.
func (h *ControlHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
		"enabled":    h.enabled.Load(),
	})
}

// Stats handles GET /stats and GET /v1/telemetry/stats.
func (h *ControlHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":  h.cache.Stats(),
		"alerts": len(h.alerts.History()),
	})
}

// Savings handles GET /v1/telemetry/savings.
func (h *ControlHandler) Savings(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved_cost_usd": stats.SavedCostUSD,
		"cache_hits":     stats.Hits,
	})
}

// TelemetryHealth handles GET /v1/telemetry/health.
func (h *ControlHandler) TelemetryHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"daily_spend":  h.budget.CurrentDailySpend(),
		"ring_entries": h.anomaly.RingLen(),
	})
}

// Runs handles GET /runs?limit=N and GET /v1/telemetry/runs.
func (h *ControlHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	h.runsMu.Lock()
	defer h.runsMu.Unlock()
	start := 0
	if len(h.runs) > limit {
		start = len(h.runs) - limit
	}
	writeJSON(w, http.StatusOK, h.runs[start:])
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errNotANumber
	}
	return n, nil
}

var errNotANumber = &parseErr{}

type parseErr struct{}

func (*parseErr) Error() string { return "not a positive integer" }

// ControlStatus handles GET /control/status.
func (h *ControlHandler) ControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": h.enabled.Load()})
}

// ControlEnable handles POST /control/enable.
func (h *ControlHandler) ControlEnable(w http.ResponseWriter, r *http.Request) {
	h.enabled.Store(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true})
}

// ControlDisable handles POST /control/disable.
func (h *ControlHandler) ControlDisable(w http.ResponseWriter, r *http.Request) {
	h.enabled.Store(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
}

// ControlConfig handles GET/POST /control/config — read-only passthrough
// here; POST acknowledges but does not hot-reload in this implementation.
func (h *ControlHandler) ControlConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cache": h.cache.Config()})
}

// MeshStats handles GET /v1/mesh/stats.
func (h *ControlHandler) MeshStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mesh.Stats(r.Context()))
}

// MeshSync handles POST /v1/mesh/sync.
func (h *ControlHandler) MeshSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	st := h.mesh.Sync(ctx, nil)
	writeJSON(w, http.StatusOK, st)
}

// EnabledMiddleware short-circuits every request with 503 while disabled
// via /control/disable.
func (h *ControlHandler) EnabledMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enabled.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "proxy disabled via /control/disable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
