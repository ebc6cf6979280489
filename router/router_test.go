package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/alerting"
	"github.com/relayplane/proxy/anomaly"
	"github.com/relayplane/proxy/budget"
	"github.com/relayplane/proxy/cache"
	"github.com/relayplane/proxy/config"
	"github.com/relayplane/proxy/cooldown"
	"github.com/relayplane/proxy/downgrade"
	"github.com/relayplane/proxy/envelope"
	"github.com/relayplane/proxy/handler"
	"github.com/relayplane/proxy/mesh"
	"github.com/relayplane/proxy/modelrouter"
	"github.com/relayplane/proxy/pipeline"
	"github.com/relayplane/proxy/provider"
)

// stubForwarder never actually dispatches — every route test in this file
// exercises middleware behavior (auth gate, CORS, security headers), not
// the pipeline itself.
type stubForwarder struct{}

func (stubForwarder) Forward(ctx context.Context, family envelope.Family, model string, headerName, headerValue string, env *envelope.Envelope) (int, []byte, int, int, float64, error) {
	return http.StatusOK, []byte(`{}`), 0, 0, 0, nil
}

func testSetup(t *testing.T) (http.Handler, *provider.Registry) {
	t.Helper()

	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		APIKeyHeader:     "Authorization",
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	reg := provider.NewRegistry()

	dir := t.TempDir()
	cacheEngine, err := cache.NewEngine(log, cache.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("cache.NewEngine: %v", err)
	}
	budgetMgr := budget.NewManager(log, budget.DefaultConfig(dir+"/budget.db"))
	anomalyDetector := anomaly.NewDetector(anomaly.DefaultConfig())
	alertMgr := alerting.NewManager(log, alerting.DefaultConfig())
	cooldownTracker := cooldown.NewTracker(cooldown.DefaultConfig())
	meshClient := mesh.New(nil)

	deps := &pipeline.Deps{
		Logger:    log,
		Cache:     cacheEngine,
		Budget:    budgetMgr,
		Anomaly:   anomalyDetector,
		Downgrade: downgrade.DefaultConfig(),
		Alerts:    alertMgr,
		Cooldown:  cooldownTracker,
		Router:    modelrouter.DefaultConfig(),
		Forwarder: stubForwarder{},
		Models:    reg,
		EnvLookup: func(string) (string, bool) { return "", false },
	}

	ctrl := handler.NewControlHandler(log, cacheEngine, budgetMgr, anomalyDetector, alertMgr, meshClient)

	r := NewRouter(cfg, log, reg, deps, ctrl)
	return r, reg
}

func TestHealthEndpoints(t *testing.T) {
	r, _ := testSetup(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"ready", "/ready", http.StatusOK},
		{"health", "/health", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedRouteReturns401(t *testing.T) {
	r, _ := testSetup(t)

	// /v1 routes require a credential — request without one should get 401.
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /v1/models, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}
