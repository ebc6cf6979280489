package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/alerting"
	"github.com/relayplane/proxy/anomaly"
	"github.com/relayplane/proxy/auth"
	"github.com/relayplane/proxy/budget"
	"github.com/relayplane/proxy/cache"
	"github.com/relayplane/proxy/cooldown"
	"github.com/relayplane/proxy/downgrade"
	"github.com/relayplane/proxy/envelope"
	"github.com/relayplane/proxy/modelrouter"
)

type fakeForwarder struct {
	calls     int
	responses []fakeResponse
}

type fakeResponse struct {
	status           int
	body             string
	tokensIn, tokensOut int
	costUSD          float64
	err              error
}

func (f *fakeForwarder) Forward(ctx context.Context, family envelope.Family, model string, headerName, headerValue string, env *envelope.Envelope) (int, []byte, int, int, float64, error) {
	r := f.responses[f.calls]
	f.calls++
	return r.status, []byte(r.body), r.tokensIn, r.tokensOut, r.costUSD, r.err
}

func newTestDeps(t *testing.T, fwd *fakeForwarder, routerCfg modelrouter.Config) *Deps {
	t.Helper()
	dir := t.TempDir()

	cacheEngine, err := cache.NewEngine(zerolog.Nop(), cache.DefaultConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	budgetCfg := budget.DefaultConfig(dir + "/budget.jsonl")
	budgetCfg.Enabled = true
	budgetCfg.DailyUSD = 1000
	budgetMgr := budget.NewManager(zerolog.Nop(), budgetCfg)

	return &Deps{
		Logger:    zerolog.Nop(),
		Cache:     cacheEngine,
		Budget:    budgetMgr,
		Anomaly:   anomaly.NewDetector(anomaly.DefaultConfig()),
		Downgrade: downgrade.DefaultConfig(),
		Alerts:    alerting.NewManager(zerolog.Nop(), alerting.DefaultConfig()),
		Cooldown:  cooldown.NewTracker(cooldown.DefaultConfig()),
		Router:    routerCfg,
		Forwarder: fwd,
		EnvLookup: func(string) (string, bool) { return "", false },
	}
}

func newChatEnvelope(model string) *envelope.Envelope {
	zero := 0.0
	return &envelope.Envelope{
		ID:       envelope.NewID(),
		Family:   envelope.FamilyAnthropic,
		Model:    model,
		Messages: []envelope.Message{{Role: "user", Content: "hi"}},
		Temperature: &zero,
	}
}

// TestCacheExactModeHit mirrors spec §8 scenario #1: identical deterministic
// requests hit the cache on the second call and the provider sees one call.
func TestCacheExactModeHit(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{
		{status: 200, body: `{"id":"resp1"}`},
	}}
	deps := newTestDeps(t, fwd, modelrouter.DefaultConfig())

	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-ant-api03-test"}

	env1 := newChatEnvelope("claude-sonnet-4-6")
	res1, apiErr := deps.HandleChat(context.Background(), env1, in, false)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if res1.CacheStatus != "miss" {
		t.Fatalf("expected first call to miss, got %s", res1.CacheStatus)
	}

	env2 := newChatEnvelope("claude-sonnet-4-6")
	res2, apiErr := deps.HandleChat(context.Background(), env2, in, false)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if res2.CacheStatus != "hit" {
		t.Fatalf("expected second call to hit, got %s", res2.CacheStatus)
	}
	if string(res2.Body) != string(res1.Body) {
		t.Fatalf("expected identical cached body")
	}
	if fwd.calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", fwd.calls)
	}
}

// TestBudgetBlockPath mirrors spec §8 scenario #3.
func TestBudgetBlockPath(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{{status: 200, body: `{}`}}}
	deps := newTestDeps(t, fwd, modelrouter.DefaultConfig())
	deps.Budget = budget.NewManager(zerolog.Nop(), budget.Config{
		Enabled: true, DailyUSD: 1, OnBreach: budget.ActionBlock,
		ThresholdsPercent: []int{50, 80, 95}, DurablePath: t.TempDir() + "/budget.jsonl",
		FlushInterval: time.Second,
	})
	deps.Budget.RecordSpend(1.00, "claude-sonnet-4-6")

	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-ant-api03-test"}
	_, apiErr := deps.HandleChat(context.Background(), newChatEnvelope("claude-sonnet-4-6"), in, false)
	if apiErr == nil {
		t.Fatal("expected budget block error")
	}
	if fwd.calls != 0 {
		t.Fatal("expected no upstream call on budget block")
	}
}

// TestBudgetDowngradePath mirrors spec §8 scenario #4.
func TestBudgetDowngradePath(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{{status: 200, body: `{}`}}}
	deps := newTestDeps(t, fwd, modelrouter.DefaultConfig())
	deps.Budget = budget.NewManager(zerolog.Nop(), budget.Config{
		Enabled: true, DailyUSD: 10, OnBreach: budget.ActionWarn,
		ThresholdsPercent: []int{50, 80, 95}, DurablePath: t.TempDir() + "/budget.jsonl",
		FlushInterval: time.Second,
	})
	deps.Downgrade = downgrade.Config{
		Enabled: true, ThresholdPercent: 80,
		Mapping: map[string]string{"claude-opus-4-6": "claude-sonnet-4-6"},
	}
	deps.Budget.RecordSpend(8.00, "claude-opus-4-6")

	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-ant-api03-test"}
	res, apiErr := deps.HandleChat(context.Background(), newChatEnvelope("claude-opus-4-6"), in, false)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if !res.Downgraded || res.RoutedModel != "claude-sonnet-4-6" {
		t.Fatalf("expected downgrade to claude-sonnet-4-6, got %+v", res)
	}
	if res.OriginalModel != "claude-opus-4-6" {
		t.Fatalf("expected original model preserved, got %s", res.OriginalModel)
	}
}

// TestCooldownExhaustionReturns503 exercises the cooldown filter short-circuit.
func TestCooldownExhaustionReturns503(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{{status: 200, body: `{}`}}}
	deps := newTestDeps(t, fwd, modelrouter.DefaultConfig())
	deps.Cooldown = cooldown.NewTracker(cooldown.Config{AllowedFails: 1, WindowSeconds: 60, CooldownSeconds: 120})
	deps.Cooldown.RecordFailure("anthropic")

	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-ant-api03-test"}
	_, apiErr := deps.HandleChat(context.Background(), newChatEnvelope("claude-sonnet-4-6"), in, false)
	if apiErr == nil {
		t.Fatal("expected cooldown-exhaustion error")
	}
	if apiErr.StatusCode() != 503 {
		t.Fatalf("expected 503, got %d", apiErr.StatusCode())
	}
}

// TestBypassHeaderSkipsAllPipelineLogic covers the X-RelayPlane-Bypass contract.
func TestBypassHeaderSkipsAllPipelineLogic(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{{status: 200, body: `{"id":"raw"}`}}}
	deps := newTestDeps(t, fwd, modelrouter.DefaultConfig())

	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-ant-api03-test"}
	res, apiErr := deps.HandleChat(context.Background(), newChatEnvelope("claude-sonnet-4-6"), in, true)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if res.CacheStatus != "bypass" {
		t.Fatalf("expected bypass, got %s", res.CacheStatus)
	}
}

// TestCascadeEscalatesOnTransportError exercises the cascade state machine end to end.
func TestCascadeEscalatesOnTransportError(t *testing.T) {
	fwd := &fakeForwarder{responses: []fakeResponse{
		{err: errBoom{}},
		{status: 200, body: `{"id":"resp2"}`},
	}}
	cfg := modelrouter.DefaultConfig()
	cfg.Mode = modelrouter.ModeCascade
	cfg.CascadeModels = []string{"gpt-4o-mini", "gpt-4o"}
	cfg.MaxEscalations = 2

	deps := newTestDeps(t, fwd, cfg)
	in := auth.Incoming{Shape: auth.ShapeAPIKey, Token: "sk-openai-test"}

	res, apiErr := deps.HandleChat(context.Background(), newChatEnvelope("gpt-4o-mini"), in, false)
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if res.Escalations != 1 {
		t.Fatalf("expected 1 escalation, got %d", res.Escalations)
	}
	if fwd.calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", fwd.calls)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "connection reset by peer" }
