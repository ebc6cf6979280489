// Package pipeline implements the Pipeline Orchestrator: it drives every
// incoming chat request through the stage table (model resolution, cache
// lookup, budget precheck, downgrade, classification, route selection,
// cooldown filter, auth selection, forward, post-process, cascade
// escalation), wiring together the otherwise-independent subsystem
// packages. Parsing into an envelope happens in the HTTP handler before
// HandleChat is called. There is no anomaly precheck stage: the anomaly
// detector is only fed, and read, at post-process.
//
// Grounded on router/router.go's dependency-injected handler construction
// (explicit Deps-style wiring rather than module-level singletons) and on
// provider/provider.go's Registry for upstream dispatch.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/alerting"
	"github.com/relayplane/proxy/anomaly"
	"github.com/relayplane/proxy/apierr"
	"github.com/relayplane/proxy/auth"
	"github.com/relayplane/proxy/budget"
	"github.com/relayplane/proxy/cache"
	"github.com/relayplane/proxy/classifier"
	"github.com/relayplane/proxy/cooldown"
	"github.com/relayplane/proxy/downgrade"
	"github.com/relayplane/proxy/envelope"
	"github.com/relayplane/proxy/modelrouter"
)

// Forwarder sends an already-authenticated request body to a provider and
// returns its raw response. Decoupled from provider.Registry so the
// orchestrator can be tested without live HTTP calls; the production
// implementation adapts provider.Registry.
type Forwarder interface {
	Forward(ctx context.Context, family envelope.Family, model string, authHeaderName, authHeaderValue string, env *envelope.Envelope) (statusCode int, body []byte, tokensIn int, tokensOut int, costUSD float64, err error)
}

// KnownModels supplies the set of model names Input-kind errors suggest
// against (Levenshtein distance).
type KnownModels interface {
	Names() []string
}

// Deps is every subsystem the orchestrator coordinates, constructed once at
// startup and passed in — there is no hidden global (spec §9).
type Deps struct {
	Logger     zerolog.Logger
	Cache      *cache.Engine
	Budget     *budget.Manager
	Anomaly    *anomaly.Detector
	Downgrade  downgrade.Config
	Alerts     *alerting.Manager
	Cooldown   *cooldown.Tracker
	Router     modelrouter.Config
	Forwarder  Forwarder
	Models     KnownModels
	EnvLookup  auth.EnvLookup
}

// Result is the orchestrator's output: the response body plus the header
// contract from spec §6.
type Result struct {
	StatusCode     int
	Body           []byte
	RoutedModel    string
	OriginalModel  string
	CacheStatus    string // hit | miss | bypass
	Downgraded     bool
	DowngradeReason string
	Mode           modelrouter.Mode
	Escalations    int
	CostUSD        float64
}

// HandleChat drives env through the full stage table. inHeader is the
// caller's parsed inbound credential; bypass (the X-RelayPlane-Bypass
// header) disables all pipeline logic per spec §6.
func (d *Deps) HandleChat(ctx context.Context, env *envelope.Envelope, inHeader auth.Incoming, bypass bool) (res Result, apiErr *apierr.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error().Interface("panic", r).Msg("pipeline: recovered from panic, aborting request")
			apiErr = apierr.Internal("internal error handling request", fmt.Errorf("panic: %v", r))
			res = Result{StatusCode: apiErr.StatusCode()}
		}
	}()

	originalModel := env.Model
	res.OriginalModel = originalModel

	if bypass {
		outcome := auth.Resolve(inHeader, env.Model, env.Family, d.EnvLookup)
		if !outcome.Allowed {
			return Result{}, apierr.Auth(outcome.Reason)
		}
		status, body, _, _, _, err := d.Forwarder.Forward(ctx, env.Family, env.Model, outcome.HeaderName, outcome.HeaderValue, env)
		if err != nil {
			return Result{}, apierr.Upstream("upstream call failed", 502, err)
		}
		return Result{StatusCode: status, Body: body, RoutedModel: env.Model, OriginalModel: originalModel, CacheStatus: "bypass"}, nil
	}

	// --- Model-name resolution: alias/suffix/override tables ---
	resolved := modelrouter.ResolveAlias(env.Model, d.Router.Overrides)
	env.Model = resolved.Model
	res.RoutedModel = env.Model

	if d.Models != nil {
		if known := d.Models.Names(); len(known) > 0 && !containsModel(known, env.Model) {
			return Result{}, apierr.InputWithSuggestions(
				fmt.Sprintf("unknown model: %s", env.Model), env.Model, known)
		}
	}

	// --- Cache lookup ---
	// Keying mode is the cache's own policy (spec §4.2), configured
	// independently of the router's passthrough/complexity/cascade mode
	// (spec §4.7) — the two subsystems are not coupled.
	mode := d.Cache.Config().Mode
	if mode == "" {
		mode = cache.ModeExact
	}
	key := cache.ComputeKey(env, mode)
	if cache.ShouldBypass(d.Cache.Config(), mode, env.Temperature, env.Bypass) {
		d.Cache.RecordBypass()
		res.CacheStatus = "bypass"
	} else if lr := d.Cache.Lookup(key); lr.Hit {
		res.CacheStatus = "hit"
		res.Body = lr.Entry.Response
		res.StatusCode = 200
		res.RoutedModel = lr.Entry.Model
		return res, nil
	} else {
		res.CacheStatus = "miss"
	}

	// --- Budget precheck ---
	decision := d.Budget.CheckBudget(0)
	if !decision.Allowed {
		return Result{}, apierr.Policy("budget exceeded: request blocked", 402)
	}
	for _, pct := range decision.ThresholdsCrossed {
		d.Budget.MarkThresholdFired(pct)
		d.Alerts.FireThreshold(pct, decision.CurrentDailySpend)
	}

	// A breach that isn't blocked (Allowed stayed true) still carries a
	// configured response that must fire (spec §4.6's onBreach actions are
	// independent of each other — warn/downgrade/alert can each apply on
	// their own, not just the block case above).
	forceDowngrade := false
	if decision.Breached {
		switch decision.Action {
		case budget.ActionAlert:
			d.Alerts.FireBreach(string(decision.BreachType), fmt.Sprintf("%s budget breached at $%.2f", decision.BreachType, decision.CurrentDailySpend))
		case budget.ActionWarn:
			d.Logger.Warn().Str("breach_type", string(decision.BreachType)).Float64("daily_spend", decision.CurrentDailySpend).Msg("budget breached, warning only")
		case budget.ActionDowngrade:
			forceDowngrade = true
		}
	}

	// --- Auto-downgrade ---
	budgetPct := 0.0
	if d.Budget.Config().DailyUSD > 0 {
		budgetPct = decision.CurrentDailySpend / d.Budget.Config().DailyUSD * 100
	}
	if forceDowngrade && budgetPct < d.Downgrade.ThresholdPercent {
		budgetPct = d.Downgrade.ThresholdPercent
	}
	dres := downgrade.Check(env.Model, budgetPct, d.Downgrade)
	if dres.Downgraded {
		env.Model = dres.NewModel
		res.RoutedModel = env.Model
		res.Downgraded = true
		res.DowngradeReason = dres.Reason
	}

	// --- Complexity classification (pure) ---
	tier := classifier.Classify(classifier.Request{
		LastUserMessage: env.LastUserMessage(),
		MessageCount:    len(env.Messages),
		TotalChars:      env.TotalMessageChars(),
		HasTools:        env.HasTools(),
	})

	// --- Route selection ---
	res.Mode = d.Router.Mode
	var cascadeModels []string
	switch d.Router.Mode {
	case modelrouter.ModeComplexity:
		env.Model = modelrouter.SelectForComplexity(d.Router.Tiers, string(tier), env.Model)
		res.RoutedModel = env.Model
	case modelrouter.ModeCascade:
		cascadeModels = d.Router.CascadeModels
		if len(cascadeModels) == 0 {
			cascadeModels = []string{env.Model}
		}
	}

	// --- Provider cooldown filter + Forward (+ cascade escalation) ---
	statusCode, body, tokensIn, tokensOut, costUSD, escalations, fwdErr := d.forwardWithCascade(ctx, env, inHeader, cascadeModels)
	if fwdErr != nil {
		return Result{}, fwdErr
	}
	res.StatusCode = statusCode
	res.Body = body
	res.Escalations = escalations

	// --- Response post-process ---
	res.CostUSD = costUSD
	if statusCode >= 200 && statusCode < 300 {
		if res.CacheStatus != "bypass" {
			d.Cache.Store(key, mode, env.Model, string(tier), body, tokensIn, tokensOut, costUSD)
		}
		rec := d.Budget.RecordSpend(costUSD, env.Model)
		_ = rec
		anomalies := d.Anomaly.RecordAndAnalyze(anomaly.Trace{
			TimestampMs: time.Now().UnixMilli(),
			Model:       env.Model,
			TokensIn:    tokensIn,
			TokensOut:   tokensOut,
			CostUSD:     costUSD,
		})
		for _, a := range anomalies {
			d.Alerts.FireAnomaly(string(a.Type), alerting.Severity(a.Severity), a.Message)
		}
	}

	return res, nil
}

// forwardWithCascade resolves auth and forwards, escalating through
// cascadeModels (if non-empty) on trigger, and recording cooldown failures.
func (d *Deps) forwardWithCascade(ctx context.Context, env *envelope.Envelope, inHeader auth.Incoming, cascadeModels []string) (int, []byte, int, int, float64, int, *apierr.Error) {
	models := cascadeModels
	if len(models) == 0 {
		models = []string{env.Model}
	}
	casc := modelrouter.NewCascade(models, d.Router.MaxEscalations)

	for casc.State() == modelrouter.StateForwarding {
		model := casc.CurrentModel()

		provider := d.Cooldown.SelectProvider(providerForModel(model), nil)
		if provider == "" {
			return 0, nil, 0, 0, 0, casc.Escalations(), apierr.Policy("all providers cooled down for this model", 503)
		}

		outcome := auth.Resolve(inHeader, model, env.Family, d.EnvLookup)
		if !outcome.Allowed {
			return 0, nil, 0, 0, 0, casc.Escalations(), apierr.Auth(outcome.Reason)
		}

		status, body, tokensIn, tokensOut, costUSD, err := d.Forwarder.Forward(ctx, env.Family, model, outcome.HeaderName, outcome.HeaderValue, env)

		if err != nil {
			d.Cooldown.RecordFailure(provider)
		} else {
			d.Cooldown.RecordSuccess(provider)
		}

		// Escalation triggers only apply under cascade mode (spec §4.7); in
		// passthrough/complexity mode a transport error is a plain upstream
		// failure and a refusal/uncertainty phrase is just the response.
		escalate := d.Router.Mode == modelrouter.ModeCascade && modelrouter.ShouldEscalate(string(body), err)

		if !escalate {
			casc.Succeed()
			env.Model = model
			if err != nil {
				return 0, nil, 0, 0, 0, casc.Escalations(), apierr.Upstream("upstream transport error", 502, err)
			}
			return status, body, tokensIn, tokensOut, costUSD, casc.Escalations(), nil
		}
		casc.Escalate()
	}

	if casc.State() == modelrouter.StateExhausted {
		return 0, nil, 0, 0, 0, casc.Escalations(), apierr.Upstream("cascade exhausted all escalation attempts", 502, nil)
	}
	return 0, nil, 0, 0, 0, casc.Escalations(), apierr.Internal("cascade left in an unexpected state", nil)
}

func containsModel(names []string, model string) bool {
	for _, n := range names {
		if n == model {
			return true
		}
	}
	return false
}

func providerForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	default:
		return "openai"
	}
}
