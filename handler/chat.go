// Package handler's chat ingress: POST /v1/messages (Anthropic shape) and
// POST /v1/chat/completions (OpenAI shape), both driven through the
// pipeline orchestrator.
//
// Grounded on proxy.go's request parsing / provider dispatch / response
// header conventions, restructured so the actual dispatch decision is made
// by pipeline.Deps.HandleChat instead of directly by the handler.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/apierr"
	"github.com/relayplane/proxy/auth"
	"github.com/relayplane/proxy/envelope"
	"github.com/relayplane/proxy/pipeline"
	"github.com/relayplane/proxy/provider"
)

// ChatHandler drives the pipeline orchestrator over the two supported
// ingress shapes.
type ChatHandler struct {
	logger zerolog.Logger
	deps   *pipeline.Deps
	ctrl   *ControlHandler
}

// NewChatHandler constructs a ChatHandler. ctrl may be nil (tests), in which
// case completed runs are simply not recorded.
func NewChatHandler(logger zerolog.Logger, deps *pipeline.Deps, ctrl *ControlHandler) *ChatHandler {
	return &ChatHandler{logger: logger, deps: deps, ctrl: ctrl}
}

// Messages handles POST /v1/messages (Anthropic shape).
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteError(w, apierr.Input("failed to read request body"))
		return
	}
	env, err := envelope.ParseAnthropic(body)
	if err != nil {
		h.writeParseError(w, err)
		return
	}
	h.handle(w, r, env, r.Header.Get("x-api-key"))
}

// ChatCompletions handles POST /v1/chat/completions (OpenAI shape).
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.WriteError(w, apierr.Input("failed to read request body"))
		return
	}
	env, err := envelope.ParseOpenAI(body)
	if err != nil {
		h.writeParseError(w, err)
		return
	}
	h.handle(w, r, env, r.Header.Get("Authorization"))
}

func (h *ChatHandler) writeParseError(w http.ResponseWriter, err error) {
	apierr.WriteError(w, apierr.Input(err.Error()))
}

func (h *ChatHandler) handle(w http.ResponseWriter, r *http.Request, env *envelope.Envelope, authHeader string) {
	incoming, err := auth.ParseAuthorizationHeader(authHeader)
	if err != nil {
		apierr.WriteError(w, apierr.Auth(err.Error()))
		return
	}

	bypass := r.Header.Get("X-RelayPlane-Bypass") == "true"

	res, apiErr := h.deps.HandleChat(r.Context(), env, incoming, bypass)
	if apiErr != nil {
		apierr.WriteError(w, apiErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RelayPlane-Routed-Model", res.RoutedModel)
	w.Header().Set("X-RelayPlane-Original-Model", res.OriginalModel)
	w.Header().Set("X-RelayPlane-Cache", res.CacheStatus)
	w.Header().Set("X-RelayPlane-Mode", string(res.Mode))
	if res.Downgraded {
		w.Header().Set("X-RelayPlane-Downgraded", "true")
		w.Header().Set("X-RelayPlane-Downgrade-Reason", res.DowngradeReason)
	}
	if res.Escalations > 0 {
		w.Header().Set("X-RelayPlane-Escalations", itoa(res.Escalations))
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if h.ctrl != nil {
		h.ctrl.RecordRun(RunRecord{
			TimestampMs: time.Now().UnixMilli(),
			Model:       res.OriginalModel,
			RoutedModel: res.RoutedModel,
			CacheStatus: res.CacheStatus,
			CostUSD:     res.CostUSD,
			StatusCode:  status,
		})
	}

	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// registryForwarder adapts provider.Registry to pipeline.Forwarder,
// dispatching by model and translating the normalized envelope into an
// upstream-shaped ChatRequest.
type registryForwarder struct {
	registry *provider.Registry
	pricing  *provider.PricingConfig
}

// NewRegistryForwarder constructs the production Forwarder.
func NewRegistryForwarder(registry *provider.Registry, pricing *provider.PricingConfig) pipeline.Forwarder {
	return &registryForwarder{registry: registry, pricing: pricing}
}

func (f *registryForwarder) Forward(ctx context.Context, family envelope.Family, model string, headerName, headerValue string, env *envelope.Envelope) (int, []byte, int, int, float64, error) {
	prov, err := f.registry.GetForModel(model)
	if err != nil {
		return 0, nil, 0, 0, 0, err
	}

	req := &provider.ChatRequest{
		Model:          model,
		Messages:       toProviderMessages(env),
		MaxTokens:      env.MaxTokens,
		Temperature:    env.Temperature,
		TopP:           env.TopP,
		Stop:           env.StopSequences,
		Raw:            env.Raw,
		APIKeyOverride: rawCredential(headerName, headerValue),
	}

	resp, err := prov.ChatCompletion(ctx, req)
	if err != nil {
		return 0, nil, 0, 0, 0, err
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return 0, nil, 0, 0, 0, err
	}

	cost := f.pricing.CalculateCost(prov.Name(), model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return http.StatusOK, body, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost, nil
}

// rawCredential strips the outbound header's scheme prefix (if any) so the
// provider adapter's own setHeaders can apply its native scheme — auth.Resolve
// returns a fully-formed header value ("Bearer <token>" or a raw x-api-key
// token), but ChatRequest.APIKeyOverride is the bare credential.
func rawCredential(headerName, headerValue string) string {
	if headerName == "Authorization" {
		const prefix = "Bearer "
		if len(headerValue) > len(prefix) && headerValue[:len(prefix)] == prefix {
			return headerValue[len(prefix):]
		}
	}
	return headerValue
}

func toProviderMessages(env *envelope.Envelope) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(env.Messages)+1)
	if env.System != "" {
		out = append(out, provider.ChatMessage{Role: "system", Content: env.System})
	}
	for _, m := range env.Messages {
		out = append(out, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
