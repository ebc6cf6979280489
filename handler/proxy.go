package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relayplane/proxy/provider"
	"github.com/rs/zerolog"
)

// ModelsHandler serves the supplementary model-listing and provider-health
// endpoints. It no longer owns chat/embeddings dispatch — that traffic goes
// through ChatHandler and pipeline.Deps.HandleChat — but GET /models and
// GET /v1/providers/health are retained as observability surface fed by the
// provider registry's health poller and model sync, not by the routing
// pipeline itself.
type ModelsHandler struct {
	logger   zerolog.Logger
	registry *provider.Registry
}

// NewModelsHandler creates a new models/health handler.
func NewModelsHandler(logger zerolog.Logger, registry *provider.Registry) *ModelsHandler {
	return &ModelsHandler{logger: logger, registry: registry}
}

// Models handles GET /v1/models.
func (h *ModelsHandler) Models(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.List()
	models := make([]map[string]interface{}, 0)

	for _, name := range providers {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"provider": name,
				"owned_by": name,
			})
		}
	}

	resp := map[string]interface{}{
		"object": "list",
		"data":   models,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ModelsHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
