// Package alerting implements the Alert Manager: deduplicated fire
// operations recorded in an in-memory history capped at MaxHistory, with
// fire-and-forget webhook delivery. Alerts are not written to a durable
// store, so the history does not survive a restart.
//
// Grounded on observability/pagerduty.go's fire-and-forget webhook pattern
// (http.Client with timeout, non-fatal error handling, dedup-key naming),
// generalized off the PagerDuty Events v2 envelope shape to the spec's
// generic {source, alert} webhook body.
package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/envelope"
)

// Kind enumerates an alert's type, per spec §3.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindAnomaly   Kind = "anomaly"
	KindBreach    Kind = "breach"
)

// Severity mirrors the anomaly package's severities plus "info".
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a fired event, per spec §3.
type Alert struct {
	ID          string                 `json:"id"`
	Type        Kind                   `json:"type"`
	Severity    Severity               `json:"severity"`
	Message     string                 `json:"message"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Delivered   bool                   `json:"delivered"`
}

// Config holds Alert Manager policy.
type Config struct {
	Cooldown     time.Duration
	MaxHistory   int
	WebhookURL   string
	WebhookTimeout time.Duration
}

// DefaultConfig returns spec-aligned defaults (5min cooldown, 500 max history).
func DefaultConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		MaxHistory:     500,
		WebhookTimeout: 10 * time.Second,
	}
}

// Manager is the Alert Manager.
type Manager struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	config     Config
	lastFired  map[string]time.Time
	history    []*Alert
	httpClient *http.Client
}

// NewManager constructs a Manager.
func NewManager(logger zerolog.Logger, cfg Config) *Manager {
	return &Manager{
		logger:    logger.With().Str("component", "alerting").Logger(),
		config:    cfg,
		lastFired: make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
	}
}

func (m *Manager) fire(dedupKey string, kind Kind, severity Severity, message string, data map[string]interface{}) *Alert {
	m.mu.Lock()
	if last, ok := m.lastFired[dedupKey]; ok && time.Since(last) < m.config.Cooldown {
		m.mu.Unlock()
		return nil
	}
	m.lastFired[dedupKey] = time.Now()

	alert := &Alert{
		ID:          envelope.NewID(),
		Type:        kind,
		Severity:    severity,
		Message:     message,
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
	}
	m.history = append(m.history, alert)
	if len(m.history) > m.config.MaxHistory {
		m.history = m.history[len(m.history)-m.config.MaxHistory:]
	}
	m.mu.Unlock()

	go m.deliver(alert)
	return alert
}

// FireThreshold fires a budget-threshold alert; dedup key is "threshold:<pct>".
func (m *Manager) FireThreshold(pct int, currentSpend float64) *Alert {
	key := fmt.Sprintf("threshold:%d", pct)
	msg := fmt.Sprintf("budget utilization crossed %d%%", pct)
	return m.fire(key, KindThreshold, SeverityWarning, msg, map[string]interface{}{
		"percent": pct, "current_spend": currentSpend,
	})
}

// FireAnomaly fires an anomaly alert; dedup key is "anomaly:<type>".
func (m *Manager) FireAnomaly(anomalyType string, severity Severity, message string) *Alert {
	key := fmt.Sprintf("anomaly:%s", anomalyType)
	return m.fire(key, KindAnomaly, severity, message, map[string]interface{}{"anomaly_type": anomalyType})
}

// FireBreach fires a policy-breach alert; dedup key is "breach:<breachType>".
func (m *Manager) FireBreach(breachType string, message string) *Alert {
	key := fmt.Sprintf("breach:%s", breachType)
	return m.fire(key, KindBreach, SeverityCritical, message, map[string]interface{}{"breach_type": breachType})
}

// deliver posts the webhook asynchronously; failure is logged, never
// propagated to the handler.
func (m *Manager) deliver(alert *Alert) {
	if m.config.WebhookURL == "" {
		return
	}
	payload := map[string]interface{}{
		"source": "relayplane",
		"alert":  alert,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("alerting: marshal failed")
		return
	}

	resp, err := m.httpClient.Post(m.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alerting: webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		m.logger.Warn().Int("status", resp.StatusCode).Str("alert_id", alert.ID).Msg("alerting: webhook returned error status")
		return
	}

	m.mu.Lock()
	alert.Delivered = true
	m.mu.Unlock()
}

// History returns a snapshot of the alert ring, most recent last.
func (m *Manager) History() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, len(m.history))
	copy(out, m.history)
	return out
}
