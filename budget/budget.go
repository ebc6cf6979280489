// Package budget implements the Budget Manager: rolling daily/hourly spend
// windows with a sub-5ms in-memory fast path and a durable write-behind log.
//
// Grounded on metering/metering.go's CostEngine/AsyncLogger shape (buffered
// channel + periodic batch-flush goroutine), generalized from the
// Reserve/Settle/Refund wallet pattern into checkBudget/recordSpend.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreachType enumerates which window (if any) breached.
type BreachType string

const (
	BreachNone       BreachType = "none"
	BreachDaily      BreachType = "daily"
	BreachHourly     BreachType = "hourly"
	BreachPerRequest BreachType = "per-request"
)

// OnBreachAction is the configured response to a breach.
type OnBreachAction string

const (
	ActionBlock     OnBreachAction = "block"
	ActionWarn      OnBreachAction = "warn"
	ActionDowngrade OnBreachAction = "downgrade"
	ActionAlert     OnBreachAction = "alert"
)

// Config holds Budget Manager policy.
type Config struct {
	Enabled            bool
	DailyUSD           float64
	HourlyUSD          float64
	PerRequestUSD      float64
	OnBreach           OnBreachAction
	ThresholdsPercent  []int // ascending, default 50/80/95
	DurablePath        string
	FlushInterval      time.Duration
}

// DefaultConfig returns spec-aligned defaults.
func DefaultConfig(durablePath string) Config {
	return Config{
		Enabled:           false,
		OnBreach:          ActionBlock,
		ThresholdsPercent: []int{50, 80, 95},
		DurablePath:       durablePath,
		FlushInterval:     time.Second,
	}
}

// Record is a single spend event, per spec §3.
type Record struct {
	AmountUSD    float64 `json:"amount_usd"`
	Model        string  `json:"model"`
	DailyWindow  string  `json:"daily_window"`
	HourlyWindow string  `json:"hourly_window"`
	TimestampMs  int64   `json:"timestamp_ms"`
}

// Decision is checkBudget's result.
type Decision struct {
	Allowed            bool
	Breached           bool
	BreachType         BreachType
	Action             OnBreachAction
	CurrentDailySpend  float64
	CurrentHourlySpend float64
	ThresholdsCrossed  []int
}

// Manager is the Budget Manager.
type Manager struct {
	mu     sync.Mutex
	logger zerolog.Logger
	config Config

	dailyKey    string
	hourlyKey   string
	dailySpend  float64
	hourlySpend float64
	firedDaily  map[int]bool

	queue  chan Record
	wg     sync.WaitGroup
	closed bool
}

// NewManager constructs a Manager and starts its write-behind flusher.
func NewManager(logger zerolog.Logger, cfg Config) *Manager {
	m := &Manager{
		logger:     logger.With().Str("component", "budget").Logger(),
		config:     cfg,
		firedDaily: make(map[int]bool),
		queue:      make(chan Record, 1024),
	}
	m.ensureWindows()
	m.restoreFromDurable()
	m.wg.Add(1)
	go m.drain()
	return m
}

func dailyKeyFor(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourlyKeyFor(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

// ensureWindows recomputes the cached window keys; on rollover it clears the
// fired-thresholds set and re-sums from durable storage if available.
func (m *Manager) ensureWindows() {
	now := time.Now()
	dk, hk := dailyKeyFor(now), hourlyKeyFor(now)

	dailyRolled := dk != m.dailyKey
	hourlyRolled := hk != m.hourlyKey

	if dailyRolled {
		m.dailyKey = dk
		m.firedDaily = make(map[int]bool)
		m.dailySpend = m.sumDurable(dk, true)
	}
	if hourlyRolled {
		m.hourlyKey = hk
		m.hourlySpend = m.sumDurable(hk, false)
	}
}

// sumDurable re-derives a window's total from the durable log. Caller holds m.mu.
func (m *Manager) sumDurable(windowKey string, daily bool) float64 {
	if m.config.DurablePath == "" {
		return 0
	}
	f, err := os.Open(m.config.DurablePath)
	if err != nil {
		return 0
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	var total float64
	for {
		var r Record
		if err := dec.Decode(&r); err != nil {
			break
		}
		if daily && r.DailyWindow == windowKey {
			total += r.AmountUSD
		} else if !daily && r.HourlyWindow == windowKey {
			total += r.AmountUSD
		}
	}
	return total
}

func (m *Manager) restoreFromDurable() {
	m.dailySpend = m.sumDurable(m.dailyKey, true)
	m.hourlySpend = m.sumDurable(m.hourlyKey, false)
}

// CheckBudget is the fast path: it reads memory and config only, except on a
// daily or hourly window rollover, when ensureWindows re-sums the new window
// from the durable log. estimatedCost, if > 0, triggers the per-request check
// first.
func (m *Manager) CheckBudget(estimatedCost float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureWindows()

	d := Decision{
		Allowed:           true,
		BreachType:        BreachNone,
		CurrentDailySpend: m.dailySpend,
		CurrentHourlySpend: m.hourlySpend,
	}

	if !m.config.Enabled {
		return d
	}

	if estimatedCost > 0 && m.config.PerRequestUSD > 0 && estimatedCost > m.config.PerRequestUSD {
		return m.applyBreach(d, BreachPerRequest)
	}

	if m.config.DailyUSD > 0 && m.dailySpend >= m.config.DailyUSD {
		d = m.applyBreach(d, BreachDaily)
	} else if m.config.HourlyUSD > 0 && m.hourlySpend >= m.config.HourlyUSD {
		d = m.applyBreach(d, BreachHourly)
	}

	if m.config.DailyUSD > 0 {
		pct := int(m.dailySpend / m.config.DailyUSD * 100)
		for _, t := range m.config.ThresholdsPercent {
			if pct >= t && !m.firedDaily[t] {
				d.ThresholdsCrossed = append(d.ThresholdsCrossed, t)
			}
		}
	}

	return d
}

func (m *Manager) applyBreach(d Decision, bt BreachType) Decision {
	d.Breached = true
	d.BreachType = bt
	d.Action = m.config.OnBreach
	if m.config.OnBreach == ActionBlock {
		d.Allowed = false
	}
	return d
}

// MarkThresholdFired records that pct has been emitted for the current daily
// window, suppressing further emissions until rollover.
func (m *Manager) MarkThresholdFired(pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firedDaily[pct] = true
}

// RecordSpend updates the in-memory cache synchronously and enqueues the
// record for durable write-behind.
func (m *Manager) RecordSpend(amountUSD float64, model string) Record {
	now := time.Now()
	m.mu.Lock()
	m.ensureWindows()
	m.dailySpend += amountUSD
	m.hourlySpend += amountUSD
	rec := Record{
		AmountUSD:    amountUSD,
		Model:        model,
		DailyWindow:  m.dailyKey,
		HourlyWindow: m.hourlyKey,
		TimestampMs:  now.UnixMilli(),
	}
	m.mu.Unlock()

	select {
	case m.queue <- rec:
	default:
		m.logger.Warn().Msg("budget: write-behind queue full, dropping durable record (memory state unaffected)")
	}
	return rec
}

// CurrentDailySpend returns the in-memory daily total.
func (m *Manager) CurrentDailySpend() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureWindows()
	return m.dailySpend
}

// Config returns the manager's static policy.
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) drain() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()
	var batch []Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.writeBatch(batch)
		batch = batch[:0]
	}
	for {
		select {
		case rec, ok := <-m.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *Manager) writeBatch(batch []Record) {
	if m.config.DurablePath == "" {
		return
	}
	f, err := os.OpenFile(m.config.DurablePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		m.logger.Warn().Err(err).Msg("budget: durable write failed, continuing memory-only")
		return
	}
	defer f.Close()
	for _, r := range batch {
		data, _ := json.Marshal(r)
		if _, err := f.Write(append(data, '\n')); err != nil {
			m.logger.Warn().Err(err).Msg("budget: durable write failed mid-batch")
			return
		}
	}
}

// Close flushes synchronously and stops the background flusher, per the
// shutdown requirement in spec §4.3.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.queue)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("budget: shutdown flush timed out: %w", ctx.Err())
	}
}
