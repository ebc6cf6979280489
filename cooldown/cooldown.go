// Package cooldown implements the Provider Cooldown Tracker: a rolling
// failure counter with time-based quarantine per provider.
//
// Grounded on routing/routing.go's FailoverState (failures/lastFail maps,
// threshold+cooldown fields, RecordFailure/RecordSuccess/IsHealthy/
// SelectProvider), generalized to a true rolling window of failure
// timestamps (the teacher's version only compares a consecutive counter
// against a single lastFail time) and renamed to the spec's terminology
// (allowedFails/windowSeconds/cooldownSeconds).
package cooldown

import (
	"sync"
	"time"
)

// Config holds per-tracker cooldown policy (spec §4.8).
type Config struct {
	AllowedFails    int
	WindowSeconds   int
	CooldownSeconds int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{AllowedFails: 5, WindowSeconds: 60, CooldownSeconds: 120}
}

type providerState struct {
	failures    []time.Time
	cooledUntil time.Time // zero value means not cooled
}

// Tracker is the Provider Cooldown Tracker. One Tracker instance per
// configured window/cooldown policy; providers are keyed by name within it.
type Tracker struct {
	mu     sync.Mutex
	config Config
	state  map[string]*providerState
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{config: cfg, state: make(map[string]*providerState)}
}

// RecordFailure appends a failure timestamp for provider, pruning entries
// outside the rolling window, and sets cooled_until if allowedFails is
// reached within windowSeconds.
func (t *Tracker) RecordFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state[provider]
	if s == nil {
		s = &providerState{}
		t.state[provider] = s
	}

	now := time.Now()
	s.failures = append(s.failures, now)
	s.failures = pruneWindow(s.failures, now, t.config.WindowSeconds)

	if len(s.failures) >= t.config.AllowedFails {
		cooledUntil := now.Add(time.Duration(t.config.CooldownSeconds) * time.Second)
		if cooledUntil.After(s.cooledUntil) {
			s.cooledUntil = cooledUntil
		}
	}
}

func pruneWindow(failures []time.Time, now time.Time, windowSeconds int) []time.Time {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	kept := failures[:0:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}

// RecordSuccess clears the failure counter and any active cooldown for provider.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, provider)
}

// IsAvailable reports whether provider may currently be selected.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state[provider]
	if s == nil {
		return true
	}
	if s.cooledUntil.IsZero() {
		return true
	}
	return time.Now().After(s.cooledUntil)
}

// SelectProvider returns the first available provider from preferred followed
// by fallbacks, or "" if all are cooled (the orchestrator maps this to 503).
func (t *Tracker) SelectProvider(preferred string, fallbacks []string) string {
	if t.IsAvailable(preferred) {
		return preferred
	}
	for _, fb := range fallbacks {
		if t.IsAvailable(fb) {
			return fb
		}
	}
	return ""
}
