package alerting

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDedupWithinCooldown(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(zerolog.Nop(), cfg)

	first := m.FireThreshold(80, 8.0)
	if first == nil {
		t.Fatal("expected first fire to succeed")
	}
	second := m.FireThreshold(80, 8.1)
	if second != nil {
		t.Fatal("expected second fire within cooldown to return nil")
	}
}

func TestHistoryCappedAtMaxHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.MaxHistory = 5
	m := NewManager(zerolog.Nop(), cfg)

	for i := 0; i < 20; i++ {
		m.FireAnomaly("velocity_spike_"+string(rune('a'+i)), SeverityWarning, "test")
	}
	if len(m.History()) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(m.History()))
	}
}

func TestUniqueAlertIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	m := NewManager(zerolog.Nop(), cfg)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		a := m.FireBreach("daily", "test")
		if a == nil {
			t.Fatal("expected fire to succeed")
		}
		if seen[a.ID] {
			t.Fatalf("duplicate alert id: %s", a.ID)
		}
		seen[a.ID] = true
		time.Sleep(time.Microsecond)
	}
}
