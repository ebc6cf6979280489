package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func TestRecordSpendMonotonicity(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "budget.db"))
	cfg.Enabled = true
	cfg.DailyUSD = 100
	m := testManager(t, cfg)

	m.RecordSpend(1.5, "gpt-4o")
	d := m.CheckBudget(0)
	if d.CurrentDailySpend < 1.5 {
		t.Fatalf("expected currentDailySpend >= 1.5, got %f", d.CurrentDailySpend)
	}
}

func TestBudgetBlockPath(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "budget.db"))
	cfg.Enabled = true
	cfg.DailyUSD = 1
	cfg.OnBreach = ActionBlock
	m := testManager(t, cfg)

	m.RecordSpend(1.00, "claude-opus-4-6")
	d := m.CheckBudget(0)
	if d.Allowed {
		t.Fatal("expected budget block after reaching daily cap")
	}
	if d.BreachType != BreachDaily {
		t.Fatalf("expected daily breach, got %s", d.BreachType)
	}
}

func TestFastPathNoIO(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.Enabled = true
	cfg.DailyUSD = 10
	m := testManager(t, cfg)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		m.CheckBudget(0)
	}
	elapsed := time.Since(start)
	if elapsed > 50*time.Millisecond {
		t.Fatalf("1000 checkBudget calls took %s, expected well under 5ms each", elapsed)
	}
}

func TestThresholdCrossedOnce(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "budget.db"))
	cfg.Enabled = true
	cfg.DailyUSD = 10
	cfg.ThresholdsPercent = []int{50}
	m := testManager(t, cfg)

	m.RecordSpend(6, "gpt-4o")
	d := m.CheckBudget(0)
	if len(d.ThresholdsCrossed) != 1 || d.ThresholdsCrossed[0] != 50 {
		t.Fatalf("expected threshold 50 crossed, got %v", d.ThresholdsCrossed)
	}
	m.MarkThresholdFired(50)
	d2 := m.CheckBudget(0)
	if len(d2.ThresholdsCrossed) != 0 {
		t.Fatalf("expected no re-crossing after MarkThresholdFired, got %v", d2.ThresholdsCrossed)
	}
}
