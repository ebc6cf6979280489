package downgrade

import "testing"

func TestReferentialTransparency(t *testing.T) {
	cfg := DefaultConfig()
	r1 := Check("claude-opus-4-6", 85, cfg)
	r2 := Check("claude-opus-4-6", 85, cfg)
	if r1 != r2 {
		t.Fatalf("expected identical results, got %+v vs %+v", r1, r2)
	}
}

func TestBudgetDowngradePath(t *testing.T) {
	cfg := Config{
		Enabled:          true,
		ThresholdPercent: 80,
		Mapping:          map[string]string{"claude-opus-4-6": "claude-sonnet-4-6"},
	}
	r := Check("claude-opus-4-6", 80, cfg)
	if !r.Downgraded || r.NewModel != "claude-sonnet-4-6" {
		t.Fatalf("expected downgrade to claude-sonnet-4-6, got %+v", r)
	}
}

func TestUnknownModelPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	r := Check("some-unlisted-model", 99, cfg)
	if r.Downgraded || r.Reason != "no mapping available" {
		t.Fatalf("expected pass-through with 'no mapping available', got %+v", r)
	}
}

func TestBelowThresholdNoDowngrade(t *testing.T) {
	cfg := DefaultConfig()
	r := Check("claude-opus-4-6", 10, cfg)
	if r.Downgraded {
		t.Fatalf("expected no downgrade below threshold, got %+v", r)
	}
}
