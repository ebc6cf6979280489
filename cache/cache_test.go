package cache

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relayplane/proxy/envelope"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	e, err := NewEngine(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestComputeKeyStableUnderReordering(t *testing.T) {
	temp := 0.0
	env1 := &envelope.Envelope{
		Model:       "claude-sonnet-4-6",
		Messages:    []envelope.Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}
	env2 := &envelope.Envelope{
		Temperature: &temp,
		Model:       "claude-sonnet-4-6",
		Messages:    []envelope.Message{{Role: "user", Content: "hi"}},
	}
	k1 := ComputeKey(env1, ModeExact)
	k2 := ComputeKey(env2, ModeExact)
	if k1 != k2 {
		t.Fatalf("expected identical keys regardless of struct field order, got %s vs %s", k1, k2)
	}
}

func TestAggressiveModeIgnoresHistory(t *testing.T) {
	envA := &envelope.Envelope{
		Model:    "gpt-4o",
		System:   "be terse",
		Messages: []envelope.Message{{Role: "user", Content: "earlier turn"}, {Role: "assistant", Content: "ok"}, {Role: "user", Content: "What is 2+2?"}},
	}
	envB := &envelope.Envelope{
		Model:    "gpt-4o",
		System:   "be terse",
		Messages: []envelope.Message{{Role: "user", Content: "totally different history"}, {Role: "user", Content: "What is 2+2?"}},
	}
	if ComputeKey(envA, ModeAggressive) != ComputeKey(envB, ModeAggressive) {
		t.Fatal("aggressive keys should match when only last user message matches")
	}
	if ComputeKey(envA, ModeExact) == ComputeKey(envB, ModeExact) {
		t.Fatal("exact keys should differ when full history differs")
	}
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	e := testEngine(t)
	key := "abc123"
	body := []byte(`{"choices":[{"text":"hello"}]}`)
	if err := e.Store(key, ModeExact, "claude-sonnet-4-6", "simple", body, 10, 5, 0.01); err != nil {
		t.Fatalf("Store: %v", err)
	}
	res := e.Lookup(key)
	if !res.Hit {
		t.Fatal("expected cache hit")
	}
	if string(res.Entry.Response) != string(body) {
		t.Fatalf("response mismatch: %s", res.Entry.Response)
	}
}

func TestMemoryByteBudgetNeverExceeded(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxMemoryBytes = 100
	e, err := NewEngine(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	body := make([]byte, 40)
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		if err := e.Store(key, ModeExact, "m", "t", body, 1, 1, 0); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if e.SizeBytes() > cfg.MaxMemoryBytes {
			t.Fatalf("byte budget exceeded after insert %d: %d > %d", i, e.SizeBytes(), cfg.MaxMemoryBytes)
		}
	}
}

func TestDiskTierSurvivesIndexReload(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	e1, err := NewEngine(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	body := []byte(`{"choices":[{"text":"persisted"}]}`)
	if err := e1.Store("k1", ModeExact, "m", "t", body, 1, 1, 0.02); err != nil {
		t.Fatalf("Store: %v", err)
	}

	e2, err := NewEngine(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewEngine reload: %v", err)
	}
	res := e2.Lookup("k1")
	if !res.Hit || res.Source != "disk" {
		t.Fatalf("expected disk-tier hit on reload, got %+v", res)
	}
	_ = os.Stat
}

func TestShouldBypassExactNonDeterministic(t *testing.T) {
	cfg := DefaultConfig("")
	temp := 0.7
	if !ShouldBypass(cfg, ModeExact, &temp, false) {
		t.Fatal("expected bypass for temperature > 0 in exact mode")
	}
	zero := 0.0
	if ShouldBypass(cfg, ModeExact, &zero, false) {
		t.Fatal("expected no bypass for temperature == 0")
	}
}

func TestShouldBypassAggressiveIgnoresDeterminism(t *testing.T) {
	cfg := DefaultConfig("")
	temp := 0.9
	if ShouldBypass(cfg, ModeAggressive, &temp, false) {
		t.Fatal("aggressive mode must never bypass on temperature per spec open question 3")
	}
}
