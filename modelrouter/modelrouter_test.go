package modelrouter

import "testing"

func TestAliasResolution(t *testing.T) {
	r := ResolveAlias("rp:best", nil)
	if r.Model != "claude-opus-4-6" {
		t.Fatalf("expected alias resolved, got %s", r.Model)
	}
}

func TestSuffixStrippedAndRecorded(t *testing.T) {
	r := ResolveAlias("gpt-4o:fast", nil)
	if r.Model != "gpt-4o" {
		t.Fatalf("expected suffix stripped, got %s", r.Model)
	}
	if r.Suffix != SuffixFast {
		t.Fatalf("expected fast suffix hint, got %s", r.Suffix)
	}
}

func TestOverrideAppliesAfterAlias(t *testing.T) {
	overrides := map[string]string{"claude-opus-4-6": "claude-opus-4-1"}
	r := ResolveAlias("rp:best", overrides)
	if r.Model != "claude-opus-4-1" {
		t.Fatalf("expected override to apply after alias resolution, got %s", r.Model)
	}
}

func TestUnknownModelPassesThroughUnchanged(t *testing.T) {
	r := ResolveAlias("gpt-4o", nil)
	if r.Model != "gpt-4o" {
		t.Fatalf("expected passthrough, got %s", r.Model)
	}
}

func TestCascadeHappyPath(t *testing.T) {
	c := NewCascade([]string{"gpt-4o-mini", "gpt-4o", "o1"}, 2)
	if c.State() != StateForwarding || c.CurrentModel() != "gpt-4o-mini" {
		t.Fatalf("expected Forwarding(0), got state=%s model=%s", c.State(), c.CurrentModel())
	}
	c.Succeed()
	if c.State() != StateDone {
		t.Fatalf("expected Done, got %s", c.State())
	}
}

func TestCascadeEscalatesThenExhausts(t *testing.T) {
	c := NewCascade([]string{"a", "b"}, 2)
	c.Escalate()
	if c.State() != StateForwarding || c.CurrentModel() != "b" || c.Escalations() != 1 {
		t.Fatalf("expected Forwarding(1) with 1 escalation, got state=%s model=%s esc=%d", c.State(), c.CurrentModel(), c.Escalations())
	}
	c.Escalate()
	if c.State() != StateExhausted {
		t.Fatalf("expected Exhausted once models run out, got %s", c.State())
	}
}

func TestCascadeRespectsMaxEscalations(t *testing.T) {
	c := NewCascade([]string{"a", "b", "c", "d"}, 1)
	c.Escalate()
	if c.Escalations() != 1 {
		t.Fatalf("expected 1 escalation, got %d", c.Escalations())
	}
	c.Escalate()
	if c.State() != StateExhausted {
		t.Fatalf("expected Exhausted once maxEscalations reached, got %s", c.State())
	}
}

func TestShouldEscalateOnTransportError(t *testing.T) {
	if !ShouldEscalate("", errTransport{}) {
		t.Fatal("expected transport error to trigger escalation")
	}
}

func TestShouldEscalateOnRefusalPhrase(t *testing.T) {
	if !ShouldEscalate("I cannot help with that request.", nil) {
		t.Fatal("expected refusal phrase to trigger escalation")
	}
}

func TestShouldNotEscalateOnNormalResponse(t *testing.T) {
	if ShouldEscalate("Here is the answer you requested.", nil) {
		t.Fatal("expected normal response not to trigger escalation")
	}
}

type errTransport struct{}

func (errTransport) Error() string { return "connection reset" }
