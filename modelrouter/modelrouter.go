// Package modelrouter implements the Router half of the Router+Classifier
// component: alias resolution, suffix stripping, override application, and
// the three routing modes (passthrough/complexity/cascade) including the
// cascade escalation state machine.
//
// Grounded on routing/routing.go's declarative condition-matching shape
// (ordered rule evaluation, first match wins) generalized from "team
// routing rules" to alias/override/complexity-tier resolution, and on
// other_examples' Replicant-Partners-Chrysalis complexity_router.go's
// selectCloudProvider model-prefix dispatch for the alias table.
package modelrouter

import "strings"

// Mode is the router's operating mode (spec §4.7).
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeComplexity  Mode = "complexity"
	ModeCascade     Mode = "cascade"
)

// Suffix is a stripped routing-preference hint (spec §4.7).
type Suffix string

const (
	SuffixNone    Suffix = ""
	SuffixCost    Suffix = "cost"
	SuffixFast    Suffix = "fast"
	SuffixQuality Suffix = "quality"
)

var aliasTable = map[string]string{
	"rp:best":         "claude-opus-4-6",
	"rp:fast":         "claude-haiku-4-5",
	"rp:cheap":        "gpt-4o-mini",
	"rp:balanced":     "claude-sonnet-4-6",
	"relayplane:auto": "claude-sonnet-4-6",
	"rp:auto":         "claude-sonnet-4-6",
}

var suffixes = []string{":cost", ":fast", ":quality"}

// ComplexityTiers maps classifier tiers to a concrete model, configurable
// per deployment.
type ComplexityTiers struct {
	Simple   string
	Moderate string
	Complex  string
}

// Config holds the Router's static policy (spec §4.7).
type Config struct {
	Mode       Mode
	Tiers      ComplexityTiers
	Overrides  map[string]string
	CascadeModels  []string
	MaxEscalations int
}

// DefaultConfig returns passthrough mode with no overrides.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePassthrough,
		MaxEscalations: 2,
	}
}

// Resolved is the result of resolving a requested model through aliases,
// suffixes, and overrides, prior to mode-specific selection.
type Resolved struct {
	Model  string
	Suffix Suffix
}

// ResolveAlias resolves an alias to a concrete model, strips a recognized
// routing suffix, and records it as a preference hint. Overrides (an
// explicit requested-model -> actual-model map) apply last, after alias
// resolution and suffix stripping, per spec §4.7.
func ResolveAlias(requested string, overrides map[string]string) Resolved {
	model := requested
	suffix := SuffixNone

	for _, s := range suffixes {
		if strings.HasSuffix(model, s) {
			suffix = Suffix(strings.TrimPrefix(s, ":"))
			model = strings.TrimSuffix(model, s)
			break
		}
	}

	if real, ok := aliasTable[model]; ok {
		model = real
	}

	if overrides != nil {
		if real, ok := overrides[model]; ok {
			model = real
		}
	}

	return Resolved{Model: model, Suffix: suffix}
}

// SelectForComplexity returns the tier-configured model for tier, or model
// unchanged if no tier model is configured (mode=complexity).
func SelectForComplexity(tiers ComplexityTiers, tier string, fallback string) string {
	switch tier {
	case "simple":
		if tiers.Simple != "" {
			return tiers.Simple
		}
	case "moderate":
		if tiers.Moderate != "" {
			return tiers.Moderate
		}
	case "complex":
		if tiers.Complex != "" {
			return tiers.Complex
		}
	}
	return fallback
}

// CascadeState is the cascade state machine's state (spec §9).
type CascadeState string

const (
	StateInitial    CascadeState = "initial"
	StateForwarding CascadeState = "forwarding"
	StateEscalating CascadeState = "escalating"
	StateDone       CascadeState = "done"
	StateExhausted  CascadeState = "exhausted"
)

// Cascade drives the cascade escalation state machine over an ordered list
// of models. Not safe for concurrent use by multiple goroutines; one Cascade
// per in-flight request.
type Cascade struct {
	models      []string
	maxEscalations int
	idx         int
	escalations int
	state       CascadeState
}

// NewCascade starts a cascade at Initial, immediately transitioning to
// Forwarding(0).
func NewCascade(models []string, maxEscalations int) *Cascade {
	c := &Cascade{models: models, maxEscalations: maxEscalations, state: StateInitial}
	if len(models) > 0 {
		c.state = StateForwarding
		c.idx = 0
	} else {
		c.state = StateExhausted
	}
	return c
}

// State returns the cascade's current state.
func (c *Cascade) State() CascadeState { return c.state }

// CurrentModel returns the model to forward to while Forwarding, or "" otherwise.
func (c *Cascade) CurrentModel() string {
	if c.state != StateForwarding || c.idx >= len(c.models) {
		return ""
	}
	return c.models[c.idx]
}

// Succeed transitions Forwarding(i) -> Done on a successful, non-escalating
// response.
func (c *Cascade) Succeed() {
	if c.state == StateForwarding {
		c.state = StateDone
	}
}

// Escalate transitions Forwarding(i) -> Escalating(i), then immediately
// resolves to Forwarding(i+1) if room remains under maxEscalations and more
// models exist, else Exhausted.
func (c *Cascade) Escalate() {
	if c.state != StateForwarding {
		return
	}
	c.state = StateEscalating
	if c.idx+1 < len(c.models) && c.escalations < c.maxEscalations {
		c.escalations++
		c.idx++
		c.state = StateForwarding
	} else {
		c.state = StateExhausted
	}
}

// Escalations returns the number of escalations performed so far, reported
// in the X-RelayPlane-Escalations response header.
func (c *Cascade) Escalations() int { return c.escalations }

var uncertaintyPhrases = []string{
	"i'm not sure", "i am not sure", "i cannot determine", "i'm not certain",
	"unable to determine", "as an ai language model", "i don't have enough information",
}

var refusalPhrases = []string{
	"i cannot help with", "i can't help with", "i cannot assist", "i won't",
	"i'm not able to", "i am not able to",
}

// ShouldEscalate is a pure function of the response body and a transport
// error: it detects escalation triggers without side effects (spec §9).
func ShouldEscalate(responseBody string, transportErr error) bool {
	if transportErr != nil {
		return true
	}
	lower := strings.ToLower(responseBody)
	for _, p := range uncertaintyPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
