// Package downgrade implements the Auto-Downgrade policy: a pure function
// that rewrites an expensive model to a cheaper one based on budget
// utilization.
package downgrade

// Config holds the downgrade policy.
type Config struct {
	Enabled         bool
	ThresholdPercent float64
	Mapping         map[string]string // expensive -> cheaper
}

// DefaultConfig returns a mapping covering the major Anthropic/OpenAI/Google
// families, per spec §4.5.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ThresholdPercent: 80,
		Mapping: map[string]string{
			"claude-opus-4-6":   "claude-sonnet-4-6",
			"claude-opus-4-1":   "claude-sonnet-4-5",
			"claude-sonnet-4-6": "claude-haiku-4-5",
			"gpt-4o":            "gpt-4o-mini",
			"gpt-4-turbo":       "gpt-4o-mini",
			"o1":                "gpt-4o-mini",
			"o1-preview":        "gpt-4o-mini",
			"gemini-1.5-pro":    "gemini-1.5-flash",
			"gemini-pro":        "gemini-flash",
		},
	}
}

// Result is checkDowngrade's referentially transparent output.
type Result struct {
	Downgraded    bool
	OriginalModel string
	NewModel      string
	Reason        string
}

// Check is pure: given the same (model, budgetPercent, config) it always
// returns the same Result (spec §8's referential-transparency invariant).
func Check(model string, budgetPercent float64, cfg Config) Result {
	r := Result{OriginalModel: model, NewModel: model}

	if !cfg.Enabled {
		r.Reason = "downgrade disabled"
		return r
	}
	if budgetPercent < cfg.ThresholdPercent {
		r.Reason = "budget utilization below threshold"
		return r
	}
	cheaper, ok := cfg.Mapping[model]
	if !ok {
		r.Reason = "no mapping available"
		return r
	}

	r.Downgraded = true
	r.NewModel = cheaper
	r.Reason = "budget utilization at or above threshold"
	return r
}
