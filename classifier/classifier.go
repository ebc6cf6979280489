// Package classifier implements the Classifier: a pure, local, no-network
// scorer that labels a request {simple, moderate, complex} based on message
// count, total token length, tool presence, and keyword cues in the last
// user message only.
//
// Grounded on intelligence/intelligence.go's keyword-weighted Classifier
// (category-scoring shape), with factor weights cross-checked against
// other_examples' Replicant-Partners-Chrysalis complexity_router.go
// assessComplexity (char-count bands, message-count bands, keyword-cue
// bonuses — the same shape, scored 0..1 then bucketed into three tiers
// rather than used as a float threshold).
package classifier

import "strings"

// Tier is the classifier's output label.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

var complexKeywords = []string{
	"analyze", "analyse", "synthesize", "evaluate", "compare", "reasoning",
	"step by step", "architecture", "design a", "optimi", "algorithm",
	"refactor", "prove", "derive",
}

// Request is the subset of the envelope the classifier needs, decoupled from
// the envelope package so this package stays a pure leaf dependency.
type Request struct {
	LastUserMessage string
	MessageCount    int
	TotalChars      int
	HasTools        bool
}

// Classify scores req and buckets it into a tier. Pure function: identical
// input always yields an identical output.
func Classify(req Request) Tier {
	score := 0.0

	switch {
	case req.TotalChars > 8000:
		score += 0.35
	case req.TotalChars > 4000:
		score += 0.25
	case req.TotalChars > 2000:
		score += 0.15
	case req.TotalChars > 500:
		score += 0.05
	}

	switch {
	case req.MessageCount > 10:
		score += 0.2
	case req.MessageCount > 5:
		score += 0.1
	}

	if req.HasTools {
		score += 0.15
	}

	lower := strings.ToLower(req.LastUserMessage)
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			score += 0.2
			break
		}
	}

	switch {
	case score >= 0.5:
		return TierComplex
	case score >= 0.2:
		return TierModerate
	default:
		return TierSimple
	}
}
