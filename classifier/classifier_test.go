package classifier

import "testing"

func TestShortPlainRequestIsSimple(t *testing.T) {
	tier := Classify(Request{
		LastUserMessage: "what's the capital of France?",
		MessageCount:    1,
		TotalChars:      32,
	})
	if tier != TierSimple {
		t.Fatalf("expected simple, got %s", tier)
	}
}

func TestLongConversationIsAtLeastModerate(t *testing.T) {
	tier := Classify(Request{
		LastUserMessage: "continue",
		MessageCount:    12,
		TotalChars:      3000,
	})
	if tier == TierSimple {
		t.Fatalf("expected at least moderate, got %s", tier)
	}
}

func TestKeywordCueAndToolsPushToComplex(t *testing.T) {
	tier := Classify(Request{
		LastUserMessage: "please analyze this architecture and compare the tradeoffs step by step",
		MessageCount:    6,
		TotalChars:      4500,
		HasTools:        true,
	})
	if tier != TierComplex {
		t.Fatalf("expected complex, got %s", tier)
	}
}

func TestSystemPromptKeywordsDoNotCount(t *testing.T) {
	// Keyword cues only apply to the last user message, never the system prompt;
	// this request carries no cue in its user message and should not inflate.
	tier := Classify(Request{
		LastUserMessage: "hi",
		MessageCount:    1,
		TotalChars:      120,
	})
	if tier != TierSimple {
		t.Fatalf("expected simple, got %s", tier)
	}
}
