// Package envelope holds the normalized, provider-agnostic representation of an
// incoming chat request and the logic to parse it from either an Anthropic-shape
// or an OpenAI-shape request body.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Family tags which upstream shape a request arrived in.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Envelope is the normalized in-memory representation of a chat request.
// Raw carries the original body so passthrough fields the proxy doesn't
// interpret survive to the forwarded request.
type Envelope struct {
	ID             string
	Family         Family
	Model          string
	Messages       []Message
	System         string
	Tools          json.RawMessage
	ToolChoice     json.RawMessage
	Temperature    *float64
	TopP           *float64
	TopK           *int
	MaxTokens      *int
	StopSequences  []string
	Stream         bool
	Bypass         bool
	ReceivedAt     time.Time
	Raw            json.RawMessage
}

var entropy = ulid.DefaultEntropy()

// NewID returns a new ULID-like, monotonic-within-process request id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// anthropicRequest mirrors the subset of the Anthropic Messages API the proxy cares about.
type anthropicRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	System        string            `json:"system,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         json.RawMessage   `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
}

// openAIRequest mirrors the subset of the OpenAI chat completions API.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

// ParseAnthropic normalizes an Anthropic-shape body into an Envelope.
func ParseAnthropic(body []byte) (*Envelope, error) {
	var ar anthropicRequest
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("envelope: malformed anthropic body: %w", err)
	}
	if ar.Model == "" {
		return nil, fmt.Errorf("envelope: missing model")
	}
	system := ar.System
	// Anthropic also allows a system message inside the messages array in some
	// client libraries; the canonical field above always wins.
	env := &Envelope{
		ID:            NewID(),
		Family:        FamilyAnthropic,
		Model:         ar.Model,
		Messages:      ar.Messages,
		System:        system,
		Tools:         ar.Tools,
		ToolChoice:    ar.ToolChoice,
		Temperature:   ar.Temperature,
		TopP:          ar.TopP,
		TopK:          ar.TopK,
		MaxTokens:     ar.MaxTokens,
		StopSequences: ar.StopSequences,
		Stream:        ar.Stream,
		ReceivedAt:    time.Now(),
		Raw:           body,
	}
	return env, nil
}

// ParseOpenAI normalizes an OpenAI-shape body into an Envelope.
func ParseOpenAI(body []byte) (*Envelope, error) {
	var or openAIRequest
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("envelope: malformed openai body: %w", err)
	}
	if or.Model == "" {
		return nil, fmt.Errorf("envelope: missing model")
	}
	var system string
	messages := make([]Message, 0, len(or.Messages))
	for _, m := range or.Messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		messages = append(messages, m)
	}
	var stops []string
	if len(or.Stop) > 0 {
		var single string
		if err := json.Unmarshal(or.Stop, &single); err == nil {
			stops = []string{single}
		} else {
			_ = json.Unmarshal(or.Stop, &stops)
		}
	}
	env := &Envelope{
		ID:            NewID(),
		Family:        FamilyOpenAI,
		Model:         or.Model,
		Messages:      messages,
		System:        system,
		Tools:         or.Tools,
		ToolChoice:    or.ToolChoice,
		Temperature:   or.Temperature,
		TopP:          or.TopP,
		MaxTokens:     or.MaxTokens,
		StopSequences: stops,
		Stream:        or.Stream,
		ReceivedAt:    time.Now(),
		Raw:           body,
	}
	return env, nil
}

// LastUserMessage returns the content of the most recent user-role message, or
// empty string if there is none.
func (e *Envelope) LastUserMessage() string {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].Role == "user" {
			return e.Messages[i].Content
		}
	}
	return ""
}

// HasTools reports whether the request declares any tools.
func (e *Envelope) HasTools() bool {
	if len(e.Tools) == 0 {
		return false
	}
	trimmed := strings.TrimSpace(string(e.Tools))
	return trimmed != "" && trimmed != "null" && trimmed != "[]"
}

// TotalMessageChars sums the character length of every message plus the system prompt.
func (e *Envelope) TotalMessageChars() int {
	total := len(e.System)
	for _, m := range e.Messages {
		total += len(m.Content)
	}
	return total
}
