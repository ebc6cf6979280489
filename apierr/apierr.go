// Package apierr implements the error taxonomy: input, auth, policy, upstream,
// and internal error kinds, each mapped to an HTTP status and a structured body.
package apierr

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/agnivade/levenshtein"
)

// Kind classifies an error by its origin, not its Go type.
type Kind string

const (
	KindInput    Kind = "input"
	KindAuth     Kind = "auth"
	KindPolicy   Kind = "policy"
	KindUpstream Kind = "upstream"
	KindInternal Kind = "internal"
)

// Error is the structured error carried through the pipeline.
type Error struct {
	Kind        Kind
	Message     string
	Suggestions []string
	Status      int   // explicit status override; 0 means derive from Kind
	Wrapped     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Wrapped != nil {
		return e.Wrapped.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// StatusCode returns the HTTP status this error maps to.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPolicy:
		return http.StatusPaymentRequired
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Input builds an Input-kind error with no suggestions (see InputWithSuggestions).
func Input(message string) *Error {
	return &Error{Kind: KindInput, Message: message}
}

// InputWithSuggestions builds an Input-kind error and computes suggestions for
// unknownModel against knownModels using Levenshtein distance <= 4.
func InputWithSuggestions(message, unknownModel string, knownModels []string) *Error {
	e := &Error{Kind: KindInput, Message: message}
	e.Suggestions = Suggest(unknownModel, knownModels, 4)
	return e
}

// Suggest returns knownModels within maxDistance of query, nearest first.
func Suggest(query string, knownModels []string, maxDistance int) []string {
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for _, m := range knownModels {
		d := levenshtein.ComputeDistance(query, m)
		if d <= maxDistance {
			candidates = append(candidates, scored{m, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.name)
	}
	return out
}

// Auth builds an Auth-kind error.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// Policy builds a Policy-kind error with an explicit status (402 for budget block,
// 503 for cooldown exhaustion).
func Policy(message string, status int) *Error {
	return &Error{Kind: KindPolicy, Message: message, Status: status}
}

// Upstream wraps an upstream transport/status error, mirroring its status where possible.
func Upstream(message string, status int, wrapped error) *Error {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &Error{Kind: KindUpstream, Message: message, Status: status, Wrapped: wrapped}
}

// Internal builds a sanitized Internal-kind error; wrapped's message is never
// exposed to callers.
func Internal(message string, wrapped error) *Error {
	return &Error{Kind: KindInternal, Message: message, Wrapped: wrapped}
}

type responseBody struct {
	Error struct {
		Type        string   `json:"type"`
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions,omitempty"`
	} `json:"error"`
}

// WriteError serializes err to w following the taxonomy's propagation rules.
// Internal errors never leak the wrapped message.
func WriteError(w http.ResponseWriter, err error) {
	ae, ok := err.(*Error)
	if !ok {
		ae = Internal("internal error", err)
	}

	body := responseBody{}
	body.Error.Type = string(ae.Kind)
	if ae.Kind == KindInternal {
		body.Error.Message = "an internal error occurred"
	} else {
		body.Error.Message = ae.Error()
	}
	body.Error.Suggestions = ae.Suggestions

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.StatusCode())
	_ = json.NewEncoder(w).Encode(body)
}
