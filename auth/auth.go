// Package auth implements the Auth Resolver: per-model-family selection of
// the outbound credential, given the shape of the incoming credential.
//
// Grounded on middleware/auth.go's Bearer-prefix extraction
// (strings.HasPrefix + slice, case-insensitive "bearer ") generalized from
// inbound-only validation to the outbound decision table of spec §4.9.
package auth

import (
	"fmt"
	"strings"

	"github.com/relayplane/proxy/envelope"
)

// CredentialShape describes what kind of credential the client presented.
type CredentialShape string

const (
	ShapeAPIKey CredentialShape = "api_key"
	ShapeOAuth  CredentialShape = "oauth"
)

// Incoming is the credential extracted from the inbound request.
type Incoming struct {
	Shape CredentialShape
	Token string
}

// ParseAuthorizationHeader extracts the bearer token and infers its shape.
// An OAuth/"Max" token is distinguished from a provider API key by prefix
// convention (e.g. "sk-ant-oat" / "sk-ant-api-oauth" style prefixes used by
// Claude Max sessions); anything else presented as a bearer token is treated
// as a provider-native API key.
func ParseAuthorizationHeader(header string) (Incoming, error) {
	if header == "" {
		return Incoming{}, fmt.Errorf("missing authorization header")
	}
	token := header
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token = header[len("Bearer "):]
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Incoming{}, fmt.Errorf("empty bearer token")
	}

	shape := ShapeAPIKey
	if strings.Contains(token, "oauth") || strings.HasPrefix(token, "sk-ant-oat") {
		shape = ShapeOAuth
	}
	return Incoming{Shape: shape, Token: token}, nil
}

// oauthSupportingModels lists models reachable directly with an OAuth/"Max"
// token rather than a provider API key.
var oauthSupportingModels = map[string]bool{
	"claude-opus-4-6":   true,
	"claude-opus-4-1":   true,
	"claude-sonnet-4-6": true,
	"claude-sonnet-4-5": true,
}

// EnvKeyForModel maps a model to the environment variable holding its
// provider API key, per spec §6's recognized env vars.
func EnvKeyForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "ANTHROPIC_API_KEY"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return "OPENAI_API_KEY"
	case strings.HasPrefix(model, "gemini"):
		return "GEMINI_API_KEY"
	case strings.HasPrefix(model, "grok"):
		return "XAI_API_KEY"
	case strings.HasPrefix(model, "deepseek"):
		return "DEEPSEEK_API_KEY"
	case strings.Contains(model, "/"):
		return "OPENROUTER_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// Outcome is the resolved outbound credential decision: which header to set
// on the upstream request, and its value.
type Outcome struct {
	Allowed     bool
	HeaderName  string
	HeaderValue string
	Reason      string // populated when Allowed is false
}

// EnvLookup abstracts os.LookupEnv so Resolve stays testable without process
// environment mutation.
type EnvLookup func(key string) (string, bool)

// headerFor returns the outbound credential header name for a provider
// family: Anthropic uses a raw x-api-key, others use a Bearer Authorization.
func headerFor(family envelope.Family, value string) (string, string) {
	if family == envelope.FamilyAnthropic {
		return "x-api-key", value
	}
	return "Authorization", "Bearer " + value
}

// Resolve implements spec §4.9's exact decision table:
//   - API key (provider-native), any model: pass through unchanged.
//   - OAuth token, OAuth-supporting model: pass through as-is.
//   - OAuth token, non-OAuth model: use the configured env API key; if
//     absent, deny with an explanatory reason (the orchestrator maps this
//     to 401).
func Resolve(in Incoming, model string, family envelope.Family, env EnvLookup) Outcome {
	if in.Shape == ShapeAPIKey {
		name, val := headerFor(family, in.Token)
		return Outcome{Allowed: true, HeaderName: name, HeaderValue: val}
	}

	if oauthSupportingModels[model] {
		name, val := headerFor(family, in.Token)
		return Outcome{Allowed: true, HeaderName: name, HeaderValue: val}
	}

	envVar := EnvKeyForModel(model)
	key, ok := env(envVar)
	if !ok || key == "" {
		return Outcome{
			Allowed: false,
			Reason:  fmt.Sprintf("model %q requires a provider API key but no OAuth session supports it and %s is not configured", model, envVar),
		}
	}
	name, val := headerFor(family, key)
	return Outcome{Allowed: true, HeaderName: name, HeaderValue: val}
}
