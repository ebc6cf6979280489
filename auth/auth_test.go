package auth

import (
	"testing"

	"github.com/relayplane/proxy/envelope"
)

func noEnv(string) (string, bool) { return "", false }

func envWith(key, val string) EnvLookup {
	return func(k string) (string, bool) {
		if k == key {
			return val, true
		}
		return "", false
	}
}

// TestAPIKeyPassthrough covers spec §8 scenario #6 case 1: provider-native
// API key passes through unchanged regardless of target model.
func TestAPIKeyPassthrough(t *testing.T) {
	in := Incoming{Shape: ShapeAPIKey, Token: "sk-ant-api03-abc"}
	out := Resolve(in, "gpt-4o", envelope.FamilyOpenAI, noEnv)
	if !out.Allowed || out.HeaderName != "Authorization" || out.HeaderValue != "Bearer sk-ant-api03-abc" {
		t.Fatalf("expected passthrough, got %+v", out)
	}
}

// TestOAuthSupportingModelPassthrough covers case 2: OAuth token against an
// OAuth-supporting model passes through as the raw Anthropic x-api-key.
func TestOAuthSupportingModelPassthrough(t *testing.T) {
	in := Incoming{Shape: ShapeOAuth, Token: "oauth-session-token"}
	out := Resolve(in, "claude-opus-4-6", envelope.FamilyAnthropic, noEnv)
	if !out.Allowed || out.HeaderName != "x-api-key" || out.HeaderValue != "oauth-session-token" {
		t.Fatalf("expected oauth passthrough, got %+v", out)
	}
}

// TestOAuthNonSupportingModelUsesEnvKey covers case 3: OAuth token against a
// non-OAuth model falls back to the configured env API key.
func TestOAuthNonSupportingModelUsesEnvKey(t *testing.T) {
	in := Incoming{Shape: ShapeOAuth, Token: "oauth-session-token"}
	out := Resolve(in, "gpt-4o", envelope.FamilyOpenAI, envWith("OPENAI_API_KEY", "sk-openai-real"))
	if !out.Allowed || out.HeaderValue != "Bearer sk-openai-real" {
		t.Fatalf("expected env key fallback, got %+v", out)
	}
}

// TestOAuthNonSupportingModelNoEnvKeyDenies covers case 4: OAuth token
// against a non-OAuth model with no configured env key is denied.
func TestOAuthNonSupportingModelNoEnvKeyDenies(t *testing.T) {
	in := Incoming{Shape: ShapeOAuth, Token: "oauth-session-token"}
	out := Resolve(in, "gpt-4o", envelope.FamilyOpenAI, noEnv)
	if out.Allowed {
		t.Fatal("expected denial when no env key configured")
	}
	if out.Reason == "" {
		t.Fatal("expected an explanatory reason")
	}
}

// TestOAuthHaikuUsesEnvKeyNotOAuthToken mirrors spec §8 scenario #6
// literally: an OAuth/"Max" session token against claude-haiku-4-5 must NOT
// be forwarded as-is — Haiku is not an OAuth-supporting model, so the
// outbound request falls back to the configured ANTHROPIC_API_KEY and uses
// the anthropic family's x-api-key header shape, never the OAuth token.
func TestOAuthHaikuUsesEnvKeyNotOAuthToken(t *testing.T) {
	in := Incoming{Shape: ShapeOAuth, Token: "sk-ant-oat-session"}
	out := Resolve(in, "claude-haiku-4-5", envelope.FamilyAnthropic, envWith("ANTHROPIC_API_KEY", "sk-ant-api03-real"))
	if !out.Allowed || out.HeaderName != "x-api-key" || out.HeaderValue != "sk-ant-api03-real" {
		t.Fatalf("expected env key used via x-api-key, got %+v", out)
	}
	if out.HeaderValue == in.Token {
		t.Fatal("OAuth token must not be forwarded for claude-haiku-4-5")
	}
}

func TestParseAuthorizationHeaderBearerPrefix(t *testing.T) {
	in, err := ParseAuthorizationHeader("Bearer sk-ant-api03-xyz")
	if err != nil {
		t.Fatal(err)
	}
	if in.Shape != ShapeAPIKey || in.Token != "sk-ant-api03-xyz" {
		t.Fatalf("unexpected parse result: %+v", in)
	}
}

func TestParseAuthorizationHeaderMissing(t *testing.T) {
	if _, err := ParseAuthorizationHeader(""); err == nil {
		t.Fatal("expected error on missing header")
	}
}
