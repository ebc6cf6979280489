package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

type contextKey string

// CredentialContextKey stores the raw inbound credential header value in
// request context, in case a downstream handler wants it without
// re-reading the request.
const CredentialContextKey contextKey = "inbound_credential"

// AuthMiddleware gates /v1 requests on the presence of a credential the
// pipeline can later resolve into an upstream API key — it does not
// validate the credential itself. This proxy is single-tenant: the
// caller's own provider credential is forwarded upstream (see package
// auth's Resolver), so there is no local user/API-key database to check
// against, only a presence screen before a request is allowed into the
// pipeline.
type AuthMiddleware struct {
	logger    zerolog.Logger
	headerKey string
}

// NewAuthMiddleware creates a new authentication middleware. headerKey is
// the preferred credential header; the middleware also accepts the
// alternate shape's header (x-api-key for Authorization, or vice versa)
// since either ingress route may be hit.
func NewAuthMiddleware(logger zerolog.Logger, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{logger: logger, headerKey: headerKey}
}

// Handler returns the HTTP middleware handler.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := r.Header.Get(am.headerKey)
		if cred == "" {
			cred = r.Header.Get("Authorization")
		}
		if cred == "" {
			cred = r.Header.Get("x-api-key")
		}
		if cred == "" {
			http.Error(w, `{"error":"missing authentication","message":"Authorization or x-api-key header required"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), CredentialContextKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCredential extracts the raw inbound credential from the request context.
func GetCredential(ctx context.Context) string {
	if v, ok := ctx.Value(CredentialContextKey).(string); ok {
		return v
	}
	return ""
}
