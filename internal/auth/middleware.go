package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CallerHeader carries the caller id in local mode.
const CallerHeader = "X-Caller-ID"

// Claims identifies an authenticated caller.
type Claims struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the middleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}

// CallerID returns the authenticated caller id on ctx, or "".
func CallerID(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// Middleware authenticates API requests.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware creates the middleware. A nil verifier selects local mode.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// LocalMode reports whether callers are identified by header.
func (m *Middleware) LocalMode() bool {
	return m.verifier == nil
}

// RequireAuth rejects requests without a valid identity and stores the
// caller's claims in the request context. The health endpoint is exempt.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" {
			next(w, r)
			return
		}

		claims, err := m.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", err.Error())
			return
		}

		next(w, r.WithContext(WithClaims(r.Context(), claims)))
	}
}

// RequireScope rejects requests whose claims lack any of scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
				return
			}
			for _, s := range scopes {
				if !claims.HasScope(s) {
					writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
					return
				}
			}
			next(w, r)
		}
	}
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	if m.verifier == nil {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			return nil, fmt.Errorf("missing %s header", CallerHeader)
		}
		return &Claims{Subject: caller, Scopes: []string{ScopeRead, ScopeControl, ScopeTelemetry}}, nil
	}

	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return m.verifier.VerifyToken(token)
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// writeError writes an error response in the API envelope.
func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	}
	if details != nil {
		response["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}
