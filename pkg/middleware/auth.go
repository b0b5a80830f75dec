package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"landlink/pkg/logging"
)

const (
	ScopeLinksRead  = "links:read"
	ScopeLinksWrite = "links:write"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller of an owner or admin endpoint.
type Principal struct {
	Subject string
	UserID  uuid.UUID
	Role    string
	Scopes  []string
	Issuer  string
}

func (p *Principal) HasScopes(required ...string) bool {
	for _, s := range required {
		if !slices.Contains(p.Scopes, s) {
			return false
		}
	}
	return true
}

// TokenVerifier turns a bearer token into a Principal. Verifiers return
// ErrInvalidToken (possibly wrapped) for tokens they do not accept.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*Principal, error)
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator tries each verifier in order; the first that accepts the
// token wins.
type Authenticator struct {
	verifiers []TokenVerifier
	logger    *logging.Logger
}

func NewAuthenticator(logger *logging.Logger, verifiers ...TokenVerifier) *Authenticator {
	return &Authenticator{verifiers: verifiers, logger: logger}
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*Principal, error) {
	var errs []error
	for _, v := range a.verifiers {
		p, err := v.Verify(ctx, raw)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrInvalidToken
	}
	return nil, errors.Join(errs...)
}

func (a *Authenticator) Authenticate(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			p, err := a.verify(r.Context(), tokenString)
			if err != nil {
				if a.logger != nil {
					a.logger.Debug(r.Context(), "bearer token rejected", "error", err.Error())
				}
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if !p.HasScopes(requiredScopes...) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole must run after Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if p.Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
