package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"frontdoor/pkg/httpx"
	"frontdoor/pkg/models"
)

type contextKey string

const claimsContextKey contextKey = "frontdoor.claims"

func WithClaims(ctx context.Context, c models.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// ClaimsFromContext returns the claims of an authenticated request. Anonymous
// requests have none.
func ClaimsFromContext(ctx context.Context) (models.Claims, bool) {
	v := ctx.Value(claimsContextKey)
	if v == nil {
		return models.Claims{}, false
	}
	c, ok := v.(models.Claims)
	return c, ok
}

// Routes decides which paths require a credential.
type Routes struct {
	ProtectedPrefix  string
	UnprotectedPaths []string
}

func (rt Routes) IsSecured(path string) bool {
	if rt.ProtectedPrefix != "" && !strings.HasPrefix(path, rt.ProtectedPrefix) {
		return false
	}
	for _, u := range rt.UnprotectedPaths {
		if u != "" && strings.Contains(path, u) {
			return false
		}
	}
	return true
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", invalid(ErrMissingCredential, "")
	}
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", invalid(ErrMalformedToken, "authorization scheme is not bearer")
	}
	token := strings.TrimSpace(header[len("bearer "):])
	if token == "" {
		return "", invalid(ErrMissingCredential, "")
	}
	return token, nil
}

// Authenticator turns a request into claims, or into an anonymous request
// when authentication is switched off or the route is not secured.
type Authenticator struct {
	validator *Validator
	routes    Routes
	enabled   bool
}

func NewAuthenticator(v *Validator, routes Routes, enabled bool, logger *zap.Logger) *Authenticator {
	if !enabled && logger != nil {
		logger.Warn("authentication is disabled; every request is anonymous")
	}
	return &Authenticator{validator: v, routes: routes, enabled: enabled}
}

func (a *Authenticator) Enabled() bool { return a != nil && a.enabled }

// Authenticate returns ok=false with a nil error for anonymous requests.
func (a *Authenticator) Authenticate(r *http.Request) (models.Claims, bool, error) {
	if !a.Enabled() || !a.routes.IsSecured(r.URL.Path) {
		return models.Claims{}, false, nil
	}
	if a.validator == nil {
		return models.Claims{}, false, invalid(ErrMalformedToken, "no validator configured")
	}
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return models.Claims{}, false, err
	}
	claims, err := a.validator.Validate(token)
	if err != nil {
		return models.Claims{}, false, err
	}
	return claims, true, nil
}

// Middleware authenticates requests outside the gatekeeping pipeline, such
// as operator endpoints.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok, err := a.Authenticate(r)
			if err != nil {
				httpx.Error(w, r, http.StatusUnauthorized, UnauthorizedMessage(err))
				return
			}
			if ok {
				r = r.WithContext(WithClaims(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope admits only requests whose claims carry scope. Anonymous
// requests are refused whatever the authenticator's setting.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				httpx.Error(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if !claims.HasScope(scope) {
				httpx.Error(w, r, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnauthorizedMessage is the client-facing text for an authentication error.
func UnauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing bearer token"
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	default:
		return "invalid token"
	}
}
