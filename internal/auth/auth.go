// Package auth guards the ingestion endpoint with the system API key or an
// RS256 bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
)

// APIKeyHeader carries the shared system key
const APIKeyHeader = delivery.DefaultAuthHeader

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidAPIKey      = errors.New("invalid system API key")
)

type contextKey string

const principalKey contextKey = "principal"

// Principal identifies an authenticated caller
type Principal struct {
	Method   string // "api_key" or "jwt"
	ClientID string // set when a token is pinned to one client
}

// Authenticator accepts the system key and, when configured, bearer tokens
type Authenticator struct {
	apiKey string
	jwt    *JWTValidator
	logger *logging.Logger
}

// NewAuthenticator creates an Authenticator. jwt may be nil.
func NewAuthenticator(apiKey string, jwt *JWTValidator) *Authenticator {
	return &Authenticator{
		apiKey: apiKey,
		jwt:    jwt,
		logger: logging.New("control-core-auth"),
	}
}

// Authenticate checks the request headers
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1 {
			return Principal{Method: "api_key"}, nil
		}
		return Principal{}, ErrInvalidAPIKey
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || a.jwt == nil {
		return Principal{}, ErrMissingCredentials
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return Principal{}, errors.New("invalid Authorization header format")
	}
	clientID, err := a.jwt.ValidateToken(tokenString)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Method: "jwt", ClientID: clientID}, nil
}

// Middleware rejects unauthenticated requests with 401
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			a.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("unauthorized request")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail(err)})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func detail(err error) string {
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidAPIKey) {
		return err.Error()
	}
	return "invalid token"
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by Middleware
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
