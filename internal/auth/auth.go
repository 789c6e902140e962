// Package auth verifies OIDC bearer tokens on incoming requests and applies
// CORS headers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/config"
)

// Token types accepted in config.
const (
	TokenID     = "id"
	TokenAccess = "access"
)

// QueryParam carries the token for websocket upgrades, where browsers cannot
// set headers.
const QueryParam = "access_token"

var ErrMissingToken = errors.New("auth: missing bearer token")

// Verifier checks a raw token and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, raw string) (subject string, err error)
}

type idTokenVerifier struct{ v *oidc.IDTokenVerifier }

func (i idTokenVerifier) Verify(ctx context.Context, raw string) (string, error) {
	tok, err := i.v.Verify(ctx, raw)
	if err != nil {
		return "", err
	}
	return tok.Subject, nil
}

// NewIDTokenVerifier verifies OIDC ID tokens issued for audience.
func NewIDTokenVerifier(v *oidc.IDTokenVerifier) Verifier { return idTokenVerifier{v: v} }

type accessTokenVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

// NewAccessTokenVerifier verifies JWT access tokens against jwks.
func NewAccessTokenVerifier(jwks *keyfunc.JWKS, issuer, audience string) Verifier {
	return accessTokenVerifier{jwks: jwks, issuer: issuer, audience: audience}
}

func (a accessTokenVerifier) Verify(_ context.Context, raw string) (string, error) {
	tok, err := jwt.Parse(raw, a.jwks.Keyfunc, jwt.WithAudience(a.audience), jwt.WithIssuer(a.issuer))
	if err != nil {
		return "", err
	}
	if !tok.Valid {
		return "", errors.New("auth: invalid token")
	}
	return tok.Claims.GetSubject()
}

// Authenticator guards handlers with a Verifier. A nil *Authenticator lets
// every request through.
type Authenticator struct {
	verifier Verifier
	log      *rtrelay.Logger
	jwks     *keyfunc.JWKS
}

// New discovers the issuer and builds the verifier for cfg.TokenType. It
// returns nil when no issuer is configured.
func New(ctx context.Context, cfg config.AuthConfig, log *rtrelay.Logger) (*Authenticator, error) {
	if cfg.Issuer == "" {
		log.Info("oidc_disabled", nil)
		return nil, nil
	}
	if cfg.Audience == "" {
		return nil, &config.MissingError{Names: []string{"OIDC_AUDIENCE"}}
	}

	prov, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	if cfg.TokenType == TokenID {
		log.Info("oidc_enabled", map[string]any{"issuer": cfg.Issuer, "audience": cfg.Audience, "token_type": TokenID})
		v := prov.Verifier(&oidc.Config{ClientID: cfg.Audience})
		return NewAuthenticator(NewIDTokenVerifier(v), log), nil
	}

	var disc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := prov.Claims(&disc); err != nil {
		return nil, fmt.Errorf("discover jwks_uri: %w", err)
	}
	if disc.JWKSURI == "" {
		return nil, errors.New("discover jwks_uri: issuer metadata has no jwks_uri")
	}
	jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	log.Info("oidc_enabled", map[string]any{"issuer": cfg.Issuer, "audience": cfg.Audience, "token_type": TokenAccess})
	a := NewAuthenticator(NewAccessTokenVerifier(jwks, cfg.Issuer, cfg.Audience), log)
	a.jwks = jwks
	return a, nil
}

func NewAuthenticator(v Verifier, log *rtrelay.Logger) *Authenticator {
	return &Authenticator{verifier: v, log: log}
}

// Close stops background JWKS refreshes.
func (a *Authenticator) Close() {
	if a != nil && a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// BearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter.
func BearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
			return "", ErrMissingToken
		}
		if raw := strings.TrimSpace(h[len("bearer "):]); raw != "" {
			return raw, nil
		}
		return "", ErrMissingToken
	}
	if raw := r.URL.Query().Get(QueryParam); raw != "" {
		return raw, nil
	}
	return "", ErrMissingToken
}

type subjectKey struct{}

// Subject returns the verified subject stored by Middleware.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := BearerToken(r)
		if err != nil {
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		sub, err := a.verifier.Verify(r.Context(), raw)
		if err != nil {
			a.log.Warn("token_rejected", map[string]any{"path": r.URL.Path, "err": err})
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}

// CORS answers preflight requests and echoes allowed origins. An empty list
// allows any origin, as does "*".
func CORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && OriginAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether origin may call the server.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
