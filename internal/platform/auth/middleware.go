package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultTierClaim     = "tier"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	tierClaim string
	timeout   time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithTierClaim overrides the custom claim holding the customer's pricing tier.
func WithTierClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.tierClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		tierClaim: defaultTierClaim,
		timeout:   defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate requires a valid Firebase ID token and stores the caller's Identity.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
			return
		}
		a.serveVerified(w, r, raw, next)
	})
}

// Optional verifies a bearer token when one is sent. Anonymous requests pass through and
// price as the public tier; an invalid token is still rejected.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authorization header invalid", http.StatusUnauthorized))
			return
		}
		a.serveVerified(w, r, raw, next)
	})
}

func (a *Authenticator) serveVerified(w http.ResponseWriter, r *http.Request, raw string, next http.Handler) {
	if a == nil || a.verifier == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	cancel()
	if err != nil {
		writeVerificationError(r.Context(), w, err)
		return
	}

	identity := a.identityFromToken(token)
	ctx = WithIdentity(r.Context(), identity)
	ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: identity.UID, Tier: string(identity.Tier)})
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequireRoles rejects callers lacking every listed role. It must run after Authenticate.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}
			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				httpx.WriteError(r.Context(), w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:   token.UID,
		Email: claimString(token.Claims, "email"),
		Name:  claimString(token.Claims, "name"),
		Roles: rolesFromClaim(token.Claims[a.roleClaim]),
		Tier:  domain.CustomerTier(strings.ToLower(claimString(token.Claims, a.tierClaim))),
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleCustomer}
	}
	// Missing or unknown tier claims price as public.
	if !identity.Tier.Valid() {
		identity.Tier = domain.TierPublic
	}
	return identity
}

func rolesFromClaim(raw any) []string {
	var candidates []string
	switch v := raw.(type) {
	case string:
		candidates = strings.Split(v, ",")
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				candidates = append(candidates, role)
			}
		}
	}
	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		role := normaliseRole(c)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimString(claims map[string]any, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "firebase id token expired", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "firebase id token invalid", http.StatusUnauthorized))
	}
}
