package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
)

var (
	// ErrJWKSKeyNotFound is returned when the token's key id is absent from the published key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSValidity = 15 * time.Minute
	defaultJWKSTimeout  = 5 * time.Second
	// Google rotates signing keys hourly; an unknown kid may be newer than the cached set.
	minJWKSRefetchGap = 30 * time.Second
)

// JWKSCache fetches Google's signing keys and keeps them for the lifetime the response's
// Cache-Control header allows.
type JWKSCache struct {
	url     string
	client  *http.Client
	now     func() time.Time
	timeout time.Duration

	mu        sync.Mutex
	keys      map[string]jose.JSONWebKey
	expiry    time.Time
	fetchedAt time.Time
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a key cache for the JWKS document at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		timeout: defaultJWKSTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// WithJWKSHTTPClient overrides the HTTP client used to fetch the key set.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock injects a time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Key resolves the public key for kid, refetching when the cache expired or the kid is unknown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.keys) == 0 || !now.Before(c.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	if now.Sub(c.fetchedAt) >= minJWKSRefetchGap {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
		if jwk, ok := c.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	now := c.now()
	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}
	c.keys = keys
	c.fetchedAt = now
	c.expiry = now.Add(validity)
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal job route.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by RequireServiceToken.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// ServiceTokenPolicy describes which Google-signed tokens may call internal job routes.
type ServiceTokenPolicy struct {
	Audience string
	Issuers  []string
	// Emails limits callers to these service accounts; empty accepts any verified caller.
	Emails []string
}

// OIDCValidator guards scheduler-triggered routes with Google-signed OIDC tokens.
type OIDCValidator struct {
	cache  *JWKSCache
	logger func(ctx context.Context, event string, fields map[string]any)
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger records rejected tokens.
func WithOIDCLogger(logger func(ctx context.Context, event string, fields map[string]any)) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewOIDCValidator constructs a validator backed by cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		cache:  cache,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireServiceToken rejects requests without a bearer token matching policy. A policy
// without an audience rejects every request rather than accept tokens minted for other services.
func (v *OIDCValidator) RequireServiceToken(policy ServiceTokenPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := trimmedSet(policy.Issuers, false)
	emails := trimmedSet(policy.Emails, true)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || v.cache == nil {
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "service token verification not configured", http.StatusServiceUnavailable))
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service token missing", http.StatusUnauthorized))
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(raw, claims, v.cache.keyfunc(ctx)); err != nil {
				v.reject(ctx, w, "token_invalid", err)
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 && !issuers[issuer] {
				v.reject(ctx, w, "issuer_mismatch", fmt.Errorf("issuer %q", issuer))
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.reject(ctx, w, "audience_mismatch", fmt.Errorf("audience %v", claims["aud"]))
				return
			}
			email, _ := claims["email"].(string)
			if len(emails) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if !verified || !emails[strings.ToLower(email)] {
					v.reject(ctx, w, "caller_not_allowed", fmt.Errorf("email %q", email))
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) reject(ctx context.Context, w http.ResponseWriter, reason string, err error) {
	v.logger(ctx, "auth.service_token.rejected", map[string]any{
		"reason": reason,
		"error":  err.Error(),
	})
	if errors.Is(err, ErrJWKSFetchFailed) {
		httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "service token keys unavailable", http.StatusServiceUnavailable))
		return
	}
	if reason == "caller_not_allowed" {
		httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "caller may not run internal jobs", http.StatusForbidden))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "service token verification failed", http.StatusUnauthorized))
}

func trimmedSet(values []string, fold bool) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if fold {
			value = strings.ToLower(value)
		}
		if value != "" {
			out[value] = true
		}
	}
	return out
}
