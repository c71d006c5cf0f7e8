package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/requestctx"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, h http.Handler, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/draft", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestAuthenticateBuildsIdentityWithTier(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "cust-1",
		Claims: map[string]any{
			"email": "anna@example.hu",
			"name":  "Kiss Anna",
			"tier":  "VIP",
		},
	}}
	authn := NewAuthenticator(verifier)

	var got *Identity
	var actor requestctx.Actor
	h := authn.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		actor, _ = requestctx.ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(t, h, "Bearer token-abc")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("unexpected token passed to verifier: %q", verifier.received)
	}
	if got == nil || got.Tier != domain.TierVIP {
		t.Fatalf("expected vip identity, got %+v", got)
	}
	if !got.HasRole(RoleCustomer) || got.IsStaff() {
		t.Fatalf("expected customer role only, got %v", got.Roles)
	}
	if got.DisplayName() != "Kiss Anna" {
		t.Fatalf("unexpected display name %q", got.DisplayName())
	}
	if actor.ID != "cust-1" || actor.Tier != "vip" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestAuthenticateUnknownTierFallsBackToPublic(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "staff-1",
		Claims: map[string]any{"tier": "wholesale", "roles": []any{"Staff", "staff", ""}},
	}}
	authn := NewAuthenticator(verifier, WithRoleClaim("roles"), WithTierClaim("tier"))

	var tier domain.CustomerTier
	var identity *Identity
	h := authn.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier = TierFromContext(r.Context())
		identity, _ = IdentityFromContext(r.Context())
	}))
	serve(t, h, "bearer tok")

	if tier != domain.TierPublic {
		t.Fatalf("expected public tier, got %q", tier)
	}
	if len(identity.Roles) != 1 || !identity.IsStaff() {
		t.Fatalf("expected deduplicated staff role, got %v", identity.Roles)
	}
}

func TestAuthenticateRejectsMissingOrBadTokens(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		code   string
	}{
		{name: "missing header", code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", code: "unauthenticated"},
		{name: "empty bearer", header: "Bearer   ", code: "unauthenticated"},
		{name: "expired", header: "Bearer t", err: ErrTokenExpired, code: "token_expired"},
		{name: "invalid", header: "Bearer t", err: errors.New("bad signature"), code: "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(&stubTokenVerifier{err: tc.err, token: &firebaseauth.Token{UID: "u"}})
			h := authn.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))
			rec := serve(t, h, tc.header)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestRequireRoles(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	guard := RequireRoles(RoleStaff, RoleAdmin)(ok)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/o1:transition", nil)
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}

	customer := &Identity{UID: "c", Roles: []string{RoleCustomer}, Tier: domain.TierPublic}
	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), customer)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d", rec.Code)
	}

	admin := &Identity{UID: "a", Roles: []string{RoleAdmin}}
	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, req.WithContext(WithIdentity(req.Context(), admin)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestRolesFromClaimShapes(t *testing.T) {
	if got := rolesFromClaim("staff, admin"); len(got) != 2 {
		t.Fatalf("expected two roles from csv, got %v", got)
	}
	if got := rolesFromClaim(map[string]any{"admin": true, "staff": false}); len(got) != 1 || got[0] != "admin" {
		t.Fatalf("unexpected map roles %v", got)
	}
	if got := rolesFromClaim(42); len(got) != 0 {
		t.Fatalf("expected no roles, got %v", got)
	}
}

func TestOptionalAllowsAnonymousRequests(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: errors.New("must not verify")})

	var seen bool
	h := authn.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, seen = IdentityFromContext(r.Context())
		if TierFromContext(r.Context()) != domain.TierPublic {
			t.Fatalf("expected public tier for anonymous caller")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(t, h, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen {
		t.Fatalf("expected no identity for anonymous caller")
	}

	rec = serve(t, h, "Bearer broken")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}
