package auth

import (
	"context"
	"strings"

	domain "github.com/anonline/farm2fork-v3-sub000/internal/domain"
)

// Role constants checked by staff-only routes.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// Identity is the authenticated caller extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Name  string
	Roles []string
	// Tier is the pricing tier from the custom claim. Unknown or missing claims resolve to public.
	Tier domain.CustomerTier
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IsStaff reports whether the caller may operate on other customers' orders.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

// DisplayName returns the name recorded on history entries.
func (i *Identity) DisplayName() string {
	if i == nil {
		return ""
	}
	if name := strings.TrimSpace(i.Name); name != "" {
		return name
	}
	return i.Email
}

type contextKey string

const identityContextKey contextKey = "farm2fork/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// TierFromContext resolves the pricing tier of the caller, defaulting to public.
func TierFromContext(ctx context.Context) domain.CustomerTier {
	if identity, ok := IdentityFromContext(ctx); ok && identity.Tier.Valid() {
		return identity.Tier
	}
	return domain.TierPublic
}
