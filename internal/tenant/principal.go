// Package tenant builds an authoritative Principal from incoming
// credentials and enforces it uniformly. Every downstream component
// accepts a Principal and never reads raw credentials; orgId inside the
// Principal is the only source of tenant identity.
package tenant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
)

// Principal is a verified caller identity bound to exactly one tenant.
type Principal struct {
	OrgID       string
	OrgSlug     string
	UserID      string // empty for service-to-service contexts
	Roles       []string
	Permissions []string
}

// IsService reports whether this principal represents a service caller
// rather than a human user.
func (p Principal) IsService() bool { return p.UserID == "" }

// Claims is the JWT claim shape issued by the external identity
// provider: {sub, orgId, orgSlug, roles, permissions, iat, exp}.
type Claims struct {
	Sub         string   `json:"sub"`
	OrgID       string   `json:"orgId"`
	OrgSlug     string   `json:"orgSlug"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("expired token")
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrUserNotInTenant   = errors.New("user does not belong to tenant")
)

// TenantResolver answers whether an orgId/slug exists and whether a user
// belongs to it — the thin seam onto an external identity/tenant registry.
type TenantResolver interface {
	TenantExists(orgID string) bool
	UserInTenant(orgID, userID string) bool
	ResolveSlug(slug string) (orgID string, ok bool)
}

// Builder derives Principals from bearer tokens, explicit service headers,
// or a subdomain tenant slug.
type Builder struct {
	secret   []byte
	resolver TenantResolver
}

// NewBuilder creates a Principal builder backed by the given signing
// secret and tenant resolver.
func NewBuilder(secret []byte, resolver TenantResolver) *Builder {
	return &Builder{secret: secret, resolver: resolver}
}

// BuildFromBearer derives a Principal from a raw bearer token (handshake
// header, query parameter, or auth.token handshake field).
func (b *Builder) BuildFromBearer(token string) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, apierr.AuthError("missing_token", ErrMissingCredential.Error())
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apierr.AuthError("token_expired", ErrExpiredToken.Error())
		}
		return Principal{}, apierr.AuthError("token_invalid", ErrInvalidToken.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, apierr.AuthError("token_invalid", ErrInvalidToken.Error())
	}
	if claims.OrgID == "" {
		return Principal{}, apierr.AuthError("token_invalid", "token carries no orgId")
	}

	p := Principal{
		OrgID:       claims.OrgID,
		OrgSlug:     claims.OrgSlug,
		UserID:      claims.Sub,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
	if err := b.Validate(p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// BuildFromService derives a Principal for explicit (orgId, userId)
// headers used by service callers.
func (b *Builder) BuildFromService(orgID, userID string, roles, permissions []string) (Principal, error) {
	if orgID == "" {
		return Principal{}, apierr.AuthError("missing_org", "orgId header is required")
	}
	p := Principal{OrgID: orgID, UserID: userID, Roles: roles, Permissions: permissions}
	if err := b.Validate(p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// BuildFromSlug derives a Principal from a tenant slug carried on the
// request subdomain. The resulting principal carries no roles or
// permissions, so DefaultPolicyEngine denies it every permission-gated
// action.
func (b *Builder) BuildFromSlug(slug, userID string) (Principal, error) {
	if slug == "" {
		return Principal{}, apierr.AuthError("missing_slug", "tenant slug is required")
	}
	if b.resolver == nil {
		return Principal{}, apierr.AuthError("unknown_tenant", ErrUnknownTenant.Error())
	}
	orgID, ok := b.resolver.ResolveSlug(slug)
	if !ok {
		return Principal{}, apierr.AuthError("unknown_tenant", ErrUnknownTenant.Error())
	}
	p := Principal{OrgID: orgID, OrgSlug: slug, UserID: userID}
	if err := b.Validate(p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Validate reverifies the tenant exists and, if set, that the user belongs
// to it — used by every Build* method before returning a Principal.
func (b *Builder) Validate(p Principal) error {
	if b.resolver == nil {
		return nil
	}
	if !b.resolver.TenantExists(p.OrgID) {
		return apierr.AuthError("unknown_tenant", ErrUnknownTenant.Error())
	}
	if p.UserID != "" && !b.resolver.UserInTenant(p.OrgID, p.UserID) {
		return apierr.AuthError("user_not_in_tenant", ErrUserNotInTenant.Error())
	}
	return nil
}

// StaticResolver is a TenantResolver with no external registry — every
// tenant and user is accepted. Suitable for single-tenant dev/test
// deployments; production wiring supplies a resolver backed by the
// external MetadataStore/IdentityStore.
type StaticResolver struct{}

func (StaticResolver) TenantExists(string) bool      { return true }
func (StaticResolver) UserInTenant(string, string) bool { return true }

// ResolveSlug treats the slug itself as the orgId when no registry exists.
func (StaticResolver) ResolveSlug(slug string) (string, bool) { return slug, true }

// IssueToken signs a token for tests and local tooling; an external
// identity provider is the production issuer.
func IssueToken(secret []byte, orgID, orgSlug, userID string, roles, permissions []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Sub:         userID,
		OrgID:       orgID,
		OrgSlug:     orgSlug,
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
