package tenant

import (
	"testing"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
)

var testSecret = []byte("test-signing-secret")

func TestBuildFromBearerRoundTrips(t *testing.T) {
	token, err := IssueToken(testSecret, "org-1", "org-one", "user-1", []string{"member"}, []string{"channel:read"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	b := NewBuilder(testSecret, StaticResolver{})
	p, err := b.BuildFromBearer(token)
	if err != nil {
		t.Fatalf("build from bearer: %v", err)
	}
	if p.OrgID != "org-1" || p.UserID != "user-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestBuildFromBearerRejectsMissingToken(t *testing.T) {
	b := NewBuilder(testSecret, StaticResolver{})
	_, err := b.BuildFromBearer("")
	if err == nil {
		t.Fatalf("expected error for empty token")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestBuildFromBearerRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, "org-1", "org-one", "user-1", nil, nil, -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	b := NewBuilder(testSecret, StaticResolver{})
	_, err = b.BuildFromBearer(token)
	if err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestBuildFromBearerRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, "org-1", "org-one", "user-1", nil, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	b := NewBuilder([]byte("a-different-secret"), StaticResolver{})
	if _, err := b.BuildFromBearer(token); err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
}

func TestBuildFromBearerRejectsUnknownTenant(t *testing.T) {
	token, err := IssueToken(testSecret, "org-1", "org-one", "user-1", nil, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	b := NewBuilder(testSecret, rejectAllResolver{})
	_, err = b.BuildFromBearer(token)
	if err == nil {
		t.Fatalf("expected unknown tenant to be rejected")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != "unknown_tenant" {
		t.Fatalf("expected unknown_tenant error, got %v", err)
	}
}

func TestBuildFromServiceRequiresOrgID(t *testing.T) {
	b := NewBuilder(testSecret, StaticResolver{})
	if _, err := b.BuildFromService("", "user-1", nil, nil); err == nil {
		t.Fatalf("expected missing orgId to be rejected")
	}
}

type rejectAllResolver struct{}

func (rejectAllResolver) TenantExists(string) bool           { return false }
func (rejectAllResolver) UserInTenant(string, string) bool   { return false }
func (rejectAllResolver) ResolveSlug(string) (string, bool)  { return "", false }

func TestBuildFromSlugResolvesTenant(t *testing.T) {
	b := NewBuilder(testSecret, StaticResolver{})
	p, err := b.BuildFromSlug("acme", "user-1")
	if err != nil {
		t.Fatalf("build from slug: %v", err)
	}
	if p.OrgID != "acme" || p.OrgSlug != "acme" || p.UserID != "user-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestBuildFromSlugRejectsUnknownSlug(t *testing.T) {
	b := NewBuilder(testSecret, rejectAllResolver{})
	_, err := b.BuildFromSlug("ghost", "")
	if err == nil {
		t.Fatalf("expected unknown slug to be rejected")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != "unknown_tenant" {
		t.Fatalf("expected unknown_tenant error, got %v", err)
	}
}

func TestDefaultPolicyEngineAdminShortCircuits(t *testing.T) {
	p := Principal{Roles: []string{"admin"}}
	if !(DefaultPolicyEngine{}).Allow(p, "delete", "endpoint") {
		t.Fatalf("expected admin role to allow everything")
	}
}

func TestDefaultPolicyEngineMatchesExactAndWildcards(t *testing.T) {
	engine := DefaultPolicyEngine{}

	exact := Principal{Permissions: []string{"subscription:create"}}
	if !engine.Allow(exact, "create", "subscription") {
		t.Fatalf("expected exact permission match to allow")
	}
	if engine.Allow(exact, "delete", "subscription") {
		t.Fatalf("expected mismatched action to be denied")
	}

	resourceWildcard := Principal{Permissions: []string{"endpoint:*"}}
	if !engine.Allow(resourceWildcard, "update", "endpoint") {
		t.Fatalf("expected resourceType:* to allow any action on that resource")
	}
	if engine.Allow(resourceWildcard, "update", "subscription") {
		t.Fatalf("expected resourceType:* to not leak to other resources")
	}

	fullWildcard := Principal{Permissions: []string{"*:*"}}
	if !engine.Allow(fullWildcard, "delete", "anything") {
		t.Fatalf("expected *:* to allow everything")
	}

	noPerms := Principal{}
	if engine.Allow(noPerms, "read", "subscription") {
		t.Fatalf("expected principal with no permissions to be denied")
	}
}
