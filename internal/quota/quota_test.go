package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
)

func newTestManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(logadapter.New(client), limits)
}

func TestCheckAPICallEnforcesHourlyBudget(t *testing.T) {
	m := newTestManager(t, Limits{APICallsPerHour: 2})
	ctx := context.Background()

	if err := m.CheckAPICall(ctx, "org-1"); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if err := m.CheckAPICall(ctx, "org-1"); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	err := m.CheckAPICall(ctx, "org-1")
	if err == nil {
		t.Fatalf("expected third call to exceed hourly quota")
	}
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}

func TestCheckAPICallIsolatedPerTenant(t *testing.T) {
	m := newTestManager(t, Limits{APICallsPerHour: 1})
	ctx := context.Background()

	if err := m.CheckAPICall(ctx, "org-1"); err != nil {
		t.Fatalf("org-1 call: %v", err)
	}
	if err := m.CheckAPICall(ctx, "org-2"); err != nil {
		t.Fatalf("expected org-2's quota to be independent of org-1, got %v", err)
	}
}

func TestCheckResourceCountEnforcesMaxWithoutIncrementing(t *testing.T) {
	m := newTestManager(t, Limits{})
	ctx := context.Background()

	if err := m.CheckResourceCount(ctx, "org-1", "sessions", 1); err != nil {
		t.Fatalf("expected 0 < max(1) to pass, got %v", err)
	}
	// CheckResourceCount alone never increments; repeating it must still pass.
	if err := m.CheckResourceCount(ctx, "org-1", "sessions", 1); err != nil {
		t.Fatalf("expected repeated check without increment to still pass, got %v", err)
	}

	if err := m.IncrResourceCount(ctx, "org-1", "sessions", 1); err != nil {
		t.Fatalf("incr: %v", err)
	}
	err := m.CheckResourceCount(ctx, "org-1", "sessions", 1)
	if err == nil {
		t.Fatalf("expected resource count at the max to be rejected")
	}
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}

func TestIncrResourceCountSupportsNegativeDelta(t *testing.T) {
	m := newTestManager(t, Limits{})
	ctx := context.Background()

	if err := m.IncrResourceCount(ctx, "org-1", "sessions", 2); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := m.IncrResourceCount(ctx, "org-1", "sessions", -1); err != nil {
		t.Fatalf("decr: %v", err)
	}
	// One session left: a max of 1 must now reject further usage.
	if err := m.CheckResourceCount(ctx, "org-1", "sessions", 1); err == nil {
		t.Fatalf("expected remaining usage of 1 to hit a max of 1")
	}
}

func TestLimitsReturnsConfiguredValues(t *testing.T) {
	limits := Limits{MaxConcurrentSessions: 5, APICallsPerHour: 10, WSMessagesPerMinute: 20}
	m := newTestManager(t, limits)
	if got := m.Limits(); got != limits {
		t.Fatalf("expected Limits() to return configured values, got %+v", got)
	}
}

func TestUsageReadsCountersWithoutIncrementing(t *testing.T) {
	m := newTestManager(t, DefaultLimits())
	ctx := context.Background()

	if err := m.CheckAPICall(ctx, "org-1"); err != nil {
		t.Fatalf("api call 1: %v", err)
	}
	if err := m.CheckAPICall(ctx, "org-1"); err != nil {
		t.Fatalf("api call 2: %v", err)
	}
	if err := m.CheckWSMessage(ctx, "org-1"); err != nil {
		t.Fatalf("ws message: %v", err)
	}

	usage, err := m.Usage(ctx, "org-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.APICallsThisHour != 2 || usage.WSMessagesThisMinute != 1 {
		t.Fatalf("expected 2 api calls and 1 ws message, got %+v", usage)
	}
	if usage.Limits != m.Limits() {
		t.Fatalf("expected usage to carry configured limits, got %+v", usage.Limits)
	}

	// Reading usage must not consume quota.
	again, err := m.Usage(ctx, "org-1")
	if err != nil {
		t.Fatalf("usage again: %v", err)
	}
	if again.APICallsThisHour != 2 {
		t.Fatalf("expected Usage to be read-only, got %+v", again)
	}
}

func TestUsageForIdleTenantIsZero(t *testing.T) {
	m := newTestManager(t, DefaultLimits())
	usage, err := m.Usage(context.Background(), "org-idle")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.APICallsThisHour != 0 || usage.WSMessagesThisMinute != 0 {
		t.Fatalf("expected zero counters for an idle tenant, got %+v", usage)
	}
}
