package connection

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	adapter := logadapter.New(client)
	quotas := quota.NewManager(adapter, quota.Limits{MaxConcurrentSessions: 2, APICallsPerHour: 1000, WSMessagesPerMinute: 100})
	return NewManager(logging.NewLogger(), adapter, quotas, time.Second, 0)
}

func TestRegisterEnforcesConcurrentSessionLimit(t *testing.T) {
	m := newTestManager(t)
	p := tenant.Principal{OrgID: "org-1", UserID: "user-1"}

	if _, err := m.Register(p, models.ClientWeb); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := m.Register(p, models.ClientWeb); err != nil {
		t.Fatalf("second register: %v", err)
	}

	if _, err := m.Register(p, models.ClientWeb); err == nil {
		t.Fatalf("expected third register to hit the concurrent session quota")
	} else if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindQuotaExceeded {
		t.Fatalf("expected quota exceeded error, got %v", err)
	}
}

func TestHeartbeatClassifiesQualityFromWindowedAverage(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientSDK)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < heartbeatWindow; i++ {
		if _, err := m.Heartbeat(sess.SessionID, time.Now()); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	got, err := m.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Quality != models.QualityExcellent {
		t.Fatalf("expected EXCELLENT for near-zero latency, got %v", got.Quality)
	}
}

func TestHeartbeatClampsNegativeLatency(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientSDK)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := m.Heartbeat(sess.SessionID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.LatencyMs != 0 {
		t.Fatalf("expected clock-skew latency clamped to 0, got %d", result.LatencyMs)
	}
}

func TestHeartbeatRecoversFromReconnecting(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.UpdateStatus(sess.SessionID, models.SessionReconnecting); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if _, err := m.Heartbeat(sess.SessionID, time.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, err := m.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionConnected {
		t.Fatalf("expected heartbeat to recover session to CONNECTED, got %v", got.Status)
	}
	if got.ReconnectAttempt != 0 {
		t.Fatalf("expected reconnect attempt counter reset, got %d", got.ReconnectAttempt)
	}
}

func TestCheckMissedHeartbeatsTransitionsStaleSessions(t *testing.T) {
	m := newTestManager(t)
	m.missTimeout = 10 * time.Millisecond

	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	transitioned := m.CheckMissedHeartbeats()
	if len(transitioned) != 1 || transitioned[0] != sess.SessionID {
		t.Fatalf("expected session %s to be flagged as stale, got %v", sess.SessionID, transitioned)
	}

	got, err := m.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionReconnecting {
		t.Fatalf("expected RECONNECTING, got %v", got.Status)
	}
}

func TestScheduleReconnectTransitionsToFailedOnExhaustion(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	policy := ReconnectPolicy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 2}
	if _, err := m.ScheduleReconnect(sess.SessionID, policy); err != nil {
		t.Fatalf("first reconnect: %v", err)
	}
	if _, err := m.ScheduleReconnect(sess.SessionID, policy); err != nil {
		t.Fatalf("second reconnect: %v", err)
	}
	if _, err := m.ScheduleReconnect(sess.SessionID, policy); err == nil {
		t.Fatalf("expected exhaustion error on third attempt")
	}

	got, err := m.Get(sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionFailed {
		t.Fatalf("expected FAILED after exhausting reconnect attempts, got %v", got.Status)
	}
}

func TestEvictRemovesSessionAndDecrementsQuota(t *testing.T) {
	m := newTestManager(t)
	p := tenant.Principal{OrgID: "org-1"}
	sess, err := m.Register(p, models.ClientWeb)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Evict(sess.SessionID, "test")

	if _, err := m.Get(sess.SessionID); err == nil {
		t.Fatalf("expected evicted session to be gone")
	}
	if m.Count() != 0 {
		t.Fatalf("expected registry empty after evict, got %d", m.Count())
	}

	// Quota slot should be freed: a new registration must succeed.
	if _, err := m.Register(p, models.ClientWeb); err != nil {
		t.Fatalf("register after evict: %v", err)
	}
}

func TestCheckRateEnforcesPerSessionMessageQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	adapter := logadapter.New(client)
	quotas := quota.NewManager(adapter, quota.Limits{MaxConcurrentSessions: 10, APICallsPerHour: 1000, WSMessagesPerMinute: 1000})
	m := NewManager(logging.NewLogger(), adapter, quotas, time.Second, 1)

	sess, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.CheckRate(sess.SessionID, RateMessages); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if err := m.CheckRate(sess.SessionID, RateMessages); err == nil {
		t.Fatalf("expected second message to exceed the per-minute quota")
	}
}

// TestCheckRateIsolatesSessionsWithinTheSameTenant guards against the
// per-session counter collapsing onto the tenant-wide aggregate: a noisy
// session hitting its own limit must not throttle a second, quiet session
// in the same org, since each session owns its own rate bucket.
func TestCheckRateIsolatesSessionsWithinTheSameTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	adapter := logadapter.New(client)
	// The org-wide aggregate is deliberately set well above what either
	// session alone would trip, so this test isolates the per-session
	// dimension: only each session's own bucket should gate it.
	quotas := quota.NewManager(adapter, quota.Limits{MaxConcurrentSessions: 10, APICallsPerHour: 1000, WSMessagesPerMinute: 1000})
	m := NewManager(logging.NewLogger(), adapter, quotas, time.Second, 1)

	noisy, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register noisy: %v", err)
	}
	quiet, err := m.Register(tenant.Principal{OrgID: "org-1"}, models.ClientWeb)
	if err != nil {
		t.Fatalf("register quiet: %v", err)
	}

	if err := m.CheckRate(noisy.SessionID, RateMessages); err != nil {
		t.Fatalf("noisy session's first message: %v", err)
	}
	if err := m.CheckRate(noisy.SessionID, RateMessages); err == nil {
		t.Fatalf("expected noisy session's second message to exceed its own per-session quota")
	}

	// The quiet session has sent nothing yet; its own per-session bucket
	// (limit 1/min) must still have room, independent of the noisy
	// session's own bucket already being exhausted.
	if err := m.CheckRate(quiet.SessionID, RateMessages); err != nil {
		t.Fatalf("expected quiet session's own per-session bucket to be unaffected by the noisy session, got %v", err)
	}
}
