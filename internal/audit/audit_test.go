package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

// fakeAlertSink records every alert without depending on a real sink.
type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlertSink) Alert(ctx context.Context, record models.AuditRecord, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, reason)
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newTestRing(t *testing.T, alerts AlertSink) *Ring {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRing(logadapter.New(client), logging.NewLogger(), time.Hour, alerts)
}

func TestLogEventDerivesSeverityAndCategory(t *testing.T) {
	r := newTestRing(t, nil)
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	record, err := r.LogEvent(context.Background(), p, "delete", "subscription", Details{Success: true})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if record.Severity != models.SeverityCritical {
		t.Fatalf("expected delete action to be CRITICAL severity, got %s", record.Severity)
	}
	if record.Category != "DATA_MODIFICATION" {
		t.Fatalf("expected DATA_MODIFICATION category, got %s", record.Category)
	}
}

func TestLogEventFailureIsAlwaysHighSeverity(t *testing.T) {
	r := newTestRing(t, nil)
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	record, err := r.LogEvent(context.Background(), p, "read", "event", Details{Success: false, Error: "permission denied"})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if record.Severity != models.SeverityHigh {
		t.Fatalf("expected a failed action to be HIGH severity regardless of verb, got %s", record.Severity)
	}
}

func TestLogEventAlertsOnHighSeverity(t *testing.T) {
	sink := &fakeAlertSink{}
	r := newTestRing(t, sink)
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	if _, err := r.LogEvent(context.Background(), p, "delete", "endpoint", Details{Success: true}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected a high/critical severity write to raise an alert, got %d", sink.count())
	}
}

func TestLogEventDoesNotAlertOnRoutineLowSeverityAction(t *testing.T) {
	sink := &fakeAlertSink{}
	r := newTestRing(t, sink)
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	if _, err := r.LogEvent(context.Background(), p, "heartbeat", "session", Details{Success: true}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("expected no alert for a routine low-severity action, got %d", sink.count())
	}
}

func TestLogEventTracksAnomalyBurst(t *testing.T) {
	sink := &fakeAlertSink{}
	r := newTestRing(t, sink)
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	for i := 0; i < anomalyThreshold; i++ {
		if _, err := r.LogEvent(context.Background(), p, "update", "endpoint", Details{Success: true}); err != nil {
			t.Fatalf("log event %d: %v", i, err)
		}
	}

	// Each HIGH-severity write already alerts once; the anomaly burst fires
	// one additional alert once the threshold is crossed.
	if sink.count() < anomalyThreshold+1 {
		t.Fatalf("expected an additional SUSPICIOUS_ACTIVITY alert once the burst threshold is crossed, got %d alerts", sink.count())
	}
}

func TestQueryReturnsTenantScopedRecordsOldestFirst(t *testing.T) {
	r := newTestRing(t, nil)
	ctx := context.Background()
	org1 := tenant.Principal{OrgID: "org-1", UserID: "u1"}
	org2 := tenant.Principal{OrgID: "org-2", UserID: "u2"}

	first, err := r.LogEvent(ctx, org1, "create", "subscription", Details{Success: true})
	if err != nil {
		t.Fatalf("log first: %v", err)
	}
	second, err := r.LogEvent(ctx, org1, "delete", "subscription", Details{Success: true})
	if err != nil {
		t.Fatalf("log second: %v", err)
	}
	if _, err := r.LogEvent(ctx, org2, "create", "endpoint", Details{Success: true}); err != nil {
		t.Fatalf("log other org: %v", err)
	}

	records, err := r.Query(ctx, "org-1", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for org-1, got %d", len(records))
	}
	if records[0].ID != first.ID || records[1].ID != second.ID {
		t.Fatalf("expected oldest-first order [%s %s], got [%s %s]", first.ID, second.ID, records[0].ID, records[1].ID)
	}
	for _, record := range records {
		if record.OrgID != "org-1" {
			t.Fatalf("query crossed tenants: %+v", record)
		}
	}
}

func TestQueryHonorsLimitAndWindow(t *testing.T) {
	r := newTestRing(t, nil)
	ctx := context.Background()
	p := tenant.Principal{OrgID: "org-1", UserID: "u1"}

	for i := 0; i < 3; i++ {
		if _, err := r.LogEvent(ctx, p, "create", "subscription", Details{Success: true}); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	limited, err := r.Query(ctx, "org-1", time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}

	// A window entirely in the past matches nothing.
	past := time.Now().Add(-2 * time.Hour)
	none, err := r.Query(ctx, "org-1", past, past.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("query past window: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected an old window to match nothing, got %d", len(none))
	}
}
