package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
)

func newTestLog(t *testing.T, dedupEnabled bool) *Log {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(logadapter.New(client), dedupEnabled)
}

func TestAppendAssignsMonotonicSequenceNumbers(t *testing.T) {
	l := newTestLog(t, false)
	ctx := context.Background()

	first, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "x", Channel: "c"})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	second, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "x", Channel: "c"})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Fatalf("expected monotonic sequence, got %d then %d", first.SequenceNumber, second.SequenceNumber)
	}
}

func TestAppendRejectsDuplicatePayloadWithinWindow(t *testing.T) {
	l := newTestLog(t, true)
	ctx := context.Background()

	event := models.Event{OrgID: "org-1", EventType: "order.created", Channel: "c", Payload: map[string]any{"id": "1"}}
	if _, err := l.Append(ctx, event); err != nil {
		t.Fatalf("first append: %v", err)
	}

	dup := models.Event{OrgID: "org-1", EventType: "order.created", Channel: "c", Payload: map[string]any{"id": "1"}}
	_, err := l.Append(ctx, dup)
	if err == nil {
		t.Fatalf("expected duplicate event error")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindDuplicateEvent {
		t.Fatalf("expected duplicate event kind, got %v", err)
	}
}

func TestAppendAllowsDuplicatePayloadWhenDedupDisabled(t *testing.T) {
	l := newTestLog(t, false)
	ctx := context.Background()

	event := models.Event{OrgID: "org-1", EventType: "order.created", Channel: "c", Payload: map[string]any{"id": "1"}}
	if _, err := l.Append(ctx, event); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := l.Append(ctx, event); err != nil {
		t.Fatalf("expected second identical append to succeed with dedup disabled: %v", err)
	}
}

func TestRangeFiltersByTenantChannelAndEventType(t *testing.T) {
	l := newTestLog(t, false)
	ctx := context.Background()

	if _, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "a", Channel: "c1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "b", Channel: "c1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "a", Channel: "c2", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, models.Event{OrgID: "org-2", EventType: "a", Channel: "c1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := l.Range(ctx, "org-1", "c1", RangeFilter{EventTypes: []string{"a"}}, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "a" || events[0].Channel != "c1" {
		t.Fatalf("expected exactly one matching event, got %+v", events)
	}
}

func TestRangeTruncatesToMaxN(t *testing.T) {
	l := newTestLog(t, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, models.Event{OrgID: "org-1", EventType: "a", Channel: "c1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := l.Range(ctx, "org-1", "c1", RangeFilter{}, time.Time{}, time.Time{}, 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected maxN=2 to truncate to 2 events, got %d", len(events))
	}
}

func TestOrderCheckDetectsGaps(t *testing.T) {
	l := newTestLog(t, false)

	if !l.OrderCheck("org-x", "sess-1", 1) {
		t.Fatalf("expected first sequence number 1 to be in order")
	}
	if !l.OrderCheck("org-x", "sess-1", 2) {
		t.Fatalf("expected sequence 2 after 1 to be in order")
	}
	if l.OrderCheck("org-x", "sess-1", 5) {
		t.Fatalf("expected a gap from 2 to 5 to be reported out of order")
	}
}
