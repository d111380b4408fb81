package delivery

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retry"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

// fakeDoer stubs the HTTP transport so tests never touch the network.
type fakeDoer struct {
	mu        sync.Mutex
	responses []int // status codes returned in order, repeating the last entry once exhausted
	calls     int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	code := f.responses[len(f.responses)-1]
	if idx < len(f.responses) {
		code = f.responses[idx]
	}
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
}

// fakeDLQ records every Send call.
type fakeDLQ struct {
	count int32
}

func (f *fakeDLQ) Send(ctx context.Context, orgID string, event models.Event, reason string) error {
	atomic.AddInt32(&f.count, 1)
	return nil
}

func newTestEngine(t *testing.T, doer HTTPDoer, dlq DLQSink) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	adapter := logadapter.New(client)
	retrier := retry.NewManager(nil)
	return New(logging.NewLogger(), adapter, retrier, doer, dlq)
}

func fastRetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{MaxAttempts: 2, Backoff: models.BackoffFixed, BaseDelayMs: 1, MaxDelayMs: 1, Jitter: 0}
}

func TestRegisterEndpointAppliesDefaultRetryPolicy(t *testing.T) {
	e := newTestEngine(t, &fakeDoer{responses: []int{200}}, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ep.RetryPolicy.MaxAttempts != models.DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("expected default retry policy to be applied, got %+v", ep.RetryPolicy)
	}
	if !ep.Active {
		t.Fatalf("expected newly registered endpoint to be active")
	}
}

func TestDeliverAtMostOnceDoesNotRetryOnFailure(t *testing.T) {
	doer := &fakeDoer{responses: []int{500}}
	e := newTestEngine(t, doer, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.AtMostOnce})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event := models.Event{ID: "evt-1", OrgID: "org-1"}
	receipts, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != models.ReceiptFailed || receipts[0].Attempts != 1 {
		t.Fatalf("expected single failed attempt, got %+v", receipts)
	}
	if doer.calls != 1 {
		t.Fatalf("expected exactly one HTTP call for AT_MOST_ONCE, got %d", doer.calls)
	}
}

func TestDeliverAtLeastOnceRetriesThenSucceeds(t *testing.T) {
	doer := &fakeDoer{responses: []int{500, 200}}
	e := newTestEngine(t, doer, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.AtLeastOnce, RetryPolicy: fastRetryPolicy()})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event := models.Event{ID: "evt-2", OrgID: "org-1"}
	receipts, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != models.ReceiptDelivered {
		t.Fatalf("expected eventual success, got %+v", receipts)
	}
	if doer.calls != 2 {
		t.Fatalf("expected 2 attempts (1 failure + 1 success), got %d", doer.calls)
	}
}

func TestDeliverAtLeastOnceExhaustsToDLQ(t *testing.T) {
	doer := &fakeDoer{responses: []int{500}}
	dlq := &fakeDLQ{}
	e := newTestEngine(t, doer, dlq)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.AtLeastOnce, RetryPolicy: fastRetryPolicy()})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event := models.Event{ID: "evt-3", OrgID: "org-1"}
	receipts, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if receipts[0].Status != models.ReceiptFailed {
		t.Fatalf("expected exhausted delivery to be marked failed, got %+v", receipts[0])
	}
	if atomic.LoadInt32(&dlq.count) != 1 {
		t.Fatalf("expected exactly one dlq send, got %d", dlq.count)
	}
}

func TestDeliverExactlyOnceIsIdempotentOnSecondCall(t *testing.T) {
	doer := &fakeDoer{responses: []int{200}}
	e := newTestEngine(t, doer, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.ExactlyOnce, RetryPolicy: fastRetryPolicy()})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event := models.Event{ID: "evt-4", OrgID: "org-1"}
	first, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	second, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}

	if first[0].ReceiptID != second[0].ReceiptID {
		t.Fatalf("expected the second EXACTLY_ONCE delivery to replay the original receipt, got %s vs %s", first[0].ReceiptID, second[0].ReceiptID)
	}
	if doer.calls != 1 {
		t.Fatalf("expected only one underlying HTTP call across both deliveries, got %d", doer.calls)
	}
}

func TestDeliverRejectsCrossTenantEndpoint(t *testing.T) {
	e := newTestEngine(t, &fakeDoer{responses: []int{200}}, nil)
	ep, err := e.RegisterEndpoint(context.Background(), tenant.Principal{OrgID: "org-2"}, models.Endpoint{URL: "https://example.test/hook"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	event := models.Event{ID: "evt-5", OrgID: "org-1"}
	_, err = e.Deliver(context.Background(), tenant.Principal{OrgID: "org-1"}, event, []models.Endpoint{ep})
	if err == nil {
		t.Fatalf("expected cross-tenant delivery to be rejected")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAcknowledgeRequiresDeliveredState(t *testing.T) {
	doer := &fakeDoer{responses: []int{500}}
	e := newTestEngine(t, doer, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.AtMostOnce})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	event := models.Event{ID: "evt-6", OrgID: "org-1"}
	receipts, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	_, err = e.Acknowledge(context.Background(), "org-1", receipts[0].ReceiptID)
	if err == nil {
		t.Fatalf("expected acknowledge of a FAILED receipt to be rejected")
	}
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestAcknowledgeSucceedsOnDeliveredReceipt(t *testing.T) {
	e := newTestEngine(t, &fakeDoer{responses: []int{200}}, nil)
	p := tenant.Principal{OrgID: "org-1"}

	ep, err := e.RegisterEndpoint(context.Background(), p, models.Endpoint{URL: "https://example.test/hook", Semantics: models.AtMostOnce})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	event := models.Event{ID: "evt-7", OrgID: "org-1"}
	receipts, err := e.Deliver(context.Background(), p, event, []models.Endpoint{ep})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	acked, err := e.Acknowledge(context.Background(), "org-1", receipts[0].ReceiptID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != models.ReceiptAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged receipt, got %+v", acked)
	}
}

func TestListEndpointsIsTenantScoped(t *testing.T) {
	e := newTestEngine(t, &fakeDoer{responses: []int{200}}, nil)
	ctx := context.Background()

	org1 := tenant.Principal{OrgID: "org-1"}
	org2 := tenant.Principal{OrgID: "org-2"}

	first, err := e.RegisterEndpoint(ctx, org1, models.Endpoint{URL: "https://example.test/a"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	second, err := e.RegisterEndpoint(ctx, org1, models.Endpoint{URL: "https://example.test/b"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := e.RegisterEndpoint(ctx, org2, models.Endpoint{URL: "https://example.test/c"}); err != nil {
		t.Fatalf("register c: %v", err)
	}

	listed, err := e.ListEndpoints(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 endpoints for org-1, got %d", len(listed))
	}
	if listed[0].EndpointID != first.EndpointID || listed[1].EndpointID != second.EndpointID {
		t.Fatalf("expected oldest-first order [%s %s], got %+v", first.EndpointID, second.EndpointID, listed)
	}
	for _, ep := range listed {
		if ep.OrgID != "org-1" {
			t.Fatalf("listed endpoint crossed tenants: %+v", ep)
		}
	}
}

func TestListEndpointsEmptyTenant(t *testing.T) {
	e := newTestEngine(t, &fakeDoer{responses: []int{200}}, nil)
	listed, err := e.ListEndpoints(context.Background(), "org-none")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no endpoints for an empty tenant, got %d", len(listed))
	}
}
