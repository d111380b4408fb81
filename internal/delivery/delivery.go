// Package delivery implements the webhook delivery engine: endpoint
// registry, semantics selector (at-most-once / at-least-once /
// exactly-once), HMAC request signing, and receipt bookkeeping, built on
// the Retry Manager's backoff and circuit-breaker primitives.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retry"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

const (
	idempotencyTTL = 30 * 24 * time.Hour
	receiptTTL     = 7 * 24 * time.Hour
	endpointTTL    = 30 * 24 * time.Hour
)

func endpointKey(orgID, endpointID string) string { return fmt.Sprintf("endpoints:%s:%s", orgID, endpointID) }
func endpointIndexKey(orgID string) string        { return fmt.Sprintf("endpoints:%s:index", orgID) }
func receiptKey(orgID, receiptID string) string    { return fmt.Sprintf("receipts:%s:%s", orgID, receiptID) }
func idempotencyKey(orgID, eventID, endpointID string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", orgID, eventID, endpointID)
}
func circuitID(endpointID string) string { return "endpoint:" + endpointID }

// DLQSink receives events whose delivery exhausted all retry attempts.
type DLQSink interface {
	Send(ctx context.Context, orgID string, event models.Event, reason string) error
}

// HTTPDoer is the seam onto the transport; production wiring supplies
// *http.Client, tests supply a stub.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine dispatches events to registered webhook endpoints.
type Engine struct {
	logger  logging.Logger
	adapter *logadapter.Adapter
	retrier *retry.Manager
	client  HTTPDoer
	dlq     DLQSink

	mu        sync.Mutex
	singleflight map[string]*sync.Mutex // (eventId,endpointId) -> serialization lock
}

// New creates a delivery engine. dlq may be nil.
func New(logger logging.Logger, adapter *logadapter.Adapter, retrier *retry.Manager, client HTTPDoer, dlq DLQSink) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		logger:       logger,
		adapter:      adapter,
		retrier:      retrier,
		client:       client,
		dlq:          dlq,
		singleflight: make(map[string]*sync.Mutex),
	}
}

// RegisterEndpoint persists a new webhook endpoint for a tenant.
func (e *Engine) RegisterEndpoint(ctx context.Context, p tenant.Principal, ep models.Endpoint) (models.Endpoint, error) {
	ep.OrgID = p.OrgID
	if ep.EndpointID == "" {
		ep.EndpointID = uuid.NewString()
	}
	ep.CreatedAt = time.Now().UTC()
	if ep.RetryPolicy.MaxAttempts == 0 {
		ep.RetryPolicy = models.DefaultRetryPolicy()
	}
	ep.Active = true

	payload, err := json.Marshal(ep)
	if err != nil {
		return ep, fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := e.adapter.Set(ctx, endpointKey(p.OrgID, ep.EndpointID), string(payload), endpointTTL); err != nil {
		return ep, apierr.Transient("endpoint_store_failed", "failed to persist endpoint", err)
	}
	if err := e.adapter.TimelineAdd(ctx, endpointIndexKey(p.OrgID), float64(ep.CreatedAt.UnixNano()), ep.EndpointID); err != nil {
		e.logger.WithError(err).Warn("failed to index endpoint for listing")
	}
	return ep, nil
}

// ListEndpoints returns every registered endpoint for a tenant, oldest
// first. Index entries whose endpoint record has already expired are
// skipped rather than surfaced as errors.
func (e *Engine) ListEndpoints(ctx context.Context, orgID string) ([]models.Endpoint, error) {
	ids, err := e.adapter.TimelineMembers(ctx, endpointIndexKey(orgID), 0)
	if err != nil {
		return nil, apierr.Transient("endpoint_read_failed", "failed to list endpoints", err)
	}
	endpoints := make([]models.Endpoint, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := e.adapter.Get(ctx, endpointKey(orgID, id))
		if err != nil {
			return nil, apierr.Transient("endpoint_read_failed", "failed to read endpoint", err)
		}
		if !ok {
			continue
		}
		var ep models.Endpoint
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			e.logger.WithError(err).Warn("skipping unreadable endpoint record")
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// GetEndpoint fetches one endpoint by id, enforcing tenant scope.
func (e *Engine) GetEndpoint(ctx context.Context, orgID, endpointID string) (models.Endpoint, error) {
	raw, ok, err := e.adapter.Get(ctx, endpointKey(orgID, endpointID))
	if err != nil {
		return models.Endpoint{}, apierr.Transient("endpoint_read_failed", "failed to read endpoint", err)
	}
	if !ok {
		return models.Endpoint{}, apierr.NotFound("endpoint_not_found", "no such endpoint")
	}
	var ep models.Endpoint
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return models.Endpoint{}, fmt.Errorf("unmarshal endpoint: %w", err)
	}
	return ep, nil
}

// Update replaces an existing endpoint's configuration.
func (e *Engine) Update(ctx context.Context, orgID, endpointID string, mutate func(*models.Endpoint)) (models.Endpoint, error) {
	ep, err := e.GetEndpoint(ctx, orgID, endpointID)
	if err != nil {
		return models.Endpoint{}, err
	}
	mutate(&ep)

	payload, err := json.Marshal(ep)
	if err != nil {
		return ep, fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := e.adapter.Set(ctx, endpointKey(orgID, endpointID), string(payload), endpointTTL); err != nil {
		return ep, apierr.Transient("endpoint_store_failed", "failed to persist endpoint", err)
	}
	return ep, nil
}

// deliveryEnvelope is the request body shape sent to every endpoint.
type deliveryEnvelope struct {
	Event     models.Event `json:"event"`
	Delivery  deliveryMeta `json:"delivery"`
	Signature string       `json:"signature,omitempty"`
}

type deliveryMeta struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver dispatches event to the given endpoints (or every active
// endpoint for the tenant when endpoints is empty), selecting behavior
// by each endpoint's configured semantics.
func (e *Engine) Deliver(ctx context.Context, p tenant.Principal, event models.Event, endpoints []models.Endpoint) ([]models.Receipt, error) {
	if len(endpoints) == 0 {
		all, err := e.ListEndpoints(ctx, p.OrgID)
		if err != nil {
			return nil, err
		}
		endpoints = all
	}
	receipts := make([]models.Receipt, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.OrgID != p.OrgID || event.OrgID != p.OrgID {
			return receipts, apierr.PermissionDenied("cross_tenant_delivery", "endpoint and event must belong to the caller's tenant")
		}
		if !ep.Active {
			continue
		}

		receipt, err := e.deliverOne(ctx, event, ep)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (e *Engine) lockFor(eventID, endpointID string) *sync.Mutex {
	key := eventID + ":" + endpointID
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.singleflight[key]
	if !ok {
		l = &sync.Mutex{}
		e.singleflight[key] = l
	}
	return l
}

// deliverOne serializes delivery attempts for one (eventId, endpointId)
// pair; deliveries for distinct events may run concurrently.
func (e *Engine) deliverOne(ctx context.Context, event models.Event, ep models.Endpoint) (models.Receipt, error) {
	lock := e.lockFor(event.ID, ep.EndpointID)
	lock.Lock()
	defer lock.Unlock()

	switch ep.Semantics {
	case models.ExactlyOnce:
		return e.deliverExactlyOnce(ctx, event, ep)
	case models.AtLeastOnce:
		return e.deliverAtLeastOnce(ctx, event, ep)
	default:
		return e.deliverAtMostOnce(ctx, event, ep)
	}
}

func (e *Engine) deliverAtMostOnce(ctx context.Context, event models.Event, ep models.Endpoint) (models.Receipt, error) {
	receipt := newReceipt(event, ep)
	code, latency, err := e.attempt(ctx, event, ep, 1)
	receipt.Attempts = 1
	receipt.LastAttemptAt = time.Now().UTC()
	receipt.ResponseCode = code
	receipt.ResponseTimeMs = latency.Milliseconds()

	if err == nil && code >= 200 && code < 300 {
		receipt.Status = models.ReceiptDelivered
	} else {
		receipt.Status = models.ReceiptFailed
		if err != nil {
			receipt.Error = err.Error()
		}
		if e.dlq != nil {
			_ = e.dlq.Send(ctx, event.OrgID, event, "delivery_failed")
		}
	}
	e.persistReceipt(ctx, receipt)
	return receipt, nil
}

func (e *Engine) deliverAtLeastOnce(ctx context.Context, event models.Event, ep models.Endpoint) (models.Receipt, error) {
	receipt := newReceipt(event, ep)

	circuit := circuitID(ep.EndpointID)
	opID := "delivery:" + event.ID + ":" + ep.EndpointID

	deliverErr := e.retrier.ExecuteWithCircuitBreaker(ctx, circuit, 5, 30*time.Second, func(ctx context.Context) error {
		return e.retrier.ExecuteWithRetry(ctx, opID, ep.RetryPolicy, func(ctx context.Context, attempt int) error {
			code, latency, err := e.attempt(ctx, event, ep, attempt)
			receipt.Attempts = attempt
			receipt.LastAttemptAt = time.Now().UTC()
			receipt.ResponseCode = code
			receipt.ResponseTimeMs = latency.Milliseconds()
			if err != nil {
				receipt.Error = err.Error()
				return err
			}
			if code < 200 || code >= 300 {
				receipt.Error = fmt.Sprintf("endpoint responded %d", code)
				return apierr.Transient("delivery_failed", receipt.Error, nil)
			}
			return nil
		})
	})

	if deliverErr == nil {
		receipt.Status = models.ReceiptDelivered
	} else {
		receipt.Status = models.ReceiptFailed
		if receipt.Error == "" {
			receipt.Error = deliverErr.Error()
		}
		if e.dlq != nil {
			_ = e.dlq.Send(ctx, event.OrgID, event, "max_retries_exceeded")
		}
	}

	e.persistReceipt(ctx, receipt)
	return receipt, nil
}

// deliverExactlyOnce consults the idempotency index before attempting
// delivery; on first success it writes the index in the same call that
// marks the receipt DELIVERED, closing the window the source left open
// between a successful delivery and the index write.
func (e *Engine) deliverExactlyOnce(ctx context.Context, event models.Event, ep models.Endpoint) (models.Receipt, error) {
	key := idempotencyKey(event.OrgID, event.ID, ep.EndpointID)
	if prior, ok, err := e.adapter.Get(ctx, key); err == nil && ok {
		var receipt models.Receipt
		if unmarshalErr := json.Unmarshal([]byte(prior), &receipt); unmarshalErr == nil {
			return receipt, nil
		}
	}

	receipt, err := e.deliverAtLeastOnce(ctx, event, ep)
	if err != nil {
		return receipt, err
	}

	if receipt.Status == models.ReceiptDelivered {
		payload, marshalErr := json.Marshal(receipt)
		if marshalErr == nil {
			_ = e.adapter.Set(ctx, key, string(payload), idempotencyTTL)
		}
	}

	return receipt, nil
}

func newReceipt(event models.Event, ep models.Endpoint) models.Receipt {
	return models.Receipt{
		ReceiptID:      uuid.NewString(),
		EventID:        event.ID,
		EndpointID:     ep.EndpointID,
		OrgID:          event.OrgID,
		Status:         models.ReceiptPending,
		FirstAttemptAt: time.Now().UTC(),
	}
}

// attempt performs one HTTP delivery attempt, time-bounded by the
// endpoint's timeout; a timeout counts as a failure.
func (e *Engine) attempt(ctx context.Context, event models.Event, ep models.Endpoint, attemptNum int) (int, time.Duration, error) {
	timeout := time.Duration(ep.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	envelope := deliveryEnvelope{
		Event: event,
		Delivery: deliveryMeta{
			ID:        uuid.NewString(),
			Attempt:   attemptNum,
			Timestamp: time.Now().UTC(),
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal delivery envelope: %w", err)
	}
	if ep.Secret != "" {
		envelope.Signature = sign(ep.Secret, body)
		body, err = json.Marshal(envelope)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal signed envelope: %w", err)
		}
	}

	method := string(ep.Method)
	if method == "" {
		method = string(models.MethodPOST)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, apierr.Transient("delivery_request_failed", "delivery request failed or timed out", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, latency, nil
}

func (e *Engine) persistReceipt(ctx context.Context, receipt models.Receipt) {
	payload, err := json.Marshal(receipt)
	if err != nil {
		e.logger.WithError(err).Error("failed to marshal receipt")
		return
	}
	if err := e.adapter.Set(ctx, receiptKey(receipt.OrgID, receipt.ReceiptID), string(payload), receiptTTL); err != nil {
		e.logger.WithError(err).Error("failed to persist receipt")
	}
}

// GetReceipt fetches one receipt by id, enforcing tenant scope.
func (e *Engine) GetReceipt(ctx context.Context, orgID, receiptID string) (models.Receipt, error) {
	raw, ok, err := e.adapter.Get(ctx, receiptKey(orgID, receiptID))
	if err != nil {
		return models.Receipt{}, apierr.Transient("receipt_read_failed", "failed to read receipt", err)
	}
	if !ok {
		return models.Receipt{}, apierr.NotFound("receipt_not_found", "no such receipt")
	}
	var receipt models.Receipt
	if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
		return models.Receipt{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return receipt, nil
}

// Acknowledge transitions a DELIVERED receipt to ACKNOWLEDGED; only valid
// from that one source state.
func (e *Engine) Acknowledge(ctx context.Context, orgID, receiptID string) (models.Receipt, error) {
	receipt, err := e.GetReceipt(ctx, orgID, receiptID)
	if err != nil {
		return models.Receipt{}, err
	}
	if receipt.Status != models.ReceiptDelivered {
		return receipt, apierr.Conflict("invalid_receipt_state", "only a DELIVERED receipt may be acknowledged")
	}
	now := time.Now().UTC()
	receipt.Status = models.ReceiptAcknowledged
	receipt.AcknowledgedAt = &now

	e.persistReceipt(ctx, receipt)
	return receipt, nil
}
