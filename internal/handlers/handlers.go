// Package handlers implements the REST boundary: thin gin adapters over
// the core components. RBAC administration and identity surfaces live in
// external collaborators; these handlers wrap subscriptions, replay,
// endpoints, delivery, the event stream, and operational read-only views.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/delivery"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/replay"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retry"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscription"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

var validate = validator.New()

// Handlers wires the REST boundary to the core components.
type Handlers struct {
	logger   logging.Logger
	builder  *tenant.Builder
	policy   tenant.PolicyEngine
	auditRing *audit.Ring
	subs     *subscription.Manager
	log      *eventlog.Log
	replay   *replay.Engine
	delivery *delivery.Engine
	retrier  *retry.Manager
	startedAt time.Time
	adapter  *logadapter.Adapter
	quotas   *quota.Manager
}

// New creates the REST handler set.
func New(logger logging.Logger, builder *tenant.Builder, policy tenant.PolicyEngine, auditRing *audit.Ring, subs *subscription.Manager, log *eventlog.Log, replayEngine *replay.Engine, deliveryEngine *delivery.Engine, retrier *retry.Manager, adapter *logadapter.Adapter, quotas *quota.Manager) *Handlers {
	return &Handlers{
		logger:    logger,
		builder:   builder,
		policy:    policy,
		auditRing: auditRing,
		subs:      subs,
		log:       log,
		replay:    replayEngine,
		delivery:  deliveryEngine,
		retrier:   retrier,
		startedAt: time.Now(),
		adapter:   adapter,
		quotas:    quotas,
	}
}

// writeError renders the gateway's standard REST error envelope.
func writeError(c *gin.Context, err error) {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.Wrap(apierr.KindTransient, "internal_error", "unexpected error", err)
	}
	c.JSON(ae.Kind.HTTPStatus(), gin.H{
		"error":      ae.Code,
		"message":    ae.Message,
		"statusCode": ae.Kind.HTTPStatus(),
		"timestamp":  time.Now().UTC(),
		"requestId":  c.GetString("request_id"),
	})
}

// principalFromContext resolves a Principal from, in order, the bearer
// token, the organizationId/userId query parameters or X-Org-Id/X-User-Id
// headers (service callers), or the request host's subdomain slug, and
// otherwise fails with AuthError. It never trusts an orgId carried in a
// request body.
func (h *Handlers) principalFromContext(c *gin.Context) (tenant.Principal, error) {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return h.builder.BuildFromBearer(strings.TrimPrefix(auth, "Bearer "))
	}
	if orgID := c.Query("organizationId"); orgID != "" {
		return h.builder.BuildFromService(orgID, c.Query("userId"), nil, nil)
	}
	if orgID := c.GetHeader("X-Org-Id"); orgID != "" {
		return h.builder.BuildFromService(orgID, c.GetHeader("X-User-Id"), nil, nil)
	}
	if slug := subdomainSlug(c.Request.Host); slug != "" {
		return h.builder.BuildFromSlug(slug, c.Query("userId"))
	}
	return tenant.Principal{}, apierr.AuthError("missing_credential", "no bearer token or service headers present")
}

// subdomainSlug extracts the tenant slug from a {slug}.gateway.example.com
// style host; hosts without a subdomain (or bare IPs/localhost) yield "".
func subdomainSlug(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	slug := parts[0]
	if slug == "www" || slug == "api" {
		return ""
	}
	return slug
}

// RequireAuth is gin middleware resolving and stashing the Principal.
func (h *Handlers) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.principalFromContext(c)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set("principal", p)
		c.Set("org_id", p.OrgID)
		c.Set("user_id", p.UserID)
		c.Next()
	}
}

func principal(c *gin.Context) tenant.Principal {
	p, _ := c.MustGet("principal").(tenant.Principal)
	return p
}

// RequirePermission enforces Allow(principal, action, resourceType) ahead
// of the handler body — explicit middleware replacing the source's
// decorator-style handler annotations. It writes an audit record only for
// a denial; after an allowed request it records nothing, and any audit
// record for that request comes from the handler itself.
func (h *Handlers) RequirePermission(action, resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		if !h.policy.Allow(p, action, resourceType) {
			_, _ = h.auditRing.LogEvent(c.Request.Context(), p, action, resourceType, audit.Details{Success: false, Error: "permission denied", IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()})
			writeError(c, apierr.PermissionDenied("permission_denied", fmt.Sprintf("not allowed to %s %s", action, resourceType)))
			c.Abort()
			return
		}
		c.Next()
	}
}

// EnforceAPIQuota rejects requests once a tenant's hourly REST call budget
// (quota:{orgId}:api_calls:{hourEpoch}) is exhausted, surfaced as 429.
func (h *Handlers) EnforceAPIQuota() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		if err := h.quotas.CheckAPICall(c.Request.Context(), p.OrgID); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// --- Subscriptions -------------------------------------------------------

type createSubscriptionRequest struct {
	Channel string        `json:"channel" validate:"required"`
	Filters models.Filter `json:"filters"`
}

func (h *Handlers) CreateSubscription(c *gin.Context) {
	p := principal(c)

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}

	sub, err := h.subs.Create(p, req.Channel, req.Filters)
	if err != nil {
		writeError(c, err)
		return
	}

	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "create_subscription", "subscription", audit.Details{ResourceID: sub.SubscriptionID, Success: true})
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) ListSubscriptions(c *gin.Context) {
	p := principal(c)
	if userID := c.Query("userId"); userID != "" {
		c.JSON(http.StatusOK, h.subs.ListByUser(p.OrgID, userID))
		return
	}
	c.JSON(http.StatusOK, h.subs.ListByOrg(p.OrgID))
}

func (h *Handlers) DeleteSubscription(c *gin.Context) {
	p := principal(c)
	id := c.Param("id")
	if err := h.subs.Delete(p.OrgID, id); err != nil {
		writeError(c, err)
		return
	}
	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "delete_subscription", "subscription", audit.Details{ResourceID: id, Success: true})
	c.Status(http.StatusNoContent)
}

// --- Replay --------------------------------------------------------------

type replayRequest struct {
	From                   time.Time `json:"from"`
	To                     time.Time `json:"to"`
	EventTypes             []string  `json:"event_types"`
	SessionIDs             []string  `json:"session_ids"`
	UserIDs                []string  `json:"user_ids"`
	MaxEvents              *int      `json:"max_events"`
	ReplayRateEventsPerSec float64   `json:"replay_rate_events_per_sec"`
}

func (h *Handlers) StartReplay(c *gin.Context) {
	p := principal(c)

	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}

	maxEvents := -1 // unset: unlimited
	if req.MaxEvents != nil {
		maxEvents = *req.MaxEvents
	}

	replayID := h.replay.StartReplay(p, replay.Request{
		From:                   req.From,
		To:                     req.To,
		EventTypes:             req.EventTypes,
		SessionIDs:             req.SessionIDs,
		UserIDs:                req.UserIDs,
		MaxEvents:              maxEvents,
		ReplayRateEventsPerSec: req.ReplayRateEventsPerSec,
	}, func(ctx context.Context, event models.Event) error {
		// REST-triggered replays have no live transport target; delivery
		// here means "accepted into the replay window" and callers poll
		// GetStatus for progress. Events are not re-appended or sent
		// anywhere. A no-op success keeps replay bookkeeping
		// (attempts/DLQ) exercised without double-delivering over the
		// WebSocket fan-out path.
		return nil
	})

	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "start_replay", "replay", audit.Details{ResourceID: replayID, Success: true})
	c.JSON(http.StatusAccepted, gin.H{"replay_id": replayID})
}

func (h *Handlers) GetReplayStatus(c *gin.Context) {
	status, err := h.replay.GetStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) StopReplay(c *gin.Context) {
	if ok := h.replay.StopReplay(c.Param("id")); !ok {
		writeError(c, apierr.NotFound("replay_not_found", "no such replay job"))
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Endpoints & delivery --------------------------------------------------

type registerEndpointRequest struct {
	URL       string               `json:"url" validate:"required,url"`
	Method    models.DeliveryMethod `json:"method" validate:"required"`
	Headers   map[string]string    `json:"headers"`
	Secret    string               `json:"secret"`
	TimeoutMs int64                `json:"timeout_ms"`
	Semantics models.DeliverySemantics `json:"semantics" validate:"required"`
	RetryPolicy models.RetryPolicy `json:"retry_policy"`
}

func (h *Handlers) RegisterEndpoint(c *gin.Context) {
	p := principal(c)

	var req registerEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}

	ep := models.Endpoint{
		URL:         req.URL,
		Method:      req.Method,
		Headers:     req.Headers,
		Secret:      req.Secret,
		TimeoutMs:   req.TimeoutMs,
		Semantics:   req.Semantics,
		RetryPolicy: req.RetryPolicy,
	}

	created, err := h.delivery.RegisterEndpoint(c.Request.Context(), p, ep)
	if err != nil {
		writeError(c, err)
		return
	}
	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "create_endpoint", "endpoint", audit.Details{ResourceID: created.EndpointID, Success: true})
	c.JSON(http.StatusCreated, created)
}

func (h *Handlers) UpdateEndpoint(c *gin.Context) {
	p := principal(c)
	id := c.Param("id")

	var req registerEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.InvalidArgument("invalid_body", err.Error()))
		return
	}

	updated, err := h.delivery.Update(c.Request.Context(), p.OrgID, id, func(ep *models.Endpoint) {
		ep.URL = req.URL
		ep.Method = req.Method
		ep.Headers = req.Headers
		ep.TimeoutMs = req.TimeoutMs
		ep.Semantics = req.Semantics
		ep.RetryPolicy = req.RetryPolicy
		if req.Secret != "" {
			ep.Secret = req.Secret
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}
	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "update_endpoint", "endpoint", audit.Details{ResourceID: id, Success: true})
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) ListEndpoints(c *gin.Context) {
	p := principal(c)
	endpoints, err := h.delivery.ListEndpoints(c.Request.Context(), p.OrgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, endpoints)
}

func (h *Handlers) GetEndpoint(c *gin.Context) {
	p := principal(c)
	ep, err := h.delivery.GetEndpoint(c.Request.Context(), p.OrgID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *Handlers) DeliverEvent(c *gin.Context) {
	p := principal(c)
	eventID := c.Param("id")

	var req struct {
		EndpointIDs []string `json:"endpoint_ids"`
	}
	_ = c.ShouldBindJSON(&req)

	events, err := h.log.Range(c.Request.Context(), p.OrgID, "", eventlog.RangeFilter{}, time.Time{}, time.Time{}, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	var target *models.Event
	for i := range events {
		if events[i].ID == eventID {
			target = &events[i]
			break
		}
	}
	if target == nil {
		writeError(c, apierr.NotFound("event_not_found", "no such event"))
		return
	}

	var endpoints []models.Endpoint
	for _, epID := range req.EndpointIDs {
		ep, err := h.delivery.GetEndpoint(c.Request.Context(), p.OrgID, epID)
		if err != nil {
			writeError(c, err)
			return
		}
		endpoints = append(endpoints, ep)
	}

	receipts, err := h.delivery.Deliver(c.Request.Context(), p, *target, endpoints)
	if err != nil {
		writeError(c, err)
		return
	}
	_, _ = h.auditRing.LogEvent(c.Request.Context(), p, "deliver_event", "event", audit.Details{ResourceID: eventID, Success: true})
	c.JSON(http.StatusOK, receipts)
}

func (h *Handlers) AcknowledgeReceipt(c *gin.Context) {
	p := principal(c)
	receipt, err := h.delivery.Acknowledge(c.Request.Context(), p.OrgID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// --- Circuits (operational visibility, thin wrapper) ----------------------

func (h *Handlers) ListCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, h.retrier.AllSnapshots())
}

// --- Monitoring (read-only over the audit ring and quota counters) ---------

func (h *Handlers) ListAuditRecords(c *gin.Context) {
	p := principal(c)

	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, apierr.InvalidArgument("invalid_from", "from must be RFC3339"))
			return
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, apierr.InvalidArgument("invalid_to", "to must be RFC3339"))
			return
		}
		to = t
	}
	limit := int64(100)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(c, apierr.InvalidArgument("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	records, err := h.auditRing.Query(c.Request.Context(), p.OrgID, from, to, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handlers) GetQuotaUsage(c *gin.Context) {
	p := principal(c)
	usage, err := h.quotas.Usage(c.Request.Context(), p.OrgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// --- Server-sent stream ----------------------------------------------------

// StreamChannels serves a read-only newline-delimited event stream
// mirroring the live channels for the authenticated tenant, for clients
// that cannot maintain a bidirectional transport.
func (h *Handlers) StreamChannels(c *gin.Context) {
	p := principal(c)
	channels := strings.Split(c.Query("channels"), ",")

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, apierr.Wrap(apierr.KindFatal, "stream_unsupported", "response writer does not support flushing", nil))
		return
	}

	writer := bufio.NewWriter(c.Writer)
	ctx := c.Request.Context()

	handlers := make([]func([]byte), 0, len(channels))
	for _, channel := range channels {
		channel := strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		handlers = append(handlers, func(raw []byte) {
			writer.Write(raw)
			writer.WriteByte('\n')
			writer.Flush()
			flusher.Flush()
		})
		go h.adapter.Subscribe(ctx, "apix:channels:"+p.OrgID+":"+channel, handlers[len(handlers)-1])
	}

	<-ctx.Done()
}
