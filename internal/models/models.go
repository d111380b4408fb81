// Package models defines the gateway's core data model: the record shapes
// shared by every component.
package models

import "time"

// ClientType enumerates the kinds of session transport.
type ClientType string

const (
	ClientWeb       ClientType = "WEB"
	ClientMobile    ClientType = "MOBILE"
	ClientSDK       ClientType = "SDK"
	ClientAPI       ClientType = "API"
	ClientService   ClientType = "SERVICE"
	ClientDesktop   ClientType = "DESKTOP"
	ClientCLI       ClientType = "CLI"
	ClientExtension ClientType = "EXTENSION"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionConnected    SessionStatus = "CONNECTED"
	SessionReconnecting SessionStatus = "RECONNECTING"
	SessionSuspended    SessionStatus = "SUSPENDED"
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionFailed       SessionStatus = "FAILED"
)

// SessionQuality is the windowed connection-quality classification.
type SessionQuality string

const (
	QualityExcellent SessionQuality = "EXCELLENT"
	QualityGood      SessionQuality = "GOOD"
	QualityPoor      SessionQuality = "POOR"
	QualityCritical  SessionQuality = "CRITICAL"
)

// Priority orders events for backpressure and filter comparisons.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
	PriorityUrgent   Priority = "URGENT"
)

// priorityRank gives Priority its numeric ordering: LOW<NORMAL<HIGH<CRITICAL<URGENT.
var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
	PriorityUrgent:   4,
}

// Rank returns the numeric ordering of a priority, defaulting unknown
// values to the rank of NORMAL.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// AtLeast reports whether p is ordered at or above min.
func (p Priority) AtLeast(min Priority) bool {
	return p.Rank() >= min.Rank()
}

// EventStatus tracks an event's processing/delivery lifecycle.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventCancelled  EventStatus = "CANCELLED"
	EventRetrying   EventStatus = "RETRYING"
)

// Session is a live bidirectional client connection.
type Session struct {
	SessionID        string         `json:"session_id"`
	OrgID            string         `json:"org_id"`
	UserID           string         `json:"user_id,omitempty"`
	ClientType       ClientType     `json:"client_type"`
	Status           SessionStatus  `json:"status"`
	Quality          SessionQuality `json:"quality"`
	LatencyMs        int64          `json:"latency_ms"`
	Channels         []string       `json:"channels"`
	ConnectedAt      time.Time      `json:"connected_at"`
	LastHeartbeatAt  time.Time      `json:"last_heartbeat_at"`
	DisconnectedAt   *time.Time     `json:"disconnected_at,omitempty"`
	ReconnectAttempt int            `json:"reconnect_attempts"`
}

// Channel is a logical named stream scoped to one tenant.
type Channel struct {
	ChannelID      string `json:"channel_id"`
	OrgID          string `json:"org_id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MaxSubscribers int    `json:"max_subscribers,omitempty"`
	IsActive       bool   `json:"is_active"`
}

// Filter is the structured, data-only predicate evaluated by a fixed
// interpreter: filter predicates are data, not code.
type Filter struct {
	EventTypes  []string          `json:"event_types,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	MinPriority Priority          `json:"min_priority,omitempty"`
}

// Subscription is a persistent (org, user, channel) tuple plus a filter.
type Subscription struct {
	SubscriptionID string    `json:"subscription_id"`
	OrgID          string    `json:"org_id"`
	UserID         string    `json:"user_id"`
	Channel        string    `json:"channel"`
	Filters        Filter    `json:"filters"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is the gateway's central record.
type Event struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	UserID          string            `json:"user_id,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	EventType       string            `json:"event_type"`
	Channel         string            `json:"channel"`
	Payload         map[string]any    `json:"payload"`
	SequenceNumber  int64             `json:"sequence_number"`
	Checksum        string            `json:"checksum"`
	CreatedAt       time.Time         `json:"created_at"`
	Priority        Priority          `json:"priority"`
	Status          EventStatus       `json:"status"`
	Acknowledgment  string            `json:"acknowledgment,omitempty"`
	RetryCount      int               `json:"retry_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DeliveryMethod is the HTTP method used to dispatch a webhook.
type DeliveryMethod string

const (
	MethodPOST  DeliveryMethod = "POST"
	MethodPUT   DeliveryMethod = "PUT"
	MethodPATCH DeliveryMethod = "PATCH"
)

// DeliverySemantics selects the delivery guarantee for a webhook endpoint.
type DeliverySemantics string

const (
	AtMostOnce  DeliverySemantics = "AT_MOST_ONCE"
	AtLeastOnce DeliverySemantics = "AT_LEAST_ONCE"
	ExactlyOnce DeliverySemantics = "EXACTLY_ONCE"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "FIXED"
	BackoffLinear      BackoffKind = "LINEAR"
	BackoffExponential BackoffKind = "EXPONENTIAL"
	BackoffAdaptive    BackoffKind = "ADAPTIVE"
)

// RetryPolicy configures a retry curve and its bounds.
type RetryPolicy struct {
	MaxAttempts  int         `json:"max_attempts"`
	Backoff      BackoffKind `json:"backoff"`
	BaseDelayMs  int64       `json:"base_delay_ms"`
	MaxDelayMs   int64       `json:"max_delay_ms"`
	Jitter       float64     `json:"jitter"` // fraction, e.g. 0.1 = +-10%
}

// DefaultRetryPolicy is the gateway's baseline policy: exponential, 100ms base,
// 30s cap, 5 attempts, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffExponential,
		BaseDelayMs: 100,
		MaxDelayMs:  30_000,
		Jitter:      0.1,
	}
}

// Endpoint is a registered webhook delivery target.
type Endpoint struct {
	EndpointID string            `json:"endpoint_id"`
	OrgID      string            `json:"org_id"`
	URL        string            `json:"url"`
	Method     DeliveryMethod    `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Secret     string            `json:"-"`
	TimeoutMs  int64             `json:"timeout_ms"`
	RetryPolicy RetryPolicy      `json:"retry_policy"`
	Semantics  DeliverySemantics `json:"semantics"`
	Active     bool              `json:"active"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ReceiptStatus is the lifecycle of one delivery attempt's outcome record.
type ReceiptStatus string

const (
	ReceiptPending      ReceiptStatus = "PENDING"
	ReceiptDelivered    ReceiptStatus = "DELIVERED"
	ReceiptFailed       ReceiptStatus = "FAILED"
	ReceiptAcknowledged ReceiptStatus = "ACKNOWLEDGED"
)

// IsTerminal reports whether a receipt status will never change again.
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptDelivered || s == ReceiptFailed || s == ReceiptAcknowledged
}

// Receipt is the outcome record for one (event, endpoint) delivery.
type Receipt struct {
	ReceiptID      string        `json:"receipt_id"`
	EventID        string        `json:"event_id"`
	EndpointID     string        `json:"endpoint_id"`
	OrgID          string        `json:"org_id"`
	Status         ReceiptStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	FirstAttemptAt time.Time     `json:"first_attempt_at"`
	LastAttemptAt  time.Time     `json:"last_attempt_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResponseCode   int           `json:"response_code,omitempty"`
	ResponseTimeMs int64         `json:"response_time_ms,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// CircuitState is one gate's OPEN/HALF_OPEN/CLOSED state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Severity classifies an audit record's risk level.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AuditRecord is one immutable audit entry.
type AuditRecord struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	UserID       string         `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Success      bool           `json:"success"`
	Severity     Severity       `json:"severity"`
	Category     string         `json:"category"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Error        string         `json:"error,omitempty"`
}
