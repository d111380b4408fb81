// Package audit implements the immutable audit ring: every mutating
// action is logged with derived severity/category, written to a fast
// store and a timeline, and anomalous bursts trigger security alerts.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

const (
	defaultRetention   = 90 * 24 * time.Hour
	anomalyWindow      = 5 * time.Minute
	anomalyThreshold   = 10
)

// Details carries the optional context for one audit write.
type Details struct {
	ResourceID string
	OldValues  map[string]any
	NewValues  map[string]any
	Success    bool
	Error      string
	IPAddress  string
	UserAgent  string
}

// AlertSink receives security alerts raised by the anomaly detector or by
// high-severity/failed writes.
type AlertSink interface {
	Alert(ctx context.Context, record models.AuditRecord, reason string)
}

// NoopAlertSink discards alerts; production wiring supplies a sink that
// forwards to an external monitoring/alerting collaborator.
type NoopAlertSink struct{}

func (NoopAlertSink) Alert(context.Context, models.AuditRecord, string) {}

// Ring is the audit ring: append-only, tenant-scoped, anomaly-aware.
type Ring struct {
	adapter   *logadapter.Adapter
	logger    logging.Logger
	retention time.Duration
	alerts    AlertSink

	mu       sync.Mutex
	recent   map[string][]time.Time // orgId:userId -> timestamps of HIGH/CRITICAL events
}

// NewRing creates an audit ring with the given retention (TTL on
// audit:{orgId}:{auditId} keys) and alert sink.
func NewRing(adapter *logadapter.Adapter, logger logging.Logger, retention time.Duration, alerts AlertSink) *Ring {
	if retention <= 0 {
		retention = defaultRetention
	}
	if alerts == nil {
		alerts = NoopAlertSink{}
	}
	return &Ring{adapter: adapter, logger: logger, retention: retention, alerts: alerts, recent: make(map[string][]time.Time)}
}

// deriveSeverity maps an action (and write success) to a severity.
func deriveSeverity(action string, success bool) models.Severity {
	if !success {
		return models.SeverityHigh
	}
	a := strings.ToLower(action)
	switch {
	case strings.Contains(a, "delete"), strings.Contains(a, "purge"):
		return models.SeverityCritical
	case strings.Contains(a, "update"), strings.Contains(a, "modify"), strings.Contains(a, "grant"), strings.Contains(a, "revoke"):
		return models.SeverityHigh
	case strings.Contains(a, "create"), strings.Contains(a, "login"), strings.Contains(a, "logout"):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// deriveCategory maps action/resourceType to an audit category.
func deriveCategory(action, resourceType string) string {
	a, r := strings.ToLower(action), strings.ToLower(resourceType)
	switch {
	case strings.Contains(a, "login"), strings.Contains(a, "logout"), strings.Contains(a, "auth"):
		return "AUTHENTICATION"
	case strings.Contains(a, "grant"), strings.Contains(a, "revoke"), strings.Contains(a, "permission"):
		return "AUTHORIZATION"
	case strings.Contains(a, "read"), strings.Contains(a, "list"), strings.Contains(a, "get"):
		return "DATA_ACCESS"
	case strings.Contains(a, "create"), strings.Contains(a, "update"), strings.Contains(a, "delete"), strings.Contains(a, "modify"):
		return "DATA_MODIFICATION"
	case strings.Contains(r, "session"), strings.Contains(r, "connection"):
		return "SYSTEM_ACCESS"
	case strings.Contains(a, "denied"), strings.Contains(a, "blocked"):
		return "SECURITY_EVENT"
	default:
		return "COMPLIANCE"
	}
}

// LogEvent writes one audit record for a mutating action.
func (r *Ring) LogEvent(ctx context.Context, p tenant.Principal, action, resourceType string, d Details) (models.AuditRecord, error) {
	record := models.AuditRecord{
		ID:           uuid.NewString(),
		OrgID:        p.OrgID,
		UserID:       p.UserID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   d.ResourceID,
		Success:      d.Success,
		Severity:     deriveSeverity(action, d.Success),
		Category:     deriveCategory(action, resourceType),
		OldValues:    d.OldValues,
		NewValues:    d.NewValues,
		Timestamp:    time.Now().UTC(),
		IPAddress:    d.IPAddress,
		UserAgent:    d.UserAgent,
		Error:        d.Error,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("marshal audit record: %w", err)
	}

	key := fmt.Sprintf("audit:%s:%s", record.OrgID, record.ID)
	if err := r.adapter.Set(ctx, key, string(payload), r.retention); err != nil {
		return record, fmt.Errorf("write audit record: %w", err)
	}

	timelineKey := fmt.Sprintf("audit:%s:timeline", record.OrgID)
	if err := r.adapter.TimelineAdd(ctx, timelineKey, float64(record.Timestamp.UnixNano()), record.ID); err != nil {
		r.logger.WithError(err).Warn("failed to index audit record into timeline")
	}

	if record.Severity == models.SeverityHigh || record.Severity == models.SeverityCritical || !record.Success {
		r.alerts.Alert(ctx, record, "high_severity_or_failure")
	}

	r.trackAnomaly(ctx, record)

	return record, nil
}

// Query returns a tenant's audit records with timestamps in [from, to],
// oldest first, up to limit (limit <= 0 means no cap). Timeline entries
// whose backing record has aged out of retention are skipped.
func (r *Ring) Query(ctx context.Context, orgID string, from, to time.Time, limit int64) ([]models.AuditRecord, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	minScore := float64(0)
	if !from.IsZero() {
		minScore = float64(from.UnixNano())
	}

	timelineKey := fmt.Sprintf("audit:%s:timeline", orgID)
	ids, err := r.adapter.TimelineRange(ctx, timelineKey, minScore, float64(to.UnixNano()), limit)
	if err != nil {
		return nil, fmt.Errorf("read audit timeline: %w", err)
	}

	records := make([]models.AuditRecord, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := r.adapter.Get(ctx, fmt.Sprintf("audit:%s:%s", orgID, id))
		if err != nil {
			return nil, fmt.Errorf("read audit record: %w", err)
		}
		if !ok {
			continue
		}
		var record models.AuditRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			r.logger.WithError(err).Warn("skipping unreadable audit record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// trackAnomaly fires SUSPICIOUS_ACTIVITY when the same (orgId, userId)
// emits >= 10 HIGH/CRITICAL events within 5 minutes.
func (r *Ring) trackAnomaly(ctx context.Context, record models.AuditRecord) {
	if record.Severity != models.SeverityHigh && record.Severity != models.SeverityCritical {
		return
	}
	if record.UserID == "" {
		return
	}

	key := record.OrgID + ":" + record.UserID
	now := time.Now()

	r.mu.Lock()
	window := r.recent[key]
	cutoff := now.Add(-anomalyWindow)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.recent[key] = kept
	count := len(kept)
	r.mu.Unlock()

	if count >= anomalyThreshold {
		r.alerts.Alert(ctx, record, "SUSPICIOUS_ACTIVITY")
	}
}
