// Package quota implements per-tenant resource/rate counters, backed by
// the same key-value store as the rest of the gateway's operational state.
// Per-session message limits are kept by the connection package.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
)

// Limits holds the quota values a Manager applies to every tenant; there
// is no per-tenant override.
type Limits struct {
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`
	APICallsPerHour       int `json:"api_calls_per_hour"`
	WSMessagesPerMinute   int `json:"ws_messages_per_minute"`
}

// DefaultLimits returns the gateway's baseline quota values.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentSessions: 1000,
		APICallsPerHour:       100_000,
		WSMessagesPerMinute:   100,
	}
}

// Manager enforces quota counters backed by the KeyValue Service.
type Manager struct {
	adapter *logadapter.Adapter
	limits  Limits
}

// NewManager creates a quota manager with the given default limits.
func NewManager(adapter *logadapter.Adapter, limits Limits) *Manager {
	return &Manager{adapter: adapter, limits: limits}
}

func hourEpoch(t time.Time) int64   { return t.Unix() / 3600 }
func minuteEpoch(t time.Time) int64 { return t.Unix() / 60 }

// CheckAPICall increments quota:{orgId}:api_calls:{hourEpoch} and rejects
// once the per-tenant hourly budget is exceeded.
func (m *Manager) CheckAPICall(ctx context.Context, orgID string) error {
	key := fmt.Sprintf("quota:%s:api_calls:%d", orgID, hourEpoch(time.Now()))
	count, err := m.adapter.IncrBy(ctx, key, 1, time.Hour)
	if err != nil {
		return apierr.Transient("quota_store_unavailable", "failed to check api quota", err)
	}
	if int(count) > m.limits.APICallsPerHour {
		return apierr.QuotaExceeded("api_calls_exceeded", "hourly API call quota exceeded")
	}
	return nil
}

// CheckWSMessage increments quota:{orgId}:ws_messages:{minuteEpoch} and
// rejects once the per-tenant per-minute budget is exceeded.
func (m *Manager) CheckWSMessage(ctx context.Context, orgID string) error {
	key := fmt.Sprintf("quota:%s:ws_messages:%d", orgID, minuteEpoch(time.Now()))
	count, err := m.adapter.IncrBy(ctx, key, 1, time.Minute)
	if err != nil {
		return apierr.Transient("quota_store_unavailable", "failed to check message quota", err)
	}
	if int(count) > m.limits.WSMessagesPerMinute {
		return apierr.QuotaExceeded("ws_messages_exceeded", "per-minute message quota exceeded")
	}
	return nil
}

// CheckResourceCount reads quota:{orgId}:usage:{resource} without
// incrementing it and rejects when the count is already at or above max
// (e.g. concurrent sessions); IncrResourceCount records the usage.
func (m *Manager) CheckResourceCount(ctx context.Context, orgID, resource string, max int) error {
	key := fmt.Sprintf("quota:%s:usage:%s", orgID, resource)
	count, err := m.adapter.IncrBy(ctx, key, 0, 30*24*time.Hour)
	if err != nil {
		return apierr.Transient("quota_store_unavailable", "failed to read resource quota", err)
	}
	if int(count) >= max {
		return apierr.QuotaExceeded("resource_limit_exceeded", fmt.Sprintf("%s quota exceeded", resource))
	}
	return nil
}

// IncrResourceCount increments a resource counter (e.g. on session
// register/subscription create) without enforcing a limit.
func (m *Manager) IncrResourceCount(ctx context.Context, orgID, resource string, delta int64) error {
	key := fmt.Sprintf("quota:%s:usage:%s", orgID, resource)
	_, err := m.adapter.IncrBy(ctx, key, delta, 30*24*time.Hour)
	return err
}

// Limits returns the manager's configured default limits.
func (m *Manager) Limits() Limits { return m.limits }

// Usage is a point-in-time snapshot of a tenant's consumption against its
// configured limits.
type Usage struct {
	APICallsThisHour     int64  `json:"api_calls_this_hour"`
	WSMessagesThisMinute int64  `json:"ws_messages_this_minute"`
	Limits               Limits `json:"limits"`
}

// Usage reads the current hour/minute counters without incrementing them,
// for the read-only monitoring surface.
func (m *Manager) Usage(ctx context.Context, orgID string) (Usage, error) {
	u := Usage{Limits: m.limits}
	now := time.Now()

	raw, ok, err := m.adapter.Get(ctx, fmt.Sprintf("quota:%s:api_calls:%d", orgID, hourEpoch(now)))
	if err != nil {
		return u, apierr.Transient("quota_store_unavailable", "failed to read api quota", err)
	}
	if ok {
		u.APICallsThisHour, _ = strconv.ParseInt(raw, 10, 64)
	}

	raw, ok, err = m.adapter.Get(ctx, fmt.Sprintf("quota:%s:ws_messages:%d", orgID, minuteEpoch(now)))
	if err != nil {
		return u, apierr.Transient("quota_store_unavailable", "failed to read message quota", err)
	}
	if ok {
		u.WSMessagesThisMinute, _ = strconv.ParseInt(raw, 10, 64)
	}
	return u, nil
}
