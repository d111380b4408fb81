// Package connection implements the session registry: connect/heartbeat
// lifecycle, windowed quality classification, reconnect scheduling, and
// per-session rate limiting. It depends only on the Log Adapter (for
// quota/rate counters) and the Rate & Quota module, never on the Session
// Gateway or Event Router — breaking the cyclic dependency the source
// exhibited between its transport and connection layers.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

const (
	// heartbeatWindow is how many recent heartbeats feed the windowed
	// latency average that drives quality classification.
	heartbeatWindow = 8

	defaultHeartbeatInterval = 30 * time.Second
	defaultMissMultiplier    = 3

	defaultReconnectBase  = 1 * time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultReconnectTries = 10

	// defaultSessionMessageLimit caps one session at 100 messages/minute.
	// This is a distinct dimension from quota.Manager's tenant-wide
	// quota:{orgId}:ws_messages aggregate: same default magnitude, but its
	// own counter, its own key, and its own purpose (capping one session's
	// fair share vs. capping a tenant's total throughput).
	defaultSessionMessageLimit = 100
)

// ReconnectPolicy configures a session's reconnect backoff curve.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy is exponential: base 1s, cap 30s, 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: defaultReconnectBase, Max: defaultReconnectMax, MaxAttempts: defaultReconnectTries}
}

// entry is the registry's mutable per-session record, plus the heartbeat
// window used to derive Quality.
type entry struct {
	mu sync.Mutex

	session     models.Session
	latencies   []int64 // ring of up to heartbeatWindow recent latencies
	reconnectAt time.Time

	rateWindowEpoch int64 // minute epoch of rateCount's current window
	rateCount       int   // messages seen by this session in rateWindowEpoch
}

func (e *entry) recordLatency(ms int64) int64 {
	e.latencies = append(e.latencies, ms)
	if len(e.latencies) > heartbeatWindow {
		e.latencies = e.latencies[len(e.latencies)-heartbeatWindow:]
	}
	var sum int64
	for _, v := range e.latencies {
		sum += v
	}
	return sum / int64(len(e.latencies))
}

func classify(avgLatencyMs int64) models.SessionQuality {
	switch {
	case avgLatencyMs < 150:
		return models.QualityExcellent
	case avgLatencyMs < 500:
		return models.QualityGood
	case avgLatencyMs < 1500:
		return models.QualityPoor
	default:
		return models.QualityCritical
	}
}

// Manager owns the live session registry for every tenant on this gateway
// instance. Session-owned mutable state (rate counters, heartbeat window)
// lives behind one lock per session, never a process-wide lock.
type Manager struct {
	logger  logging.Logger
	quotas  *quota.Manager
	adapter *logadapter.Adapter

	heartbeatInterval   time.Duration
	missTimeout         time.Duration
	sessionMessageLimit int

	mu       sync.RWMutex
	sessions map[string]*entry // sessionId -> entry
	byOrg    map[string]map[string]struct{}
}

// NewManager creates a connection manager with the given heartbeat
// interval (missTimeout is 3x the interval) and per-session message rate
// limit (100/minute when sessionMessageLimit <= 0).
func NewManager(logger logging.Logger, adapter *logadapter.Adapter, quotas *quota.Manager, heartbeatInterval time.Duration, sessionMessageLimit int) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if sessionMessageLimit <= 0 {
		sessionMessageLimit = defaultSessionMessageLimit
	}
	return &Manager{
		logger:              logger,
		quotas:              quotas,
		adapter:             adapter,
		heartbeatInterval:   heartbeatInterval,
		missTimeout:         heartbeatInterval * defaultMissMultiplier,
		sessionMessageLimit: sessionMessageLimit,
		sessions:            make(map[string]*entry),
		byOrg:               make(map[string]map[string]struct{}),
	}
}

// Register creates a new session for an authenticated principal, enforcing
// the tenant's max-concurrent-sessions quota.
func (m *Manager) Register(p tenant.Principal, clientType models.ClientType) (models.Session, error) {
	limit := m.quotas.Limits().MaxConcurrentSessions
	if err := m.quotas.CheckResourceCount(context.Background(), p.OrgID, "sessions", limit); err != nil {
		return models.Session{}, err
	}

	sess := models.Session{
		SessionID:       uuid.NewString(),
		OrgID:           p.OrgID,
		UserID:          p.UserID,
		ClientType:      clientType,
		Status:          models.SessionConnected,
		Quality:         models.QualityExcellent,
		Channels:        []string{},
		ConnectedAt:     time.Now().UTC(),
		LastHeartbeatAt: time.Now().UTC(),
	}

	e := &entry{session: sess}

	m.mu.Lock()
	m.sessions[sess.SessionID] = e
	if m.byOrg[p.OrgID] == nil {
		m.byOrg[p.OrgID] = make(map[string]struct{})
	}
	m.byOrg[p.OrgID][sess.SessionID] = struct{}{}
	m.mu.Unlock()

	_ = m.quotas.IncrResourceCount(context.Background(), p.OrgID, "sessions", 1)

	m.logger.WithFields(logging.Fields{
		"session_id":  sess.SessionID,
		"org_id":      sess.OrgID,
		"client_type": clientType,
	}).Info("session registered")

	return sess, nil
}

func (m *Manager) get(sessionID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("session_not_found", "no such session")
	}
	return e, nil
}

// Get returns a snapshot of a session's current state.
func (m *Manager) Get(sessionID string) (models.Session, error) {
	e, err := m.get(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// HeartbeatResult is the computed outcome of one heartbeat.
type HeartbeatResult struct {
	LatencyMs int64
	Quality   models.SessionQuality
}

// Heartbeat records a client heartbeat, computing latency against the
// clamped (never-negative) clock skew and re-classifying quality from the
// windowed average of the last N heartbeats.
func (m *Manager) Heartbeat(sessionID string, clientSendTimestamp time.Time) (HeartbeatResult, error) {
	e, err := m.get(sessionID)
	if err != nil {
		return HeartbeatResult{}, err
	}

	latency := time.Since(clientSendTimestamp).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	avg := e.recordLatency(latency)
	quality := classify(avg)

	e.session.LatencyMs = latency
	e.session.Quality = quality
	e.session.LastHeartbeatAt = time.Now().UTC()
	if e.session.Status == models.SessionReconnecting {
		e.session.Status = models.SessionConnected
		e.session.ReconnectAttempt = 0
	}

	return HeartbeatResult{LatencyMs: latency, Quality: quality}, nil
}

// CheckMissedHeartbeats scans every live session and transitions any whose
// last heartbeat exceeds missTimeout into RECONNECTING. Intended to be
// driven by a periodic ticker in cmd/gateway.
func (m *Manager) CheckMissedHeartbeats() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var transitioned []string
	now := time.Now()
	for _, id := range ids {
		e, err := m.get(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.session.Status == models.SessionConnected && now.Sub(e.session.LastHeartbeatAt) >= m.missTimeout {
			e.session.Status = models.SessionReconnecting
			transitioned = append(transitioned, id)
		}
		e.mu.Unlock()
	}
	return transitioned
}

// UpdateStatus transitions a session's lifecycle status directly (used for
// SUSPENDED/explicit disconnects outside the heartbeat/reconnect paths).
func (m *Manager) UpdateStatus(sessionID string, status models.SessionStatus) error {
	e, err := m.get(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.session.Status = status
	e.mu.Unlock()
	return nil
}

// SetChannels overwrites a session's subscribed-channel list (maintained by
// the Session Gateway on subscribe/unsubscribe).
func (m *Manager) SetChannels(sessionID string, channels []string) error {
	e, err := m.get(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.session.Channels = channels
	e.mu.Unlock()
	return nil
}

// ScheduleReconnect increments a session's reconnect attempt counter and
// computes the next backoff delay. On exhausting maxAttempts it
// transitions the session to FAILED (terminal: a new session must be
// created on the next successful handshake).
func (m *Manager) ScheduleReconnect(sessionID string, policy ReconnectPolicy) (time.Duration, error) {
	if policy.Base <= 0 {
		policy = DefaultReconnectPolicy()
	}

	e, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.Status = models.SessionReconnecting
	e.session.ReconnectAttempt++
	attempt := e.session.ReconnectAttempt

	if attempt > policy.MaxAttempts {
		e.session.Status = models.SessionFailed
		return 0, apierr.New(apierr.KindTransient, "reconnect_exhausted", "reconnect attempts exhausted")
	}

	delayMs := float64(policy.Base.Milliseconds()) * exp2(attempt-1)
	if max := float64(policy.Max.Milliseconds()); delayMs > max {
		delayMs = max
	}
	delay := time.Duration(delayMs) * time.Millisecond
	e.reconnectAt = time.Now().Add(delay)
	return delay, nil
}

func exp2(n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// Evict removes a session from the registry, transitioning it to
// DISCONNECTED first so any concurrent reader observes a terminal state.
func (m *Manager) Evict(sessionID, reason string) {
	e, err := m.get(sessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.session.Status = models.SessionDisconnected
	now := time.Now().UTC()
	e.session.DisconnectedAt = &now
	orgID := e.session.OrgID
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	if set, ok := m.byOrg[orgID]; ok {
		delete(set, sessionID)
	}
	m.mu.Unlock()

	_ = m.quotas.IncrResourceCount(context.Background(), orgID, "sessions", -1)

	m.logger.WithFields(logging.Fields{
		"session_id": sessionID,
		"org_id":     orgID,
		"reason":     reason,
	}).Info("session evicted")
}

// RateKind distinguishes the counters CheckRate enforces.
type RateKind string

const (
	RateMessages RateKind = "messages"
)

// CheckRate enforces the per-session message rate limit (default 100
// messages/minute): a fixed-window counter owned by the session's own
// entry, bound to exactly one session like every other session-owned
// mutable field. Independent of quota.Manager.CheckWSMessage's
// tenant-wide quota:{orgId}:ws_messages aggregate, which is checked
// afterward; neither counter substitutes for the other, so one noisy
// session cannot exhaust its tenant's entire budget and one busy tenant's
// aggregate cannot starve session-level bookkeeping for a quiet session.
func (m *Manager) CheckRate(sessionID string, kind RateKind) error {
	e, err := m.get(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	epoch := time.Now().Unix() / 60
	if e.rateWindowEpoch != epoch {
		e.rateWindowEpoch = epoch
		e.rateCount = 0
	}
	e.rateCount++
	count := e.rateCount
	orgID := e.session.OrgID
	e.mu.Unlock()

	if count > m.sessionMessageLimit {
		return apierr.QuotaExceeded("rate_limited", "per-session message rate exceeded")
	}

	return m.quotas.CheckWSMessage(context.Background(), orgID)
}

// SessionsForOrg returns every live session id for a tenant, for room
// broadcast and admin listing.
func (m *Manager) SessionsForOrg(orgID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byOrg[orgID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live sessions, for metrics gauges.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
