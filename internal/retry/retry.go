// Package retry implements the generic in-process retry primitive and
// circuit breaker used by the delivery and replay engines, and anywhere
// a transient failure should be absorbed. No retry/backoff or
// circuit-breaker library was available to build on, so this is
// hand-rolled against the standard library, in a plain channel-and-mutex
// concurrency idiom matching the rest of this codebase.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
)

// Event names emitted for observability.
const (
	EventAttempt       = "attempt"
	EventSuccess       = "success"
	EventFailed        = "failed"
	EventExhausted     = "exhausted"
	EventCircuitOpened = "circuit.opened"
	EventCircuitClosed = "circuit.closed"
	EventCircuitReset  = "circuit.reset"
)

// Observer receives retry/circuit lifecycle events; nil-safe no-op by default.
type Observer func(event string, operationID string, attempt int, err error)

const minDelay = 100 * time.Millisecond

// Delay computes the backoff delay for a given attempt (1-indexed) under a
// policy, applying jitter and the max-delay floor/cap.
func Delay(policy models.RetryPolicy, attempt int, recentErrorRate float64, activeRetries int) time.Duration {
	base := float64(policy.BaseDelayMs)
	max := float64(policy.MaxDelayMs)
	if max <= 0 {
		max = base
	}

	var raw float64
	switch policy.Backoff {
	case models.BackoffExponential:
		raw = math.Min(base*math.Pow(2, float64(attempt-1)), max)
	case models.BackoffLinear:
		raw = math.Min(base*float64(attempt), max)
	case models.BackoffAdaptive:
		loadFactor := math.Min(1+float64(activeRetries)*0.1, 3)
		raw = math.Min(base*math.Pow(1.5, float64(attempt-1))*(1+recentErrorRate)*loadFactor, max)
	default: // FIXED
		raw = base
	}

	jitter := policy.Jitter
	jitterFactor := 1 + (rand.Float64()*2-1)*jitter
	delayMs := raw * jitterFactor

	d := time.Duration(delayMs) * time.Millisecond
	if d < minDelay {
		d = minDelay
	}
	return d
}

// Manager runs operations with retry and circuit-breaker protection and
// tracks cancelable scheduled (fire-and-forget) operations.
type Manager struct {
	observer Observer

	mu        sync.Mutex
	circuits  map[string]*circuit
	scheduled map[string]context.CancelFunc
	active    map[string]int // operationID prefix -> active retry count, for ADAPTIVE load factor
}

// NewManager creates a retry manager. obs may be nil.
func NewManager(obs Observer) *Manager {
	if obs == nil {
		obs = func(string, string, int, error) {}
	}
	return &Manager{
		observer:  obs,
		circuits:  make(map[string]*circuit),
		scheduled: make(map[string]context.CancelFunc),
		active:    make(map[string]int),
	}
}

// ExecuteWithRetry runs op, retrying per policy until it succeeds, ctx is
// cancelled, or maxAttempts is exhausted.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operationID string, policy models.RetryPolicy, op func(ctx context.Context, attempt int) error) error {
	m.beginActive(operationID)
	defer m.endActive(operationID)

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErrs []error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.observer(EventAttempt, operationID, attempt, nil)
		err := op(ctx, attempt)
		if err == nil {
			m.observer(EventSuccess, operationID, attempt, nil)
			return nil
		}

		lastErrs = append(lastErrs, err)
		m.observer(EventFailed, operationID, attempt, err)

		if attempt == maxAttempts {
			break
		}

		rate := recentErrorRate(lastErrs)
		delay := Delay(policy, attempt, rate, m.activeCount(operationID))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	m.observer(EventExhausted, operationID, maxAttempts, lastErrs[len(lastErrs)-1])
	return apierr.Wrap(apierr.KindTransient, "retries_exhausted", "all retry attempts failed", lastErrs[len(lastErrs)-1])
}

// recentErrorRate derives a failure rate from up to the last 3 attempts,
// used as the ADAPTIVE curve's load input.
func recentErrorRate(errs []error) float64 {
	n := len(errs)
	if n == 0 {
		return 0
	}
	window := 3
	if n < window {
		window = n
	}
	return float64(window) / 3.0
}

func (m *Manager) beginActive(operationID string) {
	m.mu.Lock()
	m.active[operationID]++
	m.mu.Unlock()
}

func (m *Manager) endActive(operationID string) {
	m.mu.Lock()
	m.active[operationID]--
	if m.active[operationID] <= 0 {
		delete(m.active, operationID)
	}
	m.mu.Unlock()
}

func (m *Manager) activeCount(operationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[operationID]
}

// Schedule runs op asynchronously with retry, cancelable by operationID.
func (m *Manager) Schedule(operationID string, policy models.RetryPolicy, op func(ctx context.Context, attempt int) error) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if existing, ok := m.scheduled[operationID]; ok {
		existing()
	}
	m.scheduled[operationID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.scheduled, operationID)
			m.mu.Unlock()
		}()
		_ = m.ExecuteWithRetry(ctx, operationID, policy, op)
	}()
}

// Cancel stops a scheduled operation's timer and removes its record; a
// cancelled retry does not fire.
func (m *Manager) Cancel(operationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.scheduled[operationID]
	if !ok {
		return false
	}
	cancel()
	delete(m.scheduled, operationID)
	return true
}
