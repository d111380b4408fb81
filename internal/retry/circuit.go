package retry

import (
	"context"
	"sync"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
)

// circuit is one logical destination's breaker state.
type circuit struct {
	mu            sync.Mutex
	state         models.CircuitState
	failureCount  int
	threshold     int
	timeout       time.Duration
	nextAttemptAt time.Time
	halfOpenBusy  bool
}

// CircuitSnapshot is a read-only view for operational endpoints.
type CircuitSnapshot struct {
	CircuitID     string              `json:"circuit_id"`
	State         models.CircuitState `json:"state"`
	FailureCount  int                 `json:"failure_count"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
}

func (m *Manager) getCircuit(circuitID string, threshold int, timeout time.Duration) *circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[circuitID]
	if !ok {
		c = &circuit{state: models.CircuitClosed, threshold: threshold, timeout: timeout}
		m.circuits[circuitID] = c
	}
	return c
}

// ExecuteWithCircuitBreaker runs op behind a named circuit breaker gate.
// While OPEN, calls fail fast with CircuitOpen until the cooldown elapses,
// then exactly one HALF_OPEN probe is admitted.
func (m *Manager) ExecuteWithCircuitBreaker(ctx context.Context, circuitID string, threshold int, timeout time.Duration, op func(ctx context.Context) error) error {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := m.getCircuit(circuitID, threshold, timeout)

	admitted, isProbe := c.admit()
	if !admitted {
		m.observer(EventFailed, circuitID, 0, apierr.CircuitOpenErr("circuit_open", "circuit is open"))
		return apierr.CircuitOpenErr("circuit_open", "circuit "+circuitID+" is open")
	}

	err := op(ctx)
	c.record(err == nil, isProbe, m.observer, circuitID)
	return err
}

// admit reports whether a call may proceed, and whether it is the single
// permitted HALF_OPEN probe.
func (c *circuit) admit() (admitted bool, isProbe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case models.CircuitClosed:
		return true, false
	case models.CircuitOpen:
		if time.Now().Before(c.nextAttemptAt) {
			return false, false
		}
		c.state = models.CircuitHalfOpen
		c.halfOpenBusy = true
		return true, true
	case models.CircuitHalfOpen:
		if c.halfOpenBusy {
			return false, false
		}
		c.halfOpenBusy = true
		return true, true
	default:
		return true, false
	}
}

func (c *circuit) record(success bool, wasProbe bool, observer Observer, circuitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wasProbe {
		c.halfOpenBusy = false
	}

	if success {
		if c.state != models.CircuitClosed {
			observer(EventCircuitClosed, circuitID, 0, nil)
		}
		c.state = models.CircuitClosed
		c.failureCount = 0
		return
	}

	c.failureCount++
	if c.state == models.CircuitHalfOpen || c.failureCount >= c.threshold {
		c.state = models.CircuitOpen
		c.nextAttemptAt = time.Now().Add(c.timeout)
		observer(EventCircuitOpened, circuitID, c.failureCount, nil)
	}
}

// Snapshot returns the current state of a named circuit, or zero-value
// CLOSED if it has never been used.
func (m *Manager) Snapshot(circuitID string) CircuitSnapshot {
	m.mu.Lock()
	c, ok := m.circuits[circuitID]
	m.mu.Unlock()
	if !ok {
		return CircuitSnapshot{CircuitID: circuitID, State: models.CircuitClosed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := CircuitSnapshot{CircuitID: circuitID, State: c.state, FailureCount: c.failureCount}
	if c.state == models.CircuitOpen {
		t := c.nextAttemptAt
		snap.NextAttemptAt = &t
	}
	return snap
}

// AllSnapshots returns every known circuit's state, for the operational
// GET /api/v1/circuits operational endpoint.
func (m *Manager) AllSnapshots() []CircuitSnapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Snapshot(id))
	}
	return out
}

// Reset forces a circuit back to CLOSED (operational escape hatch).
func (m *Manager) Reset(circuitID string) {
	m.mu.Lock()
	c, ok := m.circuits[circuitID]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.state = models.CircuitClosed
	c.failureCount = 0
	c.halfOpenBusy = false
	c.mu.Unlock()
	m.observer(EventCircuitReset, circuitID, 0, nil)
}
