// Package replay implements the replay engine: it drives a user-supplied
// delivery callback over historic events fetched from the durable event
// log (never from live in-memory state) at a configurable pacing rate,
// retrying failed deliveries and routing exhausted ones to the DLQ.
package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retry"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

// Request configures one replay run.
type Request struct {
	From                    time.Time
	To                      time.Time
	EventTypes              []string
	SessionIDs              []string
	UserIDs                 []string
	MaxEvents               int
	ReplayRateEventsPerSec  float64
}

// DeliverFunc is the user-supplied callback invoked per replayed event; a
// non-nil error is treated as a delivery failure subject to retry.
type DeliverFunc func(ctx context.Context, event models.Event) error

// DLQSink receives events that exhausted delivery during replay.
type DLQSink interface {
	Send(ctx context.Context, orgID string, event models.Event, reason string) error
}

// Status is the externally observable state of one replay job.
type Status struct {
	ReplayID   string  `json:"replay_id"`
	Active     bool    `json:"active"`
	Total      int     `json:"total"`
	Delivered  int     `json:"delivered"`
	Failed     int     `json:"failed"`
	ProgressPct float64 `json:"progress_pct"`
}

type job struct {
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
}

// Engine runs replay jobs against the durable log.
type Engine struct {
	logger  logging.Logger
	log     *eventlog.Log
	retrier *retry.Manager
	dlq     DLQSink

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a replay engine. dlq may be nil (replay then simply records
// the exhausted failure without routing it anywhere further).
func New(logger logging.Logger, log *eventlog.Log, retrier *retry.Manager, dlq DLQSink) *Engine {
	return &Engine{logger: logger, log: log, retrier: retrier, dlq: dlq, jobs: make(map[string]*job)}
}

// StartReplay launches a replay job in the background and returns its id
// immediately; progress is polled via GetStatus.
func (e *Engine) StartReplay(p tenant.Principal, req Request, deliver DeliverFunc) string {
	replayID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	j := &job{status: Status{ReplayID: replayID, Active: true}, cancel: cancel}
	e.mu.Lock()
	e.jobs[replayID] = j
	e.mu.Unlock()

	go e.run(ctx, p, replayID, j, req, deliver)

	return replayID
}

func (e *Engine) run(ctx context.Context, p tenant.Principal, replayID string, j *job, req Request, deliver DeliverFunc) {
	defer func() {
		j.mu.Lock()
		j.status.Active = false
		j.status.ProgressPct = 100
		j.mu.Unlock()
	}()

	if req.MaxEvents == 0 {
		// maxEvents=0 completes immediately with no events delivered.
		return
	}

	filter := eventlog.RangeFilter{EventTypes: req.EventTypes}
	events, err := e.log.Range(ctx, p.OrgID, "", filter, req.From, req.To, req.MaxEvents)
	if err != nil {
		e.logger.WithError(err).WithField("replay_id", replayID).Error("replay range query failed")
		return
	}

	events = filterBySessionsAndUsers(events, req.SessionIDs, req.UserIDs)
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].SequenceNumber < events[j].SequenceNumber
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	dedup := make(map[string]struct{}, len(events))
	var deduped []models.Event
	for _, ev := range events {
		if _, seen := dedup[ev.ID]; seen {
			continue
		}
		dedup[ev.ID] = struct{}{}
		deduped = append(deduped, ev)
	}
	events = deduped

	j.mu.Lock()
	j.status.Total = len(events)
	j.mu.Unlock()

	rate := req.ReplayRateEventsPerSec
	var pacing time.Duration
	if rate > 0 {
		pacing = time.Duration(float64(time.Second) / rate)
	}

	policy := models.DefaultRetryPolicy()

	for i, ev := range events {
		if ctx.Err() != nil {
			return // cancelled: exits at the next event-step boundary
		}
		if !activeNow(j) {
			return
		}

		deliverErr := e.retrier.ExecuteWithRetry(ctx, "replay:"+replayID+":"+ev.ID, policy, func(ctx context.Context, attempt int) error {
			return deliver(ctx, ev)
		})

		j.mu.Lock()
		if deliverErr == nil {
			j.status.Delivered++
		} else {
			j.status.Failed++
		}
		j.status.ProgressPct = float64(i+1) / float64(max(len(events), 1)) * 100
		j.mu.Unlock()

		if deliverErr != nil && e.dlq != nil {
			if sendErr := e.dlq.Send(ctx, p.OrgID, ev, "max_retries_exceeded"); sendErr != nil {
				e.logger.WithError(sendErr).WithField("replay_id", replayID).Warn("failed to route exhausted replay event to DLQ")
			}
		}

		if pacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pacing):
			}
		}
	}
}

func activeNow(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Active
}

func filterBySessionsAndUsers(events []models.Event, sessionIDs, userIDs []string) []models.Event {
	if len(sessionIDs) == 0 && len(userIDs) == 0 {
		return events
	}
	sessionSet := toSet(sessionIDs)
	userSet := toSet(userIDs)

	var out []models.Event
	for _, e := range events {
		if len(sessionSet) > 0 {
			if _, ok := sessionSet[e.SessionID]; !ok {
				continue
			}
		}
		if len(userSet) > 0 {
			if _, ok := userSet[e.UserID]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// StopReplay flips a job's active flag; the worker exits cooperatively at
// the next event-step boundary.
func (e *Engine) StopReplay(replayID string) bool {
	e.mu.Lock()
	j, ok := e.jobs[replayID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	j.status.Active = false
	j.mu.Unlock()
	j.cancel()
	return true
}

// GetStatus returns a job's current progress snapshot.
func (e *Engine) GetStatus(replayID string) (Status, error) {
	e.mu.Lock()
	j, ok := e.jobs[replayID]
	e.mu.Unlock()
	if !ok {
		return Status{}, apierr.NotFound("replay_not_found", "no such replay job")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, nil
}
