// Package eventlog implements the durable, per-tenant event log: sequencing,
// checksum-based dedup, dual stream indexes, a createdAt timeline, and
// consumer-group replay, all layered on top of the raw log adapter.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
)

const dedupTTL = 24 * time.Hour

// rangeScanLimit bounds how many raw stream entries Range scans before
// applying its own time-window/filter narrowing and maxN truncation.
const rangeScanLimit = 10_000

// Log is the durable event log for one gateway instance, spanning all
// tenants; every operation is scoped by orgId.
type Log struct {
	adapter *logadapter.Adapter
	dedupOn bool

	orderMu  sync.Mutex
	lastSeq  map[string]int64 // "orgId:sessionId" -> last observed sequence number
}

// New creates a durable event log over the given adapter. dedupEnabled
// toggles the checksum-based duplicate rejection in Append.
func New(adapter *logadapter.Adapter, dedupEnabled bool) *Log {
	return &Log{adapter: adapter, dedupOn: dedupEnabled, lastSeq: make(map[string]int64)}
}

func streamKey(orgID string) string                 { return fmt.Sprintf("events:%s", orgID) }
func channelStreamKey(orgID, channel string) string { return fmt.Sprintf("events:%s:%s", orgID, channel) }
func seqKey(orgID string) string                    { return fmt.Sprintf("seq:%s", orgID) }
func dedupKey(orgID, eventType, checksum string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", orgID, eventType, checksum)
}
func timelineKey(orgID string) string { return fmt.Sprintf("events:%s:timeline", orgID) }
func pubsubChannel(orgID, channel string) string {
	return fmt.Sprintf("apix:channels:%s:%s", orgID, channel)
}

// checksum computes a stable SHA-256 digest of the event payload for dedup.
func checksum(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON marshals a map with sorted keys so checksums are stable
// regardless of map iteration order.
func canonicalJSON(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string
		V any
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string
			V any
		}{K: k, V: m[k]})
	}

	buf := []byte("{")
	for i, kv := range ordered {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(kv.K)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(kv.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Append assigns a monotonic sequence number, rejects duplicates when
// enabled, writes both stream indexes plus the timeline, and publishes a
// real-time notification on the channel's pub/sub topic.
func (l *Log) Append(ctx context.Context, event models.Event) (models.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	seq, err := l.adapter.Incr(ctx, seqKey(event.OrgID))
	if err != nil {
		return event, apierr.Transient("seq_unavailable", "failed to assign sequence number", err)
	}
	event.SequenceNumber = seq

	if event.Checksum == "" {
		sum, err := checksum(event.Payload)
		if err != nil {
			return event, apierr.Wrap(apierr.KindInvalidArgument, "checksum_failed", "failed to compute payload checksum", err)
		}
		event.Checksum = sum
	}

	if l.dedupOn && event.Checksum != "" {
		key := dedupKey(event.OrgID, event.EventType, event.Checksum)
		acquired, err := l.adapter.SetNX(ctx, key, event.ID, dedupTTL)
		if err != nil {
			return event, apierr.Transient("dedup_store_unavailable", "failed to check duplicate", err)
		}
		if !acquired {
			return event, apierr.DuplicateEvent("duplicate_event", "an identical event was already appended within the dedup window")
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return event, fmt.Errorf("marshal event: %w", err)
	}
	fields := map[string]any{"data": string(payload)}

	if _, err := l.adapter.StreamAppend(ctx, streamKey(event.OrgID), fields); err != nil {
		return event, apierr.Transient("log_write_failed", "failed to append to tenant stream", err)
	}
	if event.Channel != "" {
		if _, err := l.adapter.StreamAppend(ctx, channelStreamKey(event.OrgID, event.Channel), fields); err != nil {
			return event, apierr.Transient("log_write_failed", "failed to append to channel stream", err)
		}
	}

	if err := l.adapter.TimelineAdd(ctx, timelineKey(event.OrgID), float64(event.CreatedAt.UnixNano()), event.ID); err != nil {
		return event, apierr.Transient("timeline_write_failed", "failed to index event into timeline", err)
	}

	if event.Channel != "" {
		_ = l.adapter.Publish(ctx, pubsubChannel(event.OrgID, event.Channel), payload)
	}

	return event, nil
}

// OrderCheck reports whether sequenceNumber is exactly one greater than the
// last sequence number seen for (orgId, sessionId). Out-of-order events are
// still accepted by the log; this only reports the fact upstream. The
// tracker is in-memory and advisory: a restart loses state, and the first
// event seen for a key afterwards is reported in order only if its
// sequence number is 1.
func (l *Log) OrderCheck(orgID, sessionID string, sequenceNumber int64) bool {
	key := orgID + ":" + sessionID

	l.orderMu.Lock()
	defer l.orderMu.Unlock()

	last, ok := l.lastSeq[key]
	l.lastSeq[key] = sequenceNumber
	if !ok {
		return sequenceNumber == 1
	}
	return sequenceNumber == last+1
}

// RangeFilter narrows a Range query beyond the time window.
type RangeFilter struct {
	EventTypes []string
}

func matchesFilter(e models.Event, f RangeFilter) bool {
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// Range returns events for a tenant (optionally scoped to one channel)
// within [t0, t1], filtered and capped at maxN, ordered by
// (createdAt, sequenceNumber) ascending.
func (l *Log) Range(ctx context.Context, orgID, channel string, filter RangeFilter, t0, t1 time.Time, maxN int) ([]models.Event, error) {
	key := streamKey(orgID)
	if channel != "" {
		key = channelStreamKey(orgID, channel)
	}

	raw, err := l.adapter.StreamRange(ctx, key, "-", "+", rangeScanLimit)
	if err != nil {
		return nil, apierr.Transient("log_read_failed", "failed to range tenant stream", err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, msg := range raw {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if e.OrgID != orgID {
			continue
		}
		if !t0.IsZero() && e.CreatedAt.Before(t0) {
			continue
		}
		if !t1.IsZero() && e.CreatedAt.After(t1) {
			continue
		}
		if !matchesFilter(e, filter) {
			continue
		}
		events = append(events, e)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].SequenceNumber < events[j].SequenceNumber
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	if maxN > 0 && len(events) > maxN {
		events = events[:maxN]
	}
	return events, nil
}

// EnsureGroup creates orgId's channel consumer group if it does not exist.
func (l *Log) EnsureGroup(ctx context.Context, orgID, channel, group string) error {
	key := channelStreamKey(orgID, channel)
	if channel == "" {
		key = streamKey(orgID)
	}
	return l.adapter.EnsureGroup(ctx, key, group)
}

// ConsumerRead pulls up to count pending messages for consumer in group,
// blocking up to blockMs when none are immediately available.
func (l *Log) ConsumerRead(ctx context.Context, orgID, channel, group, consumer string, count int64, blockMs int64) ([]models.Event, []string, error) {
	key := channelStreamKey(orgID, channel)
	if channel == "" {
		key = streamKey(orgID)
	}

	raw, err := l.adapter.ConsumerRead(ctx, key, group, consumer, count, int(blockMs))
	if err != nil {
		return nil, nil, apierr.Transient("log_read_failed", "failed to read from consumer group", err)
	}

	events := make([]models.Event, 0, len(raw))
	ids := make([]string, 0, len(raw))
	for _, msg := range raw {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if e.OrgID != orgID {
			continue
		}
		events = append(events, e)
		ids = append(ids, msg.ID)
	}
	return events, ids, nil
}

// Ack acknowledges a consumer-group message by streamId.
func (l *Log) Ack(ctx context.Context, orgID, channel, group, messageID string) error {
	key := channelStreamKey(orgID, channel)
	if channel == "" {
		key = streamKey(orgID)
	}
	if err := l.adapter.Ack(ctx, key, group, messageID); err != nil {
		return apierr.Transient("ack_failed", "failed to acknowledge message", err)
	}
	return nil
}
