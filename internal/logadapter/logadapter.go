// Package logadapter wraps the external log and key-value store
// primitives: append-only streams with consumer groups, sorted-set
// timelines, counters, and pub/sub. It owns no event semantics —
// sequencing, dedup, and ordering live one layer up in the eventlog package.
package logadapter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// Config configures a topology-agnostic Redis connection backing the
// gateway's Log and KeyValue Service contracts.
type Config struct {
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a Redis UniversalClient, routing internally to
// standalone/Sentinel/Cluster based on the supplied addresses.
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	dialTimeout, readTimeout, writeTimeout := cfg.DialTimeout, cfg.ReadTimeout, cfg.WriteTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	if readTimeout == 0 {
		readTimeout = defaultDialTimeout
	}
	if writeTimeout == 0 {
		writeTimeout = defaultDialTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Adapter exposes the primitives the rest of the gateway composes into
// event-plane semantics: stream append/range/consumer-group read/ack,
// sorted-set timeline indexing, atomic counters, TTL keys, and pub/sub.
type Adapter struct {
	client goredis.UniversalClient
}

// New wraps an existing Redis client.
func New(client goredis.UniversalClient) *Adapter {
	return &Adapter{client: client}
}

// Client exposes the underlying client for health checks.
func (a *Adapter) Client() goredis.UniversalClient { return a.client }

// StreamAppend appends fields to a stream key (events:{orgId}[:{channel}])
// and returns the assigned entry id.
func (a *Adapter) StreamAppend(ctx context.Context, streamKey string, values map[string]any) (string, error) {
	id, err := a.client.XAdd(ctx, &goredis.XAddArgs{Stream: streamKey, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", streamKey, err)
	}
	return id, nil
}

// StreamRange returns entries in a stream between two entry ids
// (use "-"/"+" for unbounded), newest-last.
func (a *Adapter) StreamRange(ctx context.Context, streamKey, start, end string, count int64) ([]goredis.XMessage, error) {
	msgs, err := a.client.XRangeN(ctx, streamKey, start, end, count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", streamKey, err)
	}
	return msgs, nil
}

// EnsureGroup creates a consumer group at the start of the stream if it
// does not already exist; BUSYGROUP is treated as success.
func (a *Adapter) EnsureGroup(ctx context.Context, streamKey, group string) error {
	err := a.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", streamKey, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

// ConsumerRead pulls up to count entries for a named consumer in a group,
// blocking up to blockMs before returning empty.
func (a *Adapter) ConsumerRead(ctx context.Context, streamKey, group, consumer string, count int64, blockMs int) ([]goredis.XMessage, error) {
	res, err := a.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", streamKey, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Ack acknowledges a consumer-group message.
func (a *Adapter) Ack(ctx context.Context, streamKey, group, messageID string) error {
	if err := a.client.XAck(ctx, streamKey, group, messageID).Err(); err != nil {
		return fmt.Errorf("xack %s/%s/%s: %w", streamKey, group, messageID, err)
	}
	return nil
}

// TimelineAdd indexes an id into a sorted-set timeline keyed by score
// (e.g. a createdAt timeline, audit:{orgId}:timeline).
func (a *Adapter) TimelineAdd(ctx context.Context, key string, score float64, member string) error {
	if err := a.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// TimelineRange returns timeline members with score in [min, max].
func (a *Adapter) TimelineRange(ctx context.Context, key string, min, max float64, count int64) ([]string, error) {
	res, err := a.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return res, nil
}

// TimelineMembers returns up to count members of a timeline in score
// order from the start; count <= 0 returns every member.
func (a *Adapter) TimelineMembers(ctx context.Context, key string, count int64) ([]string, error) {
	stop := int64(-1)
	if count > 0 {
		stop = count - 1
	}
	res, err := a.client.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return res, nil
}

// Incr atomically increments a counter key (seq:{orgId}, quota counters).
func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	v, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

// IncrBy atomically increments a counter key by delta and (re)sets its TTL
// on every call (used by the Rate & Quota windowed counters).
func (a *Adapter) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := a.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return incr.Val(), nil
}

// SetNX sets a key only if absent, with a TTL — the building block for the
// event log's dedup index.
func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := a.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set unconditionally sets a key with a TTL.
func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := a.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get reads a key; ok is false when absent.
func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := a.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Publish fans a payload out over a pub/sub channel (best-effort real-time
// notification; the durable log remains the authoritative source).
func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := a.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks delivering messages on channel to handler until ctx is done.
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	sub := a.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}
