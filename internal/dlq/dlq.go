// Package dlq realizes the per-tenant dead-letter queue as a Kafka topic.
// It is kept nil-safe: a gateway deployment without a Kafka broker
// configured still boots, simply with DLQ delivery disabled.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
)

// Producer publishes undeliverable events to a per-tenant DLQ topic.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer dials a Kafka producer client against the given seed
// brokers. Returns (nil, err) on dial failure; callers are expected to
// treat a nil *Producer as "DLQ disabled" rather than failing boot.
func NewProducer(brokers []string, logger logging.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("apix-gateway-dlq"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka dlq producer: %w", err)
	}
	return &Producer{client: client, logger: logger}, nil
}

// Close releases the underlying Kafka client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

func topicFor(orgID string) string { return "apix.dlq." + orgID }

// payload captures enough context to inspect or manually replay a
// dead-lettered event.
type payload struct {
	OrgID     string       `json:"org_id"`
	Event     models.Event `json:"event"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// Send produces event onto orgId's DLQ topic, tagged with reason (e.g.
// "max_retries_exceeded"). A nil Producer is a no-op success, matching
// the gateway's "Redis alone" dev-mode boot path.
func (p *Producer) Send(ctx context.Context, orgID string, event models.Event, reason string) error {
	if p == nil || p.client == nil {
		return nil
	}

	body, err := json.Marshal(payload{OrgID: orgID, Event: event, Reason: reason, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	record := &kgo.Record{
		Topic: topicFor(orgID),
		Key:   []byte(event.ID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "org_id", Value: []byte(orgID)},
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "reason", Value: []byte(reason)},
		},
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, record)
	if err := result.FirstErr(); err != nil {
		p.logger.WithError(err).WithField("org_id", orgID).Warn("failed to produce dlq message")
		return fmt.Errorf("produce dlq message: %w", err)
	}
	return nil
}
