package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName   = "GREETINGS"
	SubjectSend  = "greetings.send"
	SubjectDLQ   = "greetings.dlq"
	ConsumerName = "greeting-workers"
)

// SendPayload is the queue message for one occasion. It is a hint: workers
// always re-read the authoritative row from the store before acting.
type SendPayload struct {
	MessageID         uuid.UUID `json:"message_id"`
	UserID            uuid.UUID `json:"user_id"`
	MessageType       string    `json:"message_type"`
	ScheduledSendTime time.Time `json:"scheduled_send_time"`
	RetryCount        int       `json:"retry_count"`
}

type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

func NewQueue(natsURL string, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("Greeting Dispatcher"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if err := ensureStream(js); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, js: js, logger: logger}, nil
}

func ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"greetings.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

// PublishSend publishes one occasion to the send queue. The JetStream PubAck
// is the publisher confirm: success means the broker durably accepted it.
func (q *Queue) PublishSend(ctx context.Context, p *SendPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal send payload: %w", err)
	}

	if _, err := q.js.Publish(SubjectSend, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish send payload: %w", err)
	}

	q.logger.Debug("published send payload",
		zap.String("message_id", p.MessageID.String()),
		zap.Int("retry_count", p.RetryCount))

	return nil
}

// PublishDLQ records a dead-lettered message for operator inspection.
func (q *Queue) PublishDLQ(ctx context.Context, messageID uuid.UUID, reason string) error {
	record := map[string]interface{}{
		"message_id": messageID,
		"reason":     reason,
		"timestamp":  time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ record: %w", err)
	}

	if _, err := q.js.Publish(SubjectDLQ, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish DLQ record: %w", err)
	}

	q.logger.Warn("published DLQ record",
		zap.String("message_id", messageID.String()),
		zap.String("reason", reason))

	return nil
}

// Delivery is one in-flight queue message with per-message acknowledgement.
// NakWithDelay returns it to the broker for delayed redelivery (the retry
// queue); Term drops it, to be paired with PublishDLQ by the caller.
type Delivery interface {
	Payload() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

type Consumer struct {
	sub    *nats.Subscription
	logger *zap.Logger
}

// PullConsumer binds the durable worker consumer. MaxAckPending bounds the
// in-flight messages per process (prefetch); AckWait is the redelivery
// timeout for messages a crashed worker never acknowledged.
func (q *Queue) PullConsumer(prefetch int, ackWait time.Duration) (*Consumer, error) {
	sub, err := q.js.PullSubscribe(SubjectSend, ConsumerName,
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxAckPending(prefetch),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer: %w", err)
	}

	return &Consumer{sub: sub, logger: q.logger}, nil
}

// Fetch returns up to n deliveries. An empty batch (broker timeout) is not
// an error.
func (c *Consumer) Fetch(ctx context.Context, n int) ([]Delivery, error) {
	msgs, err := c.sub.Fetch(n, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	deliveries := make([]Delivery, len(msgs))
	for i, m := range msgs {
		deliveries[i] = &natsDelivery{msg: m}
	}
	return deliveries, nil
}

func (c *Consumer) Close() error {
	return c.sub.Unsubscribe()
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d *natsDelivery) Payload() []byte { return d.msg.Data }

func (d *natsDelivery) Ack() error { return d.msg.Ack() }

func (d *natsDelivery) NakWithDelay(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *natsDelivery) Term() error { return d.msg.Term() }
