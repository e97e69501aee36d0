package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
	natsq "greeting-service/internal/queue/nats"
)

type EnqueueStore interface {
	FindDueForEnqueue(ctx context.Context, from, to time.Time) ([]*messagelog.MessageLog, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to messagelog.Status) (bool, error)
}

type Publisher interface {
	PublishSend(ctx context.Context, p *natsq.SendPayload) error
}

// Enqueue promotes SCHEDULED rows due within the window to QUEUED and hands
// them to the durable queue. Rows are processed in ascending send time; a
// failed publish is compensated by CASing the row back to SCHEDULED so the
// next tick retries it.
type Enqueue struct {
	logs    EnqueueStore
	queue   Publisher
	logger  *zap.Logger
	metrics *observability.Metrics
	window  time.Duration
	now     func() time.Time
}

func NewEnqueue(logs EnqueueStore, queue Publisher, logger *zap.Logger, metrics *observability.Metrics, window time.Duration) *Enqueue {
	return &Enqueue{
		logs:    logs,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
		window:  window,
		now:     time.Now,
	}
}

func (e *Enqueue) Name() string { return "minute-enqueue" }

func (e *Enqueue) Run(ctx context.Context) error {
	now := e.now().UTC()

	rows, err := e.logs.FindDueForEnqueue(ctx, now, now.Add(e.window))
	if err != nil {
		return fmt.Errorf("find due rows: %w", err)
	}

	var enqueued, skipped, failed int
	for _, row := range rows {
		swapped, err := e.logs.UpdateStatus(ctx, row.ID, messagelog.StatusScheduled, messagelog.StatusQueued)
		if err != nil {
			return fmt.Errorf("promote row %s: %w", row.ID, err)
		}
		if !swapped {
			// Another scheduler or the recovery loop claimed it.
			skipped++
			e.count("skipped")
			continue
		}

		if err := e.queue.PublishSend(ctx, payloadFor(row)); err != nil {
			failed++
			e.count("publish_failed")
			if e.metrics != nil {
				e.metrics.QueuePublishFailures.Inc()
			}
			e.logger.Error("publish failed, returning row to SCHEDULED",
				zap.String("message_id", row.ID.String()),
				zap.Error(err))

			if _, casErr := e.logs.UpdateStatus(ctx, row.ID, messagelog.StatusQueued, messagelog.StatusScheduled); casErr != nil {
				// The row stays QUEUED without a queue message; the
				// recovery loop republishes it.
				e.logger.Error("compensating transition failed",
					zap.String("message_id", row.ID.String()),
					zap.Error(casErr))
			}
			continue
		}

		enqueued++
		e.count("enqueued")
	}

	if len(rows) > 0 {
		e.logger.Info("enqueue batch finished",
			zap.Int("due", len(rows)),
			zap.Int("enqueued", enqueued),
			zap.Int("skipped", skipped),
			zap.Int("failed", failed))
	}

	return nil
}

func (e *Enqueue) count(outcome string) {
	if e.metrics != nil {
		e.metrics.EnqueueOutcomesTotal.WithLabelValues(outcome).Inc()
	}
}

func payloadFor(row *messagelog.MessageLog) *natsq.SendPayload {
	return &natsq.SendPayload{
		MessageID:         row.ID,
		UserID:            row.UserID,
		MessageType:       string(row.MessageType),
		ScheduledSendTime: row.ScheduledSendTime,
		RetryCount:        row.RetryCount,
	}
}
