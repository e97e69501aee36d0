package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
)

type RecoveryStore interface {
	FindStranded(ctx context.Context, cutoff, sendingCutoff time.Time) ([]*messagelog.MessageLog, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to messagelog.Status) (bool, error)
	MarkRequeued(ctx context.Context, id uuid.UUID, from messagelog.Status) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from []messagelog.Status, errMsg string, code *int, body *string) (bool, error)
}

// Recovery repairs rows stranded between pipeline stages. It never writes
// SENT: republishing is safe because workers re-read authoritative state and
// no-op on rows that already advanced.
type Recovery struct {
	logs    RecoveryStore
	queue   Publisher
	logger  *zap.Logger
	metrics *observability.Metrics

	grace         time.Duration
	hardLateness  time.Duration
	workerTimeout time.Duration
	requeueAfter  time.Duration
	maxRetries    int
	now           func() time.Time
}

type RecoveryConfig struct {
	Grace         time.Duration
	HardLateness  time.Duration
	WorkerTimeout time.Duration
	RequeueAfter  time.Duration
	MaxRetries    int
}

func NewRecovery(logs RecoveryStore, queue Publisher, logger *zap.Logger, metrics *observability.Metrics, cfg RecoveryConfig) *Recovery {
	return &Recovery{
		logs:          logs,
		queue:         queue,
		logger:        logger,
		metrics:       metrics,
		grace:         cfg.Grace,
		hardLateness:  cfg.HardLateness,
		workerTimeout: cfg.WorkerTimeout,
		requeueAfter:  cfg.RequeueAfter,
		maxRetries:    cfg.MaxRetries,
		now:           time.Now,
	}
}

func (r *Recovery) Name() string { return "recovery" }

func (r *Recovery) Run(ctx context.Context) error {
	now := r.now().UTC()

	rows, err := r.logs.FindStranded(ctx, now.Add(-r.grace), now.Add(-r.workerTimeout))
	if err != nil {
		return fmt.Errorf("find stranded rows: %w", err)
	}

	var stale, republished, requeued, missed int
	for _, row := range rows {
		switch {
		case row.RetryCount >= r.maxRetries || now.Sub(row.ScheduledSendTime) > r.hardLateness:
			if ok, err := r.logs.MarkFailed(ctx, row.ID,
				[]messagelog.Status{messagelog.StatusScheduled, messagelog.StatusQueued, messagelog.StatusRetrying, messagelog.StatusSending},
				"stale", nil, nil); err != nil {
				return fmt.Errorf("fail stale row %s: %w", row.ID, err)
			} else if ok {
				stale++
				r.count("stale_failed")
				r.logger.Warn("stranded row marked FAILED",
					zap.String("message_id", row.ID.String()),
					zap.String("status", string(row.Status)),
					zap.Int("retry_count", row.RetryCount),
					zap.Time("scheduled_send_time", row.ScheduledSendTime))
			}

		case row.Status == messagelog.StatusScheduled:
			// The minute scheduler missed its window.
			if err := r.queue.PublishSend(ctx, payloadFor(row)); err != nil {
				r.logger.Error("republish of missed row failed",
					zap.String("message_id", row.ID.String()), zap.Error(err))
				continue
			}
			if _, err := r.logs.UpdateStatus(ctx, row.ID, messagelog.StatusScheduled, messagelog.StatusQueued); err != nil {
				return fmt.Errorf("promote missed row %s: %w", row.ID, err)
			}
			missed++
			r.count("missed_enqueued")

		case row.Status == messagelog.StatusQueued || row.Status == messagelog.StatusRetrying:
			if now.Sub(row.UpdatedAt) < r.requeueAfter {
				continue
			}
			// The queue may double-deliver after this; workers tolerate it.
			if err := r.queue.PublishSend(ctx, payloadFor(row)); err != nil {
				r.logger.Error("republish of stuck row failed",
					zap.String("message_id", row.ID.String()), zap.Error(err))
				continue
			}
			republished++
			r.count("republished")

		case row.Status == messagelog.StatusSending:
			// A worker claimed the row and went away mid-flight.
			ok, err := r.logs.MarkRequeued(ctx, row.ID, messagelog.StatusSending)
			if err != nil {
				return fmt.Errorf("requeue abandoned row %s: %w", row.ID, err)
			}
			if !ok {
				continue
			}
			if err := r.queue.PublishSend(ctx, payloadFor(row)); err != nil {
				// The broker redelivers the unacked original anyway.
				r.logger.Error("republish after takeover failed",
					zap.String("message_id", row.ID.String()), zap.Error(err))
			}
			requeued++
			r.count("sending_takeover")
		}
	}

	if len(rows) > 0 {
		r.logger.Info("recovery pass finished",
			zap.Int("stranded", len(rows)),
			zap.Int("stale_failed", stale),
			zap.Int("missed_enqueued", missed),
			zap.Int("republished", republished),
			zap.Int("sending_takeover", requeued))
	}

	return nil
}

func (r *Recovery) count(action string) {
	if r.metrics != nil {
		r.metrics.RecoveryActionsTotal.WithLabelValues(action).Inc()
	}
}
