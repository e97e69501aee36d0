package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
	"greeting-service/internal/provider"
	natsq "greeting-service/internal/queue/nats"
	"greeting-service/internal/users"
)

type LogStore interface {
	ByID(ctx context.Context, id uuid.UUID) (*messagelog.MessageLog, error)
	ClaimForSend(ctx context.Context, id uuid.UUID, from messagelog.Status) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, code int, body string) (bool, error)
	MarkRetry(ctx context.Context, id uuid.UUID, to messagelog.Status, errMsg string, code *int, body *string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from []messagelog.Status, errMsg string, code *int, body *string) (bool, error)
}

type UserDirectory interface {
	ByID(ctx context.Context, id uuid.UUID) (*users.User, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, n int) ([]natsq.Delivery, error)
}

type DeadLetter interface {
	PublishDLQ(ctx context.Context, messageID uuid.UUID, reason string) error
}

type Config struct {
	Concurrency    int
	MaxRetries     int
	Backoff        BackoffPolicy
	MessageTimeout time.Duration
	DrainTimeout   time.Duration
}

// Pool consumes the send queue with a fixed number of workers and prefetch
// equal to concurrency. Every consumed message is checked against the
// authoritative store row before any vendor call, so double deliveries and
// stale payloads collapse to acks.
type Pool struct {
	logger   *zap.Logger
	metrics  *observability.Metrics
	logs     LogStore
	users    UserDirectory
	sender   provider.Sender
	consumer Fetcher
	dlq      DeadLetter
	cfg      Config

	processed int64
	wg        sync.WaitGroup
}

func NewPool(logger *zap.Logger, metrics *observability.Metrics, logs LogStore, dir UserDirectory, sender provider.Sender, consumer Fetcher, dlq DeadLetter, cfg Config) *Pool {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 30 * time.Second
	}
	return &Pool{
		logger:   logger,
		metrics:  metrics,
		logs:     logs,
		users:    dir,
		sender:   sender,
		consumer: consumer,
		dlq:      dlq,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, then stops fetching and drains in-flight
// messages within the drain window. Anything still unacked after that is
// redelivered by the broker and repaired by the recovery loop.
func (p *Pool) Run(ctx context.Context) error {
	deliveries := make(chan natsq.Delivery)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i, deliveries)
	}

	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("max_retries", p.cfg.MaxRetries))

	for ctx.Err() == nil {
		batch, err := p.consumer.Fetch(ctx, p.cfg.Concurrency)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, d := range batch {
			select {
			case deliveries <- d:
			case <-ctx.Done():
				// Unacked; the broker redelivers after AckWait.
			}
		}
	}

	close(deliveries)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained",
			zap.Int64("processed", atomic.LoadInt64(&p.processed)))
		return nil
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("worker pool drain timeout, abandoning in-flight messages")
		return errors.New("worker drain timeout exceeded")
	}
}

func (p *Pool) worker(id int, deliveries <-chan natsq.Delivery) {
	defer p.wg.Done()

	for d := range deliveries {
		// In-flight messages finish against a fresh context so shutdown
		// drains instead of aborting mid-send.
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MessageTimeout)
		p.processDelivery(ctx, d)
		cancel()
		atomic.AddInt64(&p.processed, 1)
	}
}

func (p *Pool) processDelivery(ctx context.Context, d natsq.Delivery) {
	var payload natsq.SendPayload
	if err := json.Unmarshal(d.Payload(), &payload); err != nil {
		p.logger.Error("malformed queue payload, dropping", zap.Error(err))
		p.count("malformed")
		_ = d.Term()
		return
	}

	log := p.logger.With(zap.String("message_id", payload.MessageID.String()))

	row, err := p.logs.ByID(ctx, payload.MessageID)
	if errors.Is(err, messagelog.ErrNotFound) {
		// Hard-deleted by an operator.
		log.Warn("row absent, acking")
		p.count("skipped")
		_ = d.Ack()
		return
	}
	if err != nil {
		log.Error("authoritative read failed", zap.Error(err))
		_ = d.NakWithDelay(p.cfg.Backoff.Base)
		return
	}

	if row.Status == messagelog.StatusSent {
		// Idempotent skip; SENT is terminal.
		p.count("skipped")
		_ = d.Ack()
		return
	}
	if row.Status != messagelog.StatusQueued && row.Status != messagelog.StatusRetrying {
		log.Debug("stale payload, acking", zap.String("status", string(row.Status)))
		p.count("skipped")
		_ = d.Ack()
		return
	}

	claimed, err := p.logs.ClaimForSend(ctx, row.ID, row.Status)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		_ = d.NakWithDelay(p.cfg.Backoff.Base)
		return
	}
	if !claimed {
		// Another worker raced in.
		p.count("skipped")
		_ = d.Ack()
		return
	}

	u, err := p.users.ByID(ctx, row.UserID)
	if errors.Is(err, users.ErrNotFound) || (err == nil && u.Deleted()) {
		if _, err := p.logs.MarkFailed(ctx, row.ID, []messagelog.Status{messagelog.StatusSending}, "user gone", nil, nil); err != nil {
			log.Error("marking user-gone row failed", zap.Error(err))
		}
		p.count("failed")
		_ = d.Ack()
		return
	}
	if err != nil {
		log.Error("user lookup failed", zap.Error(err))
		if _, retryErr := p.logs.MarkRetry(ctx, row.ID, messagelog.StatusRetrying, err.Error(), nil, nil); retryErr != nil {
			log.Error("marking retry failed", zap.Error(retryErr))
		}
		_ = d.NakWithDelay(p.cfg.Backoff.Base)
		return
	}

	result, sendErr := p.sender.Send(ctx, u.Email, row.MessageContent)
	if sendErr == nil {
		if _, err := p.logs.MarkSent(ctx, row.ID, result.StatusCode, result.Body); err != nil {
			log.Error("marking sent failed", zap.Error(err))
			// The vendor accepted; never retry a possibly-sent message
			// from here. Recovery sees a stuck SENDING row and the next
			// worker acks the SENT/QUEUED state it finds.
		}
		p.count("sent")
		log.Info("message sent", zap.Int("vendor_status", result.StatusCode))
		_ = d.Ack()
		return
	}

	code, body := provider.Details(sendErr)

	if !provider.IsRetryable(sendErr) {
		if _, err := p.logs.MarkFailed(ctx, row.ID, []messagelog.Status{messagelog.StatusSending}, sendErr.Error(), code, body); err != nil {
			log.Error("marking failed failed", zap.Error(err))
		}
		p.count("failed")
		log.Warn("permanent vendor rejection", zap.Error(sendErr))
		_ = d.Ack()
		return
	}

	// Retryable failure.
	if _, err := p.logs.MarkRetry(ctx, row.ID, messagelog.StatusRetrying, sendErr.Error(), code, body); err != nil {
		log.Error("marking retry failed", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.RetryAttemptsTotal.WithLabelValues("vendor_transient").Inc()
	}

	attempt := row.RetryCount + 1
	if attempt <= p.cfg.MaxRetries {
		delay := p.cfg.Backoff.Delay(attempt)
		log.Warn("retryable vendor failure, requeueing",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(sendErr))
		p.count("retried")
		_ = d.NakWithDelay(delay)
		return
	}

	// Retry budget exhausted: dead-letter. The recovery loop terminates the
	// row once it observes the exhausted retry count.
	log.Warn("retry budget exhausted, dead-lettering",
		zap.Int("attempts", attempt),
		zap.Error(sendErr))
	if err := p.dlq.PublishDLQ(ctx, row.ID, sendErr.Error()); err != nil {
		log.Error("DLQ publish failed", zap.Error(err))
	}
	p.count("dead_lettered")
	_ = d.Term()
}

func (p *Pool) count(outcome string) {
	if p.metrics != nil {
		p.metrics.MessagesProcessedTotal.WithLabelValues(outcome).Inc()
	}
}
