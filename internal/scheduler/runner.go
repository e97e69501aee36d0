package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"greeting-service/internal/observability"
)

// Job is one cron-driven scheduler body. Run must be safe to call again
// after an error: transient failures are logged by the runner and retried on
// the next tick.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type JobStatus struct {
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastOutcome  string        `json:"last_outcome"`
	LastError    string        `json:"last_error,omitempty"`
}

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// Runner hosts the scheduler singletons on a UTC cron. Each job gets overlap
// rejection (a tick arriving while the prior invocation still runs is
// skipped), a panic/error boundary, and last-run bookkeeping.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *observability.Metrics
	grace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  map[string]*JobStatus
	running map[string]bool
}

func NewRunner(logger *zap.Logger, metrics *observability.Metrics, grace time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger,
		metrics: metrics,
		grace:   grace,
		ctx:     ctx,
		cancel:  cancel,
		status:  make(map[string]*JobStatus),
		running: make(map[string]bool),
	}
}

func (r *Runner) Register(spec string, job Job) error {
	r.mu.Lock()
	r.status[job.Name()] = &JobStatus{Name: job.Name()}
	r.mu.Unlock()

	if _, err := r.cron.AddFunc(spec, func() { r.invoke(job) }); err != nil {
		return fmt.Errorf("register %s with schedule %q: %w", job.Name(), spec, err)
	}
	return nil
}

// RunNow invokes the job outside its schedule (the on-demand trigger). The
// overlap guard still applies.
func (r *Runner) RunNow(job Job) {
	r.invoke(job)
}

func (r *Runner) invoke(job Job) {
	name := job.Name()

	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		r.logger.Warn("scheduler tick skipped, previous invocation still running",
			zap.String("job", name))
		r.record(name, time.Now().UTC(), 0, outcomeSkipped, nil)
		return
	}
	r.running[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[name] = false
		r.mu.Unlock()
	}()

	start := time.Now().UTC()
	err := r.runGuarded(job)
	duration := time.Since(start)

	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
		r.logger.Error("scheduler run failed",
			zap.String("job", name),
			zap.Duration("duration", duration),
			zap.Error(err))
	}

	if r.metrics != nil {
		r.metrics.SchedulerRunDuration.WithLabelValues(name, outcome).Observe(duration.Seconds())
	}
	r.record(name, start, duration, outcome, err)
}

// runGuarded is the top-level boundary: panics and errors stop this
// invocation, never the process.
func (r *Runner) runGuarded(job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return job.Run(r.ctx)
}

func (r *Runner) record(name string, start time.Time, duration time.Duration, outcome string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.status[name]
	if !ok {
		st = &JobStatus{Name: name}
		r.status[name] = st
	}
	st.LastRun = start
	st.LastDuration = duration
	st.LastOutcome = outcome
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
}

func (r *Runner) Status() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]JobStatus, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	return out
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop rejects new ticks immediately and gives in-flight bodies the
// configured grace before their context is cancelled.
func (r *Runner) Stop() {
	done := r.cron.Stop().Done()

	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn("scheduler bodies did not finish within grace, abandoning",
			zap.Duration("grace", r.grace))
	}
	r.cancel()
}
