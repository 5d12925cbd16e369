package sessiontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaharia-lab/sessiontier/observability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runner defaults.
const (
	defaultWorkers      = 1
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = time.Minute
	defaultClaimRate    = 50
	defaultResultTTL    = time.Hour
	minPurgeInterval    = time.Second
)

// TaskHandler runs one task. The returned outcome is stored as the task
// result; an error makes the attempt fail and be retried.
type TaskHandler func(ctx context.Context, args json.RawMessage) (outcome string, err error)

// RunnerConfig holds configuration for the Runner.
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration // idle wait when the queue is empty
	Lease        time.Duration // a task not reported within its lease is redelivered
	TaskTimeout  time.Duration // defaults to Lease
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClaimRate    float64 // claims per second across all workers
	ResultTTL    time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers < 1 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.TaskTimeout <= 0 || c.TaskTimeout > c.Lease {
		c.TaskTimeout = c.Lease
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = defaultBackoffMax
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	if c.ClaimRate <= 0 {
		c.ClaimRate = defaultClaimRate
	}
	if c.ResultTTL == 0 {
		c.ResultTTL = defaultResultTTL
	}
	return c
}

// Runner executes queued tasks on a pool of workers. Outcomes are logged and
// stored in the queue, never returned to the submitter.
type Runner struct {
	queue      TaskQueue
	cfg        RunnerConfig
	logger     observability.Logger
	limiter    *rate.Limiter
	instanceID string

	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRunner creates a runner over queue. Handlers must be registered before
// Run.
func NewRunner(queue TaskQueue, cfg RunnerConfig, logger observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		queue:      queue,
		cfg:        cfg,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.Workers),
		instanceID: uuid.New().String()[:8],
		handlers:   make(map[string]TaskHandler),
	}
}

// Register binds a handler to a task name, replacing any previous one.
func (r *Runner) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Runner) handler(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Submit enqueues a task and returns its id without waiting for it to run.
// The handler may live in another process, so name is not checked against
// the local registry.
func (r *Runner) Submit(ctx context.Context, name string, args interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s task args: %w", name, err)
	}

	id, err := r.queue.Enqueue(ctx, name, raw, r.cfg.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s task: %w", name, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"task_id":   id,
		"task_name": name,
	}).Debug("task submitted")
	return id, nil
}

// Status returns a task and its recorded result.
func (r *Runner) Status(ctx context.Context, taskID string) (*Task, error) {
	return r.queue.Get(ctx, taskID)
}

// Run starts the workers and the result purger and blocks until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", r.instanceID, i)
		g.Go(func() error {
			r.work(gctx, workerID)
			return nil
		})
	}

	if r.cfg.ResultTTL > 0 {
		g.Go(func() error {
			r.purgeLoop(gctx)
			return nil
		})
	}

	r.logger.WithFields(map[string]interface{}{
		"workers":  r.cfg.Workers,
		"instance": r.instanceID,
	}).Info("task runner started")

	err := g.Wait()
	r.logger.Info("task runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, workerID string) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		ran, err := r.runNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			r.logger.WithFields(map[string]interface{}{"worker": workerID}).WithErr(err).Error("failed to claim task")
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task
// was run.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	return r.runNext(ctx, r.instanceID+"-once")
}

func (r *Runner) runNext(ctx context.Context, workerID string) (bool, error) {
	task, err := r.queue.Claim(ctx, workerID, r.cfg.Lease)
	if err != nil {
		if errors.Is(err, ErrNoTask) {
			return false, nil
		}
		return false, err
	}
	r.execute(ctx, workerID, task)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, workerID string, task *Task) {
	logger := r.logger.WithFields(map[string]interface{}{
		"task_id":   task.ID,
		"task_name": task.Name,
		"attempt":   task.Attempts,
		"worker":    workerID,
	})

	// Reporting must survive shutdown of the run context.
	reportCtx := context.WithoutCancel(ctx)

	if task.Attempts > task.MaxAttempts {
		reason := fmt.Sprintf("lease expired after %d attempts", task.MaxAttempts)
		r.report(logger, r.queue.Fail(reportCtx, task.ID, workerID, reason, time.Time{}))
		logger.Error("task abandoned: ", reason)
		return
	}

	handler, ok := r.handler(task.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
		r.report(logger, r.queue.Fail(reportCtx, task.ID, workerID, err.Error(), time.Time{}))
		logger.WithErr(err).Error("task failed")
		return
	}

	spanCtx, span := observability.StartSpan(ctx, "Runner.Execute")
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("task_name", task.Name),
		attribute.Int("attempt", task.Attempts),
	)

	taskCtx, cancel := context.WithTimeout(spanCtx, r.cfg.TaskTimeout)
	startTime := time.Now()
	outcome, err := invokeHandler(taskCtx, handler, task.Args)
	cancel()

	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Float64("duration_seconds", time.Since(startTime).Seconds()),
	)
	observability.EndSpan(span, err)

	if err == nil {
		r.report(logger, r.queue.Complete(reportCtx, task.ID, workerID, outcome))
		logger.WithFields(map[string]interface{}{"outcome": outcome}).Info("task succeeded")
		return
	}

	if task.Attempts < task.MaxAttempts && retryable(err) {
		retryAt := time.Now().Add(r.backoff(task.Attempts))
		r.report(logger, r.queue.Fail(reportCtx, task.ID, workerID, err.Error(), retryAt))
		logger.WithErr(err).Warnf("task attempt failed, retrying at %s", retryAt.UTC().Format(time.RFC3339))
		return
	}

	r.report(logger, r.queue.Fail(reportCtx, task.ID, workerID, err.Error(), time.Time{}))
	logger.WithErr(err).Error("task failed permanently")
}

func (r *Runner) report(logger observability.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost):
		logger.WithErr(err).Warn("task lease passed to another worker")
	default:
		logger.WithErr(err).Error("failed to record task result")
	}
}

// backoff doubles from BackoffBase per attempt, capped at BackoffMax.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	return d
}

func (r *Runner) purgeLoop(ctx context.Context) {
	interval := r.cfg.ResultTTL / 4
	if interval < minPurgeInterval {
		interval = minPurgeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.PurgeFinished(ctx, time.Now().Add(-r.cfg.ResultTTL))
			if err != nil {
				if ctx.Err() == nil {
					r.logger.WithErr(err).Error("failed to purge finished tasks")
				}
				continue
			}
			if n > 0 {
				r.logger.WithFields(map[string]interface{}{"purged": n}).Debug("finished tasks purged")
			}
		}
	}
}

// retryable reports whether another attempt could succeed. Bad arguments
// fail the same way every time.
func retryable(err error) bool {
	return !errors.Is(err, ErrMalformedData) && !errors.Is(err, ErrUnknownTask)
}

// invokeHandler turns a handler panic into an error.
func invokeHandler(ctx context.Context, handler TaskHandler, args json.RawMessage) (outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task handler panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return handler(ctx, args)
}
