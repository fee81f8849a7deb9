package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"outreach-engine/internal/models"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/telemetry"
)

// Handler executes a claimed job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the slice of the store the processor consumes.
type JobStore interface {
	ClaimBatch(ctx context.Context, n int) ([]models.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	PendingJobs(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop: claim a batch of jobs from
// Postgres, dispatch by type, mark each terminal. At-least-once only;
// handlers guard against double processing through the domain rows they
// mutate.
type Processor struct {
	store        JobStore
	hints        *queue.WakeHints
	handlers     map[string]Handler
	tick         func(ctx context.Context)
	pollInterval time.Duration
	claimSize    int
	log          *slog.Logger
}

// NewProcessor builds a processor. hints may be nil, in which case idle waits
// fall back to plain sleeps.
func NewProcessor(store JobStore, hints *queue.WakeHints, pollInterval time.Duration, claimSize int, log *slog.Logger) *Processor {
	return &Processor{
		store:        store,
		hints:        hints,
		handlers:     make(map[string]Handler),
		pollInterval: pollInterval,
		claimSize:    claimSize,
		log:          log,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// SetTick installs a hook invoked once per poll cycle, used for the campaign
// due-sweep.
func (p *Processor) SetTick(fn func(ctx context.Context)) {
	p.tick = fn
}

// Run starts the main worker loop until context cancellation. Storage errors
// back off with jitter instead of spinning.
func (p *Processor) Run(ctx context.Context) error {
	var pollFailures int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.tick != nil {
			p.tick(ctx)
		}
		if depth, err := p.store.PendingJobs(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobs, err := p.store.ClaimBatch(ctx, p.claimSize)
		if err != nil {
			pollFailures++
			wait := backoffWithJitter(p.pollInterval, time.Minute, pollFailures)
			p.log.Error("claim batch failed", "error", err, "backoff", wait)
			p.sleep(ctx, wait)
			continue
		}
		pollFailures = 0
		if len(jobs) > 0 && p.hints != nil {
			// A burst of enqueues behind this claim would only cause
			// redundant wake-ups.
			_ = p.hints.Drain(ctx)
		}

		for _, job := range jobs {
			p.runJob(ctx, job)
		}

		if len(jobs) == 0 {
			p.idle(ctx)
		}
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		p.log.Error("no handler for job type", "type", job.Type, "job", job.ID)
		_ = p.store.FailJob(ctx, job.ID, "no handler registered for type "+job.Type)
		telemetry.JobsFailed.Inc()
		return
	}
	if err := handler(ctx, job); err != nil {
		p.log.Error("job failed", "type", job.Type, "job", job.ID, "tenant", job.Tenant, "error", err)
		_ = p.store.FailJob(ctx, job.ID, err.Error())
		telemetry.JobsFailed.Inc()
		return
	}
	_ = p.store.CompleteJob(ctx, job.ID)
	telemetry.JobsCompleted.Inc()
}

// idle waits for a wake hint or the poll interval, whichever comes first.
func (p *Processor) idle(ctx context.Context) {
	if p.hints != nil {
		if _, err := p.hints.Wait(ctx, p.pollInterval); err == nil {
			return
		}
	}
	p.sleep(ctx, p.pollInterval)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
