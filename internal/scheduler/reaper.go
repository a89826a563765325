package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ReaperConfig bounds the abandonment reaper.
type ReaperConfig struct {
	// Schedule is a 5-field cron expression. Defaults to every two
	// minutes.
	Schedule string
	// StaleAfter is how long a claim may sit before it counts as
	// abandoned.
	StaleAfter time.Duration
	// MaxAttempts mirrors the scheduler's retry budget.
	MaxAttempts int
}

func (c *ReaperConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "*/2 * * * *"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Reaper recovers executions whose claiming worker died: stale claims
// are failed with a service-stage error and, within the retry budget,
// requeued for another attempt.
type Reaper struct {
	store   *queue.Store
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	cfg     ReaperConfig
	sched   cronlib.Schedule

	// notify wakes the scheduler after a requeue.
	notify func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper validates the cron schedule and builds the reaper. notify
// may be nil.
func NewReaper(store *queue.Store, eventBus *bus.Bus, metrics *otel.Metrics,
	notify func(), logger *slog.Logger, cfg ReaperConfig) (*Reaper, error) {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", cfg.Schedule, err)
	}
	return &Reaper{
		store:   store,
		bus:     eventBus,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		sched:   sched,
		notify:  notify,
	}, nil
}

// Start runs the reaper loop until ctx is canceled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", "schedule", r.cfg.Schedule, "stale_after", r.cfg.StaleAfter)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		next := r.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reaper pass failed", "error", err)
			}
		}
	}
}

// RunOnce sweeps stale claims and returns how many it settled.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.FindStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, entry := range stale {
		if err := r.reap(ctx, entry); err != nil {
			r.logger.Error("reap entry failed", "entry_id", entry.ID, "error", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		r.logger.Info("stale claims settled", "count", settled)
		if r.metrics != nil {
			r.metrics.ReaperReclaims.Add(ctx, int64(settled))
		}
	}
	return settled, nil
}

func (r *Reaper) reap(ctx context.Context, entry queue.QueueEntry) error {
	exec, err := r.store.GetExecution(ctx, entry.ExecutionID)
	if errors.Is(err, queue.ErrNotFound) {
		return r.store.Remove(ctx, entry.ID)
	}
	if err != nil {
		return err
	}

	switch exec.Status {
	case queue.StatusCompleted, queue.StatusFailed:
		// Already settled, the entry just leaked.
		return r.store.Remove(ctx, entry.ID)
	}

	cause := fmt.Sprintf("claim abandoned by worker %s", entry.Worker)
	if _, err := r.store.FailExecution(ctx, exec.ID, queue.StageService, cause, ""); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, entry.ID); err != nil {
		return err
	}

	attempts := entry.Attempts + 1
	if attempts < r.cfg.MaxAttempts {
		if _, err := r.store.RequeueExecution(ctx, exec.ID, entry.Priority, attempts, cause); err != nil {
			return err
		}
		r.logger.Warn("abandoned execution requeued",
			"execution_id", exec.ID, "worker", entry.Worker, "attempt", attempts)
		if r.notify != nil {
			r.notify()
		}
	} else {
		r.logger.Error("abandoned execution failed terminally",
			"execution_id", exec.ID, "worker", entry.Worker, "attempts", attempts)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicTestReaped, bus.TestEvent{
			ExecutionID: exec.ID,
			Status:      string(queue.StatusFailed),
			Stage:       string(queue.StageService),
			Error:       cause,
			Attempts:    attempts,
		})
	}
	return nil
}
