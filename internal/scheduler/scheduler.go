// Package scheduler drains the persistent test queue: it claims pending
// entries under the global concurrency ceiling, routes each execution to
// its backend, and applies the bounded retry policy on failure.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/backend"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/collab"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/router"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/shared"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/window"
)

// Config bounds one scheduler instance.
type Config struct {
	// WorkerID names this scheduler in claim records.
	WorkerID string
	// MaxConcurrent caps executions in BUILDING or RUNNING across the
	// whole system.
	MaxConcurrent int
	// MaxAttempts caps total attempts per execution, first run included.
	MaxAttempts int
	// InvokeTimeout bounds a single backend invocation.
	InvokeTimeout time.Duration
	// BackstopInterval drives the periodic pass that catches work the
	// trigger channel missed.
	BackstopInterval time.Duration
	// DispatchParallelism is the worker pool size for one pass.
	DispatchParallelism int
	// Tracer records dispatch and backend spans. Nil means no-op.
	Tracer trace.Tracer
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "scheduler-1"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 60 * time.Second
	}
	if c.BackstopInterval <= 0 {
		c.BackstopInterval = 15 * time.Second
	}
	if c.DispatchParallelism <= 0 {
		c.DispatchParallelism = 4
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
}

// Scheduler owns the claim-dispatch-settle cycle.
type Scheduler struct {
	store    *queue.Store
	registry *router.Registry
	agents   *collab.AgentDirectory
	window   *window.Store
	meter    *collab.UsageMeter
	metrics  *otel.Metrics
	logger   *slog.Logger
	cfg      Config

	pool    *ants.Pool
	trigger chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a scheduler. metrics and meter may be nil in tests.
func New(store *queue.Store, registry *router.Registry, agents *collab.AgentDirectory,
	win *window.Store, meter *collab.UsageMeter, metrics *otel.Metrics,
	logger *slog.Logger, cfg Config) (*Scheduler, error) {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.DispatchParallelism)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		agents:   agents,
		window:   win,
		meter:    meter,
		metrics:  metrics,
		logger:   logger.With("worker_id", cfg.WorkerID),
		cfg:      cfg,
		pool:     pool,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Notify wakes the scheduler loop. Safe from any goroutine; redundant
// notifications collapse into one pass.
func (s *Scheduler) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"max_attempts", s.cfg.MaxAttempts,
		"invoke_timeout", s.cfg.InvokeTimeout,
		"dispatch_parallelism", s.cfg.DispatchParallelism,
	)
}

// Stop cancels the loop, waits for in-flight dispatches, and releases
// the worker pool.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.pool.Release()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BackstopInterval)
	defer ticker.Stop()

	// Drain whatever survived the last shutdown before waiting.
	s.runPassLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.runPassLogged(ctx)
		case <-ticker.C:
			s.runPassLogged(ctx)
		}
	}
}

func (s *Scheduler) runPassLogged(ctx context.Context) {
	if _, err := s.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduler pass failed", "error", err)
	}
}

// RunPass executes one scheduling pass and returns how many entries it
// dispatched. A pass claims at most the free capacity under
// MaxConcurrent; failures of individual entries never abort the pass.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	has, err := s.store.HasPending(ctx)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}

	building, err := s.store.CountExecutionsByStatus(ctx, queue.StatusBuilding)
	if err != nil {
		return 0, err
	}
	running, err := s.store.CountExecutionsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return 0, err
	}
	slots := s.cfg.MaxConcurrent - building - running
	if slots <= 0 {
		s.logger.Debug("at capacity", "building", building, "running", running)
		return 0, nil
	}

	entries, err := s.store.NextPending(ctx, slots)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	dispatched := 0
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		dispatched++
		if err := s.pool.Submit(func() {
			defer wg.Done()
			s.dispatch(ctx, entry)
		}); err != nil {
			wg.Done()
			dispatched--
			s.logger.Warn("dispatch pool rejected entry", "entry_id", entry.ID, "error", err)
		}
	}
	wg.Wait()

	// More work may have queued behind the capacity cut.
	if leftover, err := s.store.HasPending(ctx); err == nil && leftover {
		s.Notify()
	}
	return dispatched, nil
}

// dispatch runs one claimed entry end to end. Every exit path settles
// both the entry and its execution.
func (s *Scheduler) dispatch(ctx context.Context, entry queue.QueueEntry) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithExecutionID(ctx, entry.ExecutionID)
	ctx, span := otel.StartSpan(ctx, s.cfg.Tracer, "scheduler.dispatch",
		otel.AttrEntryID.String(entry.ID),
		otel.AttrExecutionID.String(entry.ExecutionID),
		otel.AttrAttempts.Int(entry.Attempts+1),
	)
	defer span.End()
	log := s.logger.With("entry_id", entry.ID, "execution_id", entry.ExecutionID, "trace_id", shared.TraceID(ctx))

	won, err := s.store.TryClaim(ctx, entry.ID, s.cfg.WorkerID)
	if err != nil {
		log.Error("claim failed", "error", err)
		return
	}
	if !won {
		s.count(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.ClaimsLost })
		log.Debug("lost claim race")
		return
	}
	s.count(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.ClaimsWon })

	exec, err := s.store.GetExecution(ctx, entry.ExecutionID)
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn("entry references missing execution, dropping")
		_ = s.store.Remove(ctx, entry.ID)
		return
	}
	if err != nil {
		log.Error("load execution failed", "error", err)
		return
	}

	moved, err := s.store.MarkBuilding(ctx, exec.ID)
	if err != nil {
		log.Error("mark building failed", "error", err)
		return
	}
	if !moved {
		// Already settled elsewhere (reaper or a duplicate entry).
		log.Warn("execution not in QUEUED, dropping entry", "status", exec.Status)
		_ = s.store.Remove(ctx, entry.ID)
		return
	}

	req, buildFailure := s.buildRequest(ctx, exec)
	if buildFailure != nil {
		s.settleFailure(ctx, log, entry, exec, buildFailure)
		return
	}

	invoker, err := s.registry.For(req.ModelID)
	if err != nil {
		s.settleFailure(ctx, log, entry, exec, &backend.StageError{
			Stage: backend.StageService, Retryable: false, Err: err,
		})
		return
	}

	if _, err := s.store.MarkRunning(ctx, exec.ID); err != nil {
		log.Error("mark running failed", "error", err)
		return
	}

	log.Info("dispatching", "model", req.ModelID, "backend", invoker.Kind(), "attempt", entry.Attempts+1)
	if s.metrics != nil {
		s.metrics.ActiveDispatch.Add(ctx, 1)
		defer s.metrics.ActiveDispatch.Add(ctx, -1)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	invokeCtx, invokeSpan := otel.StartClientSpan(invokeCtx, s.cfg.Tracer, "backend.invoke",
		otel.AttrBackend.String(string(invoker.Kind())),
		otel.AttrModel.String(req.ModelID),
		otel.AttrAgentID.String(exec.AgentID),
	)
	start := time.Now()
	res, err := invoker.Invoke(invokeCtx, req)
	if err != nil {
		invokeSpan.RecordError(err)
	}
	invokeSpan.End()
	cancel()
	if s.metrics != nil {
		s.metrics.BackendDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otel.AttrBackend.String(string(invoker.Kind())),
			otel.AttrModel.String(req.ModelID),
		))
	}

	if err != nil {
		s.settleFailure(ctx, log, entry, exec, err)
		return
	}
	s.settleSuccess(ctx, log, entry, exec, req, res)
}

// buildRequest resolves the agent definition and conversation context.
// A failure here is a build-stage fault.
func (s *Scheduler) buildRequest(ctx context.Context, exec *queue.TestExecution) (backend.Request, error) {
	agent, err := s.agents.Lookup(ctx, exec.AgentID)
	if err != nil {
		return backend.Request{}, &backend.StageError{
			Stage: backend.StageBuild, Retryable: true,
			Err: err,
		}
	}

	modelID := exec.ModelID
	if modelID == "" {
		modelID = agent.Model
	}

	req := backend.Request{
		ExecutionID:  exec.ID,
		AgentID:      exec.AgentID,
		ModelID:      modelID,
		Input:        exec.Input,
		SystemPrompt: agent.SystemPrompt,
		Code:         agent.Code,
		Tools:        agent.Tools,
	}
	if exec.ConversationID != "" && s.window != nil {
		history, err := s.window.History(ctx, exec.ConversationID)
		if err != nil {
			s.logger.Warn("conversation history unavailable, dispatching without it",
				"conversation_id", exec.ConversationID, "error", err)
		}
		for _, m := range history {
			req.History = append(req.History, backend.Turn{Role: m.Role, Content: m.Content})
		}
	}
	return req, nil
}

func (s *Scheduler) settleSuccess(ctx context.Context, log *slog.Logger, entry queue.QueueEntry,
	exec *queue.TestExecution, req backend.Request, res *backend.Result) {

	payload, err := json.Marshal(res)
	if err != nil {
		payload = []byte(`{"success":true}`)
	}
	if _, err := s.store.CompleteExecution(ctx, exec.ID, string(payload), string(res.Environment)); err != nil {
		log.Error("complete execution failed", "error", err)
	}
	if err := s.store.Remove(ctx, entry.ID); err != nil {
		log.Error("remove entry failed", "error", err)
	}

	if exec.ConversationID != "" && s.window != nil {
		if _, err := s.window.Append(ctx, exec.ConversationID, queue.Message{Role: "user", Content: req.Input}); err != nil {
			log.Warn("record user turn failed", "error", err)
		}
		if _, err := s.window.Append(ctx, exec.ConversationID, queue.Message{Role: "assistant", Content: res.Response}); err != nil {
			log.Warn("record assistant turn failed", "error", err)
		}
	}
	if s.meter != nil {
		s.meter.Record(ctx, exec.ID, exec.UserID, res.Model, string(res.Environment), res.TokensUsed)
	}
	log.Info("execution completed", "backend", res.Environment, "tokens", res.TokensUsed)
}

// settleFailure records the failure and requeues when the retry budget
// and error class allow it. Exhausting the budget on a retryable fault
// converts the terminal record to stage service.
func (s *Scheduler) settleFailure(ctx context.Context, log *slog.Logger, entry queue.QueueEntry,
	exec *queue.TestExecution, cause error) {

	stage, retryable := backend.Classify(cause)
	s.countAttr(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.BackendFailures },
		otel.AttrStage.String(stage))
	trace.SpanFromContext(ctx).RecordError(cause)

	attempts := entry.Attempts + 1
	requeue := retryable && attempts < s.cfg.MaxAttempts

	failStage, msg := queue.Stage(stage), cause.Error()
	if retryable && !requeue {
		failStage = queue.StageService
		msg = fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempts, cause)
	}

	if _, err := s.store.FailExecution(ctx, exec.ID, failStage, msg, ""); err != nil {
		log.Error("fail execution failed", "error", err)
	}
	if err := s.store.Remove(ctx, entry.ID); err != nil {
		log.Error("remove entry failed", "error", err)
	}

	if requeue {
		if _, err := s.store.RequeueExecution(ctx, exec.ID, entry.Priority, attempts, cause.Error()); err != nil {
			log.Error("requeue failed", "error", err)
			return
		}
		s.count(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.Retries })
		log.Warn("execution requeued", "stage", stage, "attempt", attempts, "error", cause)
		s.Notify()
		return
	}
	log.Error("execution failed terminally", "stage", failStage, "attempts", attempts, "error", cause)
}

func (s *Scheduler) count(ctx context.Context, pick func(*otel.Metrics) metric.Int64Counter) {
	if s.metrics == nil {
		return
	}
	pick(s.metrics).Add(ctx, 1)
}

func (s *Scheduler) countAttr(ctx context.Context, pick func(*otel.Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if s.metrics == nil {
		return
	}
	pick(s.metrics).Add(ctx, 1, metric.WithAttributes(attrs...))
}
