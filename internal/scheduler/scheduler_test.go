package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/backend"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/collab"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/router"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/scheduler"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/window"
)

type fakeInvoker struct {
	kind   backend.Kind
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
	delay  time.Duration
	invoke func(req backend.Request) (*backend.Result, error)
}

func (f *fakeInvoker) Kind() backend.Kind { return f.kind }

func (f *fakeInvoker) Invoke(ctx context.Context, req backend.Request) (*backend.Result, error) {
	f.calls.Add(1)
	cur := f.active.Add(1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer f.active.Add(-1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.invoke != nil {
		return f.invoke(req)
	}
	return &backend.Result{
		Success:     true,
		Response:    "ok",
		Environment: f.kind,
		Model:       req.ModelID,
		TokensUsed:  3,
	}, nil
}

type fixture struct {
	store     *queue.Store
	container *fakeInvoker
	sched     *scheduler.Scheduler
	window    *window.Store
}

func newFixture(t *testing.T, cfg scheduler.Config, invoke func(req backend.Request) (*backend.Result, error)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := queue.Open(filepath.Join(dir, "testbench.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	container := &fakeInvoker{kind: backend.KindContainer, invoke: invoke}
	reg := router.NewRegistry()
	reg.Register(container)
	reg.Register(&fakeInvoker{kind: backend.KindSandbox})

	win, err := window.New(store, nil, filepath.Join(dir, "blobs"), window.Config{}, nil)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}

	agents := collab.NewAgentDirectory(store)
	if err := agents.Register(context.Background(), queue.Agent{
		ID:           "agent-1",
		Model:        "llama3",
		SystemPrompt: "Be helpful.",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	sched, err := scheduler.New(store, reg, agents, win, nil, nil, nil, cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)
	return &fixture{store: store, container: container, sched: sched, window: win}
}

func enqueueTest(t *testing.T, store *queue.Store, agentID, convID string) (execID, entryID string) {
	t.Helper()
	ctx := context.Background()
	execID, err := store.CreateExecution(ctx, &queue.TestExecution{
		AgentID:        agentID,
		UserID:         "user-1",
		Input:          "run my test",
		ConversationID: convID,
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	entryID, err = store.Enqueue(ctx, execID, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return execID, entryID
}

func drain(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		n, err := f.sched.RunPass(ctx)
		if err != nil {
			t.Fatalf("run pass: %v", err)
		}
		if n == 0 {
			has, err := f.store.HasPending(ctx)
			if err != nil {
				t.Fatalf("has pending: %v", err)
			}
			if !has {
				return
			}
		}
	}
	t.Fatalf("queue did not drain")
}

func TestRunPassCompletesExecution(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, nil)
	ctx := context.Background()

	convID, err := f.window.Ensure(ctx, "")
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	execID, entryID := enqueueTest(t, f.store, "agent-1", convID)

	n, err := f.sched.RunPass(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunPass = (%d, %v), want (1, nil)", n, err)
	}

	exec, err := f.store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%s/%s)", exec.Status, exec.ErrorStage, exec.Error)
	}
	if exec.ExecutionMethod != string(backend.KindContainer) {
		t.Fatalf("execution_method = %q", exec.ExecutionMethod)
	}
	if _, err := f.store.GetEntry(ctx, entryID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("entry should be gone, err = %v", err)
	}

	f.window.Wait()
	msgs, err := f.window.History(ctx, convID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("conversation = %+v", msgs)
	}
}

func TestRunPassRespectsConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, scheduler.Config{
		MaxConcurrent:       2,
		DispatchParallelism: 4,
	}, nil)
	f.container.delay = 20 * time.Millisecond

	for i := 0; i < 5; i++ {
		enqueueTest(t, f.store, "agent-1", "")
	}
	drain(t, f)

	if n, _ := f.store.CountExecutionsByStatus(context.Background(), queue.StatusCompleted); n != 5 {
		t.Fatalf("completed = %d, want 5", n)
	}
	if peak := f.container.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, exceeds ceiling 2", peak)
	}
}

func TestRetryableFailureBoundedByMaxAttempts(t *testing.T) {
	f := newFixture(t, scheduler.Config{MaxAttempts: 3}, func(req backend.Request) (*backend.Result, error) {
		return nil, errors.New("503 service unavailable")
	})
	ctx := context.Background()
	execID, _ := enqueueTest(t, f.store, "agent-1", "")

	drain(t, f)

	if calls := f.container.calls.Load(); calls != 3 {
		t.Fatalf("backend called %d times, want 3", calls)
	}
	exec, err := f.store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != queue.StatusFailed || exec.ErrorStage != queue.StageService {
		t.Fatalf("terminal execution = status %s stage %s", exec.Status, exec.ErrorStage)
	}
	if has, _ := f.store.HasPending(ctx); has {
		t.Fatalf("terminal failure left a pending entry")
	}
}

func TestExecutionStageFailureRequeuedToBudget(t *testing.T) {
	f := newFixture(t, scheduler.Config{MaxAttempts: 3}, func(req backend.Request) (*backend.Result, error) {
		return nil, &backend.StageError{
			Stage: backend.StageExecution, Retryable: true,
			Err: errors.New("agent exited 1: assertion failed"),
		}
	})
	ctx := context.Background()
	execID, _ := enqueueTest(t, f.store, "agent-1", "")

	drain(t, f)

	if calls := f.container.calls.Load(); calls != 3 {
		t.Fatalf("backend called %d times, want 3", calls)
	}
	exec, _ := f.store.GetExecution(ctx, execID)
	if exec.Status != queue.StatusFailed || exec.ErrorStage != queue.StageService {
		t.Fatalf("execution = status %s stage %s, want FAILED/service", exec.Status, exec.ErrorStage)
	}
	if !strings.Contains(exec.Error, "retry budget exhausted") {
		t.Fatalf("terminal error = %q", exec.Error)
	}
	if has, _ := f.store.HasPending(ctx); has {
		t.Fatalf("terminal failure left a pending entry")
	}
}

func TestServiceStageFailureTerminalOnFirstAttempt(t *testing.T) {
	f := newFixture(t, scheduler.Config{MaxAttempts: 3}, func(req backend.Request) (*backend.Result, error) {
		return nil, &backend.StageError{
			Stage: backend.StageService, Retryable: false,
			Err: errors.New("access denied for execution role"),
		}
	})
	ctx := context.Background()
	execID, _ := enqueueTest(t, f.store, "agent-1", "")

	drain(t, f)

	if calls := f.container.calls.Load(); calls != 1 {
		t.Fatalf("backend called %d times, want 1", calls)
	}
	exec, _ := f.store.GetExecution(ctx, execID)
	if exec.Status != queue.StatusFailed || exec.ErrorStage != queue.StageService {
		t.Fatalf("execution = status %s stage %s, want FAILED/service", exec.Status, exec.ErrorStage)
	}
}

func TestTimeoutRetriedThenFailsServiceStage(t *testing.T) {
	f := newFixture(t, scheduler.Config{
		MaxAttempts:   2,
		InvokeTimeout: 10 * time.Millisecond,
	}, nil)
	f.container.delay = time.Second

	ctx := context.Background()
	execID, _ := enqueueTest(t, f.store, "agent-1", "")
	drain(t, f)

	if calls := f.container.calls.Load(); calls != 2 {
		t.Fatalf("backend called %d times, want 2", calls)
	}
	exec, _ := f.store.GetExecution(ctx, execID)
	if exec.Status != queue.StatusFailed || exec.ErrorStage != queue.StageService {
		t.Fatalf("execution = status %s stage %s, want FAILED/service", exec.Status, exec.ErrorStage)
	}

	// The trail keeps the timeout classification of the earlier attempt.
	events, err := f.store.ListExecutionEvents(ctx, execID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	sawTimeout := false
	for _, ev := range events {
		if ev.EventType == "execution.failed" && strings.Contains(ev.Payload, `"stage":"timeout"`) {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("no timeout-stage failure in trail: %+v", events)
	}
}

func TestUnknownAgentRetriedWithoutBackendCalls(t *testing.T) {
	f := newFixture(t, scheduler.Config{MaxAttempts: 2}, nil)
	ctx := context.Background()
	execID, _ := enqueueTest(t, f.store, "missing-agent", "")

	drain(t, f)

	exec, _ := f.store.GetExecution(ctx, execID)
	if exec.Status != queue.StatusFailed || exec.ErrorStage != queue.StageService {
		t.Fatalf("execution = status %s stage %s, want FAILED/service", exec.Status, exec.ErrorStage)
	}
	if calls := f.container.calls.Load(); calls != 0 {
		t.Fatalf("backend called %d times for unresolvable agent", calls)
	}

	events, err := f.store.ListExecutionEvents(ctx, execID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	sawBuild := false
	for _, ev := range events {
		if ev.EventType == "execution.failed" && strings.Contains(ev.Payload, `"stage":"build"`) {
			sawBuild = true
		}
	}
	if !sawBuild {
		t.Fatalf("no build-stage failure in trail: %+v", events)
	}
}

func TestOrphanEntryDropped(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, nil)
	ctx := context.Background()

	entryID, err := f.store.Enqueue(ctx, "ghost-execution", 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.sched.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if _, err := f.store.GetEntry(ctx, entryID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("orphan entry should be dropped, err = %v", err)
	}
}

func TestPriorityOrderAcrossPass(t *testing.T) {
	var order []string
	f := newFixture(t, scheduler.Config{DispatchParallelism: 1, MaxConcurrent: 1}, nil)
	f.container.invoke = func(req backend.Request) (*backend.Result, error) {
		order = append(order, req.ExecutionID)
		return &backend.Result{Success: true, Environment: backend.KindContainer, Model: req.ModelID}, nil
	}
	ctx := context.Background()

	lowID, err := f.store.CreateExecution(ctx, &queue.TestExecution{AgentID: "agent-1", Input: "low"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.Enqueue(ctx, lowID, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	highID, err := f.store.CreateExecution(ctx, &queue.TestExecution{AgentID: "agent-1", Input: "high"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.Enqueue(ctx, highID, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	drain(t, f)
	if len(order) != 2 || order[0] != highID || order[1] != lowID {
		t.Fatalf("dispatch order = %v, want [%s %s]", order, highID, lowID)
	}
}

func TestDispatchRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, scheduler.Config{Tracer: tp.Tracer("test")}, nil)
	enqueueTest(t, f.store, "agent-1", "")
	if n, err := f.sched.RunPass(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunPass = (%d, %v)", n, err)
	}

	names := make(map[string]bool)
	for _, span := range exporter.GetSpans() {
		names[span.Name] = true
	}
	if !names["scheduler.dispatch"] || !names["backend.invoke"] {
		t.Fatalf("recorded spans = %v", names)
	}
}

func TestNotifyDoesNotBlock(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, nil)
	for i := 0; i < 10; i++ {
		f.sched.Notify()
	}
}
