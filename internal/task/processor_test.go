package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/observability/alerting"
	"FundRouter/internal/router"
)

func testAgent(i int) string {
	return fmt.Sprintf("0x%032x", i)
}

type fakeExecutor struct {
	mu        sync.Mutex
	processed atomic.Int32
	latency   time.Duration
	failures  map[router.AgentID][]error
	callers   []common.Address
	budgets   []router.Budget
}

func (f *fakeExecutor) Distribute(ctx context.Context, caller common.Address, id router.AgentID, budget router.Budget) (*router.DistributionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.callers = append(f.callers, caller)
	f.budgets = append(f.budgets, budget)
	if queued := f.failures[id]; len(queued) > 0 {
		f.failures[id] = queued[1:]
		f.mu.Unlock()
		return nil, queued[0]
	}
	f.mu.Unlock()
	f.processed.Add(1)
	return &router.DistributionResult{AgentID: id, Round: 1, Processed: 3, Cursor: 3, Total: 3, Completed: true, FeesPaid: big.NewInt(450000)}, nil
}

type fakeRecovery struct {
	result *ResumeResult
	err    error
	calls  int
}

func (f *fakeRecovery) Recover(context.Context, *Task, error) (*ResumeResult, error) {
	f.calls++
	return f.result, f.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 1; i <= total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(i), Round: 1}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
}

// claimNext 从内存队列取出下一个任务 ID 并交给处理器。
func claimNext(t *testing.T, p *Processor, q *MemoryQueue) string {
	t.Helper()
	select {
	case id := <-q.ch:
		if err := p.handle(context.Background(), id); err != nil {
			t.Fatalf("handle %s: %v", id, err)
		}
		return id
	case <-time.After(time.Second):
		t.Fatalf("queue is empty")
		return ""
	}
}

func TestProcessorRecordsProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{}
	caller := common.HexToAddress("0xde")
	processor := NewProcessor(executor, store, queue, queue, WithCaller(caller), WithBudget(500))
	service := NewService(store, queue, 3)

	task, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(7), Round: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimNext(t, processor, queue)

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Attempts != 1 {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.Result == nil || !got.Result.Completed || got.Result.Processed != 3 || got.Result.FeesPaid != "450000" {
		t.Fatalf("unexpected result %+v", got.Result)
	}
	if executor.callers[0] != caller {
		t.Fatalf("caller not forwarded: %s", executor.callers[0].Hex())
	}
	if executor.budgets[0].Remaining() != 500 {
		t.Fatalf("budget not forwarded: %d", executor.budgets[0].Remaining())
	}
}

func TestProcessorRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	id, _ := router.ParseAgentID(testAgent(9))
	executor := &fakeExecutor{failures: map[router.AgentID][]error{id: {errors.New("transfer reverted")}}}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts))
	service := NewService(store, queue, 3)

	task, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(9), Round: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimNext(t, processor, queue)

	failed, _ := store.Get(ctx, task.ID)
	if failed.Status != StatusFailed || failed.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("first attempt should fail with processing code: %+v", failed)
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "retry" || alerts.events[0].AgentID != testAgent(9) {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}

	claimNext(t, processor, queue)
	done, _ := store.Get(ctx, task.ID)
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("retry should succeed on second attempt: %+v", done)
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	id, _ := router.ParseAgentID(testAgent(10))
	boom := errors.New("rpc unavailable")
	executor := &fakeExecutor{failures: map[router.AgentID][]error{id: {boom, boom, boom}}}
	processor := NewProcessor(executor, store, queue, queue)
	service := NewService(store, queue, 2)

	task, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(10), Round: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimNext(t, processor, queue)
	claimNext(t, processor, queue)

	got, _ := store.Get(ctx, task.ID)
	if got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("unexpected task %+v", got)
	}
	select {
	case extra := <-queue.ch:
		t.Fatalf("exhausted task should not be requeued, got %s", extra)
	default:
	}
}

func TestProcessorNonRetryableFailure(t *testing.T) {
	stateErr := router.ErrIncorrectAgentState.With("reason", "nothing pending")

	t.Run("recovered as completed", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		queue := NewMemoryQueue(8)
		id, _ := router.ParseAgentID(testAgent(11))
		executor := &fakeExecutor{failures: map[router.AgentID][]error{id: {stateErr}}}
		recovery := &fakeRecovery{result: &ResumeResult{Cursor: 3, Total: 3, Completed: true, Note: "done elsewhere"}}
		processor := NewProcessor(executor, store, queue, queue, WithRecoveryHandler(recovery))
		service := NewService(store, queue, 3)

		task, _ := service.Submit(ctx, SubmitRequest{AgentID: testAgent(11), Round: 1})
		claimNext(t, processor, queue)

		got, _ := store.Get(ctx, task.ID)
		if got.Status != StatusSucceeded || got.Result == nil || got.Result.Note != "done elsewhere" {
			t.Fatalf("unexpected task %+v", got)
		}
		if recovery.calls != 1 {
			t.Fatalf("recovery should run once, ran %d", recovery.calls)
		}
	})

	t.Run("terminal without recovery", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		queue := NewMemoryQueue(8)
		id, _ := router.ParseAgentID(testAgent(12))
		executor := &fakeExecutor{failures: map[router.AgentID][]error{id: {stateErr}}}
		recovery := &fakeRecovery{}
		processor := NewProcessor(executor, store, queue, queue, WithRecoveryHandler(recovery))
		service := NewService(store, queue, 3)

		task, _ := service.Submit(ctx, SubmitRequest{AgentID: testAgent(12), Round: 1})
		claimNext(t, processor, queue)

		got, _ := store.Get(ctx, task.ID)
		if got.Status != StatusFailed || got.ErrorCode != string(router.CodeIncorrectAgentState) {
			t.Fatalf("unexpected task %+v", got)
		}
		if got.Attempts != got.MaxRetries {
			t.Fatalf("non-retryable failure should exhaust retries: %+v", got)
		}
		select {
		case extra := <-queue.ch:
			t.Fatalf("terminal task should not be requeued, got %s", extra)
		default:
		}
	})
}

func TestServiceSubmit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 0)

	t.Run("validation", func(t *testing.T) {
		for _, req := range []SubmitRequest{
			{AgentID: "not-hex", Round: 1},
			{AgentID: testAgent(0), Round: 1},
			{AgentID: testAgent(1), Round: 0},
		} {
			if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeTaskValidation {
				t.Fatalf("expected validation error for %+v, got %v", req, err)
			}
		}
	})

	t.Run("deduplicates active tasks", func(t *testing.T) {
		first, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(20), Round: 4})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if first.MaxRetries != 3 {
			t.Fatalf("default max retries should be 3, got %d", first.MaxRetries)
		}
		again, err := service.Submit(ctx, SubmitRequest{AgentID: "0X" + testAgent(20)[2:], Round: 4})
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("active task should be reused: %s vs %s", again.ID, first.ID)
		}
		other, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(20), Round: 5})
		if err != nil {
			t.Fatalf("submit other round: %v", err)
		}
		if other.ID == first.ID {
			t.Fatalf("different round must create a new task")
		}
	})

	t.Run("finished tasks do not block resubmission", func(t *testing.T) {
		first, _ := service.Submit(ctx, SubmitRequest{AgentID: testAgent(21), Round: 1})
		if err := store.MarkSucceeded(ctx, first.ID, ResumeResult{Processed: 1, Cursor: 1, Total: 2}); err != nil {
			t.Fatalf("mark succeeded: %v", err)
		}
		next, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(21), Round: 1})
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if next.ID == first.ID {
			t.Fatalf("a partial run should allow a follow-up task")
		}
	})
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 3)

	_, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(30), Round: 1})
	if err == nil {
		t.Fatalf("expected publish failure")
	}
	tasks, _ := store.List(ctx, ListOptions{AgentID: testAgent(30)})
	if len(tasks) != 1 || tasks[0].Status != StatusFailed || tasks[0].ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unpublished task should be recorded as failed: %+v", tasks)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	processor := NewProcessor(&fakeExecutor{}, store, queue, queue)
	go func() { _ = processor.Start(ctx) }()

	task, err := service.Submit(ctx, SubmitRequest{AgentID: testAgent(40), Round: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", done.Status)
	}
}

func TestPlanFailure(t *testing.T) {
	stateErr := router.ErrIncorrectAgentState.With("reason", "closed")
	cases := []struct {
		name     string
		attempts int
		err      error
		stage    string
		code     xerrors.Code
		terminal bool
		alert    bool
	}{
		{"transient", 1, errors.New("reverted"), "retry", CodeTaskProcessing, false, true},
		{"transient at limit", 3, errors.New("reverted"), "terminal", CodeTaskProcessing, true, true},
		{"state error", 1, stateErr, "non_retryable", router.CodeIncorrectAgentState, true, xerrors.ShouldAlert(stateErr)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := planFailure(&Task{Attempts: tc.attempts, MaxRetries: 3}, tc.err)
			if plan.stage != tc.stage || plan.code != tc.code || plan.terminal != tc.terminal || plan.alert != tc.alert {
				t.Fatalf("unexpected plan %+v", plan)
			}
		})
	}
}
