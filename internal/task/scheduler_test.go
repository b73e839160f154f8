package task

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"FundRouter/internal/router"
)

type fakeSource struct {
	pending []router.AgentID
	rounds  map[router.AgentID]uint64
	failOn  router.AgentID
}

func (f *fakeSource) PendingDistributions(context.Context) ([]router.AgentID, error) {
	return f.pending, nil
}

func (f *fakeSource) AgentInfo(_ context.Context, id router.AgentID) (*router.AgentInfo, error) {
	if id == f.failOn {
		return nil, errors.New("store offline")
	}
	return &router.AgentInfo{Agent: router.Agent{ID: id, Round: f.rounds[id], State: router.StateDistributing}}, nil
}

func (f *fakeSource) DistributionInfo(_ context.Context, id router.AgentID, round uint64) (*router.Distribution, error) {
	if round != f.rounds[id] {
		return nil, nil
	}
	return &router.Distribution{AgentID: id, Round: round, Cursor: 4, Completed: true, FeesPaid: big.NewInt(1200)}, nil
}

func mustAgent(t *testing.T, i int) router.AgentID {
	t.Helper()
	id, err := router.ParseAgentID(testAgent(i))
	if err != nil {
		t.Fatalf("parse agent: %v", err)
	}
	return id
}

func TestSchedulerScanSubmitsPendingAgents(t *testing.T) {
	ctx := context.Background()
	a, b, c := mustAgent(t, 1), mustAgent(t, 2), mustAgent(t, 3)
	source := &fakeSource{
		pending: []router.AgentID{a, b, c},
		rounds:  map[router.AgentID]uint64{a: 2, b: 1, c: 5},
		failOn:  c,
	}
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	scheduler := NewScheduler(source, service, "")

	tasks, err := scheduler.Scan(ctx)
	if err == nil {
		t.Fatalf("scan should report the failing agent")
	}
	if len(tasks) != 2 {
		t.Fatalf("expected two tasks, got %d", len(tasks))
	}
	if tasks[0].AgentID != testAgent(1) || tasks[0].Round != 2 {
		t.Fatalf("unexpected task %+v", tasks[0])
	}

	source.failOn = router.AgentID{}
	again, err := scheduler.Scan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(again) != 3 || again[0].ID != tasks[0].ID || again[1].ID != tasks[1].ID {
		t.Fatalf("active tasks should be reused across scans")
	}
	stats, _ := service.Stats(ctx)
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := mustAgent(t, 4)
	source := &fakeSource{pending: []router.AgentID{a}, rounds: map[router.AgentID]uint64{a: 1}}
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), 3)
	scheduler := NewScheduler(source, service, "@every 1s")

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.After(4 * time.Second)
	for {
		stats, _ := service.Stats(context.Background())
		if stats.Total == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler never submitted a task")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	scheduler.Stop()

	if err := NewScheduler(source, service, "every other tuesday").Start(context.Background()); err == nil {
		t.Fatalf("invalid cron schedule should fail")
	}
}

func TestDistributionRecovery(t *testing.T) {
	ctx := context.Background()
	a := mustAgent(t, 5)
	source := &fakeSource{rounds: map[router.AgentID]uint64{a: 3}}
	recovery := NewDistributionRecovery(source)

	result, err := recovery.Recover(ctx, &Task{AgentID: testAgent(5), Round: 3}, router.ErrIncorrectAgentState)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result == nil || !result.Completed || result.Cursor != 4 || result.FeesPaid != "1200" {
		t.Fatalf("unexpected result %+v", result)
	}

	result, err = recovery.Recover(ctx, &Task{AgentID: testAgent(5), Round: 2}, router.ErrIncorrectAgentState)
	if err != nil || result != nil {
		t.Fatalf("missing distribution should not recover: %+v %v", result, err)
	}
}
