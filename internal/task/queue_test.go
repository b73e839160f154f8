package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	xerrors "FundRouter/internal/errors"
)

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	_ = q.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	err := q.Consume(ctx, 2, func(_ context.Context, id string) error {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		if id == "b" {
			return errors.New("handler failure is logged only")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	sort.Strings(seen)
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Fatalf("unexpected deliveries %v", seen)
	}

	if err := q.Publish(ctx, "d"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail with queue failure, got %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	if err := q.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunWorkersStopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	var calls sync.WaitGroup
	calls.Add(3)
	err := runWorkers(context.Background(), 3, func(ctx context.Context) error {
		calls.Done()
		calls.Wait()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return boom
		}
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = runWorkers(ctx, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected parent cancellation, got %v", err)
	}
}
