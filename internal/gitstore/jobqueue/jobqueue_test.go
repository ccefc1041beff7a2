package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJobs(t *testing.T) {
	q := New(context.Background())
	defer q.Close()

	done := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		if err := q.Submit(func(ctx context.Context) { done <- i }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-done:
			if got != want {
				t.Errorf("jobs ran out of order: got %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job")
		}
	}
}

func TestKeyedJobsCoalesce(t *testing.T) {
	q := New(context.Background())
	defer q.Close()

	// Block the worker so both keyed jobs are queued before either runs.
	gate := make(chan struct{})
	if err := q.Submit(func(ctx context.Context) { <-gate }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var ran []string
	var mu sync.Mutex
	record := func(name string) func(context.Context) {
		return func(ctx context.Context) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
		}
	}

	dropped := make(chan struct{}, 1)
	if err := q.SubmitKeyedNotify("write:a.txt", record("first"), func() { dropped <- struct{}{} }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.SubmitKeyed("write:a.txt", record("second")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	close(gate)
	q.Close()

	select {
	case <-dropped:
	default:
		t.Error("first submission should have been coalesced away")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != "second" {
		t.Errorf("expected only the second submission to run, got %v", ran)
	}
}

func TestDifferentKeysDoNotCoalesce(t *testing.T) {
	q := New(context.Background())

	gate := make(chan struct{})
	_ = q.Submit(func(ctx context.Context) { <-gate })

	var count atomic.Int32
	_ = q.SubmitKeyed("write:a.txt", func(ctx context.Context) { count.Add(1) })
	_ = q.SubmitKeyed("write:b.txt", func(ctx context.Context) { count.Add(1) })
	close(gate)
	q.Close()

	if got := count.Load(); got != 2 {
		t.Errorf("expected both keyed jobs to run, got %d", got)
	}
}

func TestJobFailureDoesNotPoisonQueue(t *testing.T) {
	q := New(context.Background())
	defer q.Close()

	results := make(chan error, 2)
	_ = q.Submit(func(ctx context.Context) { results <- errors.New("plumbing failed") })
	_ = q.Submit(func(ctx context.Context) { results <- nil })

	first := <-results
	second := <-results
	if first == nil {
		t.Error("expected the first job to fail")
	}
	if second != nil {
		t.Errorf("second job should have run cleanly, got %v", second)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	q := New(context.Background())
	q.Close()

	err := q.Submit(func(ctx context.Context) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStatusTracking(t *testing.T) {
	q := New(context.Background())

	var changes atomic.Int32
	q.SetStatusNotify(func() { changes.Add(1) })

	started := make(chan struct{})
	gate := make(chan struct{})
	if err := q.SubmitStatus("pushing", func(ctx context.Context) {
		close(started)
		<-gate
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-started
	if status, ok := q.Status(); !ok || status != "pushing" {
		t.Errorf("expected running status pushing, got %q %v", status, ok)
	}

	close(gate)
	q.Close()
	if _, ok := q.Status(); ok {
		t.Error("status should clear when the job finishes")
	}
	if got := changes.Load(); got != 2 {
		t.Errorf("expected 2 status changes, got %d", got)
	}
}

func TestStatusIdleByDefault(t *testing.T) {
	q := New(context.Background())
	defer q.Close()
	if _, ok := q.Status(); ok {
		t.Error("idle queue should report no status")
	}
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	q := New(context.Background())

	gate := make(chan struct{})
	_ = q.Submit(func(ctx context.Context) { <-gate })

	var ran atomic.Bool
	_ = q.Submit(func(ctx context.Context) { ran.Store(true) })
	close(gate)
	q.Close()

	if !ran.Load() {
		t.Error("queued job should run before Close returns")
	}
}
