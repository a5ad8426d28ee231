package work

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := NewQueue(8)
	defer q.Close()

	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		err := q.Enqueue(Job{Name: "ordered", Run: func(ctx context.Context) error {
			order = append(order, i)
			if i == 3 {
				close(done)
			}
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not run")
	}
	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestQueueSurvivesPanics(t *testing.T) {
	q := NewQueue(8)
	defer q.Close()

	var ran atomic.Bool
	_ = q.Enqueue(Job{Name: "boom", Run: func(ctx context.Context) error {
		panic("boom")
	}})
	done := make(chan struct{})
	_ = q.Enqueue(Job{Name: "after", Run: func(ctx context.Context) error {
		ran.Store(true)
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer died after panic")
	}
	if !ran.Load() {
		t.Fatal("job after panic did not run")
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	block := make(chan struct{})
	_ = q.Enqueue(Job{Name: "blocker", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})
	// Consumer may have taken the first job already; fill until full.
	var err error
	for i := 0; i < 3; i++ {
		err = q.Enqueue(Job{Name: "filler", Run: func(ctx context.Context) error { return nil }})
		if err != nil {
			break
		}
	}
	close(block)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(8)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(Job{Name: "drain", Run: func(ctx context.Context) error {
			n.Add(1)
			return nil
		}})
	}
	q.Close()
	if n.Load() != 5 {
		t.Fatalf("expected all 5 jobs to run before Close returned, got %d", n.Load())
	}
}
