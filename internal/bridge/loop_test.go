package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecSkipsTaskAfterDeadline(t *testing.T) {
	l := newLoop()
	defer l.close()

	release := make(chan struct{})
	l.post(func() { <-release })

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.exec(ctx, func() { ran.Store(true) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exec() error = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := l.exec(context.Background(), func() {}); err != nil {
		t.Fatalf("exec() barrier error = %v", err)
	}
	if ran.Load() {
		t.Error("task ran although exec reported it did not")
	}
}

func TestExecRunsInOrder(t *testing.T) {
	l := newLoop()
	defer l.close()

	var order []int
	for i := 0; i < 5; i++ {
		l.post(func() { order = append(order, i) })
	}
	if err := l.exec(context.Background(), func() { order = append(order, 5) }); err != nil {
		t.Fatal(err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 6 {
		t.Errorf("len(order) = %d, want 6", len(order))
	}
}

func TestExecAfterClose(t *testing.T) {
	l := newLoop()
	l.close()
	if err := l.exec(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("exec() error = %v, want ErrClosed", err)
	}
}
