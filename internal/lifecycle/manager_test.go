package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManager_RunFailureCancelsSiblings(t *testing.T) {
	m := NewManager(time.Second)
	boom := errors.New("boom")
	siblingCancelled := make(chan struct{})

	m.AddRun("failing", func(ctx context.Context) error {
		return boom
	})
	m.AddRun("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingCancelled)
		return ctx.Err()
	})

	err := m.StartAndWait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-siblingCancelled:
	case <-time.After(time.Second):
		t.Fatal("sibling was not cancelled")
	}
}

func TestManager_ShutdownJobsRunInReverseOrder(t *testing.T) {
	m := NewManager(time.Second)
	var order []string
	m.AddShutdown("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.AddShutdown("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	if err := m.StartAndWait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestManager_ShutdownRespectsGraceDeadline(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	m.AddShutdown("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("should have been cut off by grace deadline")
		}
	})
	start := time.Now()
	if err := m.StartAndWait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown exceeded grace window: %s", elapsed)
	}
}
