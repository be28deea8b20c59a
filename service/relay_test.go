package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"PrismVideo-server/logger"
	"PrismVideo-server/workflow"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	r, err := NewRelay(context.Background(), rdb, "prism:sessions", logger.Nop())
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRelayHookReachesForward(t *testing.T) {
	r := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan workflow.Change, 8)
	if err := r.Forward(ctx, func(c workflow.Change) { got <- c }); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	hook := r.Hook()
	fields := []workflow.Field{workflow.FieldAppState, workflow.FieldScript, workflow.FieldShotPlan}
	for _, f := range fields {
		hook(workflow.Change{SessionID: "s-1", Field: f, State: workflow.State{SessionID: "s-1"}})
	}

	for i, want := range fields {
		select {
		case c := <-got:
			if c.SessionID != "s-1" || c.Field != want {
				t.Fatalf("change %d = %s/%s, want s-1/%s", i, c.SessionID, c.Field, want)
			}
			if c.State.SessionID != "s-1" {
				t.Fatalf("change %d lost its state: %+v", i, c.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("change %d not forwarded", i)
		}
	}
}

func TestRelayHookAfterStopReturns(t *testing.T) {
	r := newTestRelay(t)
	r.Stop()
	r.Stop()

	done := make(chan struct{})
	go func() {
		hook := r.Hook()
		for range relayBuffer * 2 {
			hook(workflow.Change{SessionID: "s-1", Field: workflow.FieldScript})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook blocked after Stop")
	}
}

func TestRelayHookDropsWhenQueueFull(t *testing.T) {
	// no drain goroutine, so the queue only fills
	r := &Relay{
		log:   logger.Nop(),
		queue: make(chan workflow.Change, 1),
		done:  make(chan struct{}),
	}
	hook := r.Hook()
	hook(workflow.Change{SessionID: "s-1", Field: workflow.FieldAppState})
	hook(workflow.Change{SessionID: "s-1", Field: workflow.FieldScript})

	if len(r.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(r.queue))
	}
	if c := <-r.queue; c.Field != workflow.FieldAppState {
		t.Fatalf("kept %s, want the first change", c.Field)
	}
}

func TestNewRelayRequiresClient(t *testing.T) {
	if _, err := NewRelay(context.Background(), nil, "c", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
