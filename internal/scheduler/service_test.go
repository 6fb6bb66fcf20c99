package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "gatebot/pkg/logx"
)

func startTest(t *testing.T) *Service {
	t.Helper()
	s := New(Config{DefaultTimeout: time.Second}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestAddOnceFiresOnce(t *testing.T) {
	s := startTest(t)
	fired := make(chan struct{}, 2)
	if err := s.AddOnce("approve:1", time.Now().Add(20*time.Millisecond), 0, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("AddOnce error: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-fired:
		t.Fatal("timer fired twice")
	case <-time.After(100 * time.Millisecond):
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending after fire = %d, want 0", s.Pending())
	}
}

func TestAddOnceReplacesSameName(t *testing.T) {
	s := startTest(t)
	var first, second atomic.Int32
	at := time.Now().Add(30 * time.Millisecond)
	_ = s.AddOnce("x", at, 0, func(context.Context) error { first.Add(1); return nil })
	_ = s.AddOnce("x", at, 0, func(context.Context) error { second.Add(1); return nil })

	time.Sleep(200 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d, want 0/1", first.Load(), second.Load())
	}
}

func TestTimersRunIndependently(t *testing.T) {
	s := startTest(t)
	release := make(chan struct{})
	fast := make(chan struct{})
	now := time.Now()
	_ = s.AddOnce("slow", now, 0, func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	_ = s.AddOnce("fast", now.Add(10*time.Millisecond), 0, func(context.Context) error {
		close(fast)
		return nil
	})
	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked job delayed another timer")
	}
	close(release)
}

func TestRemoveCancelsTimer(t *testing.T) {
	s := startTest(t)
	var ran atomic.Bool
	_ = s.AddOnce("gone", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error { ran.Store(true); return nil })
	if !s.Remove("gone") {
		t.Fatal("Remove returned false")
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Fatal("removed timer ran")
	}
}

func TestAddOnceBeforeStart(t *testing.T) {
	s := New(Config{}, logx.Nop())
	err := s.AddOnce("x", time.Now(), 0, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestAddCronValidatesSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddCron("digest", "not a spec", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if err := s.AddCron("digest", "0 9 * * *", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron error: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if next, ok := s.NextRun("digest"); !ok || next.IsZero() {
		t.Fatalf("NextRun = %v, %v", next, ok)
	}
}
