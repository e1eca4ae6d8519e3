package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimitPassesThrough(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	inner := Func(func(ctx context.Context, userID, reminderID, title, body string) error {
		calls.Add(1)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("inner call has no deadline")
		}
		return nil
	})

	l := Limit(inner, 0, 0) // limiter disabled, default timeout
	if err := l.Deliver(context.Background(), "u1", "rem-1", "t", "b"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestLimitThrottles(t *testing.T) {
	t.Parallel()
	inner := Func(func(context.Context, string, string, string, string) error { return nil })
	l := Limit(inner, 1, time.Second)

	ctx := context.Background()
	// Burst of one goes through immediately; the next call needs a token.
	if err := l.Deliver(ctx, "u1", "rem-1", "t", "b"); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	start := time.Now()
	if err := l.Deliver(ctx, "u1", "rem-2", "t", "b"); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("second deliver took %v, want ~1s throttle", elapsed)
	}
}

func TestLimitHonorsContextCancel(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	inner := Func(func(context.Context, string, string, string, string) error {
		calls.Add(1)
		return nil
	})
	l := Limit(inner, 1, time.Second)

	// Drain the burst token, then cancel while waiting for the next one.
	if err := l.Deliver(context.Background(), "u1", "rem-1", "t", "b"); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Deliver(ctx, "u1", "rem-2", "t", "b"); err == nil {
		t.Fatal("expected error from cancelled wait")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (cancelled wait must not deliver)", calls.Load())
	}
}
