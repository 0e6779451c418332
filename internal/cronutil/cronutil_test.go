package cronutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerFiresImmediatelyThenOnInterval(t *testing.T) {
	var count atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	tk := NewTicker(30*time.Millisecond, 0, nil, func(ctx context.Context) {
		count.Add(1)
	})
	tk.Run(ctx)

	if count.Load() < 2 {
		t.Fatalf("expected at least 2 fires, got %d", count.Load())
	}
}

func TestCancellableDelayFiresUnlessCanceled(t *testing.T) {
	var fired atomic.Bool
	var c CancellableDelay
	c.Start(context.Background(), 20*time.Millisecond, func() { fired.Store(true) })
	time.Sleep(60 * time.Millisecond)
	if !fired.Load() {
		t.Fatalf("expected delay to fire")
	}
}

func TestCancellableDelayCanceledNeverFires(t *testing.T) {
	var fired atomic.Bool
	var c CancellableDelay
	c.Start(context.Background(), 20*time.Millisecond, func() { fired.Store(true) })
	c.Cancel()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("expected canceled delay to never fire")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond)
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("expected first delay 10ms, got %v", d)
	}
	if d := b.Next(); d != 20*time.Millisecond {
		t.Fatalf("expected second delay 20ms, got %v", d)
	}
	if d := b.Next(); d != 40*time.Millisecond {
		t.Fatalf("expected third delay 40ms, got %v", d)
	}
	if d := b.Next(); d != 40*time.Millisecond {
		t.Fatalf("expected delay capped at 40ms, got %v", d)
	}
	b.Reset()
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("expected reset delay 10ms, got %v", d)
	}
}
