package exam

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweepService struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweepService) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

func TestSweeperRunsUntilCanceled(t *testing.T) {
	fake := &fakeSweepService{err: errors.New("db down")}
	w := NewSweeper(fake, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for fake.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected sweeper to keep ticking after errors, got %d calls", fake.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestNewSweeperDefaultsInterval(t *testing.T) {
	w := NewSweeper(&fakeSweepService{}, 0)
	if w.interval != time.Minute {
		t.Fatalf("expected 1m default interval, got %v", w.interval)
	}
}
