package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func stop(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop: %v", err)
	}
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { return errors.New("kaput") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: kaput") {
		t.Fatalf("wait: got %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("oops") })
	stop(t, s)

	if s.Err() == nil || !strings.Contains(s.Err().Error(), "oops") {
		t.Fatalf("expected panic error, got %v", s.Err())
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	done := make(chan struct{})
	s := NewSupervisor(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not converge")
	}
	stop(t, s)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs: got %d, want 3", got)
	}
	if s.Err() != nil {
		t.Fatalf("restart errors must not be published by default: %v", s.Err())
	}
}

func TestGoAfterCancelPreventsRun(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var ran atomic.Bool
	cancel := s.GoAfter("later", 50*time.Millisecond, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()
	time.Sleep(80 * time.Millisecond)
	stop(t, s)
	if ran.Load() {
		t.Fatalf("cancelled task must not run")
	}
}

func TestGoAfterRunsOnce(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	fired := make(chan struct{}, 2)
	s.GoAfter("later", time.Millisecond, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("delayed task did not run")
	}
	stop(t, s)
	if len(fired) != 0 {
		t.Fatalf("task ran more than once")
	}
}
