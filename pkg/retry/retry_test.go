package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestDoSucceedsImmediatelyOnNilError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

// TestDoReturnsLastErrorOnExhaustion guards against a silent nil return
// once every attempt has failed: a caller like internal/node.Node's
// connectWithRetry depends on a non-nil error here to report a peer
// offline.
func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))

	if err == nil {
		t.Fatal("expected a non-nil error after exhausting every attempt")
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped errBoom, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnUnretryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	}, WithMaxAttempts(5), WithRetryIf(func(error) bool { return false }))

	if err == nil {
		t.Fatal("expected an error for an unretryable failure")
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped errBoom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call before giving up, got %d", calls)
	}
}

func TestDoAbortsWhenContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		return nil
	}, WithMaxAttempts(3))

	if err == nil {
		t.Fatal("expected an error for an already-cancelled context")
	}
	if calls != 0 {
		t.Fatalf("expected op never called, got %d calls", calls)
	}
}

func TestDoAbortsDuringRetryWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, func(context.Context) error {
			calls++
			return errBoom
		}, WithMaxAttempts(5), WithInitialDelay(time.Hour))
	}()

	// Let the first attempt run, then cancel while Do is sleeping
	// between attempts.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error when cancelled during the retry wait")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return promptly after cancellation")
	}
}
