package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
		{-1, time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	var waits []time.Duration
	policy := Policy{
		MaxRetries: 3,
		Base:       10 * time.Millisecond,
		Max:        time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return &apperrors.RemoteAPIError{Code: 503, Message: "unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
		t.Errorf("waits = %v, want [10ms 20ms]", waits)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 5, Sleep: noSleep}, func(context.Context) error {
		calls++
		return &apperrors.AuthError{Message: "expired"}
	})
	if !apperrors.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 2, Sleep: noSleep}, func(context.Context) error {
		calls++
		return &apperrors.TransportError{Op: "list", Err: errors.New("connection refused")}
	})
	if !errors.Is(err, apperrors.ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !apperrors.IsTransport(err) {
		t.Error("expected the last error to stay in the chain")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxRetries: 3, Base: time.Hour}, func(context.Context) error {
		return &apperrors.RemoteAPIError{Code: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
