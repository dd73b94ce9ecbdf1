package errs

import (
	"context"
	"errors"
	"testing"
)

func TestStateReadError_Unwrap(t *testing.T) {
	inner := errors.New("disk gone")
	err := &StateReadError{Path: "pipeline.json", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped error")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestStateValidationError_MessagesJoined(t *testing.T) {
	err := &StateValidationError{Messages: []string{"missing run_id", "bad status"}}
	got := err.Error()
	if got != "errs: state validation failed: missing run_id; bad status" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestPhaseFailureError_Retryable(t *testing.T) {
	cases := []struct {
		kind FailureKind
		want bool
	}{
		{FailureSchema, false},
		{FailureIO, false},
		{FailureOOM, true},
		{FailureTimeout, true},
		{FailureTruncation, true},
		{FailureQuality, true},
		{FailureUnknown, true},
	}
	for _, c := range cases {
		err := &PhaseFailureError{Phase: "phase4", ExitCode: 1, Kind: c.kind}
		if got := err.Retryable(); got != c.want {
			t.Errorf("kind=%s: Retryable()=%v, want %v", c.kind, got, c.want)
		}
	}
}

func TestNewCancelled_WrapsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewCancelled("phase2", ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err.Err)
	}
}

func TestNewCancelled_DeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := NewCancelled("phase3", ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped context.DeadlineExceeded, got %v", err.Err)
	}
}
