package phaserunner

import (
	"context"
	"time"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// retryBackoff is the constant delay between retry attempts.
const retryBackoff = 2 * time.Second

// Attempt records one try of RunWithRetry, including its failure category
// once the stderr tail has been classified.
type Attempt struct {
	Result
	Kind errs.FailureKind
}

// Outcome is the final result of RunWithRetry: the last attempt plus the
// full attempt history (for PolicyLogger's retry events).
type Outcome struct {
	Final    Attempt
	Attempts []Attempt
}

// RunWithRetry runs a phase, retrying on retryable failures up to maxRetries
// additional attempts with a constant backoff between them. It stops early
// when an attempt succeeds or is categorized as non-retryable (schema, io).
// A timed-out attempt is categorized as timeout and retried like any other
// retryable failure.
func RunWithRetry(ctx context.Context, phaseKey string, cfg PhaseConfig, inputPath, fileID, jsonPath string, extra map[string]string, maxRetries int) (Outcome, error) {
	var attempts []Attempt

	for try := 0; ; try++ {
		result, err := Run(ctx, phaseKey, cfg, inputPath, fileID, jsonPath, extra)
		if err != nil {
			return Outcome{Attempts: attempts}, err
		}

		kind := errs.FailureUnknown
		if !result.Success {
			if result.TimedOut {
				kind = errs.FailureTimeout
			} else {
				kind = CategorizeFailure(result.StderrTail)
			}
		}
		attempt := Attempt{Result: result, Kind: kind}
		attempts = append(attempts, attempt)

		if result.Success {
			return Outcome{Final: attempt, Attempts: attempts}, nil
		}

		failure := &errs.PhaseFailureError{Phase: phaseKey, ExitCode: result.ExitCode, Kind: kind, Tail: result.StderrTail}
		if try >= maxRetries || !failure.Retryable() {
			return Outcome{Final: attempt, Attempts: attempts}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{Final: attempt, Attempts: attempts}, errs.NewCancelled(phaseKey, ctx)
		case <-time.After(retryBackoff):
		}
	}
}
