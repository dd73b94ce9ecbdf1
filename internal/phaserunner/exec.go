package phaserunner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// stderrTailBytes bounds how much of a failed phase's stderr is kept in
// memory and handed to CategorizeFailure / PolicyLogger.
const stderrTailBytes = 8192

// phaseTimeout returns the default wall-clock budget for a phase class,
// overridden by PhaseConfig.TimeoutSeconds when set.
func phaseTimeout(phaseKey string, cfg PhaseConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	switch phaseKey {
	case "phase1", "phase2", "phase3":
		return 18000 * time.Second
	case "phase4":
		return 1200 * time.Second
	case "phase5":
		return 1800 * time.Second
	case "phase5_5":
		return 3600 * time.Second
	default:
		return 1800 * time.Second
	}
}

// Result is the outcome of one phase subprocess invocation.
type Result struct {
	Success    bool
	ExitCode   int
	Duration   time.Duration
	StderrTail string
	TimedOut   bool
}

// Run invokes the phase executable named by cfg with a clean environment,
// enforcing the phase class's timeout. Every invocation receives the three
// mandatory flags --file=<inputPath> --file_id=<fileID> --json_path=<jsonPath>,
// followed by cfg.Args with {{VAR}} placeholders expanded against those same
// three values plus extra. It never returns an error for a non-zero exit or
// a timeout — those are reported in Result for the retry wrapper and failure
// categorizer to interpret. It returns an error only for failures to even
// start the subprocess, or context cancellation. Cancelling ctx does not stop
// a running subprocess: Run waits for it to exit, then reports the
// cancellation.
func Run(ctx context.Context, phaseKey string, cfg PhaseConfig, inputPath, fileID, jsonPath string, extra map[string]string) (Result, error) {
	timeout := phaseTimeout(phaseKey, cfg)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	dir, command := ResolveCommand(cfg)

	vars := map[string]string{"FILE": inputPath, "FILE_ID": fileID, "JSON_PATH": jsonPath}
	for k, v := range extra {
		vars[k] = v
	}
	args := append([]string{
		"--file=" + inputPath,
		"--file_id=" + fileID,
		"--json_path=" + jsonPath,
	}, expandArgs(cfg.Args, vars)...)

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = dir
	cmd.Env = BuildEnv(phaseKey, fileID, jsonPath, extra)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	tail := tailBytes(stderr.Bytes(), stderrTailBytes)

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Success: false, ExitCode: -1, Duration: duration, StderrTail: tail, TimedOut: true}, nil
	}
	if ctx.Err() != nil {
		return Result{}, errs.NewCancelled(phaseKey, ctx)
	}

	if err == nil {
		return Result{Success: true, ExitCode: 0, Duration: duration, StderrTail: tail}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Success: false, ExitCode: exitErr.ExitCode(), Duration: duration, StderrTail: tail}, nil
	}
	return Result{}, err
}

func tailBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
