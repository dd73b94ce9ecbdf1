package phaserunner

import (
	"context"
	"os"
	"strconv"
	"strings"
)

// concatOnlyThreshold is the minimum number of already-enhanced chunk WAVs
// on disk that makes a concat-only run worth attempting instead of
// reprocessing every chunk from scratch.
const concatOnlyThreshold = 100

// CountEnhancedWAVs counts files matching enhanced_*.wav under
// processedDir, the same glob the original concat-only heuristic uses to
// decide whether phase 5 can skip straight to concatenation.
func CountEnhancedWAVs(processedDir string) int {
	entries, err := os.ReadDir(processedDir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "enhanced_") && strings.HasSuffix(name, ".wav") {
			count++
		}
	}
	return count
}

// ShouldAttemptConcatOnly reports whether phase 5 should try the
// concat-only fast path: either concatOnlyHint is set (the --concat-only run
// flag) and at least one enhanced WAV exists, or at least concatOnlyThreshold enhanced WAVs
// already exist unconditionally.
func ShouldAttemptConcatOnly(processedDir string, concatOnlyHint bool) (bool, int) {
	n := CountEnhancedWAVs(processedDir)
	if n == 0 {
		return false, 0
	}
	if concatOnlyHint {
		return true, n
	}
	return n >= concatOnlyThreshold, n
}

// RunPhase5 runs phase 5, attempting the concat-only fast path first when
// ShouldAttemptConcatOnly says it applies. A concat-only failure falls back
// to the full phase-5 invocation rather than surfacing as a phase failure.
func RunPhase5(ctx context.Context, cfg PhaseConfig, inputPath, fileID, jsonPath string, processedDir string, concatOnlyHint bool, maxRetries int) (Outcome, bool, error) {
	if attempt, n := ShouldAttemptConcatOnly(processedDir, concatOnlyHint); attempt {
		concatCfg := cfg
		concatCfg.Args = append(append([]string{}, cfg.Args...), "--concat-only")
		outcome, err := RunWithRetry(ctx, "phase5", concatCfg, inputPath, fileID, jsonPath, map[string]string{"ENHANCED_WAV_COUNT": strconv.Itoa(n)}, 0)
		if err == nil && outcome.Final.Success {
			return outcome, true, nil
		}
	}

	outcome, err := RunWithRetry(ctx, "phase5", cfg, inputPath, fileID, jsonPath, nil, maxRetries)
	return outcome, false, err
}
