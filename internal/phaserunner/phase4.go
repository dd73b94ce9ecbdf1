package phaserunner

import (
	"context"

	"github.com/jorge-barreto/pipeline/internal/overrides"
)

// ttsEngines is the fixed engine fallback chain: xtts is primary, kokoro is
// the fallback tried when xtts fails outright.
var ttsEngines = []string{"xtts", "kokoro"}

// EngineAttempt records one engine's outcome within a phase-4 invocation.
type EngineAttempt struct {
	Engine string
	Outcome
}

// Phase4Result is the outcome of routing phase 4 across its engine chain.
type Phase4Result struct {
	Engine   string
	Attempts []EngineAttempt
	Success  bool
}

// RunPhase4 runs phase 4 against a preferred engine, falling back to the
// next engine in the chain when the preferred one fails outright (not
// merely a retryable hiccup — RunWithRetry already exhausted retries for
// that engine before RunPhase4 moves on). preferredEngine, when non-empty,
// reorders the chain so that engine is tried first; an empty value uses the
// default xtts-then-kokoro order. A tuning-override preference is honored
// by the caller building preferredEngine from the Advisor/overrides store
// before calling RunPhase4.
func RunPhase4(ctx context.Context, cfg PhaseConfig, inputPath, fileID, jsonPath, preferredEngine, voiceID string, maxRetries int, store *overrides.Store) (Phase4Result, error) {
	chain := engineChain(preferredEngine)

	var attempts []EngineAttempt
	for i, engine := range chain {
		extra := map[string]string{"ENGINE": engine}
		cfgForEngine := cfg
		cfgForEngine.Args = append(append([]string{}, cfg.Args...), "--engine="+engine)
		if voiceID != "" {
			cfgForEngine.Args = append(cfgForEngine.Args, "--voice="+voiceID)
			extra["VOICE"] = voiceID
		}
		if i < len(chain)-1 {
			cfgForEngine.Args = append(cfgForEngine.Args, "--disable_fallback")
		}

		outcome, err := RunWithRetry(ctx, "phase4", cfgForEngine, inputPath, fileID, jsonPath, extra, maxRetries)
		if err != nil {
			return Phase4Result{Attempts: attempts}, err
		}
		attempts = append(attempts, EngineAttempt{Engine: engine, Outcome: outcome})

		if outcome.Final.Success {
			return Phase4Result{Engine: engine, Attempts: attempts, Success: true}, nil
		}
	}
	return Phase4Result{Attempts: attempts, Success: false}, nil
}

// engineChain builds the ordered list of engines to try: preferred first
// (any non-empty name, not checked against ttsEngines), then the remaining
// default-chain engines.
func engineChain(preferred string) []string {
	if preferred == "" {
		return append([]string{}, ttsEngines...)
	}
	chain := []string{preferred}
	for _, e := range ttsEngines {
		if e != preferred {
			chain = append(chain, e)
		}
	}
	return chain
}
