// Package orchestrator sequences phase execution: resume decisions, the
// PhaseRunner invocation loop, archiving, subtitle branching, and batch
// aggregation — the top-level control loop wiring StateStore, PolicyLogger,
// the Advisor/override store, and PhaseRunner together.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jorge-barreto/pipeline/internal/advisor"
	"github.com/jorge-barreto/pipeline/internal/errs"
	"github.com/jorge-barreto/pipeline/internal/metrics"
	"github.com/jorge-barreto/pipeline/internal/overrides"
	"github.com/jorge-barreto/pipeline/internal/phaserunner"
	"github.com/jorge-barreto/pipeline/internal/policylog"
	"github.com/jorge-barreto/pipeline/internal/schema"
	"github.com/jorge-barreto/pipeline/internal/statestore"
	"github.com/jorge-barreto/pipeline/internal/tracing"
	"go.uber.org/zap"
)

// DefaultPhases is the phase sequence run when RunConfig.Phases is empty.
var DefaultPhases = []string{"phase1", "phase2", "phase3", "phase4", "phase5"}

// ProgressFunc observes phase transitions. pct is 0-100; msg is a short
// human-readable status line. Called once before a phase starts (pct = the
// percentage complete *before* this phase) and once after it succeeds. A
// phase skipped on resume gets a single "skipped" call; a failed phase gets
// no call after "starting".
type ProgressFunc func(phase string, pct float64, msg string)

// RunConfig configures a single-file pipeline run.
type RunConfig struct {
	InputPath       string
	FileID          string // derived from InputPath's stem when empty
	VoiceID         string
	Engine          string
	Phases          []string
	NoResume        bool
	MaxRetries      int
	EnableSubtitles bool
	ConcatOnly      bool
	Progress        ProgressFunc
}

// PhaseOutcome summarizes one phase's contribution to a RunResult.
type PhaseOutcome struct {
	Phase    string
	Skipped  bool
	Success  bool
	Engine   string // set for phase4
	Duration time.Duration
	Kind     errs.FailureKind
}

// RunResult is the Orchestrator's end-of-run summary.
type RunResult struct {
	Success      bool
	FileID       string
	AudiobookPath string
	Phases       []PhaseOutcome
	Error        string
}

// Orchestrator wires the pipeline's substrate components together.
type Orchestrator struct {
	Store     *statestore.Store
	Registry  phaserunner.Registry
	PolicyLog *policylog.Logger
	Overrides *overrides.Store
	Logger    *zap.Logger

	// Metrics, when non-nil, receives Prometheus counters/histogram updates
	// for every phase transition. Nil is a valid, fully functional no-op.
	Metrics *metrics.Recorder

	// Advisor, when non-nil, is snapshotted at the end of every run so its
	// adaptive_deltas/safety_flags can be folded into Overrides via
	// ApplySelfDriving. Nil disables self-driving feedback entirely.
	Advisor *advisor.Advisor

	// ArchiveRoot is where final audiobooks are archived after phase 5
	// (default "audiobooks").
	ArchiveRoot string
}

// New constructs an Orchestrator from its already-constructed components.
func New(store *statestore.Store, registry phaserunner.Registry, policyLog *policylog.Logger, overrideStore *overrides.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		Store:       store,
		Registry:    registry,
		PolicyLog:   policyLog,
		Overrides:   overrideStore,
		Logger:      logger,
		ArchiveRoot: "audiobooks",
	}
}

// fileIDFromPath derives a stable file identifier from an input path's stem.
func fileIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func noopProgress(string, float64, string) {}

// Run drives a single file through the requested phase sequence.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	fileID := cfg.FileID
	if fileID == "" {
		fileID = fileIDFromPath(cfg.InputPath)
	}
	progress := cfg.Progress
	if progress == nil {
		progress = noopProgress
	}

	phases := cfg.Phases
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	result := &RunResult{FileID: fileID}
	total := len(phases)

	for i, phaseKey := range phases {
		pctBefore := float64(i) / float64(total) * 100

		if ctx.Err() != nil {
			result.Success = false
			result.Error = "cancelled"
			return result, nil
		}

		doc, err := o.Store.Read(ctx, false)
		if err != nil {
			return nil, err
		}

		if !cfg.NoResume && o.shouldSkip(doc, phaseKey, fileID, cfg.InputPath) {
			progress(phaseKey, pctBefore, "skipped (already successful)")
			result.Phases = append(result.Phases, PhaseOutcome{Phase: phaseKey, Skipped: true, Success: true})
			continue
		}

		progress(phaseKey, pctBefore, "starting")

		cfgEntry, err := o.Registry.Lookup(phaseKey)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			o.recordPhaseError(ctx, phaseKey, fileID, err)
			return result, nil
		}

		runID := o.currentRunID()
		o.PolicyLog.RecordPhaseStart(policylog.Context{Phase: phaseKey, FileID: fileID})
		if o.Metrics != nil {
			o.Metrics.PhaseStarted(phaseKey)
		}

		pr, err := o.runPhase(ctx, phaseKey, cfgEntry, fileID, cfg, maxRetries)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			o.recordPhaseError(ctx, phaseKey, fileID, err)
			return result, nil
		}

		po := PhaseOutcome{Phase: phaseKey, Duration: pr.duration, Kind: pr.kind, Engine: pr.engine}

		if !pr.success {
			po.Success = false
			result.Phases = append(result.Phases, po)
			result.Success = false
			result.Error = fmt.Sprintf("phase %s failed: %s", phaseKey, pr.kind)
			o.PolicyLog.RecordFailure(policylog.Context{
				Phase: phaseKey, FileID: fileID, Status: "failed",
				DurationMS: float64(pr.duration.Milliseconds()),
				Errors:     []string{pr.stderrTail},
			})
			if o.Metrics != nil {
				o.Metrics.PhaseFailed(phaseKey, pr.engine, string(pr.kind), pr.duration.Seconds())
			}
			o.finishRun(runID, false)
			return result, nil
		}

		po.Success = true
		result.Phases = append(result.Phases, po)
		o.PolicyLog.RecordPhaseEnd(policylog.Context{
			Phase: phaseKey, FileID: fileID, Status: "success",
			DurationMS: float64(pr.duration.Milliseconds()),
		})
		if o.Metrics != nil {
			o.Metrics.PhaseSucceeded(phaseKey, pr.engine, pr.duration.Seconds())
		}

		if phaseKey == "phase5" {
			path, err := o.archive(fileID)
			if err == nil {
				result.AudiobookPath = path
			} else {
				o.Logger.Warn("orchestrator: archive failed", zap.String("file_id", fileID), zap.Error(err))
			}
		}

		progress(phaseKey, float64(i+1)/float64(total)*100, "complete")
	}

	if cfg.EnableSubtitles {
		if cfgEntry, err := o.Registry.Lookup("phase5_5"); err == nil {
			progress("phase5_5", 100, "starting")
			jsonPath := ""
			if o.Store != nil {
				jsonPath = o.statePath()
			}
			outcome, err := phaserunner.RunWithRetry(ctx, "phase5_5", cfgEntry, cfg.InputPath, fileID, jsonPath, nil, maxRetries)
			kind := errs.FailureUnknown
			if err == nil && len(outcome.Attempts) > 0 {
				kind = outcome.Final.Kind
			}
			success := err == nil && outcome.Final.Success
			if err == nil {
				o.recordRetries("phase5_5", fileID, outcome.Attempts)
			}
			result.Phases = append(result.Phases, PhaseOutcome{Phase: "phase5_5", Success: success, Kind: kind})
			progress("phase5_5", 100, "complete")
		}
	}

	result.Success = true
	o.finishRun(o.currentRunID(), true)
	return result, nil
}

// currentRunID returns the PolicyLogger's active run id, generating one if
// none has been started yet.
func (o *Orchestrator) currentRunID() string {
	if o.PolicyLog == nil {
		return ""
	}
	if id := o.PolicyLog.RunID(); id != "" {
		return id
	}
	id := policylog.GenerateRunID()
	o.PolicyLog.StartNewRun(id)
	return id
}

// finishRun records the run outcome in the override store and, when an
// Advisor is wired in, folds its latest adaptive_deltas/safety_flags into
// the overrides document before persisting.
func (o *Orchestrator) finishRun(runID string, success bool) {
	if o.Overrides == nil {
		return
	}
	o.Overrides.RecordRunOutcome(runID, success, overrides.RunOverrides{}, nil)
	if o.Advisor != nil {
		stats := o.Advisor.Snapshot()
		o.Overrides.ApplySelfDriving(&stats)
	}
	if err := o.Overrides.SaveIfDirty(); err != nil {
		o.Logger.Warn("orchestrator: saving tuning overrides failed", zap.Error(err))
	}
}

// phaseRunResult normalizes the differing return shapes of RunWithRetry,
// RunPhase4, and RunPhase5 into one struct the Run loop can treat uniformly.
type phaseRunResult struct {
	success    bool
	duration   time.Duration
	stderrTail string
	kind       errs.FailureKind
	engine     string // set only for phase4
}

// runPhase dispatches phaseKey to its specialized runner (multi-engine
// routing for phase4, concat-only fast path for phase5) or the plain
// retry wrapper for every other phase.
func (o *Orchestrator) runPhase(ctx context.Context, phaseKey string, cfgEntry phaserunner.PhaseConfig, fileID string, cfg RunConfig, maxRetries int) (phaseRunResult, error) {
	ctx, span := tracing.StartPhaseSpan(ctx, phaseKey, cfg.Engine, fileID, 0)
	defer span.End()

	jsonPath := ""
	if o.Store != nil {
		jsonPath = o.statePath()
	}

	var advisorStats *advisor.Stats
	if o.Advisor != nil {
		stats := o.Advisor.Snapshot()
		advisorStats = &stats
	}

	switch phaseKey {
	case "phase4":
		preferredEngine := cfg.Engine
		if preferredEngine == "" && o.Overrides != nil {
			if run := o.Overrides.BuildRunOverrides(advisorStats); run.Phase4 != nil && run.Phase4.Engine != nil {
				preferredEngine = run.Phase4.Engine.Preferred
			}
		}
		res, err := phaserunner.RunPhase4(ctx, cfgEntry, cfg.InputPath, fileID, jsonPath, preferredEngine, cfg.VoiceID, maxRetries, o.Overrides)
		if err != nil {
			return phaseRunResult{}, err
		}
		var last phaserunner.EngineAttempt
		if len(res.Attempts) > 0 {
			last = res.Attempts[len(res.Attempts)-1]
		}
		for _, attempt := range res.Attempts {
			o.recordRetries(phaseKey, fileID, attempt.Attempts)
		}
		return phaseRunResult{
			success:    res.Success,
			duration:   last.Final.Duration,
			stderrTail: last.Final.StderrTail,
			kind:       last.Final.Kind,
			engine:     res.Engine,
		}, nil

	case "phase5":
		processedDir := filepath.Join(filepath.Dir(cfgEntry.Dir), "processed")
		outcome, _, err := phaserunner.RunPhase5(ctx, cfgEntry, cfg.InputPath, fileID, jsonPath, processedDir, cfg.ConcatOnly, maxRetries)
		if err != nil {
			return phaseRunResult{}, err
		}
		o.recordRetries(phaseKey, fileID, outcome.Attempts)
		return phaseRunResult{
			success:    outcome.Final.Success,
			duration:   outcome.Final.Duration,
			stderrTail: outcome.Final.StderrTail,
			kind:       outcome.Final.Kind,
		}, nil

	default:
		outcome, err := phaserunner.RunWithRetry(ctx, phaseKey, cfgEntry, cfg.InputPath, fileID, jsonPath, nil, maxRetries)
		if err != nil {
			return phaseRunResult{}, err
		}
		o.recordRetries(phaseKey, fileID, outcome.Attempts)
		return phaseRunResult{
			success:    outcome.Final.Success,
			duration:   outcome.Final.Duration,
			stderrTail: outcome.Final.StderrTail,
			kind:       outcome.Final.Kind,
		}, nil
	}
}

// recordRetries emits one phase_retry policy-log event per attempt that was
// retried (every attempt but the last): this is what lets the Advisor count
// retries per phase, since phaserunner.RunWithRetry itself has no PolicyLogger
// dependency.
func (o *Orchestrator) recordRetries(phaseKey, fileID string, attempts []phaserunner.Attempt) {
	if o.PolicyLog == nil || len(attempts) < 2 {
		return
	}
	for _, a := range attempts[:len(attempts)-1] {
		o.PolicyLog.RecordRetry(policylog.Context{
			Phase: phaseKey, FileID: fileID, Status: "retry",
			DurationMS: float64(a.Duration.Milliseconds()),
			Errors:     []string{a.StderrTail},
		})
	}
}

func (o *Orchestrator) statePath() string {
	return o.Store.Path()
}

func (o *Orchestrator) recordPhaseError(ctx context.Context, phaseKey, fileID string, err error) {
	o.PolicyLog.RecordFailure(policylog.Context{Phase: phaseKey, FileID: fileID, Status: "error", Errors: []string{err.Error()}})
}

// shouldSkip reports whether phaseKey can be skipped for fileID: the file
// entry must already be a success, and, for content-addressable phases, the
// recorded source hash must still match the current input.
func (o *Orchestrator) shouldSkip(doc *schema.Document, phaseKey, fileID, inputPath string) bool {
	block := doc.PhaseBlock(phaseKey)
	if block == nil {
		return false
	}
	entry, ok := block.Files[fileID]
	if !ok || entry.Status != "success" {
		return false
	}
	if !phaserunner.IsReusable(phaseKey) {
		return true
	}
	reuse, err := phaserunner.ShouldReuse(phaseKey, fileID, inputPath, doc)
	if err != nil {
		return false
	}
	return reuse
}
