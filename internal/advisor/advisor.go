package advisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jorge-barreto/pipeline/internal/policylog"
)

// AdviseContext is the minimal context Advise needs to scope its
// suggestions to the phase/file currently running.
type AdviseContext struct {
	Phase  string
	FileID string
}

// Suggestion is one non-binding hint or alert the advisor emits.
type Suggestion struct {
	Type       string
	Phase      string
	Confidence float64
	Message    string
	Payload    map[string]any
}

// ChunkSizeRecommendation suggests growing or shrinking phase3 chunk size.
type ChunkSizeRecommendation struct {
	Action     string
	Reason     string
	Confidence float64
}

// EngineRecommendation suggests a preferred phase4 TTS engine.
type EngineRecommendation struct {
	Engine     string
	Confidence float64
	Reason     string
}

// RetryPolicyRecommendation suggests a retry count for a phase.
type RetryPolicyRecommendation struct {
	Phase           string
	SuggestedRetries int
	Reason          string
}

// VoiceVariantRecommendation suggests switching voice/variant for a file.
type VoiceVariantRecommendation struct {
	Action string
	Reason string
}

// Advice bundles everything Advise can return for one phase/file context.
type Advice struct {
	ChunkSize    *ChunkSizeRecommendation
	Engine       *EngineRecommendation
	VoiceVariant *VoiceVariantRecommendation
	RetryPolicy  *RetryPolicyRecommendation
	Suggestions  []Suggestion
	Telemetry    map[string]any
}

// logSnapshot is the cache-invalidation token: (newest mtime, file count)
// over the *.log directory. Recomputing stats from scratch on every call
// would mean re-parsing potentially large log files per phase event; this
// token lets Advise/snapshot skip that work until new log data lands.
type logSnapshot struct {
	newestMtimeUnixNano int64
	fileCount           int
}

// Advisor recomputes Stats from the policy log only when the log directory
// has changed since the last call, then serves suggestions from the cached
// snapshot.
type Advisor struct {
	logRoot string

	mu         sync.Mutex
	cacheToken *logSnapshot
	stats      Stats
}

// NewAdvisor constructs an Advisor reading from logRoot (typically
// .pipeline/policy_logs).
func NewAdvisor(logRoot string) *Advisor {
	return &Advisor{logRoot: logRoot}
}

// Advise returns phase/file-scoped suggestions plus any active alerts and a
// telemetry snapshot, recomputing stats first if the log set changed.
func (a *Advisor) Advise(ctx AdviseContext) Advice {
	stats := a.refresh()
	advice := Advice{}

	addSuggestion := func(kind, phase string, confidence float64, message string, payload map[string]any) {
		advice.Suggestions = append(advice.Suggestions, Suggestion{Type: kind, Phase: phase, Confidence: confidence, Message: message, Payload: payload})
	}

	if ctx.Phase == "phase3" && ctx.FileID != "" {
		if rec := RecommendChunkSize(ctx.FileID, stats); rec != nil {
			advice.ChunkSize = rec
			addSuggestion("chunk_size", ctx.Phase, rec.Confidence, rec.Reason, map[string]any{"action": rec.Action})
		}
	}
	if ctx.Phase == "phase4" && ctx.FileID != "" {
		if rec := RecommendEngine(ctx.FileID, stats); rec != nil {
			advice.Engine = rec
			addSuggestion("engine", ctx.Phase, rec.Confidence, rec.Reason, map[string]any{"engine": rec.Engine})
		}
		if rec := RecommendVoiceVariant(ctx.FileID, stats); rec != nil {
			advice.VoiceVariant = rec
			addSuggestion("voice_variant", ctx.Phase, 0.55, rec.Reason, map[string]any{"action": rec.Action})
		}
	}
	if ctx.Phase == "phase4" || ctx.Phase == "phase5" || ctx.Phase == "phase5.5" {
		if rec := RecommendRetryPolicy(ctx.Phase, stats); rec != nil {
			advice.RetryPolicy = rec
			addSuggestion("retry_policy", ctx.Phase, 0.5, rec.Reason, map[string]any{"suggested_retries": rec.SuggestedRetries})
		}
	}

	advice.Suggestions = append(advice.Suggestions, buildSoftAlerts(stats, ctx)...)
	advice.Telemetry = buildTelemetrySnapshot(stats)
	return advice
}

// Snapshot returns the cached statistics without producing advice — used by
// the tuning-override store to seed safety-clamped self-driving deltas.
func (a *Advisor) Snapshot() Stats {
	return a.refresh()
}

func (a *Advisor) refresh() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, ok := a.logSnapshot()
	if !ok {
		a.stats = Stats{}
		a.cacheToken = nil
		return a.stats
	}
	if a.cacheToken != nil && *a.cacheToken == snap && !isZeroStats(a.stats) {
		return a.stats
	}

	var events []policylog.Event
	_ = policylog.IterEvents(a.logRoot, func(e policylog.Event) { events = append(events, e) })
	a.stats = ComputeStats(events)
	a.cacheToken = &snap
	return a.stats
}

func (a *Advisor) logSnapshot() (logSnapshot, bool) {
	entries, err := os.ReadDir(a.logRoot)
	if err != nil {
		return logSnapshot{}, false
	}
	var snap logSnapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if nano := info.ModTime().UnixNano(); nano > snap.newestMtimeUnixNano {
			snap.newestMtimeUnixNano = nano
		}
		snap.fileCount++
	}
	if snap.fileCount == 0 {
		return logSnapshot{}, false
	}
	return snap, true
}

func isZeroStats(s Stats) bool {
	return s.PhaseDuration == nil && s.PhaseFailures == nil && s.PhaseSuccess == nil
}

// RecommendChunkSize suggests growing or shrinking phase3 chunk size based
// on its average duration across the log window.
func RecommendChunkSize(fileID string, stats Stats) *ChunkSizeRecommendation {
	avg, ok := stats.PhaseDuration["phase3"]
	if !ok || avg == 0 {
		return nil
	}
	switch {
	case avg > 600_000:
		return &ChunkSizeRecommendation{
			Action:     "reduce_chunk_size",
			Reason:     fmt.Sprintf("Avg Phase 3 duration %.1fs indicates large chunks for %s.", avg/1000, fileID),
			Confidence: 0.7,
		}
	case avg < 180_000:
		return &ChunkSizeRecommendation{
			Action:     "increase_chunk_size",
			Reason:     fmt.Sprintf("Phase 3 completes in %.1fs; consider larger chunks to improve throughput.", avg/1000),
			Confidence: 0.6,
		}
	}
	return nil
}

// RecommendEngine suggests the most reliable phase4 engine seen recently.
func RecommendEngine(fileID string, stats Stats) *EngineRecommendation {
	if len(stats.EngineReliability) == 0 {
		return nil
	}
	bestEngine, bestScore := "", -1.0
	for engine, score := range stats.EngineReliability {
		if score > bestScore {
			bestEngine, bestScore = engine, score
		}
	}
	if bestScore < 0.55 {
		return nil
	}
	return &EngineRecommendation{
		Engine:     bestEngine,
		Confidence: bestScore,
		Reason:     fmt.Sprintf("Engine %s shows %.1f%% success over recent runs.", bestEngine, bestScore*100),
	}
}

// RecommendRetryPolicy suggests raising or lowering retry counts for a
// phase based on its observed failure rate.
func RecommendRetryPolicy(phase string, stats Stats) *RetryPolicyRecommendation {
	failures := stats.PhaseFailures[phase]
	success := stats.PhaseSuccess[phase]
	total := failures + success
	if total == 0 {
		return nil
	}
	failRate := float64(failures) / float64(total)
	switch {
	case failRate > 0.35:
		return &RetryPolicyRecommendation{Phase: phase, SuggestedRetries: 4, Reason: fmt.Sprintf("%s failure rate %.1f%% suggests increasing retries.", phase, failRate*100)}
	case failRate < 0.05:
		return &RetryPolicyRecommendation{Phase: phase, SuggestedRetries: 1, Reason: fmt.Sprintf("%s failure rate %.1f%% is low; consider fewer retries.", phase, failRate*100)}
	}
	return nil
}

// RecommendVoiceVariant suggests switching voice/variant after repeated
// phase4 failures for the same file.
func RecommendVoiceVariant(fileID string, stats Stats) *VoiceVariantRecommendation {
	failures := stats.FileFailures[[2]string{"phase4", fileID}]
	if failures < 2 {
		return nil
	}
	return &VoiceVariantRecommendation{
		Action: "switch_voice_variant",
		Reason: fmt.Sprintf("%d Phase 4 failures detected for %s; consider alternate voice/variant.", failures, fileID),
	}
}

func buildSoftAlerts(stats Stats, ctx AdviseContext) []Suggestion {
	var alerts []Suggestion
	push := func(kind string, confidence float64, message string, extras map[string]any) {
		alerts = append(alerts, Suggestion{Type: kind, Phase: ctx.Phase, Confidence: confidence, Message: message, Payload: extras})
	}

	if stats.RTFStats.RecentAvg != nil && *stats.RTFStats.RecentAvg > 4.0 {
		push("rt_factor_alert", 0.4, fmt.Sprintf("Recent average RT factor %.2fx exceeds 4.0x target.", *stats.RTFStats.RecentAvg), map[string]any{"rt_factor": *stats.RTFStats.RecentAvg})
	}
	if stats.EngineFallbackRates.Overall.RecentRate != nil && *stats.EngineFallbackRates.Overall.RecentRate > 0.25 {
		rate := *stats.EngineFallbackRates.Overall.RecentRate
		push("fallback_alert", 0.35, fmt.Sprintf("Latency fallback engaged on %.1f%% of recent chunks.", rate*100), map[string]any{"fallback_rate": rate})
	}
	if stats.HallucinationStats.RecentTotal > 0 {
		push("hallucination_watch", 0.3, fmt.Sprintf("%d hallucination warnings detected in the last %d events.", stats.HallucinationStats.RecentTotal, HallucinationWindow), map[string]any{
			"recent_total": stats.HallucinationStats.RecentTotal,
			"events":       stats.HallucinationStats.RecentEvents,
		})
	}
	if ctx.Phase != "" {
		if rolling, ok := stats.PhaseDurationRecent[ctx.Phase]; ok && rolling.AvgMS > 600_000 {
			push("phase_duration_watch", 0.45, fmt.Sprintf("%s rolling average duration %.1fs suggests throughput regression.", ctx.Phase, rolling.AvgMS/1000), map[string]any{"avg_ms": rolling.AvgMS})
		}
	}
	return alerts
}

func buildTelemetrySnapshot(stats Stats) map[string]any {
	snapshot := map[string]any{}
	if len(stats.PhaseDurationSummary) > 0 {
		snapshot["phase_duration_summary"] = stats.PhaseDurationSummary
	}
	if stats.PhaseDurationAnalysis.HasData {
		snapshot["phase_duration_analysis"] = stats.PhaseDurationAnalysis
	}
	if len(stats.PhaseDurationRecent) > 0 {
		snapshot["phase_duration_recent"] = stats.PhaseDurationRecent
	}
	snapshot["rolling_metrics"] = stats.RollingMetrics
	snapshot["rtf_stats"] = stats.RTFStats
	snapshot["engine_fallback_rates"] = stats.EngineFallbackRates
	if stats.HallucinationStats.Total > 0 || stats.HallucinationStats.RecentTotal > 0 {
		snapshot["hallucination_stats"] = stats.HallucinationStats
	}
	return snapshot
}
