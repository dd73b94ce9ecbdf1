package advisor

import (
	"path/filepath"
	"testing"

	"github.com/jorge-barreto/pipeline/internal/policylog"
)

func TestRecommendChunkSizeReduceOnSlowPhase(t *testing.T) {
	stats := Stats{PhaseDuration: map[string]float64{"phase3": 700_000}}
	rec := RecommendChunkSize("book", stats)
	if rec == nil || rec.Action != "reduce_chunk_size" {
		t.Fatalf("expected reduce_chunk_size recommendation, got %+v", rec)
	}
}

func TestRecommendChunkSizeIncreaseOnFastPhase(t *testing.T) {
	stats := Stats{PhaseDuration: map[string]float64{"phase3": 100_000}}
	rec := RecommendChunkSize("book", stats)
	if rec == nil || rec.Action != "increase_chunk_size" {
		t.Fatalf("expected increase_chunk_size recommendation, got %+v", rec)
	}
}

func TestRecommendChunkSizeNilInMiddleBand(t *testing.T) {
	stats := Stats{PhaseDuration: map[string]float64{"phase3": 300_000}}
	if rec := RecommendChunkSize("book", stats); rec != nil {
		t.Fatalf("expected no recommendation in the middle band, got %+v", rec)
	}
}

func TestRecommendEngineRequiresMinimumReliability(t *testing.T) {
	stats := Stats{EngineReliability: map[string]float64{"xtts": 0.40}}
	if rec := RecommendEngine("book", stats); rec != nil {
		t.Fatalf("expected no recommendation below 0.55 reliability, got %+v", rec)
	}

	stats = Stats{EngineReliability: map[string]float64{"xtts": 0.90, "kokoro": 0.60}}
	rec := RecommendEngine("book", stats)
	if rec == nil || rec.Engine != "xtts" {
		t.Fatalf("expected xtts recommended, got %+v", rec)
	}
}

func TestRecommendRetryPolicyThresholds(t *testing.T) {
	stats := Stats{PhaseFailures: map[string]int{"phase4": 40}, PhaseSuccess: map[string]int{"phase4": 60}}
	rec := RecommendRetryPolicy("phase4", stats)
	if rec == nil || rec.SuggestedRetries != 4 {
		t.Fatalf("expected 4 suggested retries for 40%% failure rate, got %+v", rec)
	}

	stats = Stats{PhaseFailures: map[string]int{"phase4": 1}, PhaseSuccess: map[string]int{"phase4": 99}}
	rec = RecommendRetryPolicy("phase4", stats)
	if rec == nil || rec.SuggestedRetries != 1 {
		t.Fatalf("expected 1 suggested retry for 1%% failure rate, got %+v", rec)
	}
}

func TestRecommendVoiceVariantNeedsTwoFailures(t *testing.T) {
	stats := Stats{FileFailures: map[[2]string]int{{"phase4", "book"}: 1}}
	if rec := RecommendVoiceVariant("book", stats); rec != nil {
		t.Fatalf("expected no recommendation at 1 failure, got %+v", rec)
	}
	stats = Stats{FileFailures: map[[2]string]int{{"phase4", "book"}: 2}}
	if rec := RecommendVoiceVariant("book", stats); rec == nil {
		t.Fatalf("expected a recommendation at 2 failures")
	}
}

func TestComputeStatsEngineReliabilityAndRollup(t *testing.T) {
	events := []policylog.Event{
		{"event": "phase_end", "phase": "phase4", "status": "success", "duration_ms": 1000.0, "metrics": map[string]any{"engine_used": "xtts", "avg_rt_factor": 2.5}},
		{"event": "phase_failure", "phase": "phase4", "metrics": map[string]any{"engine_used": "kokoro"}},
		{"event": "phase_end", "phase": "phase4", "status": "success", "duration_ms": 1500.0, "metrics": map[string]any{"engine_used": "kokoro"}},
	}
	stats := ComputeStats(events)
	if stats.EngineReliability["xtts"] != 1.0 {
		t.Fatalf("expected xtts reliability 1.0, got %v", stats.EngineReliability["xtts"])
	}
	if stats.EngineReliability["kokoro"] != 0.5 {
		t.Fatalf("expected kokoro reliability 0.5, got %v", stats.EngineReliability["kokoro"])
	}
	if stats.PhaseSuccess["phase4"] != 2 {
		t.Fatalf("expected 2 phase4 successes, got %d", stats.PhaseSuccess["phase4"])
	}
}

func TestAdvisorRefreshesOnlyWhenLogsChange(t *testing.T) {
	dir := t.TempDir()
	logger := policylog.NewLogger(policylog.Options{LogRoot: dir, RunID: "run-1"})
	logger.RecordPhaseEnd(policylog.Context{Phase: "phase4", FileID: "book", DurationMS: 1000, Metrics: map[string]any{"engine_used": "xtts", "avg_rt_factor": 1.1}})
	logger.Close()

	adv := NewAdvisor(dir)
	first := adv.Snapshot()
	if first.EngineReliability["xtts"] != 1.0 {
		t.Fatalf("expected xtts reliability 1.0 after first snapshot, got %v", first.EngineReliability["xtts"])
	}

	second := adv.Snapshot()
	if len(second.EngineReliability) != len(first.EngineReliability) {
		t.Fatalf("expected cached snapshot to be stable")
	}
}

func TestAdvisorAdviseChunkSizeForPhase3(t *testing.T) {
	dir := t.TempDir()
	logger := policylog.NewLogger(policylog.Options{LogRoot: dir, RunID: "run-1"})
	logger.RecordPhaseEnd(policylog.Context{Phase: "phase3", FileID: "book", DurationMS: 700_000})
	logger.Close()

	adv := NewAdvisor(dir)
	advice := adv.Advise(AdviseContext{Phase: "phase3", FileID: "book"})
	if advice.ChunkSize == nil || advice.ChunkSize.Action != "reduce_chunk_size" {
		t.Fatalf("expected reduce_chunk_size advice, got %+v", advice.ChunkSize)
	}
}

func TestAdvisorMissingLogRootReturnsEmptyStats(t *testing.T) {
	adv := NewAdvisor(filepath.Join(t.TempDir(), "missing"))
	stats := adv.Snapshot()
	if len(stats.EngineReliability) != 0 {
		t.Fatalf("expected empty stats for missing log root")
	}
}
