package overrides

import (
	"path/filepath"
	"testing"

	"github.com/jorge-barreto/pipeline/internal/advisor"
)

func TestLoadMissingFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning_overrides.json")
	store := Load(path)
	run := store.BuildRunOverrides(nil)
	if !run.isEmpty() {
		t.Fatalf("expected no overrides from an empty store, got %+v", run)
	}
}

func TestBuildChunkOverrideClampsDeltaTo20(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	store.doc.Overrides["phase3"] = PhaseOverrides{ChunkSize: &ChunkSizeOverride{Mode: "reduce_chunk_size", DeltaPercent: 50}}

	run := store.BuildRunOverrides(nil)
	if run.Phase3 == nil || run.Phase3.ChunkSize == nil {
		t.Fatalf("expected a chunk size override")
	}
	if run.Phase3.ChunkSize.DeltaPercent != -20 {
		t.Fatalf("expected delta clamped to -20, got %v", run.Phase3.ChunkSize.DeltaPercent)
	}
}

func TestBuildEngineOverrideRejectsLowConfidence(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	store.doc.Overrides["phase4"] = PhaseOverrides{Engine: &EngineOverride{Preferred: "xtts", Confidence: 0.5}}

	run := store.BuildRunOverrides(nil)
	if run.Phase4 != nil && run.Phase4.Engine != nil {
		t.Fatalf("expected no engine override below 0.70 confidence, got %+v", run.Phase4.Engine)
	}
}

func TestBuildVoiceOverrideRequiresStreak(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	store.doc.Overrides["phase4"] = PhaseOverrides{VoiceVariant: &VoiceVariantOverride{VoiceID: "v2"}}
	store.doc.RuntimeState.VoiceSuccessStreak = 1

	run := store.BuildRunOverrides(nil)
	if run.Phase4 != nil && run.Phase4.Voice != nil {
		t.Fatalf("expected no voice override below streak 3, got %+v", run.Phase4.Voice)
	}

	store.doc.RuntimeState.VoiceSuccessStreak = 3
	run = store.BuildRunOverrides(nil)
	if run.Phase4 == nil || run.Phase4.Voice == nil {
		t.Fatalf("expected a voice override at streak 3")
	}
}

func TestApplySelfDrivingPromotesBestEngine(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	stats := &advisor.Stats{
		EngineReliability: map[string]float64{"xtts": 0.9, "kokoro": 0.6},
		AdaptiveDeltas:    map[string]float64{"chunk_size": 0.5, "engine_bias": 0.3},
		SafetyFlags:       map[string]bool{},
	}
	store.ApplySelfDriving(stats)

	if store.doc.Overrides["phase4"].Engine == nil {
		t.Fatalf("expected phase4 engine override to be promoted")
	}
	if store.doc.Overrides["phase4"].Engine.Preferred != "xtts" {
		t.Fatalf("expected xtts promoted, got %v", store.doc.Overrides["phase4"].Engine.Preferred)
	}
}

func TestApplySelfDrivingRevertsChunkOnSafetyFlag(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	store.doc.Overrides["phase3"] = PhaseOverrides{ChunkSize: &ChunkSizeOverride{Mode: "reduce_chunk_size", DeltaPercent: -10}}
	stats := &advisor.Stats{
		AdaptiveDeltas: map[string]float64{"chunk_size": -1.0},
		SafetyFlags:    map[string]bool{"revert_chunk": true},
	}
	store.ApplySelfDriving(stats)
	if store.doc.Overrides["phase3"].ChunkSize.DeltaPercent != 0 {
		t.Fatalf("expected chunk delta reverted to 0, got %v", store.doc.Overrides["phase3"].ChunkSize.DeltaPercent)
	}
}

func TestRecordRunOutcomeUpdatesVoiceStreak(t *testing.T) {
	store := Load(filepath.Join(t.TempDir(), "tuning_overrides.json"))
	store.RecordRunOutcome("run-1", true, RunOverrides{}, nil)
	if store.doc.RuntimeState.VoiceSuccessStreak != 1 {
		t.Fatalf("expected streak 1 after a success, got %d", store.doc.RuntimeState.VoiceSuccessStreak)
	}
	store.RecordRunOutcome("run-2", false, RunOverrides{}, nil)
	if store.doc.RuntimeState.VoiceSuccessStreak != 0 {
		t.Fatalf("expected streak reset to 0 after a failure, got %d", store.doc.RuntimeState.VoiceSuccessStreak)
	}
}

func TestSaveIfDirtyRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning_overrides.json")
	store := Load(path)
	store.RecordRunOutcome("run-1", true, RunOverrides{}, nil)
	if err := store.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty failed: %v", err)
	}

	reloaded := Load(path)
	if reloaded.doc.RuntimeState.VoiceSuccessStreak != 1 {
		t.Fatalf("expected reloaded streak 1, got %d", reloaded.doc.RuntimeState.VoiceSuccessStreak)
	}
	if len(reloaded.doc.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(reloaded.doc.History))
	}
}
