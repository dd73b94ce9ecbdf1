// Package overrides implements the tuning override store: the small
// persisted state that turns advisor suggestions into concrete, safety
// clamped runtime parameters for the next run (and records what actually
// happened so future clamps can react to it).
package overrides

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jorge-barreto/pipeline/internal/advisor"
)

// DefaultPath is where the override store persists, relative to the run's
// working directory.
const DefaultPath = ".pipeline/tuning_overrides.json"

// ChunkSizeOverride nudges phase3's chunk size by a signed percentage.
type ChunkSizeOverride struct {
	Mode         string `json:"mode"`
	DeltaPercent float64 `json:"delta_percent"`
	Reason       string `json:"reason,omitempty"`
	Source       string `json:"source,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// EngineOverride prefers a specific phase4 engine once confidence clears
// the human-approval threshold.
type EngineOverride struct {
	Preferred  string  `json:"preferred"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Source     string  `json:"source,omitempty"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

// VoiceVariantOverride switches voice/variant once a success streak clears
// the stability threshold.
type VoiceVariantOverride struct {
	VoiceID string `json:"voice_id"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source,omitempty"`
}

// RTFTargetOverride sets a target real-time factor for phase4.
type RTFTargetOverride struct {
	Target float64 `json:"target"`
	Reason string  `json:"reason,omitempty"`
}

// RetryOverride overrides the retry policy for a phase.
type RetryOverride map[string]any

// PhaseOverrides is the raw, human-editable override payload for one phase.
// Each field is optional and nil when unset in the on-disk document.
type PhaseOverrides struct {
	ChunkSize    *ChunkSizeOverride    `json:"chunk_size,omitempty"`
	Engine       *EngineOverride       `json:"engine,omitempty"`
	VoiceVariant *VoiceVariantOverride `json:"voice_variant,omitempty"`
	RTFTarget    *RTFTargetOverride    `json:"rtf_target,omitempty"`
	RetryPolicy  map[string]any        `json:"retry_policy,omitempty"`
}

// RunOverrides is what build_run_overrides computes: the safety-clamped
// set actually applied to the run in progress.
type RunOverrides struct {
	Phase3      *Phase3RunOverrides `json:"phase3,omitempty"`
	Phase4      *Phase4RunOverrides `json:"phase4,omitempty"`
	RetryPolicy map[string]any      `json:"retry_policy,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// Phase3RunOverrides bundles the phase3 overrides actually in effect.
type Phase3RunOverrides struct {
	ChunkSize *ChunkSizeOverride `json:"chunk_size,omitempty"`
}

// Phase4RunOverrides bundles the phase4 overrides actually in effect.
type Phase4RunOverrides struct {
	Engine    *EngineOverride       `json:"engine,omitempty"`
	Voice     *VoiceVariantOverride `json:"voice,omitempty"`
	RTFTarget *RTFTargetOverride    `json:"rtf_target,omitempty"`
}

func (r RunOverrides) isEmpty() bool {
	return r.Phase3 == nil && r.Phase4 == nil && len(r.RetryPolicy) == 0
}

// document is the on-disk shape of tuning_overrides.json.
type document struct {
	Version      int                       `json:"version"`
	Overrides    map[string]PhaseOverrides `json:"overrides"`
	History      []HistoryEntry            `json:"history"`
	RuntimeState RuntimeState              `json:"runtime_state"`
}

// RuntimeState is the small bit of derived state the store carries across
// runs (the voice success streak and the timestamp of the last outcome).
type RuntimeState struct {
	VoiceSuccessStreak int       `json:"voice_success_streak"`
	LastRun            *LastRun  `json:"last_run,omitempty"`
}

// LastRun records the most recently completed run's outcome.
type LastRun struct {
	RunID     string         `json:"run_id"`
	Timestamp string         `json:"timestamp"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// HistoryEntry is an append-only record kept for operator review; it is
// currently populated via RecordRunOutcome and never pruned.
type HistoryEntry struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
	Success   bool   `json:"success"`
}

// Store manages tuning_overrides.json: human-approved overrides plus the
// small amount of runtime state that safety-clamps self-driving changes.
type Store struct {
	path  string
	doc   document
	dirty bool
}

// Load reads the override document at path, treating a missing or corrupt
// file as an empty document (never an error — there is nothing to tune
// until a human or a prior run has written something).
func Load(path string) *Store {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err == nil {
		_ = json.Unmarshal(data, &s.doc)
	}
	if s.doc.Overrides == nil {
		s.doc.Overrides = map[string]PhaseOverrides{}
	}
	if s.doc.Version == 0 {
		s.doc.Version = 1
	}
	return s
}

// MarkDirty flags the in-memory document as needing a save.
func (s *Store) MarkDirty() { s.dirty = true }

// SaveIfDirty persists the document when it has pending changes.
func (s *Store) SaveIfDirty() error {
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// BuildRunOverrides computes the safety-clamped set of overrides to apply
// to the run about to start, given the advisor's latest statistics.
func (s *Store) BuildRunOverrides(stats *advisor.Stats) RunOverrides {
	var out RunOverrides
	state := &s.doc.RuntimeState

	if state.LastRun == nil && stats != nil && state.VoiceSuccessStreak == 0 {
		state.VoiceSuccessStreak = stats.RecentGoodRuns
		s.MarkDirty()
	}

	phase3 := s.doc.Overrides["phase3"]
	if phase3.ChunkSize != nil {
		if payload := buildChunkOverride(*phase3.ChunkSize); payload != nil {
			out.Phase3 = &Phase3RunOverrides{ChunkSize: payload}
		}
	}

	phase4 := s.doc.Overrides["phase4"]
	if phase4.Engine != nil {
		if payload := buildEngineOverride(*phase4.Engine); payload != nil {
			if out.Phase4 == nil {
				out.Phase4 = &Phase4RunOverrides{}
			}
			out.Phase4.Engine = payload
		}
	}
	if phase4.VoiceVariant != nil {
		if payload := buildVoiceOverride(*phase4.VoiceVariant, state.VoiceSuccessStreak); payload != nil {
			if out.Phase4 == nil {
				out.Phase4 = &Phase4RunOverrides{}
			}
			out.Phase4.Voice = payload
		}
	}
	if phase4.RTFTarget != nil {
		target := math.Max(1.0, phase4.RTFTarget.Target)
		if out.Phase4 == nil {
			out.Phase4 = &Phase4RunOverrides{}
		}
		out.Phase4.RTFTarget = &RTFTargetOverride{Target: target, Reason: phase4.RTFTarget.Reason}
	}

	if retry := s.retryOverrides(); len(retry) > 0 {
		out.RetryPolicy = retry
	}

	if !out.isEmpty() {
		out.Metadata = map[string]any{"generated_at": nowUTC()}
	}
	return out
}

func (s *Store) retryOverrides() map[string]any {
	results := map[string]any{}
	for phase, payload := range s.doc.Overrides {
		if payload.RetryPolicy != nil {
			results[phase] = payload.RetryPolicy
		}
	}
	return results
}

func buildChunkOverride(o ChunkSizeOverride) *ChunkSizeOverride {
	mode := strings.ToLower(o.Mode)
	if mode == "" {
		return nil
	}
	delta := o.DeltaPercent
	if delta == 0 {
		delta = 15
	}
	delta = math.Min(20.0, math.Abs(delta))

	var signed float64
	switch {
	case strings.Contains(mode, "reduce"):
		signed = -delta
	case strings.Contains(mode, "increase") || strings.Contains(mode, "larger"):
		signed = delta
	default:
		return nil
	}
	return &ChunkSizeOverride{DeltaPercent: signed, Reason: o.Reason, Source: o.Source}
}

func buildEngineOverride(o EngineOverride) *EngineOverride {
	if o.Confidence < 0.70 {
		return nil
	}
	if o.Preferred == "" {
		return nil
	}
	copy := o
	return &copy
}

func buildVoiceOverride(o VoiceVariantOverride, streak int) *VoiceVariantOverride {
	if o.VoiceID == "" {
		return nil
	}
	if streak < 3 {
		return nil
	}
	copy := o
	return &copy
}

// ApplySelfDriving folds the advisor's adaptive deltas and safety flags
// into the persisted overrides, within the same clamps a human editor
// would be held to.
func (s *Store) ApplySelfDriving(stats *advisor.Stats) {
	if stats == nil {
		return
	}
	timestamp := nowUTC()

	if delta, ok := stats.AdaptiveDeltas["chunk_size"]; ok {
		s.tuneChunkFromReward(delta, stats.SafetyFlags["revert_chunk"], timestamp)
	}
	bias := stats.AdaptiveDeltas["engine_bias"]
	switch {
	case stats.SafetyFlags["revert_engine"]:
		s.clearEngineOverride()
	case bias > 0.05:
		s.promoteBestEngine(stats, timestamp)
	}
	if stats.SafetyFlags["voice_alert"] {
		s.clearVoiceOverride()
	}
}

func (s *Store) tuneChunkFromReward(delta float64, revert bool, timestamp string) {
	phase3 := s.doc.Overrides["phase3"]
	entry := phase3.ChunkSize
	if entry == nil {
		entry = &ChunkSizeOverride{Mode: "increase_chunk_size"}
	}
	var newValue float64
	if revert {
		newValue = 0
	} else {
		newValue = entry.DeltaPercent + clampFloat(delta, -2.0, 2.0)
	}
	newValue = clampFloat(newValue, -20.0, 20.0)

	entry.DeltaPercent = math.Round(newValue*100) / 100
	if newValue < 0 {
		entry.Mode = "reduce_chunk_size"
	} else {
		entry.Mode = "increase_chunk_size"
	}
	entry.Reason = "Self-driving adaptive tuning"
	entry.Source = "self_driving"
	entry.UpdatedAt = timestamp

	phase3.ChunkSize = entry
	s.doc.Overrides["phase3"] = phase3
	s.MarkDirty()
}

func (s *Store) clearEngineOverride() {
	phase4, ok := s.doc.Overrides["phase4"]
	if ok && phase4.Engine != nil {
		phase4.Engine = nil
		s.doc.Overrides["phase4"] = phase4
		s.MarkDirty()
	}
}

func (s *Store) clearVoiceOverride() {
	phase4, ok := s.doc.Overrides["phase4"]
	if ok && phase4.VoiceVariant != nil {
		phase4.VoiceVariant = nil
		s.doc.Overrides["phase4"] = phase4
		s.MarkDirty()
	}
}

func (s *Store) promoteBestEngine(stats *advisor.Stats, timestamp string) {
	if len(stats.EngineReliability) == 0 {
		return
	}
	type pair struct {
		engine string
		score  float64
	}
	pairs := make([]pair, 0, len(stats.EngineReliability))
	for engine, score := range stats.EngineReliability {
		pairs = append(pairs, pair{engine, score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	best := pairs[0]

	phase4 := s.doc.Overrides["phase4"]
	phase4.Engine = &EngineOverride{
		Preferred:  best.engine,
		Confidence: best.score,
		Reason:     "Self-driving engine selection",
		Source:     "self_driving",
		UpdatedAt:  timestamp,
	}
	s.doc.Overrides["phase4"] = phase4
	s.MarkDirty()
}

// RecordRunOutcome logs the final outcome of a run and updates the voice
// success streak used to gate future voice-variant overrides.
func (s *Store) RecordRunOutcome(runID string, success bool, applied RunOverrides, metadata map[string]any) {
	timestamp := nowUTC()
	voiceApplied := applied.Phase4 != nil && applied.Phase4.Voice != nil

	s.doc.RuntimeState.LastRun = &LastRun{
		RunID:     runID,
		Timestamp: timestamp,
		Success:   success,
		Metadata:  metadata,
		Overrides: summarizeAppliedKeys(applied),
	}
	s.doc.History = append(s.doc.History, HistoryEntry{RunID: runID, Timestamp: timestamp, Success: success})
	s.updateVoiceStreak(success, voiceApplied)
	s.MarkDirty()
}

func summarizeAppliedKeys(applied RunOverrides) map[string]any {
	out := map[string]any{}
	if applied.Phase3 != nil {
		out["phase3"] = []string{"chunk_size"}
	}
	if applied.Phase4 != nil {
		var keys []string
		if applied.Phase4.Engine != nil {
			keys = append(keys, "engine")
		}
		if applied.Phase4.Voice != nil {
			keys = append(keys, "voice")
		}
		if applied.Phase4.RTFTarget != nil {
			keys = append(keys, "rtf_target")
		}
		out["phase4"] = keys
	}
	if len(applied.RetryPolicy) > 0 {
		out["retry_policy"] = applied.RetryPolicy
	}
	return out
}

func (s *Store) updateVoiceStreak(success, voiceOverrideApplied bool) {
	streak := s.doc.RuntimeState.VoiceSuccessStreak
	switch {
	case !success:
		streak = 0
	case voiceOverrideApplied:
		streak = 0
	default:
		streak++
	}
	s.doc.RuntimeState.VoiceSuccessStreak = streak
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
}
