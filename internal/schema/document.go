package schema

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Envelope is the five-field object every phase block and file-entry
// carries: {status, timestamps, artifacts, metrics, errors}.
type Envelope struct {
	Status     string         `json:"status" validate:"required,oneof=pending running success partial partial_success failed error skipped unknown"`
	Timestamps map[string]any `json:"timestamps"`
	Artifacts  any            `json:"artifacts"`
	Metrics    map[string]any `json:"metrics"`
	Errors     []any          `json:"errors"`
}

// ChunkEntry is one TTS synthesis unit produced by phase 3 and consumed by
// phase 4/5.
type ChunkEntry struct {
	ChunkID string `json:"chunk_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=pending running success partial partial_success failed error skipped unknown"`
	Errors  []any  `json:"errors"`
}

// FileEntry mirrors Envelope and additionally carries the chunk list
// present for phases 4 & 5.
type FileEntry struct {
	Envelope
	Chunks []ChunkEntry `json:"chunks"`
}

// PhaseBlock is one phase's section of the root document.
type PhaseBlock struct {
	Envelope
	Files map[string]FileEntry `json:"files" validate:"dive"`
}

// BatchRun is one entry of the batch_runs array.
type BatchRun struct {
	RunID      string               `json:"run_id" validate:"required"`
	Status     string               `json:"status" validate:"required,oneof=pending running success partial partial_success failed error skipped unknown"`
	Timestamps map[string]any       `json:"timestamps"`
	Metrics    map[string]any       `json:"metrics"`
	Errors     []any                `json:"errors"`
	Artifacts  any                  `json:"artifacts"`
	Files      map[string]FileEntry `json:"files" validate:"required"`
}

// Document is the typed root pipeline-state model, decoded from the
// canonicalized map[string]any representation for StrictValidate.
type Document struct {
	PipelineVersion string                `json:"pipeline_version" validate:"required"`
	CreatedAt       string                `json:"created_at"`
	LastUpdated     string                `json:"last_updated"`
	FileID          string                `json:"file_id"`
	Phase1          *PhaseBlock           `json:"phase1"`
	Phase2          *PhaseBlock           `json:"phase2"`
	Phase3          *PhaseBlock           `json:"phase3"`
	Phase4          *PhaseBlock           `json:"phase4"`
	Phase5          *PhaseBlock           `json:"phase5"`
	Phase5_5        *PhaseBlock           `json:"phase5_5"`
	Phase6          *PhaseBlock           `json:"phase6"`
	Phase7          *PhaseBlock           `json:"phase7"`
	Phases          map[string]string     `json:"phases"`
	BatchRuns       []BatchRun            `json:"batch_runs" validate:"dive"`
	VoiceOverrides  map[string]string     `json:"voice_overrides"`
	TTSVoice        string                `json:"tts_voice"`
}

// PhaseBlock returns the named phase's block (nil if that phase has never
// been touched — Canonicalize only populates phase keys present in the
// input map, so a fresh or partially-run document legitimately has nil
// blocks for untouched phases).
func (d *Document) PhaseBlock(phaseKey string) *PhaseBlock {
	switch phaseKey {
	case "phase1":
		return d.Phase1
	case "phase2":
		return d.Phase2
	case "phase3":
		return d.Phase3
	case "phase4":
		return d.Phase4
	case "phase5":
		return d.Phase5
	case "phase5_5":
		return d.Phase5_5
	case "phase6":
		return d.Phase6
	case "phase7":
		return d.Phase7
	}
	return nil
}

var strictValidator = validator.New()

// Decode converts a canonicalized map[string]any document into the typed
// Document model via a JSON round-trip (simple and exercises exactly the
// same json tags used to encode it back to disk).
func Decode(data map[string]any) (*Document, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode converts a typed Document back into a map[string]any for writing.
func Encode(doc *Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// StrictValidate decodes the canonicalized document into the typed model
// and enforces enum domains and nested field types via struct tags. It is
// optional and intended for callers that want stronger guarantees than
// Validate's structural checks provide.
func StrictValidate(data map[string]any) error {
	doc, err := Decode(data)
	if err != nil {
		return err
	}
	return strictValidator.Struct(doc)
}
