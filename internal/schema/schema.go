// Package schema implements canonicalization and validation of pipeline.json
// documents across schema versions: SchemaRegistry from the core design.
//
// Canonicalize operates on a loosely-typed map[string]any representation,
// mirroring the dict-based normalization it is grounded on, so that
// legacy/malformed payloads of any shape can be accepted without first
// forcing them through a strict decode. StrictValidate instead works against
// the typed Document model in document.go.
package schema

import (
	"regexp"
	"sort"
	"strconv"
	"time"
)

// CanonicalVersion is the schema version canonicalize_state stamps onto
// documents that do not already request a specific version.
const CanonicalVersion = "4.0.0"

// PhaseKeys lists the phase blocks in their fixed, total order.
var PhaseKeys = []string{
	"phase1", "phase2", "phase3", "phase4", "phase5", "phase5_5", "phase6", "phase7",
}

// ValidStatuses is the canonical status enum.
var ValidStatuses = map[string]bool{
	"pending": true, "running": true, "success": true, "partial": true,
	"partial_success": true, "failed": true, "error": true, "skipped": true,
	"unknown": true,
}

var statusFallbacks = map[string]string{
	"complete":    "success",
	"completed":   "success",
	"ok":          "success",
	"ready":       "success",
	"in_progress": "running",
}

var phaseWrapperKeys = map[string]bool{
	"status": true, "timestamps": true, "artifacts": true, "metrics": true,
	"errors": true, "files": true,
}

var fileLikeKeys = map[string]bool{
	"file_path": true, "hash": true, "sha256": true, "classification": true,
	"chunk_paths": true, "chunks": true, "chunk_id": true, "chunk_audio_paths": true,
	"voice_id": true, "extracted_text_path": true, "wav_path": true,
	"enhanced_path": true, "artifacts_path": true, "repair_status": true,
	"status": true, "errors": true, "metrics": true, "timestamps": true,
}

var chunkKeyRe = regexp.MustCompile(`(?i)^chunk[_-]?\d+$`)

var phasesExpectingFiles = map[string]bool{
	"phase1": true, "phase2": true, "phase3": true, "phase4": true,
	"phase5": true, "phase5_5": true,
}

// PhaseRequiredFields are the five envelope fields every phase/file-entry must carry.
var PhaseRequiredFields = []string{"status", "timestamps", "artifacts", "metrics", "errors"}

// BatchRequiredFields are the required top-level fields of a batch_runs entry.
var BatchRequiredFields = []string{"run_id", "status", "timestamps", "metrics", "errors", "files"}

var phasePayloadExclusions = func() map[string]bool {
	m := map[string]bool{"files": true}
	for k := range phaseWrapperKeys {
		m[k] = true
	}
	return m
}()

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Canonicalize converts an arbitrary pipeline.json layout into the
// canonical phase-first shape. It is idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw map[string]any, schemaVersion string, touchTimestamps bool) map[string]any {
	data := deepCopyMap(raw)
	if data == nil {
		data = map[string]any{}
	}

	if schemaVersion != "" {
		data["pipeline_version"] = schemaVersion
	} else if _, ok := data["pipeline_version"]; !ok {
		data["pipeline_version"] = CanonicalVersion
	}

	if touchTimestamps {
		now := nowISO()
		if _, ok := data["created_at"]; !ok {
			data["created_at"] = now
		}
		data["last_updated"] = now
	}

	liftFileFirstLayout(data)
	normalizeBatchRuns(data)

	primaryFileID, _ := data["file_id"].(string)

	for _, phaseKey := range PhaseKeys {
		block, ok := data[phaseKey]
		if !ok || block == nil {
			continue
		}
		blockMap, _ := block.(map[string]any)
		data[phaseKey] = normalizePhaseBlock(phaseKey, blockMap, primaryFileID)
	}

	phases := map[string]any{}
	for _, phaseKey := range PhaseKeys {
		block, ok := data[phaseKey].(map[string]any)
		if !ok {
			continue
		}
		if status, ok := block["status"]; ok {
			phases[phaseKey] = status
		}
	}
	data["phases"] = phases

	if _, ok := data["batch_runs"]; !ok {
		data["batch_runs"] = []any{}
	}
	return data
}

// liftFileFirstLayout promotes legacy {file_id: {phase1: {...}}} layouts
// into phase-first maps, mutating data in place.
func liftFileFirstLayout(data map[string]any) {
	type candidate struct {
		key     string
		payload map[string]any
	}
	var candidates []candidate
	for key, value := range data {
		valueMap, ok := value.(map[string]any)
		if !ok {
			continue
		}
		hasPhaseKey := false
		for _, phase := range PhaseKeys {
			if _, ok := valueMap[phase]; ok {
				hasPhaseKey = true
				break
			}
		}
		if hasPhaseKey {
			candidates = append(candidates, candidate{key: key, payload: valueMap})
		}
	}

	for _, c := range candidates {
		for _, phaseKey := range PhaseKeys {
			block, ok := c.payload[phaseKey].(map[string]any)
			if !ok {
				continue
			}
			phaseSection, ok := data[phaseKey].(map[string]any)
			if !ok {
				phaseSection = map[string]any{}
				data[phaseKey] = phaseSection
			}
			files, ok := phaseSection["files"].(map[string]any)
			if !ok {
				files = map[string]any{}
				phaseSection["files"] = files
			}
			files[c.key] = deepCopyMap(block)
		}
		delete(data, c.key)
	}
}

func normalizePhaseBlock(phaseKey string, block map[string]any, primaryFileID string) map[string]any {
	normalized := deepCopyMap(block)
	if normalized == nil {
		normalized = map[string]any{}
	}
	normalized["status"] = coerceStatus(normalized["status"])
	normalized["timestamps"] = ensureMap(normalized["timestamps"])
	normalized["artifacts"] = ensureArtifacts(normalized["artifacts"])
	normalized["metrics"] = ensureMap(normalized["metrics"])
	normalized["errors"] = ensureList(normalized["errors"])

	files, ok := normalized["files"].(map[string]any)
	if !ok {
		files = map[string]any{}
	}

	// Legacy phase[file_id] payloads: pull non-wrapper dict entries into files.
	for key, value := range normalized {
		if phaseWrapperKeys[key] {
			continue
		}
		valueMap, ok := value.(map[string]any)
		if ok && looksLikeFileEntry(valueMap) {
			files[key] = valueMap
		}
	}

	normalizedFiles := map[string]any{}
	for fileID, entry := range files {
		entryMap, _ := entry.(map[string]any)
		normalizedFiles[fileID] = normalizePhaseEntry(entryMap)
	}

	if phaseKey == "phase5_5" && len(normalizedFiles) == 0 {
		payload := map[string]any{}
		for key, value := range normalized {
			if phasePayloadExclusions[key] {
				continue
			}
			payload[key] = value
		}
		if len(payload) > 0 {
			inferredID, _ := payload["file_id"].(string)
			if inferredID == "" {
				inferredID = primaryFileID
			}
			if inferredID == "" {
				inferredID = "default"
			}
			normalizedFiles[inferredID] = normalizePhaseEntry(payload)
		}
	}

	if len(normalizedFiles) > 0 || phasesExpectingFiles[phaseKey] {
		normalized["files"] = normalizedFiles
	}
	return normalized
}

func normalizePhaseEntry(entry map[string]any) map[string]any {
	normalized := deepCopyMap(entry)
	if normalized == nil {
		normalized = map[string]any{}
	}
	normalized["status"] = coerceStatus(normalized["status"])
	normalized["timestamps"] = ensureMap(normalized["timestamps"])
	normalized["artifacts"] = ensureArtifacts(normalized["artifacts"])
	normalized["metrics"] = ensureMap(normalized["metrics"])
	normalized["errors"] = ensureList(normalized["errors"])
	normalized["chunks"] = ensureChunkCollection(normalized)
	return normalized
}

// ensureChunkCollection collapses chunk_0001-style sibling keys into the
// canonical "chunks" array, sorted by the embedded numeric suffix.
func ensureChunkCollection(entry map[string]any) []any {
	var chunks []any
	if existing, ok := entry["chunks"].([]any); ok {
		for _, c := range existing {
			if cm, ok := c.(map[string]any); ok {
				chunks = append(chunks, deepCopyMap(cm))
			}
		}
	}

	var chunkKeys []string
	for key, value := range entry {
		if _, ok := value.(map[string]any); ok && chunkKeyRe.MatchString(key) {
			chunkKeys = append(chunkKeys, key)
		}
	}
	sort.Slice(chunkKeys, func(i, j int) bool {
		di, ki := chunkKeySort(chunkKeys[i])
		dj, kj := chunkKeySort(chunkKeys[j])
		if di != dj {
			return di < dj
		}
		return ki < kj
	})

	for _, key := range chunkKeys {
		chunk := deepCopyMap(entry[key].(map[string]any))
		delete(entry, key)
		if _, ok := chunk["chunk_id"]; !ok {
			chunk["chunk_id"] = key
		}
		if _, ok := chunk["status"]; !ok {
			chunk["status"] = coerceStatus(chunk["status"])
		}
		if _, ok := chunk["errors"]; !ok {
			chunk["errors"] = ensureList(chunk["errors"])
		}
		chunks = append(chunks, chunk)
	}

	if chunks == nil {
		chunks = []any{}
	}
	entry["chunks"] = chunks
	return chunks
}

var digitsRe = regexp.MustCompile(`\d+`)

func chunkKeySort(key string) (int, string) {
	matches := digitsRe.FindAllString(key, -1)
	if len(matches) == 0 {
		return 0, key
	}
	n, err := strconv.Atoi(matches[len(matches)-1])
	if err != nil {
		return 0, key
	}
	return n, key
}

func normalizeBatchRuns(data map[string]any) {
	var runs []any
	if existing, ok := data["batch_runs"].([]any); ok {
		for idx, run := range existing {
			if runMap, ok := run.(map[string]any); ok {
				runs = append(runs, normalizeBatchRun(runMap, defaultBatchID(idx+1)))
			}
		}
	}

	if legacy, ok := data["batch"].(map[string]any); ok {
		runs = append(runs, convertLegacyBatch(legacy, defaultBatchID(len(runs)+1)))
	}
	delete(data, "batch")

	if runs == nil {
		runs = []any{}
	}
	data["batch_runs"] = runs
}

func defaultBatchID(n int) string {
	return "batch_" + strconv.Itoa(n)
}

func normalizeBatchRun(run map[string]any, defaultID string) map[string]any {
	normalized := deepCopyMap(run)
	runID, _ := normalized["run_id"].(string)
	if runID == "" {
		runID = defaultID
	}
	normalized["run_id"] = runID
	normalized["status"] = coerceStatus(normalized["status"])
	timestamps := ensureMap(normalized["timestamps"])
	if len(timestamps) == 0 {
		if summary, ok := normalized["summary"].(map[string]any); ok {
			timestamps = summaryTimestamps(summary)
		}
	}
	normalized["timestamps"] = timestamps
	normalized["metrics"] = ensureMap(normalized["metrics"])
	normalized["errors"] = ensureList(normalized["errors"])
	normalized["artifacts"] = ensureArtifacts(normalized["artifacts"])

	files, _ := normalized["files"].(map[string]any)
	normalizedFiles := map[string]any{}
	for fileID, entry := range files {
		if entryMap, ok := entry.(map[string]any); ok {
			normalizedFiles[fileID] = normalizeBatchFileEntry(entryMap)
		}
	}
	normalized["files"] = normalizedFiles
	return normalized
}

func convertLegacyBatch(batch map[string]any, hint string) map[string]any {
	summary, _ := batch["summary"].(map[string]any)
	if summary == nil {
		summary = map[string]any{}
	}
	runID, _ := summary["run_id"].(string)
	if runID == "" {
		runID = hint
	}
	status := batch["status"]
	if status == nil {
		status = summary["status"]
	}
	run := map[string]any{
		"run_id":     runID,
		"status":     coerceStatus(status),
		"timestamps": summaryTimestamps(summary),
		"metrics":    legacySummaryMetrics(summary),
		"errors":     ensureList(summary["errors"]),
		"artifacts":  ensureArtifacts(summary["artifacts"]),
		"files":      map[string]any{},
	}
	if files, ok := batch["files"].(map[string]any); ok {
		runFiles := run["files"].(map[string]any)
		for fileID, entry := range files {
			if entryMap, ok := entry.(map[string]any); ok {
				runFiles[fileID] = normalizeBatchFileEntry(entryMap)
			}
		}
	}
	return run
}

func summaryTimestamps(summary map[string]any) map[string]any {
	return map[string]any{
		"start":    summary["started_at"],
		"end":      summary["completed_at"],
		"duration": summary["duration_sec"],
	}
}

var legacySummaryOmit = map[string]bool{
	"run_id": true, "status": true, "started_at": true, "completed_at": true,
	"duration_sec": true, "errors": true, "artifacts": true,
}

func legacySummaryMetrics(summary map[string]any) map[string]any {
	metrics := map[string]any{}
	for key, value := range summary {
		if legacySummaryOmit[key] {
			continue
		}
		metrics[key] = value
	}
	if d, ok := summary["duration_sec"]; ok {
		if _, exists := metrics["duration_sec"]; !exists {
			metrics["duration_sec"] = d
		}
	}
	return metrics
}

func normalizeBatchFileEntry(entry map[string]any) map[string]any {
	normalized := deepCopyMap(entry)
	normalized["status"] = coerceStatus(normalized["status"])
	timestamps := ensureMap(normalized["timestamps"])
	if len(timestamps) == 0 {
		timestamps = map[string]any{
			"start":    normalized["started_at"],
			"end":      normalized["completed_at"],
			"duration": normalized["duration_sec"],
		}
	}
	normalized["timestamps"] = timestamps

	artifacts := normalized["artifacts"]
	if artifacts == nil {
		artifacts = map[string]any{"source_path": normalized["source_path"]}
	}
	normalized["artifacts"] = ensureArtifacts(artifacts)

	metrics := ensureMap(normalized["metrics"])
	if d, ok := normalized["duration_sec"]; ok {
		if _, exists := metrics["duration_sec"]; !exists {
			metrics["duration_sec"] = d
		}
	}
	if c, ok := normalized["cpu_avg"]; ok {
		if _, exists := metrics["cpu_avg"]; !exists {
			metrics["cpu_avg"] = c
		}
	}
	normalized["metrics"] = metrics

	errs := ensureList(normalized["errors"])
	if msg, ok := normalized["error_message"].(string); ok && msg != "" {
		errs = append(errs, msg)
	}
	normalized["errors"] = errs
	return normalized
}

func ensureMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func ensureList(value any) []any {
	if l, ok := value.([]any); ok {
		return l
	}
	if value == nil {
		return []any{}
	}
	if s, ok := value.(string); ok && s == "" {
		return []any{}
	}
	return []any{value}
}

func ensureArtifacts(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		out := make([]any, len(v))
		copy(out, v)
		return out
	default:
		return map[string]any{}
	}
}

func coerceStatus(value any) string {
	s, ok := value.(string)
	if !ok {
		return "pending"
	}
	lowered := toLower(s)
	if ValidStatuses[lowered] {
		return lowered
	}
	if mapped, ok := statusFallbacks[lowered]; ok {
		return mapped
	}
	return "pending"
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func looksLikeFileEntry(entry map[string]any) bool {
	if entry == nil {
		return false
	}
	for key := range fileLikeKeys {
		if _, ok := entry[key]; ok {
			return true
		}
	}
	return false
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
