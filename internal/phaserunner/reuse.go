package phaserunner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/jorge-barreto/pipeline/internal/schema"
)

// reusablePhases are content-addressable: if the input hash still matches
// the hash recorded against a prior success, re-running is pure waste.
var reusablePhases = map[string]bool{"phase1": true, "phase2": true, "phase3": true}

// IsReusable reports whether phaseKey is content-addressable (eligible for
// hash-based reuse rather than plain status-based resume).
func IsReusable(phaseKey string) bool {
	return reusablePhases[phaseKey]
}

// ComputeSHA256 hashes a file's contents in 1MiB chunks, matching the
// original orchestrator's compute_sha256 chunk size.
func ComputeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShouldReuse decides whether phaseKey can be skipped for fileID: the phase
// must be content-addressable, its file entry must already be a success,
// the artifact path it recorded must still exist, and the freshly computed
// source hash must match what was recorded (phase2 falls back to phase1's
// hash when its own is absent, mirroring should_skip_phase2).
func ShouldReuse(phaseKey, fileID, inputPath string, doc *schema.Document) (bool, error) {
	if !reusablePhases[phaseKey] {
		return false, nil
	}
	block := doc.PhaseBlock(phaseKey)
	if block == nil {
		return false, nil
	}
	entry, ok := block.Files[fileID]
	if !ok || entry.Status != "success" {
		return false, nil
	}
	artifact := primaryArtifact(entry)
	if artifact == "" {
		return false, nil
	}
	if _, err := os.Stat(artifact); err != nil {
		return false, nil
	}

	recordedHash := artifactString(entry.Envelope.Artifacts, "source_hash")
	if recordedHash == "" && phaseKey == "phase2" {
		if p1 := doc.PhaseBlock("phase1"); p1 != nil {
			if p1entry, ok := p1.Files[fileID]; ok {
				recordedHash = artifactString(p1entry.Envelope.Artifacts, "hash")
			}
		}
	}
	if recordedHash == "" {
		return false, nil
	}

	currentHash, err := ComputeSHA256(inputPath)
	if err != nil {
		return false, err
	}
	return currentHash == recordedHash, nil
}

// artifactString reads a string field out of the loosely typed Artifacts
// value, which decodes as either a map[string]any (the common case) or a
// list (legacy file-list layout, per SchemaRegistry's normalization) —
// only the map shape carries named fields like source_hash/path.
func artifactString(artifacts any, key string) string {
	m, ok := artifacts.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func primaryArtifact(entry schema.FileEntry) string {
	for _, key := range []string{"extracted_text_path", "path", "output_file"} {
		if v := artifactString(entry.Envelope.Artifacts, key); v != "" {
			return v
		}
	}
	return ""
}
