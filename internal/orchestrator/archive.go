package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var titleSeparators = regexp.MustCompile(`[_\-]+`)

// humanizeTitle turns a file_id (or bare filename) into a readable,
// filesystem-friendly title folder name, e.g. "my_book-draft" -> "My Book Draft".
func humanizeTitle(fileID string) string {
	stem := strings.TrimSuffix(filepath.Base(fileID), filepath.Ext(fileID))
	name := strings.TrimSpace(titleSeparators.ReplaceAllString(stem, " "))
	if name == "" {
		return "Audiobook"
	}
	words := strings.Fields(strings.ToLower(name))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// resolvePhase5AudiobookPath locates the mp3 phase 5 produced for fileID by
// reading the output_file artifact recorded in the current state.
func (o *Orchestrator) resolvePhase5AudiobookPath(ctx context.Context, fileID string) (string, error) {
	doc, err := o.Store.Read(ctx, false)
	if err != nil {
		return "", err
	}
	block := doc.PhaseBlock("phase5")
	if block == nil {
		return "", fmt.Errorf("orchestrator: no phase5 block recorded")
	}
	entry, ok := block.Files[fileID]
	if !ok {
		return "", fmt.Errorf("orchestrator: no phase5 file entry for %s", fileID)
	}
	path := artifactPath(entry.Envelope.Artifacts, "output_file")
	if path == "" {
		path = artifactPath(entry.Envelope.Artifacts, "path")
	}
	if path == "" {
		return "", fmt.Errorf("orchestrator: phase5 recorded no output_file for %s", fileID)
	}
	return path, nil
}

func artifactPath(artifacts any, key string) string {
	m, ok := artifacts.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// archive copies phase 5's output mp3 into a title-addressed archive folder
// as both a timestamped snapshot and a canonical audiobook.mp3, so a future
// phase-5 cleanup (or re-run) never loses the last known-good render.
func (o *Orchestrator) archive(fileID string) (string, error) {
	ctx := context.Background()
	sourcePath, err := o.resolvePhase5AudiobookPath(ctx, fileID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return "", fmt.Errorf("orchestrator: archive source missing: %w", err)
	}

	title := humanizeTitle(fileID)
	archiveDir := filepath.Join(o.archiveRootOrDefault(), title)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}

	timestamp := archiveTimestamp()
	destPath := filepath.Join(archiveDir, fmt.Sprintf("%s_%s.mp3", title, timestamp))
	canonicalPath := filepath.Join(archiveDir, "audiobook.mp3")

	if err := copyFile(sourcePath, destPath); err != nil {
		return "", err
	}
	if err := copyFile(sourcePath, canonicalPath); err != nil {
		return destPath, err
	}
	return destPath, nil
}

func (o *Orchestrator) archiveRootOrDefault() string {
	if o.ArchiveRoot != "" {
		return o.ArchiveRoot
	}
	return "audiobooks"
}

// archiveTimestamp is a var so tests can substitute a deterministic clock.
var archiveTimestamp = func() string {
	return time.Now().UTC().Format("20060102_150405")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
