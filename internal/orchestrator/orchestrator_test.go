package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jorge-barreto/pipeline/internal/phaserunner"
	"github.com/jorge-barreto/pipeline/internal/policylog"
	"github.com/jorge-barreto/pipeline/internal/schema"
	"github.com/jorge-barreto/pipeline/internal/statestore"
)

func TestFileIDFromPath(t *testing.T) {
	cases := map[string]string{
		"/tmp/my-book.txt":       "my-book",
		"relative/path/file.epub": "file",
		"noext":                   "noext",
	}
	for input, want := range cases {
		if got := fileIDFromPath(input); got != want {
			t.Errorf("fileIDFromPath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHumanizeTitle(t *testing.T) {
	cases := map[string]string{
		"my_book-draft": "My Book Draft",
		"":               "Audiobook",
		"already nice":   "Already Nice",
	}
	for input, want := range cases {
		if got := humanizeTitle(input); got != want {
			t.Errorf("humanizeTitle(%q) = %q, want %q", input, got, want)
		}
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "pipeline.json"), statestore.Options{}, nil)
	logger := policylog.NewLogger(policylog.Options{LogRoot: filepath.Join(dir, "policy_logs"), Disabled: true})
	o := New(store, nil, logger, nil, nil)
	return o, dir
}

func TestShouldSkipFalseWhenNoEntry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	doc, err := o.Store.Read(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if o.shouldSkip(doc, "phase1", "book", "/tmp/book.txt") {
		t.Error("expected shouldSkip to be false with no recorded phase entry")
	}
}

func TestShouldSkipTrueForNonReusablePhaseOnSuccess(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	err := o.Store.Transaction(ctx, "seed", func(doc *schema.Document) (*schema.Document, error) {
		doc.Phase4 = &schema.PhaseBlock{
			Files: map[string]schema.FileEntry{
				"book": {Envelope: schema.Envelope{Status: "success"}},
			},
		}
		return doc, nil
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := o.Store.Read(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !o.shouldSkip(doc, "phase4", "book", "/tmp/book.txt") {
		t.Error("expected shouldSkip to be true for a successful non-reusable phase")
	}
}

func TestArchiveCopiesSourceToTitleFolder(t *testing.T) {
	o, dir := newTestOrchestrator(t)
	ctx := context.Background()

	sourcePath := filepath.Join(dir, "final.mp3")
	if err := os.WriteFile(sourcePath, []byte("fake mp3 bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := o.Store.Transaction(ctx, "seed", func(doc *schema.Document) (*schema.Document, error) {
		doc.Phase5 = &schema.PhaseBlock{
			Files: map[string]schema.FileEntry{
				"my_book": {Envelope: schema.Envelope{
					Status:    "success",
					Artifacts: map[string]any{"output_file": sourcePath},
				}},
			},
		}
		return doc, nil
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	o.ArchiveRoot = filepath.Join(dir, "audiobooks")
	restore := archiveTimestamp
	archiveTimestamp = func() string { return "20260101_000000" }
	defer func() { archiveTimestamp = restore }()

	destPath, err := o.archive("my_book")
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	wantDest := filepath.Join(o.ArchiveRoot, "My Book", "My Book_20260101_000000.mp3")
	if destPath != wantDest {
		t.Errorf("archive dest = %q, want %q", destPath, wantDest)
	}
	if _, err := os.Stat(destPath); err != nil {
		t.Errorf("expected timestamped archive file to exist: %v", err)
	}
	canonical := filepath.Join(o.ArchiveRoot, "My Book", "audiobook.mp3")
	if _, err := os.Stat(canonical); err != nil {
		t.Errorf("expected canonical audiobook.mp3 to exist: %v", err)
	}
}

func TestRecordRetriesEmitsOneEventPerRetriedAttempt(t *testing.T) {
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "pipeline.json"), statestore.Options{}, nil)
	logRoot := filepath.Join(dir, "policy_logs")
	logger := policylog.NewLogger(policylog.Options{LogRoot: logRoot, RunID: "run-retry"})
	defer logger.Close()
	o := New(store, nil, logger, nil, nil)

	attempts := []phaserunner.Attempt{
		{Result: phaserunner.Result{Success: false, StderrTail: "first failure"}},
		{Result: phaserunner.Result{Success: false, StderrTail: "second failure"}},
		{Result: phaserunner.Result{Success: true}},
	}
	o.recordRetries("phase4", "book", attempts)

	var events []policylog.Event
	if err := policylog.IterEvents(logRoot, func(e policylog.Event) { events = append(events, e) }); err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 phase_retry events (one per retried attempt), got %d", len(events))
	}
	for _, e := range events {
		if e["event"] != policylog.EventPhaseRetry {
			t.Errorf("expected event %v to be phase_retry", e["event"])
		}
	}
}

func TestRecordRetriesNoopWhenNoRetriesOccurred(t *testing.T) {
	dir := t.TempDir()
	store := statestore.New(filepath.Join(dir, "pipeline.json"), statestore.Options{}, nil)
	logRoot := filepath.Join(dir, "policy_logs")
	logger := policylog.NewLogger(policylog.Options{LogRoot: logRoot, RunID: "run-noretry"})
	defer logger.Close()
	o := New(store, nil, logger, nil, nil)

	o.recordRetries("phase4", "book", []phaserunner.Attempt{{Result: phaserunner.Result{Success: true}}})

	var events []policylog.Event
	if err := policylog.IterEvents(logRoot, func(e policylog.Event) { events = append(events, e) }); err != nil {
		t.Fatalf("IterEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events for a single successful attempt, got %d", len(events))
	}
}

func TestRecordBatchRunAppendsEntry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	batch := &BatchResult{
		RunID:     "run-test",
		Succeeded: 1,
		Failed:    1,
		Files: []BatchFileResult{
			{InputPath: "/tmp/a.txt", Result: &RunResult{Success: true}},
			{InputPath: "/tmp/b.txt", Result: &RunResult{Success: false, Error: "boom"}},
		},
	}
	if err := o.recordBatchRun(ctx, batch); err != nil {
		t.Fatalf("recordBatchRun failed: %v", err)
	}

	doc, err := o.Store.Read(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.BatchRuns) != 1 {
		t.Fatalf("expected 1 batch run recorded, got %d", len(doc.BatchRuns))
	}
	run := doc.BatchRuns[0]
	if run.RunID != "run-test" || run.Status != "partial_success" {
		t.Errorf("unexpected batch run: %+v", run)
	}
	if len(run.Files) != 2 {
		t.Errorf("expected 2 file entries, got %d", len(run.Files))
	}
}
