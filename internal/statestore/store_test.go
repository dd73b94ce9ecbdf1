package statestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jorge-barreto/pipeline/internal/schema"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pipeline.json"), Options{}, nil)

	err := store.Transaction(context.Background(), "seed", func(doc *schema.Document) (*schema.Document, error) {
		doc.FileID = "book"
		return doc, nil
	}, false)
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	doc, err := store.Read(context.Background(), false)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if doc.FileID != "book" {
		t.Fatalf("expected file_id 'book', got %q", doc.FileID)
	}
}

func TestReadMissingFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pipeline.json"), Options{}, nil)

	doc, err := store.Read(context.Background(), false)
	if err != nil {
		t.Fatalf("expected no error reading missing state file, got: %v", err)
	}
	if doc.PipelineVersion != schema.CanonicalVersion {
		t.Fatalf("expected canonical version %q, got %q", schema.CanonicalVersion, doc.PipelineVersion)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	store := New(path, Options{}, nil)

	if err := store.Transaction(context.Background(), "seed", func(doc *schema.Document) (*schema.Document, error) {
		doc.FileID = "first"
		return doc, nil
	}, false); err != nil {
		t.Fatalf("seed transaction failed: %v", err)
	}

	wantErr := errBoom
	err := store.Transaction(context.Background(), "mutate", func(doc *schema.Document) (*schema.Document, error) {
		doc.FileID = "second"
		return doc, wantErr
	}, false)
	if err == nil {
		t.Fatalf("expected transaction to fail")
	}

	doc, readErr := store.Read(context.Background(), false)
	if readErr != nil {
		t.Fatalf("read after rollback failed: %v", readErr)
	}
	if doc.FileID != "first" {
		t.Fatalf("expected rollback to preserve 'first', got %q", doc.FileID)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }

func TestConcurrentTransactionsAllCommit(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pipeline.json"), Options{}, nil)

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			key := "k" + string(rune('a'+idx))
			_ = store.Transaction(context.Background(), "concurrent", func(doc *schema.Document) (*schema.Document, error) {
				if doc.VoiceOverrides == nil {
					doc.VoiceOverrides = map[string]string{}
				}
				doc.VoiceOverrides[key] = "v"
				return doc, nil
			}, false)
		}(i)
	}
	wg.Wait()

	doc, err := store.Read(context.Background(), false)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(doc.VoiceOverrides) != n {
		t.Fatalf("expected %d entries after concurrent transactions, got %d", n, len(doc.VoiceOverrides))
	}
}

func TestListAndRestoreBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	store := New(path, Options{BackupBeforeWrite: true}, nil)

	if err := store.Transaction(context.Background(), "seed", func(doc *schema.Document) (*schema.Document, error) {
		doc.FileID = "v1"
		return doc, nil
	}, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := store.Transaction(context.Background(), "update", func(doc *schema.Document) (*schema.Document, error) {
		doc.FileID = "v2"
		return doc, nil
	}, false); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	backups, err := store.ListBackups(10)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) == 0 {
		t.Fatalf("expected at least one backup after second write")
	}

	if err := store.RestoreBackup(backups[0]); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}
	doc, err := store.Read(context.Background(), false)
	if err != nil {
		t.Fatalf("read after restore failed: %v", err)
	}
	if doc.FileID != "v1" {
		t.Fatalf("expected restored file_id 'v1', got %q", doc.FileID)
	}
}

func TestLockTimeoutWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	lock := &fileLock{path: path + ".lock"}
	if err := lock.TryAcquire(context.Background(), 0); err != nil {
		t.Fatalf("initial lock acquire failed: %v", err)
	}
	defer lock.Release()

	second := &fileLock{path: path + ".lock"}
	err := second.TryAcquire(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected lock timeout error on already-locked file")
	}
}

func TestGetTransactionHistoryReturnsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pipeline.json"), Options{}, nil)

	for i := 0; i < 3; i++ {
		_ = store.Transaction(context.Background(), "op"+string(rune('a'+i)), func(doc *schema.Document) (*schema.Document, error) {
			return doc, nil
		}, false)
	}

	history := store.GetTransactionHistory(10)
	if len(history) < 3 {
		t.Fatalf("expected at least 3 transaction records, got %d", len(history))
	}
	if history[0].Operation != "opc" || history[2].Operation != "opa" {
		t.Fatalf("expected newest first (opc ... opa), got %q first and %q third", history[0].Operation, history[2].Operation)
	}
}
