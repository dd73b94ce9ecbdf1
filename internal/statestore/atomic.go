package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// writeFileAtomic writes data to path by first writing a PID+timestamp
// qualified temp file on the same filesystem, fsync-ing it, then
// rename-replacing it over the target. This guarantees a reader never
// observes a partially written file: either the rename has happened (new
// content, complete) or it hasn't (old content, complete).
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf("%s.%d_%d.tmp", filepath.Base(path), os.Getpid(), time.Now().UnixMilli()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return &errs.StateWriteError{Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.StateWriteError{Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &errs.StateWriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &errs.StateWriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &errs.StateWriteError{Path: path, Err: err}
	}
	return nil
}

// backupManager creates timestamped copies of the state file before writes
// and rotates old ones away, keeping the MaxBackups most recent.
type backupManager struct {
	statePath  string
	backupDir  string
	maxBackups int
}

func newBackupManager(statePath string, maxBackups int) *backupManager {
	return &backupManager{
		statePath:  statePath,
		backupDir:  filepath.Join(filepath.Dir(statePath), ".pipeline", "backups"),
		maxBackups: maxBackups,
	}
}

func (b *backupManager) ensureDir() error {
	return os.MkdirAll(b.backupDir, 0755)
}

func (b *backupManager) stem() string {
	name := filepath.Base(b.statePath)
	return name[:len(name)-len(filepath.Ext(name))]
}

// createBackup copies the current state file to a timestamped backup. A
// missing state file is not an error (nothing to back up yet).
func (b *backupManager) createBackup() (string, error) {
	if _, err := os.Stat(b.statePath); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := b.ensureDir(); err != nil {
		return "", err
	}
	timestamp := time.Now().Format("20060102_150405.000000")
	timestamp = fmtUnderscoreMicros(timestamp)
	name := fmt.Sprintf("%s_%s.json.bak", b.stem(), timestamp)
	backupPath := filepath.Join(b.backupDir, name)

	data, err := os.ReadFile(b.statePath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// fmtUnderscoreMicros converts Go's "20060102_150405.000000" layout output
// into the original's "%Y%m%d_%H%M%S_%f" underscore-separated microseconds
// form (YYYYMMDD_HHMMSS_ffffff).
func fmtUnderscoreMicros(formatted string) string {
	dot := -1
	for i, c := range formatted {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return formatted
	}
	return formatted[:dot] + "_" + formatted[dot+1:]
}

func (b *backupManager) listBackupPaths() ([]string, error) {
	entries, err := os.ReadDir(b.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := b.stem() + "_"
	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(b.backupDir, name), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// rotate deletes backups beyond maxBackups, oldest first.
func (b *backupManager) rotate() error {
	paths, err := b.listBackupPaths()
	if err != nil {
		return err
	}
	if len(paths) <= b.maxBackups {
		return nil
	}
	for _, p := range paths[b.maxBackups:] {
		os.Remove(p)
	}
	return nil
}

func (b *backupManager) list(limit int) ([]string, error) {
	paths, err := b.listBackupPaths()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

func (b *backupManager) restore(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.statePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(b.statePath, data, 0644)
}

// transactionLog is the append-only JSONL audit log at
// .pipeline/transactions.log.
type transactionLog struct {
	path string
}

func newTransactionLog(statePath string) *transactionLog {
	return &transactionLog{path: filepath.Join(filepath.Dir(statePath), ".pipeline", "transactions.log")}
}

type transactionRecord struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	PID       int            `json:"pid"`
	Details   map[string]any `json:"details,omitempty"`
}

// append writes one record. Failures are swallowed: the audit log must
// never break a write that otherwise succeeded.
func (t *transactionLog) append(operation string, success bool, details map[string]any) {
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return
	}
	record := transactionRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: operation,
		Success:   success,
		PID:       os.Getpid(),
		Details:   details,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// recent returns up to limit of the most recent records, newest first.
// Malformed lines are skipped.
func (t *transactionLog) recent(limit int) []transactionRecord {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil
	}
	var records []transactionRecord
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec transactionRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
	}
	// newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
