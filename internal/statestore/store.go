// Package statestore implements the atomic, single-writer/concurrent-reader
// persistence layer over pipeline.json: the StateStore component.
package statestore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/jorge-barreto/pipeline/internal/errs"
	"github.com/jorge-barreto/pipeline/internal/logging"
	"github.com/jorge-barreto/pipeline/internal/schema"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	// MaxBackups is the number of timestamped backups retained (default 50).
	MaxBackups int
	// BackupBeforeWrite controls whether a backup is taken before each write.
	BackupBeforeWrite bool
	// LockTimeout bounds how long TryAcquire polls for the lock (default 10s).
	LockTimeout time.Duration
	// ValidateOnRead runs strict schema validation on every Read when true.
	ValidateOnRead bool
}

func (o Options) withDefaults() Options {
	if o.MaxBackups == 0 {
		o.MaxBackups = 50
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 10 * time.Second
	}
	return o
}

// Store is the atomic pipeline-state manager. One Store should be
// constructed per state_path; it is safe for concurrent use by multiple
// goroutines (transactions additionally serialize via mu and the file
// lock, giving predictable behavior under thread-based concurrency on top
// of the cross-process file lock).
type Store struct {
	path    string
	lockPath string
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	backups *backupManager
	txlog   *transactionLog
}

// New constructs a Store over the pipeline.json file at path.
func New(path string, opts Options, logger *zap.Logger) *Store {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
		logger:   logger,
		backups:  newBackupManager(path, opts.MaxBackups),
		txlog:    newTransactionLog(path),
	}
}

// Path returns the pipeline.json path this Store manages.
func (s *Store) Path() string {
	return s.path
}

// Read loads the document from disk, canonicalizing it in the process. If
// the file does not exist, an empty canonicalized document is returned
// (never an error — a not-yet-started pipeline has no state file). When
// validate is true or Options.ValidateOnRead is set, strict schema
// validation runs after canonicalization.
func (s *Store) Read(ctx context.Context, validate bool) (*schema.Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			canon := schema.Canonicalize(map[string]any{}, "", false)
			return schema.Decode(canon)
		}
		return nil, &errs.StateReadError{Path: s.path, Err: err}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &errs.StateReadError{Path: s.path, Err: err}
	}

	canon := schema.Canonicalize(data, "", false)
	if err := schema.Validate(canon, nil); err != nil {
		return nil, err
	}
	if validate || s.opts.ValidateOnRead {
		if err := schema.StrictValidate(canon); err != nil {
			return nil, err
		}
	}
	return schema.Decode(canon)
}

// Write persists the given document atomically, per the atomic write
// protocol: acquire lock, optionally back up, write to temp, fsync,
// rename-replace, rotate backups, log the transaction, release the lock.
func (s *Store) Write(ctx context.Context, doc *schema.Document, validate bool) error {
	return s.Transaction(ctx, "write", func(current *schema.Document) (*schema.Document, error) {
		return doc, nil
	}, validate)
}

// Transaction begins a transactional scope. mutate receives the current
// on-disk document (freshly read inside the lock) and returns the document
// to commit. A non-nil error return rolls back: no on-disk change occurs,
// and the transaction log records the rollback. Nested transactions are
// not supported; concurrent transactions serialize via mu (in-process) and
// the file lock (cross-process).
func (s *Store) Transaction(ctx context.Context, operation string, mutate func(*schema.Document) (*schema.Document, error), validate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := &fileLock{path: s.lockPath}
	if err := lock.TryAcquire(ctx, s.opts.LockTimeout); err != nil {
		return err
	}
	defer lock.Release()

	current, err := s.readLocked()
	if err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error()})
		return err
	}

	next, err := mutate(current)
	if err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error(), "rolled_back": true})
		return &errs.StateTransactionError{Operation: operation, Err: err}
	}
	if next == nil {
		next = current
	}

	canon, err := schema.Encode(next)
	if err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error()})
		return &errs.StateWriteError{Path: s.path, Err: err}
	}
	canon = schema.Canonicalize(canon, "", true)

	if err := schema.Validate(canon, nil); err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error()})
		return err
	}
	if validate {
		if err := schema.StrictValidate(canon); err != nil {
			s.txlog.append(operation, false, map[string]any{"error": err.Error()})
			return err
		}
	}

	if s.opts.BackupBeforeWrite {
		if _, err := s.backups.createBackup(); err != nil {
			s.logger.Warn("statestore: backup before write failed",
				logging.NewFields().Component("statestore").Operation(operation).Error(err).Build()...)
		}
	}

	data, err := json.MarshalIndent(canon, "", "  ")
	if err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error()})
		return &errs.StateWriteError{Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		s.txlog.append(operation, false, map[string]any{"error": err.Error()})
		return err
	}

	if err := s.backups.rotate(); err != nil {
		s.logger.Warn("statestore: backup rotation failed",
			logging.NewFields().Component("statestore").Operation(operation).Error(err).Build()...)
	}

	s.txlog.append(operation, true, map[string]any{"changed_keys": changedTopLevelKeys(current, next)})
	return nil
}

func (s *Store) readLocked() (*schema.Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			canon := schema.Canonicalize(map[string]any{}, "", false)
			return schema.Decode(canon)
		}
		return nil, &errs.StateReadError{Path: s.path, Err: err}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &errs.StateReadError{Path: s.path, Err: err}
	}
	canon := schema.Canonicalize(data, "", false)
	return schema.Decode(canon)
}

func changedTopLevelKeys(before, after *schema.Document) []string {
	beforeMap, err1 := schema.Encode(before)
	afterMap, err2 := schema.Encode(after)
	if err1 != nil || err2 != nil {
		return nil
	}
	var changed []string
	seen := map[string]bool{}
	for k, v := range afterMap {
		seen[k] = true
		if bv, ok := beforeMap[k]; !ok || !deepEqual(bv, v) {
			changed = append(changed, k)
		}
	}
	for k := range beforeMap {
		if !seen[k] {
			changed = append(changed, k)
		}
	}
	return changed
}

func deepEqual(a, b any) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}

// ListBackups returns up to limit of the most recent backup file paths,
// newest first.
func (s *Store) ListBackups(limit int) ([]string, error) {
	return s.backups.list(limit)
}

// RestoreBackup overwrites the state file with the contents of backupPath.
// Callers SHOULD attempt this after a StateReadError indicates corruption.
func (s *Store) RestoreBackup(backupPath string) error {
	return s.backups.restore(backupPath)
}

// GetTransactionHistory returns up to limit of the most recent transaction
// log entries, newest first.
func (s *Store) GetTransactionHistory(limit int) []transactionRecord {
	return s.txlog.recent(limit)
}
