// Package policylog implements the append-only JSONL event log behind the
// pipeline's non-intervention policy observer: phase lifecycle hooks write
// enriched records to day-rotated log files under .pipeline/policy_logs,
// which the advisor package later reads back to compute its statistics.
package policylog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Version is stamped onto every emitted record as policy_version.
const Version = "3.0"

// Event names mirror the original observer's record_* hooks.
const (
	EventPhaseStart   = "phase_start"
	EventPhaseEnd     = "phase_end"
	EventPhaseRetry   = "phase_retry"
	EventPhaseFailure = "phase_failure"
)

// Context carries the fields a caller supplies for one event. Extra holds
// any additional event-specific fields (metrics, errors, ...) that get
// merged into the emitted record.
type Context struct {
	Phase      string
	FileID     string
	Status     string
	DurationMS float64
	Metrics    map[string]any
	Errors     []string
	Extra      map[string]any
}

func (c Context) toPayload() map[string]any {
	payload := map[string]any{}
	for k, v := range c.Extra {
		payload[k] = v
	}
	if c.Phase != "" {
		payload["phase"] = c.Phase
	}
	if c.FileID != "" {
		payload["file_id"] = c.FileID
	}
	if c.Status != "" {
		payload["status"] = c.Status
	}
	if c.DurationMS != 0 {
		payload["duration_ms"] = c.DurationMS
	}
	if c.Metrics != nil {
		payload["metrics"] = c.Metrics
	}
	if c.Errors != nil {
		payload["errors"] = c.Errors
	}
	return payload
}

// SystemStats snapshots point-in-time load figures attached to each record.
// All fields are nil when the host doesn't expose this information.
type SystemStats struct {
	SystemLoad    []float64 `json:"system_load,omitempty"`
	CPUPercent    *float64  `json:"cpu_percent,omitempty"`
	MemoryPercent *float64  `json:"memory_percent,omitempty"`
}

// StatsProvider supplies the system snapshot merged into each record.
// Implementations may return zero values when unavailable, matching the
// original's "psutil not installed" fallback.
type StatsProvider func() SystemStats

// Logger is the non-intervention observer: it never blocks or alters phase
// execution, only records what happened for the advisor to later read.
type Logger struct {
	logRoot  string
	enabled  bool
	learning string
	stats    StatsProvider

	mu       sync.Mutex
	handle   *os.File
	day      string
	runID    string
	sequence int
}

// Options configures a Logger.
type Options struct {
	LogRoot      string // default: ".pipeline/policy_logs"
	Disabled     bool   // set true to turn every Record* call into a no-op
	LearningMode string // default "observe"
	RunID        string // default: a generated run id
	SystemStats  StatsProvider
}

// NewLogger constructs a Logger, enabled unless opts.Disabled is set.
func NewLogger(opts Options) *Logger {
	logRoot := opts.LogRoot
	if logRoot == "" {
		logRoot = filepath.Join(".pipeline", "policy_logs")
	}
	learning := opts.LearningMode
	if learning == "" {
		learning = "observe"
	}
	runID := opts.RunID
	if runID == "" {
		runID = GenerateRunID()
	}
	stats := opts.SystemStats
	if stats == nil {
		stats = func() SystemStats { return SystemStats{} }
	}
	return &Logger{
		logRoot:  logRoot,
		enabled:  !opts.Disabled,
		learning: learning,
		stats:    stats,
		runID:    runID,
	}
}

// GenerateRunID produces a run-<YYYYMMDDTHHMMSS UTC>-<8 hex chars> identifier.
func GenerateRunID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("run-%s-%s", ts, uuid.New().String()[:8])
}

// RunID returns the current run identifier.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// StartNewRun resets the run identifier and per-run sequence counter so
// downstream logs can separate executions.
func (l *Logger) StartNewRun(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if runID == "" {
		runID = GenerateRunID()
	}
	l.runID = runID
	l.sequence = 0
}

// RecordPhaseStart logs a phase_start event (status defaults to "starting").
func (l *Logger) RecordPhaseStart(ctx Context) {
	if ctx.Status == "" {
		ctx.Status = "starting"
	}
	l.recordEvent(EventPhaseStart, ctx)
}

// RecordPhaseEnd logs a phase_end event (status defaults to "success").
func (l *Logger) RecordPhaseEnd(ctx Context) {
	if ctx.Status == "" {
		ctx.Status = "success"
	}
	l.recordEvent(EventPhaseEnd, ctx)
}

// RecordRetry logs a phase_retry event (status defaults to "retry").
func (l *Logger) RecordRetry(ctx Context) {
	if ctx.Status == "" {
		ctx.Status = "retry"
	}
	l.recordEvent(EventPhaseRetry, ctx)
}

// RecordFailure logs a phase_failure event (status defaults to "failed").
func (l *Logger) RecordFailure(ctx Context) {
	if ctx.Status == "" {
		ctx.Status = "failed"
	}
	l.recordEvent(EventPhaseFailure, ctx)
}

func (l *Logger) recordEvent(event string, ctx Context) {
	if !l.enabled {
		return
	}
	payload := ctx.toPayload()
	if _, ok := payload["event"]; !ok {
		payload["event"] = event
	}
	payload["timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.000") + "Z"
	payload["learning_mode"] = l.learning
	payload["policy_version"] = Version

	snap := l.stats()
	payload["system_load"] = snap.SystemLoad
	payload["cpu_percent"] = snap.CPUPercent
	payload["memory_percent"] = snap.MemoryPercent

	l.mu.Lock()
	defer l.mu.Unlock()
	payload["run_id"] = l.runID
	l.sequence++
	payload["sequence"] = l.sequence

	handle, err := l.ensureHandleLocked()
	if err != nil || handle == nil {
		return
	}
	line, err := json.Marshal(payload)
	if err != nil {
		return
	}
	handle.Write(append(line, '\n'))
	handle.Sync()
}

// ensureHandleLocked returns the append handle for today's log file,
// rotating to a new file when the UTC day has changed. Caller must hold mu.
func (l *Logger) ensureHandleLocked() (*os.File, error) {
	day := time.Now().UTC().Format("20060102")
	if l.handle != nil && l.day == day {
		return l.handle, nil
	}
	if err := os.MkdirAll(l.logRoot, 0755); err != nil {
		return nil, err
	}
	if l.handle != nil {
		l.handle.Close()
		l.handle = nil
	}
	path := filepath.Join(l.logRoot, day+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.handle = f
	l.day = day
	return f, nil
}

// Close releases the current log file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return nil
	}
	err := l.handle.Close()
	l.handle = nil
	return err
}

// Event is one decoded JSONL record, kept as a loosely typed map since the
// record shape varies by event type (the advisor only reads specific keys).
type Event map[string]any

// IterEvents reads every *.log file under logRoot in lexical order and
// yields decoded events via the callback, skipping malformed lines. Lexical
// order coincides with chronological order for the YYYYMMDD.log naming
// scheme.
func IterEvents(logRoot string, fn func(Event)) error {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		names = append(names, e.Name())
	}
	sortStrings(names)
	for _, name := range names {
		if err := readLogFile(filepath.Join(logRoot, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func readLogFile(path string, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		fn(event)
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
