package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jorge-barreto/pipeline/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchConfig configures a multi-input batch run.
type BatchConfig struct {
	Inputs     []string
	VoiceID    string
	Engine     string
	Phases     []string
	NoResume   bool
	MaxRetries int
	MaxWorkers int
	Progress   ProgressFunc
}

// BatchFileResult is one input's outcome within a BatchResult.
type BatchFileResult struct {
	InputPath string
	Result    *RunResult
	Err       error
}

// BatchResult summarizes a batch run across all inputs, aggregated into a
// single batch_runs record.
type BatchResult struct {
	RunID      string
	Succeeded  int
	Failed     int
	Duration   time.Duration
	Files      []BatchFileResult
}

// RunBatch runs cfg.Inputs through Run, up to cfg.MaxWorkers concurrently.
// Every worker shares the single Orchestrator (and therefore the single
// StateStore, whose Transaction serializes writes), so concurrent workers
// never corrupt each other's state even though they write to the same file.
func (o *Orchestrator) RunBatch(ctx context.Context, cfg BatchConfig) (*BatchResult, error) {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	sem := semaphore.NewWeighted(int64(maxWorkers))
	group, groupCtx := errgroup.WithContext(ctx)

	results := make([]BatchFileResult, len(cfg.Inputs))
	var mu sync.Mutex

	start := time.Now()
	runID := o.currentRunID()

	for i, input := range cfg.Inputs {
		i, input := i, input
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)

			runCfg := RunConfig{
				InputPath:  input,
				VoiceID:    cfg.VoiceID,
				Engine:     cfg.Engine,
				Phases:     cfg.Phases,
				NoResume:   cfg.NoResume,
				MaxRetries: cfg.MaxRetries,
				Progress:   cfg.Progress,
			}
			res, err := o.Run(groupCtx, runCfg)

			mu.Lock()
			results[i] = BatchFileResult{InputPath: input, Result: res, Err: err}
			mu.Unlock()
			return nil // per-file errors are reported in results, not propagated
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	batch := &BatchResult{RunID: runID, Files: results, Duration: time.Since(start)}
	for _, r := range results {
		if r.Err == nil && r.Result != nil && r.Result.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}

	if err := o.recordBatchRun(ctx, batch); err != nil {
		o.Logger.Warn("orchestrator: recording batch_runs entry failed", zap.Error(err))
	}
	return batch, nil
}

// recordBatchRun appends a batch_runs summary to the state document,
// through the same atomic Transaction every per-phase write uses.
func (o *Orchestrator) recordBatchRun(ctx context.Context, batch *BatchResult) error {
	status := "success"
	if batch.Failed > 0 {
		status = "partial_success"
		if batch.Succeeded == 0 {
			status = "failed"
		}
	}

	files := make(map[string]schema.FileEntry, len(batch.Files))
	for _, f := range batch.Files {
		fileStatus := "failed"
		var errList []any
		if f.Err != nil {
			errList = append(errList, f.Err.Error())
		} else if f.Result != nil {
			if f.Result.Success {
				fileStatus = "success"
			} else {
				errList = append(errList, f.Result.Error)
			}
		}
		files[fileIDFromPath(f.InputPath)] = schema.FileEntry{
			Envelope: schema.Envelope{Status: fileStatus, Errors: errList},
		}
	}

	run := schema.BatchRun{
		RunID:  batch.RunID,
		Status: status,
		Metrics: map[string]any{
			"succeeded":   batch.Succeeded,
			"failed":      batch.Failed,
			"duration_ms": batch.Duration.Milliseconds(),
		},
		Files: files,
	}

	return o.Store.Transaction(ctx, "batch_run", func(doc *schema.Document) (*schema.Document, error) {
		doc.BatchRuns = append(doc.BatchRuns, run)
		return doc, nil
	}, false)
}
