package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jorge-barreto/pipeline/internal/advisor"
	"github.com/jorge-barreto/pipeline/internal/metrics"
	"github.com/jorge-barreto/pipeline/internal/orchestrator"
	"github.com/jorge-barreto/pipeline/internal/overrides"
	"github.com/jorge-barreto/pipeline/internal/phaserunner"
	"github.com/jorge-barreto/pipeline/internal/policylog"
	"github.com/jorge-barreto/pipeline/internal/statestore"
	"github.com/jorge-barreto/pipeline/internal/tracing"
	"github.com/jorge-barreto/pipeline/internal/ux"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	app := &cli.Command{
		Name:  "pipeline",
		Usage: "Audiobook production pipeline orchestrator",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "Use a development zap logger (human-readable, debug level)"},
		},
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			batchCmd(),
			adviseCmd(),
			backupsCmd(),
			serveMetricsCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ux.Red, ux.Reset, err)
		os.Exit(1)
	}
}

// buildLogger constructs the single *zap.Logger shared by every component
// this invocation touches, per the "explicit owned instances, no package
// singleton" convention.
func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// registryPath resolves the phase registry location: PIPELINE_CONFIG env
// override, else the default .pipeline/phases.yaml.
func registryPath() string {
	if p := os.Getenv("PIPELINE_CONFIG"); p != "" {
		return p
	}
	return phaserunner.DefaultRegistryPath
}

// policyLogRoot resolves the policy-log directory: POLICY_LOG_ROOT env
// override, else the default .pipeline/policy_logs.
func policyLogRoot() string {
	if p := os.Getenv("POLICY_LOG_ROOT"); p != "" {
		return p
	}
	return filepath.Join(".pipeline", "policy_logs")
}

// buildOrchestrator wires StateStore, the phase registry, PolicyLogger, the
// tuning-override store, and the Advisor into one Orchestrator, all sharing
// logger. The Advisor closes the self-driving feedback loop: its snapshot at
// run completion is what ApplySelfDriving reads to adjust overrides.
func buildOrchestrator(cmd *cli.Command, statePath string, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	if statePath == "" {
		statePath = "pipeline.json"
	}
	store := statestore.New(statePath, statestore.Options{}, logger)

	registry, err := phaserunner.LoadRegistry(registryPath())
	if err != nil {
		return nil, err
	}

	policyLog := policylog.NewLogger(policylog.Options{LogRoot: policyLogRoot()})
	overrideStore := overrides.Load(overrides.DefaultPath)

	orch := orchestrator.New(store, registry, policyLog, overrideStore, logger)
	orch.Advisor = advisor.NewAdvisor(policyLogRoot())
	return orch, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run the pipeline for one input file",
		ArgsUsage: "<input-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "phases", Usage: "Comma-separated phase list (default phase1,phase2,phase3,phase4,phase5)"},
			&cli.StringFlag{Name: "pipeline-json", Usage: "Override the state file location"},
			&cli.BoolFlag{Name: "no-resume", Usage: "Ignore prior successful phases"},
			&cli.IntFlag{Name: "max-retries", Usage: "Per-phase retry budget", Value: 2},
			&cli.StringFlag{Name: "voice", Usage: "Override voice selection"},
			&cli.StringFlag{Name: "engine", Usage: "Override TTS engine (xtts|kokoro)"},
			&cli.BoolFlag{Name: "enable-subtitles", Usage: "Run phase 5.5 (subtitle generation)"},
			&cli.BoolFlag{Name: "concat-only", Usage: "Force the phase-5 concat-only fast path"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Print the phase plan without executing"},
			&cli.BoolFlag{Name: "trace", Usage: "Emit OpenTelemetry spans for each phase invocation to stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inputPath := cmd.Args().First()
			if inputPath == "" {
				return fmt.Errorf("input-file argument is required")
			}

			logger, err := buildLogger(cmd.Bool("debug"))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			if cmd.Bool("trace") {
				shutdown, err := tracing.Init(ctx)
				if err != nil {
					return fmt.Errorf("initializing tracing: %w", err)
				}
				defer shutdown(ctx)
			}

			orch, err := buildOrchestrator(cmd, cmd.String("pipeline-json"), logger)
			if err != nil {
				return err
			}

			phases := orchestrator.DefaultPhases
			if p := cmd.String("phases"); p != "" {
				phases = strings.Split(p, ",")
			}

			if cmd.Bool("dry-run") {
				fmt.Println("Phase plan:")
				for i, p := range phases {
					fmt.Printf("  %d. %s\n", i+1, p)
				}
				if cmd.Bool("enable-subtitles") {
					fmt.Printf("  %d. phase5_5\n", len(phases)+1)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			total := len(phases)
			runCfg := orchestrator.RunConfig{
				InputPath:       inputPath,
				VoiceID:         cmd.String("voice"),
				Engine:          cmd.String("engine"),
				Phases:          phases,
				NoResume:        cmd.Bool("no-resume"),
				MaxRetries:      int(cmd.Int("max-retries")),
				EnableSubtitles: cmd.Bool("enable-subtitles"),
				ConcatOnly:      cmd.Bool("concat-only"),
				Progress: func(phase string, pct float64, msg string) {
					index := phaseIndex(phases, phase)
					switch msg {
					case "starting":
						ux.PhaseHeader(index, total, phase)
					case "skipped (already successful)":
						ux.PhaseSkip(index, phase)
					case "complete":
						ux.PhaseComplete(index, phase, 0)
					}
				},
			}

			result, err := orch.Run(ctx, runCfg)
			if err != nil {
				return err
			}
			if !result.Success {
				ux.PhaseFail(len(result.Phases)-1, lastPhase(result), result.Error)
				ux.ResumeHint(result.FileID)
				return fmt.Errorf("run failed: %s", result.Error)
			}
			ux.Success(total)
			if result.AudiobookPath != "" {
				fmt.Printf("Audiobook: %s\n", result.AudiobookPath)
			}
			return nil
		},
	}
}

func phaseIndex(phases []string, phase string) int {
	for i, p := range phases {
		if p == phase {
			return i
		}
	}
	return 0
}

func lastPhase(result *orchestrator.RunResult) string {
	if len(result.Phases) == 0 {
		return ""
	}
	return result.Phases[len(result.Phases)-1].Phase
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show phase-by-phase status for a tracked input",
		ArgsUsage: "<file-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline-json", Usage: "Override the state file location"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileID := cmd.Args().First()
			if fileID == "" {
				return fmt.Errorf("file-id argument is required")
			}

			logger, err := buildLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			statePath := cmd.String("pipeline-json")
			if statePath == "" {
				statePath = "pipeline.json"
			}
			store := statestore.New(statePath, statestore.Options{}, logger)
			doc, err := store.Read(ctx, false)
			if err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			ux.RenderStatus(doc, fileID)
			return nil
		},
	}
}

func batchCmd() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Run the pipeline over multiple inputs with a bounded worker pool",
		ArgsUsage: "<input-file...>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline-json", Usage: "Override the state file location"},
			&cli.IntFlag{Name: "max-workers", Usage: "Bound on concurrent per-file pipelines", Value: 4},
			&cli.IntFlag{Name: "max-retries", Usage: "Per-phase retry budget", Value: 2},
			&cli.StringFlag{Name: "voice", Usage: "Override voice selection"},
			&cli.StringFlag{Name: "engine", Usage: "Override TTS engine (xtts|kokoro)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inputs := cmd.Args().Slice()
			if len(inputs) == 0 {
				return fmt.Errorf("at least one input-file argument is required")
			}

			logger, err := buildLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			orch, err := buildOrchestrator(cmd, cmd.String("pipeline-json"), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			batch, err := orch.RunBatch(ctx, orchestrator.BatchConfig{
				Inputs:     inputs,
				VoiceID:    cmd.String("voice"),
				Engine:     cmd.String("engine"),
				MaxRetries: int(cmd.Int("max-retries")),
				MaxWorkers: int(cmd.Int("max-workers")),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Batch %s: %d succeeded, %d failed (%s)\n", batch.RunID, batch.Succeeded, batch.Failed, batch.Duration)
			if batch.Failed > 0 {
				return fmt.Errorf("%d file(s) failed", batch.Failed)
			}
			return nil
		},
	}
}

func adviseCmd() *cli.Command {
	return &cli.Command{
		Name:      "advise",
		Usage:     "Print the Advisor's current advice bundle and telemetry snapshot for a file",
		ArgsUsage: "<file-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "phase", Usage: "Scope advice to a single phase", Value: "phase4"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileID := cmd.Args().First()
			if fileID == "" {
				return fmt.Errorf("file-id argument is required")
			}

			adv := advisor.NewAdvisor(policyLogRoot())
			advice := adv.Advise(advisor.AdviseContext{Phase: cmd.String("phase"), FileID: fileID})

			fmt.Printf("%sAdvice for %s%s\n", ux.Bold, fileID, ux.Reset)
			if advice.ChunkSize != nil {
				fmt.Printf("  chunk_size:   %s (%s, confidence %.2f)\n", advice.ChunkSize.Action, advice.ChunkSize.Reason, advice.ChunkSize.Confidence)
			}
			if advice.Engine != nil {
				fmt.Printf("  engine:       %s (%s, confidence %.2f)\n", advice.Engine.Engine, advice.Engine.Reason, advice.Engine.Confidence)
			}
			if advice.VoiceVariant != nil {
				fmt.Printf("  voice:        %s (%s)\n", advice.VoiceVariant.Action, advice.VoiceVariant.Reason)
			}
			if advice.RetryPolicy != nil {
				fmt.Printf("  retry_policy: %s suggested_retries=%d (%s)\n", advice.RetryPolicy.Phase, advice.RetryPolicy.SuggestedRetries, advice.RetryPolicy.Reason)
			}
			for _, s := range advice.Suggestions {
				fmt.Printf("  %s[%s]%s %s\n", ux.Yellow, s.Type, ux.Reset, s.Message)
			}
			fmt.Printf("\n%sTelemetry:%s\n", ux.Bold, ux.Reset)
			for k, v := range advice.Telemetry {
				fmt.Printf("  %s = %v\n", k, v)
			}
			return nil
		},
	}
}

func backupsCmd() *cli.Command {
	return &cli.Command{
		Name:  "backups",
		Usage: "Manage pipeline.json backups",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List available backups",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pipeline-json", Usage: "Override the state file location"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum backups to list", Value: 20},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					logger, err := buildLogger(cmd.Bool("debug"))
					if err != nil {
						return err
					}
					defer logger.Sync()

					statePath := cmd.String("pipeline-json")
					if statePath == "" {
						statePath = "pipeline.json"
					}
					store := statestore.New(statePath, statestore.Options{}, logger)
					backups, err := store.ListBackups(int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					if len(backups) == 0 {
						fmt.Println("(no backups)")
						return nil
					}
					for _, b := range backups {
						fmt.Println(b)
					}
					return nil
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore pipeline.json from a backup file",
				ArgsUsage: "<backup-path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pipeline-json", Usage: "Override the state file location"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					backupPath := cmd.Args().First()
					if backupPath == "" {
						return fmt.Errorf("backup-path argument is required")
					}

					logger, err := buildLogger(cmd.Bool("debug"))
					if err != nil {
						return err
					}
					defer logger.Sync()

					statePath := cmd.String("pipeline-json")
					if statePath == "" {
						statePath = "pipeline.json"
					}
					store := statestore.New(statePath, statestore.Options{}, logger)
					if err := store.RestoreBackup(backupPath); err != nil {
						return err
					}
					fmt.Printf("Restored %s from %s\n", statePath, backupPath)
					return nil
				},
			},
		},
	}
}

func serveMetricsCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "Expose Prometheus metrics over HTTP (off by default; opt-in diagnostic surface)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address", Value: ":9090"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger, err := buildLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			recorder := metrics.New()
			mux := http.NewServeMux()
			mux.Handle("/metrics", recorder.Handler())

			srv := &http.Server{Addr: cmd.String("addr"), Handler: mux}
			logger.Info("serving metrics", zap.String("addr", cmd.String("addr")))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}
