// Package main is cogkernel's entry point: a single cobra root command
// wiring the kernel (C13) up from an on-disk config file and dispatching
// one operation per invocation.
//
// # File Index
//
//   - main.go        - Entry point, rootCmd, global flags, init(), exit codes
//   - cmd_memory.go  - remember, recall
//   - cmd_events.go  - record-event, recall-events
//   - cmd_procedure.go - create-procedure, find-procedures, record-execution
//   - cmd_tasks.go   - create-task, transition-task, ready-tasks, critical-path
//   - cmd_maint.go   - consolidate, quality-summary, alerts
//   - cmd_serve.go   - serve (stdio/HTTP JSON-RPC transport + ingest bus)
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cogkernel/internal/config"
	"cogkernel/internal/embedding"
	"cogkernel/internal/kernel"
	"cogkernel/internal/logging"
	"cogkernel/internal/store"
)

// Exit codes, per spec.md's external-interfaces section.
const (
	exitOK                = 0
	exitUsage             = 2
	exitStorageUnavail    = 10
	exitEmbedderUnavail   = 11
	exitInternal          = 20
)

var (
	verbose    bool
	configPath string
	project    string
	timeout    time.Duration

	logger *zap.Logger

	// populated by PersistentPreRunE, torn down by PersistentPostRun
	activeKernel   *kernel.Kernel
	activeStore    *store.Store
	activeEmbedder embedding.EmbeddingEngine
)

var rootCmd = &cobra.Command{
	Use:   "cogkernel",
	Short: "cogkernel - a local-first cognitive memory engine",
	Long: `cogkernel stores what an agent learns across a project: durable facts,
runnable procedures, the raw event history they were derived from, a
relation graph, and a quality signal over all of it.

Every subcommand maps to one operation in the kernel's closed dispatch
table and returns a single structured result.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}

		ws, _ := os.Getwd()
		if err := logging.Initialize(ws, cfg.Logging.ToLogging()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}

		return setupKernel(cmd.Context(), cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if activeStore != nil {
			activeStore.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// setupKernel opens storage, builds the embedder and validator, and
// constructs the kernel every subcommand dispatches through.
func setupKernel(ctx context.Context, cfg *config.Config) error {
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return exitErr(exitStorageUnavail, fmt.Errorf("open store: %w", err))
	}
	activeStore = s

	var embedder embedding.EmbeddingEngine
	embedderAvailable := false
	if cfg.Embedder.Endpoint != "" {
		primary, err := embedding.NewEngine(embedding.Config{
			Provider:       "ollama",
			OllamaEndpoint: cfg.Embedder.Endpoint,
			OllamaModel:    "embeddinggemma",
		})
		if err != nil {
			logging.Get(logging.CategoryKernel).Warn("embedder unavailable, running degraded: %v", err)
		} else {
			var fallback embedding.EmbeddingEngine
			if cfg.Embedder.FallbackEndpoint != "" {
				fallback, _ = embedding.NewEngine(embedding.Config{
					Provider:       "ollama",
					OllamaEndpoint: cfg.Embedder.FallbackEndpoint,
					OllamaModel:    "embeddinggemma",
				})
			}
			embedder = embedding.NewRetryingEmbedder(primary, fallback, embedding.RetryConfig{
				RateLimitRPS: float64(cfg.Embedder.RateLimitRPS),
			})
			embedderAvailable = true
		}
	}
	activeEmbedder = embedder

	k, err := kernel.New(ctx, cfg, s, kernel.Deps{
		Embedder:          embedder,
		EmbedderAvailable: embedderAvailable,
	})
	if err != nil {
		return exitErr(exitInternal, fmt.Errorf("construct kernel: %w", err))
	}
	activeKernel = k
	return nil
}

// exitErr tags err with the process exit code its caller should use; main()
// unwraps it via errExitCode.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &cliError{code: code, err: err}
}

func errExitCode(err error) int {
	var ce *cliError
	if e, ok := err.(*cliError); ok {
		ce = e
		return ce.code
	}
	return exitInternal
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "cogkernel.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&project, "project", "default", "project name to operate against")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	rootCmd.AddCommand(
		rememberCmd,
		recallCmd,
		recordEventCmd,
		recallEventsCmd,
		createProcedureCmd,
		findProceduresCmd,
		recordExecutionCmd,
		createTaskCmd,
		transitionTaskCmd,
		readyTasksCmd,
		criticalPathCmd,
		consolidateCmd,
		qualitySummaryCmd,
		alertsCmd,
		serveCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errExitCode(err))
	}
	os.Exit(exitOK)
}
