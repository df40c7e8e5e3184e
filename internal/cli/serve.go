package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/control"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/executor"
	"github.com/phillipcheng/claude-task-automation-server/internal/fanout"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/responder"
	"github.com/phillipcheng/claude-task-automation-server/internal/store"
	"github.com/phillipcheng/claude-task-automation-server/internal/worktree"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task-automation engine",
	Long: `Starts the engine and blocks until interrupted. The HTTP front-end
attaches to the control service in-process; this command wires the
persistence gateway, workspace manager, assistant client, and executor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := buildLogger(cmd)
		if err != nil {
			return err
		}

		cfg := config.FromEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}

		streamDir, _ := cmd.Flags().GetString("stream-log-dir")
		_, _, exec, cleanup, err := Wire(cmd.Context(), cfg, streamDir, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		logger.Info("engine started",
			"assistant", cfg.AssistantCommand,
			"workspace_root", cfg.DefaultWorkspaceRoot,
			"store", storeKind(cfg))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := exec.Shutdown(ctx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("stream-log-dir", "", "Directory for raw assistant stream capture (empty disables)")
}

// Wire assembles the engine from configuration. It returns the store, the
// control service, the executor manager, and a cleanup function.
func Wire(ctx context.Context, cfg *config.Config, streamDir string, logger *slog.Logger) (store.Store, *control.Service, *executor.Manager, func(), error) {
	clk := clock.System{}

	var st store.Store
	var closeStore func()
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, clk)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, nil, err
		}
		st = pg
		closeStore = pg.Close
	} else {
		st = store.NewMemory(clk)
		closeStore = func() {}
	}

	var streams *assistant.StreamLog
	if streamDir != "" {
		var err error
		streams, err = assistant.NewStreamLog(streamDir, logger)
		if err != nil {
			closeStore()
			return nil, nil, nil, nil, err
		}
	}

	client := assistant.NewClient(cfg.AssistantCommand, streams, logger.With("component", "assistant"))
	analyzer := criteria.New(client, logger.With("component", "criteria"))
	hub := fanout.NewHub(logger.With("component", "fanout"))
	queue := inputqueue.New(st, clk, logger.With("component", "inputqueue"))
	worktrees := worktree.NewManager(cfg.IsolatedSubdir, control.ActiveBranches{Store: st}, logger.With("component", "worktree"))

	exec := executor.NewManager(st, queue, client, responder.New(), hub, clk, logger.With("component", "executor"))
	exec.SetJudge(analyzer)

	svc := control.NewService(st, queue, exec, worktrees, hub, clk, logger.With("component", "control"))
	svc.SetExtractor(analyzer)
	if streams != nil {
		svc.SetStreamLog(streams)
	}

	cleanup := func() {
		if streams != nil {
			_ = streams.Close()
		}
		closeStore()
	}
	return st, svc, exec, cleanup, nil
}

func buildLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	formatStr, _ := cmd.Flags().GetString("log-format")

	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(formatStr) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func storeKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
