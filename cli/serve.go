package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/api"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/federation"
	"github.com/sudocode-ai/sudocode/gitx"
	"github.com/sudocode-ai/sudocode/process"
	"github.com/sudocode-ai/sudocode/runner"
	"github.com/sudocode-ai/sudocode/transport"
	"github.com/sudocode-ai/sudocode/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution core server",
	Long: `serve starts the HTTP server, the event transports, the workflow
engine, and the federation layer against the project's .sudocode directory.
When cache.db is missing but issues.jsonl/specs.jsonl exist, the database
is materialized from the JSONL logs first.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			exitErr(err)
		}
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "HTTP port (overrides SUDOCODE_PORT)")
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureWorkspace(); err != nil {
		return err
	}
	if port := viper.GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	logger := newLogger(cfg)
	log := logger.WithField("component", "serve")
	started := time.Now()

	store, err := db.Open(cfg.DatabasePath(), logger.WithField("component", "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Materialize the cache from the JSONL logs on first boot.
	imported, err := store.ImportIfMissing(cfg.IssuesPath(), cfg.SpecsPath())
	if err != nil {
		return err
	}
	if imported {
		log.Info("Materialized cache.db from JSONL logs")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	buffer := events.NewBuffer(logger.WithField("component", "event-buffer"),
		cfg.EventBuffer.MaxEventsPerRun, cfg.EventBuffer.Retention)
	buffer.StartSweeper(ctx, cfg.EventBuffer.SweepInterval)

	manager := transport.NewManager(logger.WithField("component", "transport-manager"), buffer)
	sse := transport.NewSSE(logger.WithField("component", "sse"), buffer)
	ws := transport.NewWS(logger.WithField("component", "ws"), buffer)
	manager.Register(sse)
	manager.Register(ws)
	sse.StartHeartbeat(ctx, 30*time.Second)
	ws.StartHeartbeat(ctx, 30*time.Second)

	supervisor := process.NewSupervisor(logger.WithField("component", "supervisor"), 5*time.Second)
	defer supervisor.Shutdown()

	registry := agent.NewRegistry(logger.WithField("component", "agent-registry"))
	agent.RegisterDefaults(registry)

	run := runner.New(logger.WithField("component", "runner"),
		store, supervisor, manager, registry)

	// The workflow engine only manages worktrees inside a git repository.
	repoDir := ""
	if gitx.NewRepo(cfg.WorkDir).IsRepo() {
		repoDir = cfg.WorkDir
	} else {
		log.Warn("Working directory is not a git repository; worktree management disabled")
	}
	engine := workflow.NewEngine(logger.WithField("component", "workflow"),
		store, run, manager, repoDir, cfg.WorkDir)

	fed := federation.NewService(logger.WithField("component", "federation"),
		store, cfg.Federation)
	fed.Subscriptions().Connections().StartSweeper(ctx, time.Minute)

	e := api.NewEchoServer(cfg.Server)
	api.SetupRoutes(e, &api.Handlers{
		Logger:     log,
		Config:     cfg,
		Store:      store,
		Runner:     run,
		Engine:     engine,
		Registry:   registry,
		Manager:    manager,
		SSE:        sse,
		Federation: fed,
	})

	log.WithField("workdir", cfg.WorkDir).Info("sudocode core starting")
	err = api.Serve(ctx, e, cfg.Server, log)

	manager.Shutdown()
	log.WithField("uptime", humanize.Time(started)).Info("sudocode core stopped")
	return err
}
