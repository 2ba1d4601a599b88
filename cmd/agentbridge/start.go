package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/boss"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/constants"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/common/tracing"
	"github.com/agentbridge/agentbridge/internal/events"
	"github.com/agentbridge/agentbridge/internal/executor"
	gateway "github.com/agentbridge/agentbridge/internal/gateway/websocket"
	"github.com/agentbridge/agentbridge/internal/linear"
	"github.com/agentbridge/agentbridge/internal/server"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/internal/session/store"
	"github.com/agentbridge/agentbridge/internal/webhook"
	"github.com/agentbridge/agentbridge/internal/worktree"
)

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("starting agentbridge",
		zap.String("version", server.Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("project_root", cfg.Git.ProjectRootDir))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg.Events, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	// Session store.
	st, storeCleanup, err := store.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = storeCleanup() }()

	// Tracker client. The agent identity is auto-discovered when not pinned
	// in config, so the bot filter works out of the box.
	tracker := linear.NewClient(cfg.Linear.APIToken, cfg.Linear.APIURL)
	if cfg.Linear.AgentUserID == "" {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, constants.TrackerRequestTimeout)
		viewer, err := tracker.Viewer(discoverCtx)
		discoverCancel()
		if err != nil {
			log.Warn("could not auto-discover agent user id, bot filter disabled", zap.Error(err))
		} else {
			cfg.Linear.AgentUserID = viewer.ID
			log.Info("discovered agent user", zap.String("agent_user_id", viewer.ID))
		}
	}

	// Direct executor.
	exec, err := executor.Provide(cfg.Executor, log)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.ManagerConfig{
		TenantID:          cfg.Linear.OrganizationID,
		Timeout:           cfg.Sessions.SessionTimeout(),
		MaxConcurrent:     cfg.Sessions.MaxConcurrent,
		CreateBranches:    cfg.Git.CreateBranches,
		DefaultBranch:     cfg.Git.DefaultBranch,
		BranchPrefix:      cfg.Git.BranchPrefix,
		WorkDirBase:       filepath.Join(cfg.Git.ProjectRootDir, ".agentbridge", "workdirs"),
		CleanupMaxAgeDays: cfg.Sessions.CleanupMaxAgeDays,
	}, st, exec, providedBus.Bus, log)

	// Git worktrees for branch isolation.
	if cfg.Git.CreateBranches {
		worktrees, err := worktree.NewManager(worktree.Config{
			RepositoryPath: cfg.Git.ProjectRootDir,
			BasePath:       cfg.Git.WorktreeBaseDir,
			BranchPrefix:   cfg.Git.BranchPrefix,
		}, log)
		if err != nil {
			return err
		}
		manager.SetWorktreePlanner(worktrees)
	}

	// Boss agent delegation path.
	var bossAgent *boss.Agent
	if cfg.Boss.Enabled {
		runner := boss.NewCodegenClient(cfg.Boss.CodegenURL, cfg.Boss.CodegenToken)
		bossAgent = boss.NewAgent(cfg.Boss, runner, tracker, providedBus.Bus, log)
		manager.SetDelegator(bossAgent)
		log.Info("boss agent enabled",
			zap.Int("threshold", cfg.Boss.Threshold),
			zap.Strings("task_types", cfg.Boss.TaskTypes))
	}

	manager.Start()
	defer manager.Stop()

	// Webhook intake.
	var lexicon *webhook.Lexicon
	if cfg.Triggers.RulesPath != "" {
		lexicon, err = webhook.LoadLexicon(cfg.Triggers.RulesPath)
		if err != nil {
			return err
		}
	}
	webhooks := webhook.NewHandler(cfg.Linear, lexicon, providedBus.Bus, log)
	router := webhook.NewRouter(manager, log)

	// Realtime gateway.
	gw := gateway.NewGateway(manager, log)
	go gw.Run(ctx, providedBus.Bus)

	var callbacks server.Callbacks
	if bossAgent != nil {
		callbacks = bossAgent
	}
	srv := server.NewServer(cfg, manager, webhooks, router, callbacks, gw.HandlerFunc(), log)
	srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentbridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	manager.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("agentbridge stopped")
	return nil
}
