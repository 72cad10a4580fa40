// The robot agent process: it connects to the orchestrator, executes
// assigned workflows, and queues results locally while offline.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/casarerpa/core/internal/config"
	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/offline"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/robot"
	"github.com/casarerpa/core/internal/runner"
	"github.com/casarerpa/core/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "robot.yaml", "path to the yaml configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Robot] invalid configuration", "error", err)
		return config.ExitConfigInvalid
	}
	if cfg.Robot.RobotID == "" {
		slog.Error("[Robot] robot.robot_id must be set")
		return config.ExitConfigInvalid
	}

	store, err := offline.OpenSQLite(cfg.Robot.OfflineStorePath)
	if err != nil {
		slog.Error("[Robot] offline store init failed",
			"path", cfg.Robot.OfflineStorePath, "error", err)
		return config.ExitInitError
	}
	defer store.Close()

	registry := node.NewRegistry()
	node.RegisterBuiltins(registry)

	runnerCfg := runner.DefaultConfig()
	runnerCfg.Checkpoint.AutoSave = cfg.Checkpoint.AutoSave
	runnerCfg.Checkpoint.Interval = cfg.Checkpoint.Interval

	agent := robot.New(robot.Config{
		RobotID:         model.RobotID(cfg.Robot.RobotID),
		RobotName:       cfg.Robot.RobotName,
		Environment:     cfg.Robot.Environment,
		TenantID:        model.TenantID(cfg.Robot.TenantID),
		OrchestratorURL: cfg.Robot.OrchestratorURL,
		Capabilities: protocol.Capabilities{
			Types:             cfg.Robot.Capabilities,
			MaxConcurrentJobs: cfg.Robot.MaxConcurrentJobs,
		},
		RunnerConfig: runnerCfg,
	}, store, registry, events.NewBus(), telemetry.NewMetrics(nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("[Robot] starting",
		"robot_id", cfg.Robot.RobotID, "orchestrator", cfg.Robot.OrchestratorURL)

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("[Robot] agent failed", "error", err)
		return config.ExitRuntimeError
	}
	slog.Info("[Robot] clean shutdown")
	return config.ExitOK
}
