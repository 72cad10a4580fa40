// The orchestrator process: it accepts robot and admin WebSocket
// sessions, admits and dispatches jobs, and serves the monitoring API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/casarerpa/core/internal/api"
	"github.com/casarerpa/core/internal/audit"
	"github.com/casarerpa/core/internal/config"
	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/repository"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/robotmgr"
	"github.com/casarerpa/core/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Orchestrator] invalid configuration", "error", err)
		return config.ExitConfigInvalid
	}

	slog.Info("[Orchestrator] starting",
		"bind_addr", cfg.Server.BindAddr, "version", cfg.Server.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	metrics := telemetry.NewMetrics(nil)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	registry := node.NewRegistry()
	node.RegisterBuiltins(registry)

	auditRepo, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		slog.Error("[Orchestrator] audit store init failed", "error", err)
		return config.ExitInitError
	}
	defer auditRepo.Close()
	recordAuditEvents(bus, auditRepo)
	go runRetentionCleanup(ctx, auditRepo, cfg.Audit.RetentionDays)

	var robotRepo repository.RobotRepository
	var jobRepo repository.JobRepository
	if cfg.Database.PostgresDSN != "" {
		pg, err := repository.OpenPostgres(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("[Orchestrator] postgres init failed", "error", err)
			return config.ExitInitError
		}
		defer pg.Close()
		robotRepo, jobRepo = pg, pg
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		events.NewRedisMirror(bus, client, "casare", nil)
		slog.Info("[Orchestrator] redis event mirror enabled", "addr", cfg.Redis.Addr)
	}

	mgr := robotmgr.NewManager(bus, robotmgr.Options{
		RobotRepo:        robotRepo,
		JobRepo:          jobRepo,
		Breakers:         breakers,
		Metrics:          metrics,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})

	mgr.StartHeartbeatSweeper(ctx, cfg.HeartbeatTimeout()/3)

	gateway := robotmgr.NewGateway(mgr, cfg.Server.Version)
	apiServer := api.NewServer(mgr, auditRepo, breakers, registry, cfg.Server.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/robot", gateway.HandleRobot)
	mux.HandleFunc("/ws/admin", gateway.HandleAdmin)
	mux.Handle("/", apiServer.Router())

	srv := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("[Orchestrator] listening", "addr", cfg.Server.BindAddr)

	select {
	case <-ctx.Done():
		slog.Info("[Orchestrator] shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[Orchestrator] shutdown incomplete", "error", err)
		}
		return config.ExitOK

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return config.ExitOK
		}
		slog.Error("[Orchestrator] server failed", "error", err)
		return config.ExitRuntimeError
	}
}

// runRetentionCleanup prunes expired audit events once a day.
func runRetentionCleanup(ctx context.Context, repo *audit.Repository, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanupOldEvents(ctx, retentionDays)
			if err != nil {
				slog.Warn("[Orchestrator] audit cleanup failed", "error", err)
				continue
			}
			slog.Info("[Orchestrator] audit cleanup done", "deleted", n, "retention_days", retentionDays)
		}
	}
}

// recordAuditEvents writes fleet lifecycle events into the hash chain.
func recordAuditEvents(bus *events.Bus, repo *audit.Repository) {
	for _, t := range []events.Type{
		events.RobotRegistered, events.RobotDisconnected,
		events.JobSubmitted, events.JobAssigned,
		events.JobRequeued, events.JobCompleted,
	} {
		bus.Subscribe(t, func(e *events.Event) {
			entry := &audit.Event{
				EventType: string(e.Type),
				Success:   true,
				Metadata:  e.Data,
			}
			if v, ok := e.Data["robot_id"].(string); ok {
				entry.RobotID = model.RobotID(v)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := repo.Record(ctx, entry); err != nil {
				slog.Warn("[Orchestrator] audit write failed", "type", e.Type, "error", err)
			}
		})
	}
}
