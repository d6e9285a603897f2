// cmd/steward/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/api"
	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/config"
	"github.com/FairForge/steward/internal/controller"
	"github.com/FairForge/steward/internal/logger"
	"github.com/FairForge/steward/internal/probe"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("STEWARD_CONFIG", ""), "path to YAML config")
	flag.Parse()

	bootstrap, _ := zap.NewProduction()
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Fatal("config load failed", zap.Error(err))
	}
	if len(cfg.Nodes) == 0 {
		bootstrap.Fatal("no nodes configured")
	}
	_ = bootstrap.Sync()

	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		bootstrap.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	// Pick a prober for the configured store
	var prober probe.Prober
	switch cfg.Probe.Driver {
	case "tcp":
		prober = probe.NewTCPProber()
		log.Info("using tcp prober")
	case "postgres":
		prober = probe.NewPostgresProber(cfg.Probe.Postgres.User, cfg.Probe.Postgres.Password, cfg.Probe.Postgres.Database)
		log.Info("using postgres prober", zap.String("user", cfg.Probe.Postgres.User))
	default:
		log.Fatal("invalid probe driver", zap.String("driver", cfg.Probe.Driver))
	}

	nodes := make([]cluster.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		role := cluster.RoleReplica
		if nc.Primary {
			role = cluster.RolePrimary
		}
		nodes = append(nodes, cluster.Node{ID: nc.ID, Address: nc.Address, Role: role})
	}
	collab := cluster.NewInMemoryCollaborator(nodes, log)

	ctrl, err := controller.New(cfg, prober, collab, log)
	if err != nil {
		log.Fatal("controller init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot-reload autoscale bounds when the config file changes
	if *configPath != "" {
		if err := config.Watch(ctx, *configPath, log, ctrl.ApplyConfig); err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		}
	}

	server := api.NewServer(cfg, log, ctrl.Topo, ctrl.Endpoints, ctrl.Coordinator, ctrl.Alerts, ctrl.Aggregator, ctrl.Metrics)
	server.SetObservationSink(ctrl.SubmitObservation)

	go ctrl.Run(ctx)

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
		os.Exit(0)
	}()

	log.Info("steward started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("nodes", len(cfg.Nodes)),
		zap.String("probe_driver", cfg.Probe.Driver))

	if err := server.Start(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
