package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/meshd/internal/config"
	"github.com/danmuck/meshd/internal/coordinator"
	"github.com/danmuck/meshd/internal/guardian"
	"github.com/danmuck/meshd/internal/observability"
	"github.com/danmuck/meshd/internal/replication"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/meshd/config.toml", "mesh config path")
	grace := flag.Duration("grace", 10*time.Second, "shutdown drain window")
	flag.Parse()

	observability.InitLogger("meshd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load mesh config")
	}
	log.Info().Str("path", *configPath).Msg("loaded mesh config")

	initTimeout, hbInterval, hbTimeout, ackWindow := cfg.Durations()
	coord := coordinator.New(coordinator.Config{
		LocalNodeID:    cfg.LocalNodeID,
		Quorum:         cfg.Quorum,
		InitTimeout:    initTimeout,
		ReplicaFactor:  cfg.ReplicaFactor,
		RequiredAcks:   cfg.RequiredAcks,
		RetentionDepth: cfg.RetentionDepth,
		Guardian: guardian.Config{
			Interval:    hbInterval,
			PollTimeout: hbTimeout,
			MaxMisses:   cfg.MaxMissedHeartbeats,
		},
		Replication: replication.Config{
			AckWindow:   ackWindow,
			RetryBudget: cfg.RetryBudget,
		},
	})

	initCtx, cancel := context.WithTimeout(context.Background(), initTimeout+time.Second)
	err = coord.Initialize(initCtx, config.MeshNodes(cfg.Nodes))
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("mesh initialization failed")
	}

	admin := coordinator.NewAdmin(coord, coordinator.AdminConfig{
		Addr:        cfg.AdminAddr,
		CorsOrigins: cfg.CorsOrigins,
	})

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")

		ctx, cancel := context.WithTimeout(context.Background(), *grace)
		defer cancel()
		if err := coord.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("drain incomplete at shutdown")
		}
		os.Exit(0)
	}()

	log.Info().
		Str("node", cfg.LocalNodeID).
		Str("addr", cfg.AdminAddr).
		Msg("meshd started")
	if err := admin.Serve(); err != nil {
		log.Fatal().Err(err).Msg("meshd stopped")
	}
}
