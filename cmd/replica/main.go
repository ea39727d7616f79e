package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/config"
	"github.com/adred-codev/chatcluster/internal/logging"
	"github.com/adred-codev/chatcluster/internal/replica"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := logging.New("boot", logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.ReplicaName, logging.Options{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})

	topo, err := cluster.Load(cfg.ClusterFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load cluster table")
	}

	r, err := replica.New(cfg, topo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble replica")
	}

	pidPath := filepath.Join(cfg.LogDir, cfg.ReplicaName+".pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		logger.Warn().Err(err).Msg("could not write pid file, fallover-by-pid tooling will not find this process")
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("replica exited with error")
	}
	logger.Info().Msg("replica shut down cleanly")
}
