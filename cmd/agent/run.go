package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fluxgate/agent/internal/config"
	"github.com/fluxgate/agent/internal/topology"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var shutdownLimitSecs int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the topology and run until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runAgent(cmd.Context(), configPath, time.Duration(shutdownLimitSecs)*time.Second)
			os.Exit(exitCodeFor(err))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration document (required)")
	cmd.MarkFlagRequired("config")
	cmd.Flags().IntVar(&shutdownLimitSecs, "graceful-shutdown-limit-secs", 60, "Deadline for graceful shutdown before force-cancelling components")
	return cmd
}

func runAgent(ctx context.Context, configPath string, shutdownLimit time.Duration) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	reg := prometheus.NewRegistry()

	topo, warnings, err := buildFromFile(ctx, configPath, logger, reg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	for _, w := range warnings {
		level.Warn(logger).Log("msg", "build warning", "warning", w)
	}

	if err := topo.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	level.Info(logger).Log("msg", "topology started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- topo.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				level.Info(logger).Log("msg", "reload triggered", "signal", sig.String())
				newCfg, _, err := loadCompiled(configPath)
				if err != nil {
					level.Error(logger).Log("msg", "reload rejected", "err", err)
					continue
				}
				if warnings, err := topo.Reload(ctx, newCfg); err != nil {
					level.Error(logger).Log("msg", "reload failed", "err", err)
				} else {
					for _, w := range warnings {
						level.Warn(logger).Log("msg", "reload warning", "warning", w)
					}
					level.Info(logger).Log("msg", "reload applied")
				}
			case syscall.SIGTERM, syscall.SIGINT:
				level.Info(logger).Log("msg", "shutdown triggered", "signal", sig.String())
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownLimit+time.Second)
				err := topo.Stop(stopCtx, shutdownLimit)
				cancel()
				if err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return <-runErrCh
			}
		case err := <-runErrCh:
			return err
		}
	}
}

func buildFromFile(ctx context.Context, path string, logger log.Logger, reg prometheus.Registerer) (*topology.Topology, []string, error) {
	cfg, _, err := loadCompiled(path)
	if err != nil {
		return nil, nil, err
	}
	return topology.Build(ctx, cfg, topology.WithLogger(logger), topology.WithMetrics(reg))
}

func loadCompiled(path string) (topology.Config, *config.Document, error) {
	doc, err := config.Load(path)
	if err != nil {
		return topology.Config{}, nil, err
	}
	cfg, err := doc.Compile(builtinRegistry())
	if err != nil {
		return topology.Config{}, nil, err
	}
	return cfg, doc, nil
}
