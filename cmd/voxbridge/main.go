package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/runner"
	"github.com/voxbridge/voxbridge/pkg/voxbridge"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	drainTimeout := flag.Duration("drain_timeout", 15*time.Second, "max wait for call drains at shutdown")
	flag.Parse()

	cfg, err := voxbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	app, err := voxbridge.NewApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	lr := runner.NewLifecycleRunner(app, runner.Hooks{
		OnStart: func() {
			go func() {
				runErr = app.Run(ctx)
				stop()
			}()
		},
		OnStop: func() {
			logger.Info("shutdown complete")
		},
	}, *drainTimeout)

	if err := lr.Run(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("service error", "error", runErr)
		os.Exit(1)
	}
}
