// Command runner boots a Runner process: it registers with a Coordinator,
// then runs the poll/spawn/supervise/report loop against a local executor
// subprocess until told to deregister or signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/common/config"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/runner"
)

func main() {
	cfg, err := config.LoadRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting runner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := runner.New(cfg, log)
	if err := r.Start(ctx); err != nil {
		log.Fatal("failed to start runner", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("stopping runner")
	r.Stop()
	cancel()
	log.Info("runner stopped")
}
