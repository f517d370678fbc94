package runner

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/common/config"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/placeholder"
)

// Runner wires the client, executor, registry, poller, supervisor, and
// heartbeat loop into one process, mirroring how the original agent-runner's
// main.py assembled the same collaborators at startup.
type Runner struct {
	cfg    *config.RunnerConfig
	log    *logger.Logger
	client *Client

	runnerID string
	registry *Registry

	cancel context.CancelFunc
}

// New builds a Runner from configuration, ready to Start.
func New(cfg *config.RunnerConfig, log *logger.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		log:      log,
		client:   NewClient(cfg.CoordinatorURL, "", cfg.PollTimeout, log),
		registry: NewRegistry(),
	}
}

// Start registers this runner with the coordinator and launches the poller,
// supervisor, and heartbeat goroutines. Returns once registration succeeds;
// the background loops run until ctx is canceled or the poller deregisters.
func (r *Runner) Start(ctx context.Context) error {
	hostname := r.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	runnerID, err := r.client.Register(ctx, hostname, r.cfg.ProjectDir, r.cfg.ExecutorType, r.cfg.Tags)
	if err != nil {
		return err
	}
	r.runnerID = runnerID
	r.log.Info("registered with coordinator", zap.String("runner_id", runnerID))

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	executor := NewExecutor(r.cfg.ExecutorPath, placeholder.RunnerResolver{
		Hostname:     hostname,
		ProjectDir:   r.cfg.ProjectDir,
		ExecutorType: r.cfg.ExecutorType,
		Tags:         r.cfg.Tags,
	}, r.log)
	poller := NewPoller(r.client, executor, r.registry, runnerID, r.cfg.StopGracePeriod, r.cfg.MaxRetries, cancel, r.log)
	supervisor := NewSupervisor(r.client, r.registry, r.cfg.CheckInterval, r.log)
	heartbeat := NewHeartbeat(r.client, runnerID, r.cfg.Tags, r.cfg.HeartbeatInterval, r.log)

	go poller.Run(loopCtx)
	go supervisor.Run(loopCtx)
	go heartbeat.Run(loopCtx)

	return nil
}

// Stop cancels the background loops and waits 100ms before returning.
// In-flight subprocesses are not signaled or waited for.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	time.Sleep(100 * time.Millisecond)
}
