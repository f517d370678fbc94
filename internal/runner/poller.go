package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/model"
)

// Poller is the background loop that long-polls the coordinator for runs
// and commands, spawning/stopping subprocesses as instructed.
type Poller struct {
	client     *Client
	executor   *Executor
	registry   *Registry
	runnerID   string
	maxRetries int
	log        *logger.Logger

	stopGracePeriod time.Duration
	onDeregistered  func()

	backoff    time.Duration
	maxBackoff time.Duration
}

// NewPoller builds a Poller bound to one runner's identity and collaborators.
// maxRetries bounds consecutive poll failures before the poller gives up and
// calls onDeregistered (MAX_CONNECTION_RETRIES). No deregistration request is
// sent to the coordinator; the runner's entry there is left for the liveness
// sweeper to remove.
func NewPoller(client *Client, executor *Executor, registry *Registry, runnerID string, stopGracePeriod time.Duration, maxRetries int, onDeregistered func(), log *logger.Logger) *Poller {
	return &Poller{
		client:          client,
		executor:        executor,
		registry:        registry,
		runnerID:        runnerID,
		maxRetries:      maxRetries,
		stopGracePeriod: stopGracePeriod,
		onDeregistered:  onDeregistered,
		backoff:         time.Second,
		maxBackoff:      30 * time.Second,
		log:             log.WithFields(zap.String("component", "runner-poller")),
	}
}

// Run drives the poll loop until ctx is canceled or the coordinator proves
// unreachable after maxRetries consecutive failures.
func (p *Poller) Run(ctx context.Context) {
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := p.client.PollRun(ctx, p.runnerID)
		if err != nil {
			failures++
			p.log.Error("poll error", zap.Int("attempt", failures), zap.Int("max", p.maxRetries), zap.Error(err))
			if failures >= p.maxRetries {
				p.log.Error("coordinator unreachable, shutting down poller")
				if p.onDeregistered != nil {
					p.onDeregistered()
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			if next := p.backoff * 2; next < p.maxBackoff {
				p.backoff = next
			} else {
				p.backoff = p.maxBackoff
			}
			continue
		}

		failures = 0
		p.backoff = time.Second

		if env.Deregistered {
			p.log.Warn("received deregistration signal from coordinator")
			if p.onDeregistered != nil {
				p.onDeregistered()
			}
			return
		}

		for _, runID := range env.StopRuns {
			p.handleStop(ctx, runID)
		}

		if len(env.SyncScripts) > 0 || len(env.RemoveScripts) > 0 {
			// Blueprint/MCP script sync is an external collaborator's
			// concern (spec §1 Non-goals); the runner just acknowledges
			// receipt so a pending command is never silently dropped on
			// the floor in the logs.
			p.log.Info("script sync commands received", zap.Strings("sync", env.SyncScripts), zap.Strings("remove", env.RemoveScripts))
		}

		if env.Run != nil {
			p.handleRun(ctx, env.Run)
		}
	}
}

func (p *Poller) handleRun(ctx context.Context, r *model.Run) {
	p.log.Debug("received run", zap.String("run_id", r.RunID), zap.String("type", string(r.Type)), zap.String("session_id", r.SessionID))

	running, err := p.executor.Execute(r)
	if err != nil {
		p.log.Error("failed to start run", zap.String("run_id", r.RunID), zap.Error(err))
		if rerr := p.client.ReportFailed(ctx, r.RunID, err.Error()); rerr != nil {
			p.log.Error("failed to report run failure", zap.String("run_id", r.RunID), zap.Error(rerr))
		}
		return
	}

	p.registry.Add(running)
	if err := p.client.ReportStarted(ctx, r.RunID); err != nil {
		p.log.Error("failed to report run started", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

func (p *Poller) handleStop(ctx context.Context, runID string) {
	running, ok := p.registry.Get(runID)
	if !ok {
		p.log.Debug("stop command ignored, run not running", zap.String("run_id", runID))
		return
	}

	p.log.Info("stopping run", zap.String("run_id", runID), zap.String("session_id", running.SessionID))
	p.registry.Remove(runID)
	signalUsed := stopProcess(running, p.stopGracePeriod)

	if err := p.client.ReportStopped(ctx, runID, signalUsed); err != nil {
		p.log.Error("failed to report run stopped", zap.String("run_id", runID), zap.Error(err))
	}
}
