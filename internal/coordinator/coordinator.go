// Package coordinator owns the single per-process state aggregate: the
// session store, run queue, runner registry, command queues, SSE fan-out,
// and dispatcher, wired together and passed by reference to HTTP handlers.
// This replaces the teacher's scattered global singletons with one value,
// per the design note on global state.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kanflow/fleet/internal/bus"
	"github.com/kanflow/fleet/internal/callback"
	"github.com/kanflow/fleet/internal/cmdqueue"
	"github.com/kanflow/fleet/internal/common/config"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/dispatch"
	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/queue"
	"github.com/kanflow/fleet/internal/runnerctl"
	"github.com/kanflow/fleet/internal/sse"
	"github.com/kanflow/fleet/internal/store"
	"go.uber.org/zap"
)

// Coordinator is the single state aggregate owning every component.
type Coordinator struct {
	Store      store.Store
	Queue      *queue.Queue
	Registry   *runnerctl.Registry
	Commands   *cmdqueue.Queue
	SSE        *sse.Manager
	Dispatcher *dispatch.Dispatcher
	Bus        *bus.Bus

	Config *config.CoordinatorConfig
	Log    *logger.Logger

	stopSweep chan struct{}
}

// New wires every component together. st is injected so callers can choose
// MemoryStore (tests) or SQLiteStore (production).
func New(cfg *config.CoordinatorConfig, log *logger.Logger, st store.Store, b *bus.Bus) *Coordinator {
	c := &Coordinator{
		Store:     st,
		Registry:  nil,
		Commands:  cmdqueue.New(),
		SSE:       sse.New(256, func() string { return uuid.NewString() }),
		Bus:       b,
		Config:    cfg,
		Log:       log,
		stopSweep: make(chan struct{}),
	}
	if b != nil {
		c.SSE.SetMirror(b.PublishSSE)
	}

	c.Registry = runnerctl.New(log, cfg.HeartbeatTimeout, func(runnerID string) {
		c.Commands.Wake(runnerID)
		if c.Bus != nil {
			_ = c.Bus.PublishWake(runnerID)
		}
	}, func() string { return uuid.NewString() })

	c.Queue = queue.New(log, func() {
		c.wakeAllLiveRunners()
	})
	c.Queue.SetPersister(st)

	c.Dispatcher = dispatch.New(c.Queue, c.Commands, c.Registry, log)
	return c
}

func (c *Coordinator) wakeAllLiveRunners() {
	for _, r := range c.Registry.ListLive(time.Now(), "") {
		c.Commands.Wake(r.RunnerID)
		if c.Bus != nil {
			_ = c.Bus.PublishWake(r.RunnerID)
		}
	}
}

// NewRunID/NewSessionID use google/uuid, matching the teacher's ID scheme.
func NewRunID() string     { return uuid.NewString() }
func NewSessionID() string { return uuid.NewString() }

// AppendTerminalEvent appends a run_completed/run_failed event, transitions
// the owning run, broadcasts the SSE event, and fires the callback step —
// the combined contract behind POST /sessions/{id}/events per §4.7/§4.11.
func (c *Coordinator) AppendTerminalEvent(ctx context.Context, sess *model.Session, runID string, ev *model.Event) error {
	if err := c.Store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	now := time.Now()
	result := ""
	if v, ok := ev.Payload["result"].(string); ok {
		result = v
	}
	if v, ok := ev.Payload["error"].(string); ok && ev.Type == model.EventRunFailed {
		result = v
	}

	var sseType sse.EventType
	if ev.Type == model.EventRunCompleted {
		sseType = sse.EventRunCompleted
		if err := c.Queue.ReportCompleted(runID, now); err != nil {
			c.Log.Warn("failed to mark run completed", zap.String("run_id", runID), zap.Error(err))
		}
	} else {
		sseType = sse.EventRunFailed
		if err := c.Queue.ReportFailed(runID, result, now); err != nil {
			c.Log.Warn("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if _, err := c.SSE.Broadcast(sse.EventSessionEvent, ev, sess.SessionID); err != nil {
		c.Log.Warn("sse broadcast failed", zap.Error(err))
	}
	if _, err := c.SSE.Broadcast(sseType, ev, sess.SessionID); err != nil {
		c.Log.Warn("sse broadcast failed", zap.Error(err))
	}

	if ev.Type == model.EventRunCompleted && sess.ParentSessionName != "" {
		if err := callback.Dispatch(ctx, c.Store, c.Queue, NewRunID, sess.SessionID, result, sess.ParentSessionName, now); err != nil {
			c.Log.Warn("callback dispatch failed", zap.String("session_id", sess.SessionID), zap.Error(err))
		}
	}
	return nil
}

// StartSweeper launches the background sweeper (timeout reaping and
// liveness-based stale recovery), ticking at cfg.SweepInterval.
func (c *Coordinator) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.Config.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopSweep:
				return
			case <-ticker.C:
				c.sweepOnce()
			}
		}
	}()
}

func (c *Coordinator) sweepOnce() {
	now := time.Now()
	c.SSE.ReapDead()

	limits := queue.Limits{ClaimTimeout: c.Config.ClaimTimeout, RunTimeout: c.Config.RunTimeout}
	reaped := c.Queue.ReapTimedOut(now, limits)
	for _, r := range reaped {
		c.Log.Info("run reaped as timed_out", zap.String("run_id", r.RunID))
		c.SSE.Broadcast(sse.EventRunFailed, r, r.SessionID)
	}

	for _, dead := range c.Registry.ListDead(now) {
		recovered := c.Queue.RecoverStaleForRunner(dead.RunnerID, "runner_lost", now)
		for _, r := range recovered {
			c.Log.Info("run recovered from dead runner", zap.String("run_id", r.RunID), zap.String("runner_id", dead.RunnerID))
			c.SSE.Broadcast(sse.EventRunFailed, r, r.SessionID)
		}
		c.Registry.Remove(dead.RunnerID)
		c.Commands.UnregisterRunner(dead.RunnerID)
	}
}

// RecoverStaleOnStartup implements §4.2's recover_stale_on_startup: any run
// left claimed/running from a previous process lifetime is failed with
// reason coordinator_restart. The queue is first rehydrated from the
// write-through SQLite store — without that, a freshly-constructed Queue
// is empty and this pass would be a no-op. Since the registry starts empty
// on boot, every such run's runner is, by definition, not registered — so
// this walks the queue directly rather than through the (empty) registry.
func (c *Coordinator) RecoverStaleOnStartup(ctx context.Context) {
	if err := c.Queue.LoadFromStore(ctx); err != nil {
		c.Log.Warn("failed to rehydrate run queue from store", zap.Error(err))
	}

	now := time.Now()
	for _, r := range c.Queue.List(ctx) {
		if r.Status == model.RunClaimed || r.Status == model.RunRunning {
			c.Queue.RecoverStaleForRunner(r.RunnerID, "coordinator_restart", now)
		}
	}
}

// Shutdown stops the sweeper and closes the store and bus.
func (c *Coordinator) Shutdown() {
	close(c.stopSweep)
	c.SSE.ClearAll()
	if c.Bus != nil {
		c.Bus.Close()
	}
	_ = c.Store.Close()
}
