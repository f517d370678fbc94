// Package dispatch implements the central long-poll dispatcher (C6): it
// fuses the run queue's claim, the command queue's drain, and the runner
// registry's deregistration latch into one response, waking on whichever
// condition fires first or on timeout.
package dispatch

import (
	"context"
	"time"

	"github.com/kanflow/fleet/internal/cmdqueue"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/queue"
	"github.com/kanflow/fleet/internal/runnerctl"
	"go.uber.org/zap"
)

// Envelope is the long-poll response body.
type Envelope struct {
	Run           *model.Run `json:"run,omitempty"`
	StopRuns      []string   `json:"stop_runs,omitempty"`
	SyncScripts   []string   `json:"sync_scripts,omitempty"`
	RemoveScripts []string   `json:"remove_scripts,omitempty"`
	Deregistered  bool       `json:"deregistered,omitempty"`
}

// Empty reports whether the envelope carries nothing at all, the signal
// for the caller to respond 204.
func (e Envelope) Empty() bool {
	return e.Run == nil && len(e.StopRuns) == 0 && len(e.SyncScripts) == 0 &&
		len(e.RemoveScripts) == 0 && !e.Deregistered
}

// Dispatcher multiplexes C2/C3/C4 for the long-poll endpoint.
type Dispatcher struct {
	queue    *queue.Queue
	cmds     *cmdqueue.Queue
	registry *runnerctl.Registry
	log      *logger.Logger
}

// New builds a Dispatcher over the given collaborators.
func New(q *queue.Queue, cmds *cmdqueue.Queue, registry *runnerctl.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{queue: q, cmds: cmds, registry: registry, log: log.WithFields(zap.String("component", "dispatch"))}
}

// attempt tries to build a non-empty envelope without blocking.
func (d *Dispatcher) attempt(ctx context.Context, runnerID string, tags map[string]struct{}) Envelope {
	if d.registry.TakeDeregistered(runnerID) {
		return Envelope{Deregistered: true}
	}

	drained := d.cmds.Drain(runnerID)
	env := Envelope{
		StopRuns:      drained.StopRuns,
		SyncScripts:   drained.SyncScripts,
		RemoveScripts: drained.RemoveScripts,
	}
	if !env.Empty() {
		// Commands take priority and are returned immediately, together
		// with a run if one happens to be claimable too.
	}

	if run := d.queue.ClaimRun(runnerID, tags, time.Now()); run != nil {
		env.Run = run
	}
	return env
}

// Poll blocks until a run is claimable, a command arrives, the runner is
// deregistered, or timeout elapses (returning an empty Envelope on
// timeout, which the HTTP layer maps to 204).
func (d *Dispatcher) Poll(ctx context.Context, runnerID string, tags map[string]struct{}, timeout time.Duration) Envelope {
	if env := d.attempt(ctx, runnerID, tags); !env.Empty() {
		return env
	}

	wake, ok := d.cmds.WakeChan(runnerID)
	if !ok {
		return Envelope{}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Envelope{}
		case <-timer.C:
			return Envelope{}
		case <-wake:
			// Draining is atomic with respect to further inserts: any
			// insert between the close we just observed and our drain
			// either lands before (visible now) or after (will close the
			// new channel and re-wake the next poll).
			if env := d.attempt(ctx, runnerID, tags); !env.Empty() {
				return env
			}
			newWake, ok := d.cmds.WakeChan(runnerID)
			if !ok {
				return Envelope{}
			}
			wake = newWake
		}
	}
}
