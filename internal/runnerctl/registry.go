// Package runnerctl implements the Runner registry (C3): register,
// heartbeat, liveness, tag indexing, and latched deregistration.
package runnerctl

import (
	"sync"
	"time"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/model"
	"go.uber.org/zap"
)

// Metadata is the payload a Runner supplies at registration.
type Metadata struct {
	Hostname     string
	ProjectDir   string
	ExecutorType string
	Tags         []string
}

// WakeFunc signals a runner's dispatcher wake-event; used when a
// deregistration latches so the next poll returns immediately.
type WakeFunc func(runnerID string)

// Registry tracks live Runners, matching the mutex-guarded map discipline
// of the teacher's lifecycle.Manager, generalized from container liveness
// to heartbeat-timestamp liveness.
type Registry struct {
	mu               sync.RWMutex
	runners          map[string]*model.Runner
	heartbeatTimeout time.Duration

	log  *logger.Logger
	wake WakeFunc

	idgen func() string
}

// New builds a Registry with the given liveness timeout.
func New(log *logger.Logger, heartbeatTimeout time.Duration, wake WakeFunc, idgen func() string) *Registry {
	return &Registry{
		runners:          make(map[string]*model.Runner),
		heartbeatTimeout: heartbeatTimeout,
		log:              log.WithFields(zap.String("component", "runnerctl")),
		wake:             wake,
		idgen:            idgen,
	}
}

// Register issues a runner_id and records the declared metadata.
func (r *Registry) Register(md Metadata, now time.Time) *model.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	runner := &model.Runner{
		RunnerID:      r.idgen(),
		RegisteredAt:  now,
		LastHeartbeat: now,
		Hostname:      md.Hostname,
		ProjectDir:    md.ProjectDir,
		ExecutorType:  md.ExecutorType,
		Tags:          model.TagSet(md.Tags),
	}
	r.runners[runner.RunnerID] = runner
	r.log.Info("runner registered", zap.String("runner_id", runner.RunnerID), zap.Strings("tags", md.Tags))
	return runner
}

// Heartbeat refreshes last_heartbeat for a registered runner.
func (r *Registry) Heartbeat(runnerID string, now time.Time, pollTags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[runnerID]
	if !ok {
		return apperrors.UnknownRunner(runnerID)
	}
	runner.LastHeartbeat = now
	for _, t := range pollTags {
		runner.Tags[t] = struct{}{}
	}
	return nil
}

// Deregister latches the deregistration bit; the entry is removed once the
// caller has observed the latch (see TakeDeregistered).
func (r *Registry) Deregister(runnerID string) error {
	r.mu.Lock()
	runner, ok := r.runners[runnerID]
	if !ok {
		r.mu.Unlock()
		return apperrors.UnknownRunner(runnerID)
	}
	runner.Deregistered = true
	r.mu.Unlock()

	if r.wake != nil {
		r.wake(runnerID)
	}
	return nil
}

// TakeDeregistered reports and consumes the latch: returns true exactly
// once, after which the runner entry is removed entirely.
func (r *Registry) TakeDeregistered(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[runnerID]
	if !ok || !runner.Deregistered {
		return false
	}
	delete(r.runners, runnerID)
	return true
}

// Get returns a copy of the runner, or an error if unknown.
func (r *Registry) Get(runnerID string) (*model.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[runnerID]
	if !ok {
		return nil, apperrors.UnknownRunner(runnerID)
	}
	cp := *runner
	return &cp, nil
}

// IsAlive reports liveness for a registered runner.
func (r *Registry) IsAlive(runnerID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[runnerID]
	if !ok {
		return false
	}
	return runner.IsAlive(now, r.heartbeatTimeout)
}

// ListLive returns every runner whose liveness check passes, optionally
// filtered to those carrying byTag.
func (r *Registry) ListLive(now time.Time, byTag string) []*model.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Runner
	for _, runner := range r.runners {
		if !runner.IsAlive(now, r.heartbeatTimeout) {
			continue
		}
		if byTag != "" {
			if _, ok := runner.Tags[byTag]; !ok {
				continue
			}
		}
		cp := *runner
		out = append(out, &cp)
	}
	return out
}

// ListDead returns every registered runner whose liveness check currently
// fails, for the background sweeper to recover their stale runs.
func (r *Registry) ListDead(now time.Time) []*model.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Runner
	for _, runner := range r.runners {
		if runner.IsAlive(now, r.heartbeatTimeout) {
			continue
		}
		cp := *runner
		out = append(out, &cp)
	}
	return out
}

// Remove deletes a runner entry outright (used by the liveness sweeper
// after its stale runs have been recovered).
func (r *Registry) Remove(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, runnerID)
}
