// Package queue implements the demand-matched run queue (C2): atomic
// claim, timeout reaping, and stale-run recovery on startup.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/model"
	"go.uber.org/zap"
)

// Limits configures reaping windows, mirroring the T_claim_timeout /
// T_run_timeout knobs from the external interface table.
type Limits struct {
	ClaimTimeout time.Duration
	RunTimeout   time.Duration
}

// DefaultLimits matches the defaults named in the external interface.
func DefaultLimits() Limits {
	return Limits{ClaimTimeout: 60 * time.Second, RunTimeout: 10 * time.Minute}
}

// WakeFunc is invoked whenever a run is enqueued, so the dispatcher (C6)
// can wake any runner that might now have a matching run.
type WakeFunc func()

// Persister gives the queue the same write-through SQLite backing as the
// session store, per §5's shared resource policy ("session store and run
// queue are write-through to SQLite"). store.Store satisfies this
// structurally; the queue package only imports model, so there is no
// import cycle back to store.
type Persister interface {
	SaveRun(ctx context.Context, r *model.Run) error
	UpdateRun(ctx context.Context, r *model.Run) error
	ListRuns(ctx context.Context) ([]*model.Run, error)
}

// Queue holds pending/claimed/running/terminal runs in FIFO creation order.
// Claim is a single O(n) scan under one mutex, matching the teacher's
// TaskQueue discipline of one lock guarding the whole structure — runs in
// this system number in the thousands at most, so a scan beats the
// bookkeeping of a tag-indexed heap.
type Queue struct {
	mu      sync.Mutex
	order   *list.List // of *model.Run, insertion order, all statuses
	byID    map[string]*list.Element
	byRunner map[string]map[string]struct{} // runnerID -> set of claimed/running run IDs

	log     *logger.Logger
	wake    WakeFunc
	persist Persister
}

// New builds an empty Queue.
func New(log *logger.Logger, wake WakeFunc) *Queue {
	return &Queue{
		order:    list.New(),
		byID:     make(map[string]*list.Element),
		byRunner: make(map[string]map[string]struct{}),
		log:      log.WithFields(zap.String("component", "queue")),
		wake:     wake,
	}
}

// SetPersister attaches the write-through backing store. Called once at
// wiring time; nil (the test-default) means the queue stays purely
// in-memory, matching the teacher's TaskQueue.
func (q *Queue) SetPersister(p Persister) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persist = p
}

// LoadFromStore rehydrates the in-memory queue from persisted runs, used at
// startup before recover_stale_on_startup walks the queue — without this,
// a restart would see an empty queue and recovery would be a no-op.
func (q *Queue) LoadFromStore(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	runs, err := q.persist.ListRuns(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range runs {
		el := q.order.PushBack(r)
		q.byID[r.RunID] = el
		if r.RunnerID != "" && !r.Status.Terminal() {
			q.trackClaim(r.RunnerID, r.RunID)
		}
	}
	return nil
}

func (q *Queue) persistCreate(r *model.Run) {
	if q.persist == nil {
		return
	}
	if err := q.persist.SaveRun(context.Background(), r); err != nil {
		q.log.Warn("failed to persist new run", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

func (q *Queue) persistUpdate(r *model.Run) {
	if q.persist == nil {
		return
	}
	if err := q.persist.UpdateRun(context.Background(), r); err != nil {
		q.log.Warn("failed to persist run update", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

// CreateRun enqueues a new pending run.
func (q *Queue) CreateRun(r *model.Run) {
	q.mu.Lock()
	r.Status = model.RunPending
	el := q.order.PushBack(r)
	q.byID[r.RunID] = el
	q.persistCreate(r)
	q.mu.Unlock()

	q.log.Debug("run created", zap.String("run_id", r.RunID), zap.String("session_id", r.SessionID))
	if q.wake != nil {
		q.wake()
	}
}

// ClaimRun atomically selects the oldest pending run whose demands are a
// subset of runnerTags, assigns it to runnerID, and returns it. Returns nil
// if nothing matches.
func (q *Queue) ClaimRun(runnerID string, runnerTags map[string]struct{}, now time.Time) *model.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.order.Front(); el != nil; el = el.Next() {
		r := el.Value.(*model.Run)
		if r.Status != model.RunPending {
			continue
		}
		if !r.DemandsSubsetOf(runnerTags) {
			continue
		}
		r.Status = model.RunClaimed
		r.RunnerID = runnerID
		r.ClaimedAt = now
		q.trackClaim(runnerID, r.RunID)
		q.persistUpdate(r)
		return r
	}
	return nil
}

func (q *Queue) trackClaim(runnerID, runID string) {
	set, ok := q.byRunner[runnerID]
	if !ok {
		set = make(map[string]struct{})
		q.byRunner[runnerID] = set
	}
	set[runID] = struct{}{}
}

func (q *Queue) untrackClaim(runnerID, runID string) {
	if set, ok := q.byRunner[runnerID]; ok {
		delete(set, runID)
	}
}

func (q *Queue) get(runID string) (*model.Run, error) {
	el, ok := q.byID[runID]
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	return el.Value.(*model.Run), nil
}

// ReportStarted transitions a claimed run to running.
func (q *Queue) ReportStarted(runID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.get(runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return apperrors.AlreadyTerminal(runID)
	}
	r.Status = model.RunRunning
	r.StartedAt = now
	q.persistUpdate(r)
	return nil
}

func (q *Queue) finish(runID string, status model.RunStatus, errMsg string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.get(runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return apperrors.AlreadyTerminal(runID)
	}
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = now
	q.untrackClaim(r.RunnerID, runID)
	q.persistUpdate(r)
	return nil
}

// ReportCompleted transitions a run to completed.
func (q *Queue) ReportCompleted(runID string, now time.Time) error {
	return q.finish(runID, model.RunCompleted, "", now)
}

// ReportFailed transitions a run to failed with the given error message.
func (q *Queue) ReportFailed(runID, errMsg string, now time.Time) error {
	return q.finish(runID, model.RunFailed, errMsg, now)
}

// ReportStopped transitions a run to stopped, recording the signal used.
func (q *Queue) ReportStopped(runID, signalUsed string, now time.Time) error {
	return q.finish(runID, model.RunStopped, "stopped by "+signalUsed, now)
}

// RequestStop transitions a still-pending run directly to stopped and
// reports whether the run needed a command dispatched to its runner
// (i.e. it had already been claimed).
func (q *Queue) RequestStop(runID string, now time.Time) (needsCommand bool, runnerID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.get(runID)
	if err != nil {
		return false, "", err
	}
	if r.Status.Terminal() {
		return false, r.RunnerID, nil
	}
	if r.Status == model.RunPending {
		r.Status = model.RunStopped
		r.CompletedAt = now
		q.persistUpdate(r)
		return false, "", nil
	}
	return true, r.RunnerID, nil
}

// Get returns a copy of the run by ID.
func (q *Queue) Get(runID string) (*model.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.get(runID)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// ReapTimedOut transitions stale claimed/running runs to timed_out.
// Idempotent: runs already terminal are left untouched.
func (q *Queue) ReapTimedOut(now time.Time, limits Limits) []*model.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reaped []*model.Run
	for el := q.order.Front(); el != nil; el = el.Next() {
		r := el.Value.(*model.Run)
		switch r.Status {
		case model.RunClaimed:
			if now.Sub(r.ClaimedAt) > limits.ClaimTimeout {
				r.Status = model.RunTimedOut
				r.Error = "claim timeout exceeded"
				r.CompletedAt = now
				q.untrackClaim(r.RunnerID, r.RunID)
				q.persistUpdate(r)
				reaped = append(reaped, r)
			}
		case model.RunRunning:
			if now.Sub(r.StartedAt) > limits.RunTimeout {
				r.Status = model.RunTimedOut
				r.Error = "run timeout exceeded"
				r.CompletedAt = now
				q.untrackClaim(r.RunnerID, r.RunID)
				q.persistUpdate(r)
				reaped = append(reaped, r)
			}
		}
	}
	return reaped
}

// RecoverStaleForRunner transitions every claimed/running run owned by a
// dead runner to failed with reason coordinator_restart (or runner_lost,
// when called after a liveness timeout rather than at boot).
func (q *Queue) RecoverStaleForRunner(runnerID, reason string, now time.Time) []*model.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var recovered []*model.Run
	runIDs := q.byRunner[runnerID]
	for runID := range runIDs {
		el, ok := q.byID[runID]
		if !ok {
			continue
		}
		r := el.Value.(*model.Run)
		if r.Status.Terminal() {
			continue
		}
		r.Status = model.RunFailed
		r.Error = reason
		r.CompletedAt = now
		q.persistUpdate(r)
		recovered = append(recovered, r)
	}
	delete(q.byRunner, runnerID)
	return recovered
}

// List returns a snapshot of every run, for debugging/listing endpoints.
func (q *Queue) List(ctx context.Context) []*model.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Run, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		cp := *el.Value.(*model.Run)
		out = append(out, &cp)
	}
	return out
}
