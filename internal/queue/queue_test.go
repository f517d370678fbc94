package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/model"
)

func testQueue(t *testing.T) (*Queue, *int) {
	t.Helper()
	wakes := 0
	q := New(logger.Default(), func() { wakes++ })
	return q, &wakes
}

func run(id string, demands ...string) *model.Run {
	return &model.Run{
		RunID:     id,
		SessionID: "sess-" + id,
		Type:      model.RunStartSession,
		Demands:   model.TagSet(demands),
		CreatedAt: time.Now(),
	}
}

func TestClaimEmptyDemandsMatchesAnyRunner(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))

	got := q.ClaimRun("runner-1", model.TagSet(nil), time.Now())
	if got == nil || got.RunID != "r1" {
		t.Fatalf("expected to claim r1, got %+v", got)
	}
	if got.Status != model.RunClaimed {
		t.Fatalf("expected claimed status, got %s", got.Status)
	}
}

func TestClaimRespectsDemandSubset(t *testing.T) {
	q, _ := testQueue(t)
	q1 := run("q1", "gpu")
	q2 := run("q2", "cpu")
	q.CreateRun(q1)
	q.CreateRun(q2)

	r1Claim := q.ClaimRun("r1", model.TagSet([]string{"cpu"}), time.Now())
	if r1Claim == nil || r1Claim.RunID != "q2" {
		t.Fatalf("runner with only cpu tag should claim q2, got %+v", r1Claim)
	}

	r2Claim := q.ClaimRun("r2", model.TagSet([]string{"gpu"}), time.Now())
	if r2Claim == nil || r2Claim.RunID != "q1" {
		t.Fatalf("runner with gpu tag should claim q1, got %+v", r2Claim)
	}
}

func TestClaimOldestFirst(t *testing.T) {
	q, _ := testQueue(t)
	first := run("r1")
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := run("r2")
	second.CreatedAt = time.Now()
	q.CreateRun(first)
	q.CreateRun(second)

	got := q.ClaimRun("runner-1", model.TagSet(nil), time.Now())
	if got.RunID != "r1" {
		t.Fatalf("expected oldest run r1 claimed first, got %s", got.RunID)
	}
}

func TestClaimNoMatchReturnsNil(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1", "gpu"))
	if got := q.ClaimRun("runner-1", model.TagSet([]string{"cpu"}), time.Now()); got != nil {
		t.Fatalf("expected no claimable run, got %+v", got)
	}
}

func TestReportLifecycle(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))
	q.ClaimRun("runner-1", model.TagSet(nil), time.Now())

	if err := q.ReportStarted("r1", time.Now()); err != nil {
		t.Fatalf("report started failed: %v", err)
	}
	if err := q.ReportCompleted("r1", time.Now()); err != nil {
		t.Fatalf("report completed failed: %v", err)
	}

	r, err := q.Get("r1")
	if err != nil || r.Status != model.RunCompleted {
		t.Fatalf("expected completed status, got %+v err=%v", r, err)
	}

	if err := q.ReportFailed("r1", "late report", time.Now()); err == nil {
		t.Fatal("expected already_terminal error reporting against a terminal run")
	}
}

func TestReapClaimTimeout(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))
	q.ClaimRun("runner-1", model.TagSet(nil), time.Now().Add(-2*time.Minute))

	reaped := q.ReapTimedOut(time.Now(), Limits{ClaimTimeout: time.Minute, RunTimeout: time.Hour})
	if len(reaped) != 1 || reaped[0].RunID != "r1" {
		t.Fatalf("expected r1 reaped, got %+v", reaped)
	}

	// Idempotent: second sweep finds nothing new.
	reaped2 := q.ReapTimedOut(time.Now(), Limits{ClaimTimeout: time.Minute, RunTimeout: time.Hour})
	if len(reaped2) != 0 {
		t.Fatalf("expected no further reaps, got %+v", reaped2)
	}
}

func TestRecoverStaleForRunner(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))
	q.ClaimRun("dead-runner", model.TagSet(nil), time.Now())

	recovered := q.RecoverStaleForRunner("dead-runner", "coordinator_restart", time.Now())
	if len(recovered) != 1 || recovered[0].Status != model.RunFailed {
		t.Fatalf("expected r1 recovered as failed, got %+v", recovered)
	}
}

func TestRequestStopPendingGoesDirectlyToStopped(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))

	needsCommand, _, err := q.RequestStop("r1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if needsCommand {
		t.Fatal("expected pending run to be stopped directly without a command")
	}
	r, _ := q.Get("r1")
	if r.Status != model.RunStopped {
		t.Fatalf("expected stopped status, got %s", r.Status)
	}
}

func TestRequestStopClaimedNeedsCommand(t *testing.T) {
	q, _ := testQueue(t)
	q.CreateRun(run("r1"))
	q.ClaimRun("runner-1", model.TagSet(nil), time.Now())

	needsCommand, runnerID, err := q.RequestStop("r1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needsCommand || runnerID != "runner-1" {
		t.Fatalf("expected a stop command targeted at runner-1, got needsCommand=%v runnerID=%s", needsCommand, runnerID)
	}
}

func TestCreateRunWakesDispatcher(t *testing.T) {
	q, wakes := testQueue(t)
	q.CreateRun(run("r1"))
	if *wakes != 1 {
		t.Fatalf("expected exactly one wake on enqueue, got %d", *wakes)
	}
}

// fakePersister is an in-memory stand-in for store.Store, exercising only
// the Persister subset the queue needs.
type fakePersister struct {
	saved   map[string]*model.Run
	updates int
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]*model.Run{}}
}

func (p *fakePersister) SaveRun(_ context.Context, r *model.Run) error {
	cp := *r
	p.saved[r.RunID] = &cp
	return nil
}

func (p *fakePersister) UpdateRun(_ context.Context, r *model.Run) error {
	p.updates++
	cp := *r
	p.saved[r.RunID] = &cp
	return nil
}

func (p *fakePersister) ListRuns(_ context.Context) ([]*model.Run, error) {
	out := make([]*model.Run, 0, len(p.saved))
	for _, r := range p.saved {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func TestPersisterReceivesCreateAndUpdates(t *testing.T) {
	q, _ := testQueue(t)
	p := newFakePersister()
	q.SetPersister(p)

	q.CreateRun(run("r1"))
	if _, ok := p.saved["r1"]; !ok {
		t.Fatal("expected CreateRun to persist the new run")
	}

	q.ClaimRun("runner-1", model.TagSet(nil), time.Now())
	if err := q.ReportStarted("r1", time.Now()); err != nil {
		t.Fatalf("report started failed: %v", err)
	}
	if err := q.ReportCompleted("r1", time.Now()); err != nil {
		t.Fatalf("report completed failed: %v", err)
	}
	if p.saved["r1"].Status != model.RunCompleted {
		t.Fatalf("expected persisted snapshot to reach completed, got %s", p.saved["r1"].Status)
	}
	if p.updates == 0 {
		t.Fatal("expected at least one persisted update across claim/start/complete")
	}
}

func TestLoadFromStoreRehydratesQueueAndClaims(t *testing.T) {
	p := newFakePersister()
	r1 := run("r1")
	r1.Status = model.RunClaimed
	r1.RunnerID = "dead-runner"
	p.saved["r1"] = r1

	q, _ := testQueue(t)
	q.SetPersister(p)
	if err := q.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.Get("r1")
	if err != nil || got.Status != model.RunClaimed {
		t.Fatalf("expected rehydrated claimed run, got %+v err=%v", got, err)
	}

	recovered := q.RecoverStaleForRunner("dead-runner", "coordinator_restart", time.Now())
	if len(recovered) != 1 || recovered[0].RunID != "r1" {
		t.Fatalf("expected rehydrated claim to be tracked for recovery, got %+v", recovered)
	}
}
