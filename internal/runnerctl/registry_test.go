package runnerctl

import (
	"testing"
	"time"

	"github.com/kanflow/fleet/internal/common/logger"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	n := 0
	return New(logger.Default(), 2*time.Minute, nil, func() string {
		n++
		return "runner-" + string(rune('0'+n))
	})
}

func TestRegisterAssignsID(t *testing.T) {
	r := testRegistry(t)
	runner := r.Register(Metadata{Hostname: "h1", Tags: []string{"gpu"}}, time.Now())
	if runner.RunnerID == "" {
		t.Fatal("expected a non-empty runner id")
	}
	if _, ok := runner.Tags["gpu"]; !ok {
		t.Fatal("expected gpu tag recorded")
	}
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	r := testRegistry(t)
	if err := r.Heartbeat("missing", time.Now(), nil); err == nil {
		t.Fatal("expected unknown_runner error")
	}
}

func TestLivenessTimeout(t *testing.T) {
	r := testRegistry(t)
	runner := r.Register(Metadata{}, time.Now().Add(-3*time.Minute))
	if r.IsAlive(runner.RunnerID, time.Now()) {
		t.Fatal("expected runner to be dead after exceeding heartbeat timeout")
	}

	r.Heartbeat(runner.RunnerID, time.Now(), nil)
	if !r.IsAlive(runner.RunnerID, time.Now()) {
		t.Fatal("expected runner alive immediately after heartbeat")
	}
}

func TestDeregisterLatchFiresOnce(t *testing.T) {
	woken := ""
	r := New(logger.Default(), time.Minute, func(id string) { woken = id }, func() string { return "r1" })
	runner := r.Register(Metadata{}, time.Now())

	if err := r.Deregister(runner.RunnerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if woken != runner.RunnerID {
		t.Fatalf("expected wake callback for %s, got %s", runner.RunnerID, woken)
	}

	if !r.TakeDeregistered(runner.RunnerID) {
		t.Fatal("expected first TakeDeregistered to report true")
	}
	if r.TakeDeregistered(runner.RunnerID) {
		t.Fatal("expected the entry to be removed after the latch is consumed")
	}
}

func TestListLiveByTag(t *testing.T) {
	r := testRegistry(t)
	r.Register(Metadata{Tags: []string{"gpu"}}, time.Now())
	r.Register(Metadata{Tags: []string{"cpu"}}, time.Now())

	gpuRunners := r.ListLive(time.Now(), "gpu")
	if len(gpuRunners) != 1 {
		t.Fatalf("expected exactly one gpu runner, got %d", len(gpuRunners))
	}
}
