package cmdqueue

import "testing"

func TestAddStopWakesAndDrains(t *testing.T) {
	q := New()
	q.RegisterRunner("r1")

	wake, ok := q.WakeChan("r1")
	if !ok {
		t.Fatal("expected registered runner to have a wake channel")
	}

	if !q.AddStop("r1", "run-1") {
		t.Fatal("expected AddStop to succeed for a registered runner")
	}

	select {
	case <-wake:
	default:
		t.Fatal("expected wake channel to be closed after AddStop")
	}

	d := q.Drain("r1")
	if len(d.StopRuns) != 1 || d.StopRuns[0] != "run-1" {
		t.Fatalf("expected run-1 in drained stop_runs, got %+v", d)
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	q := New()
	q.RegisterRunner("r1")
	q.AddStop("r1", "run-1")
	q.Drain("r1")

	second := q.Drain("r1")
	if !second.Empty() {
		t.Fatalf("expected second consecutive drain to be empty, got %+v", second)
	}
}

func TestSyncAndRemoveAreMutuallyExclusive(t *testing.T) {
	q := New()
	q.RegisterRunner("r1")

	q.AddSync("r1", "script.sh")
	q.AddRemove("r1", "script.sh")

	d := q.Drain("r1")
	if len(d.SyncScripts) != 0 {
		t.Fatalf("expected sync to be discarded by a later remove, got %+v", d.SyncScripts)
	}
	if len(d.RemoveScripts) != 1 {
		t.Fatalf("expected exactly one pending remove, got %+v", d.RemoveScripts)
	}

	q.AddSync("r1", "script.sh")
	d = q.Drain("r1")
	if len(d.RemoveScripts) != 0 || len(d.SyncScripts) != 1 {
		t.Fatalf("expected sync to override the previous remove, got %+v", d)
	}
}

func TestUnregisterRunnerClearsState(t *testing.T) {
	q := New()
	q.RegisterRunner("r1")
	q.UnregisterRunner("r1")

	if q.AddStop("r1", "run-1") {
		t.Fatal("expected AddStop to fail for an unregistered runner")
	}
}

func TestBroadcastSyncAllRunners(t *testing.T) {
	q := New()
	q.RegisterRunner("r1")
	q.RegisterRunner("r2")

	q.AddSyncAllRunners("common.sh")

	for _, id := range []string{"r1", "r2"} {
		d := q.Drain(id)
		if len(d.SyncScripts) != 1 {
			t.Fatalf("expected broadcast sync for %s, got %+v", id, d)
		}
	}
}
