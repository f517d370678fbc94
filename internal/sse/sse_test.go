package sse

import (
	"strings"
	"testing"
)

func testManager(t *testing.T, queueLen int) (*Manager, func() string) {
	t.Helper()
	n := 0
	idgen := func() string {
		n++
		return "conn-" + string(rune('0'+n))
	}
	return New(queueLen, idgen), idgen
}

func TestEventIDsMonotonicWithinSameMillisecond(t *testing.T) {
	m, _ := testManager(t, 8)
	_, out := m.Register("")

	m.Broadcast(EventRunCreated, map[string]string{"a": "1"}, "s1")
	m.Broadcast(EventRunCreated, map[string]string{"a": "2"}, "s1")

	f1 := <-out
	f2 := <-out
	if f1.ID == f2.ID {
		t.Fatalf("expected distinct monotone ids, got %q twice", f1.ID)
	}
	if !strings.HasSuffix(f1.ID, "-rc-000") {
		t.Fatalf("unexpected id format: %q", f1.ID)
	}
	if !strings.HasSuffix(f2.ID, "-rc-001") {
		t.Fatalf("expected second event's sequence to increment, got %q", f2.ID)
	}
}

func TestBroadcastRespectsSessionFilter(t *testing.T) {
	m, _ := testManager(t, 8)
	_, filtered := m.Register("s1")
	_, unfiltered := m.Register("")

	sent, err := m.Broadcast(EventSessionEvent, map[string]string{}, "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected exactly one delivery (the unfiltered subscriber), got %d", sent)
	}

	select {
	case <-filtered:
		t.Fatal("filtered subscriber should not have received an event for a different session")
	default:
	}

	select {
	case <-unfiltered:
	default:
		t.Fatal("unfiltered subscriber should have received the event")
	}
}

func TestBroadcastNonBlockingMarksFullQueueDead(t *testing.T) {
	m, _ := testManager(t, 1)
	id, out := m.Register("")

	m.Broadcast(EventRunCreated, map[string]string{}, "")
	// Queue is now full (capacity 1); this broadcast must not block.
	sent, err := m.Broadcast(EventRunCreated, map[string]string{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected the second broadcast to be dropped for the full queue, sent=%d", sent)
	}

	m.mu.Lock()
	dead := m.conns[id].dead
	m.mu.Unlock()
	if !dead {
		t.Fatal("expected connection to be marked dead after a full-queue drop")
	}

	<-out // drain so the test doesn't leak a goroutine expectation
}

func TestFrameFormat(t *testing.T) {
	f := Frame{ID: "1-rc-000", Type: EventRunCreated, Data: []byte(`{"a":1}`)}
	got := f.Format()
	want := "id: 1-rc-000\nevent: run_created\ndata: {\"a\":1}\n\n"
	if got != want {
		t.Fatalf("unexpected frame format:\n got: %q\nwant: %q", got, want)
	}
}
