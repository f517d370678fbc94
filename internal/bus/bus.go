// Package bus wraps an embedded NATS server and client. The dispatcher's
// per-runner wake-up and the SSE fan-out run on local Go channels (the
// process's own Queue/Registry/cmdqueue wake local waiters synchronously);
// Bus additionally republishes those same events onto NATS subjects for
// any external subscriber. Nothing in this module subscribes to them.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus owns an optional embedded NATS server (when no external URL is
// configured) plus a connected client.
type Bus struct {
	embedded *server.Server
	conn     *nats.Conn
}

// Start connects to natsURL, or boots an embedded in-process server when
// natsURL is empty — the zero-config path used by `go test` and local dev.
func Start(natsURL string) (*Bus, error) {
	if natsURL != "" {
		conn, err := nats.Connect(natsURL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats at %s: %w", natsURL, err)
		}
		return &Bus{conn: conn}, nil
	}

	opts := &server.Options{Port: server.RANDOM_PORT, NoLog: true, NoSigs: true}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	return &Bus{embedded: srv, conn: conn}, nil
}

// RunnerWakeSubject is the subject a runner's wake republishes to.
func RunnerWakeSubject(runnerID string) string {
	return "runner." + runnerID + ".wake"
}

// PublishWake notifies any subscriber that a runner's dispatcher condition
// may now be satisfied. Best-effort: callers in this module discard the
// returned error, so a publish failure never affects the primary
// claim/command path.
func (b *Bus) PublishWake(runnerID string) error {
	return b.conn.Publish(RunnerWakeSubject(runnerID), nil)
}

// SSEEventSubject is the subject SSE frames are mirrored onto for
// cross-process fan-out.
const SSEEventSubject = "sse.events"

// PublishSSE mirrors a formatted SSE frame onto the bus, installed as
// sse.Manager's mirror sink so every broadcast also reaches any
// subscriber on SSEEventSubject.
func (b *Bus) PublishSSE(raw []byte) error {
	return b.conn.Publish(SSEEventSubject, raw)
}

// Close drains the client connection and, if this process owns the
// embedded server, shuts it down too.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}
