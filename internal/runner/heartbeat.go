package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/common/logger"
)

// Heartbeat periodically reports liveness to the coordinator so its
// registry's liveness check doesn't reap a still-healthy runner.
type Heartbeat struct {
	client   *Client
	runnerID string
	tags     []string
	interval time.Duration
	log      *logger.Logger
}

// NewHeartbeat builds a Heartbeat loop for one runner identity.
func NewHeartbeat(client *Client, runnerID string, tags []string, interval time.Duration, log *logger.Logger) *Heartbeat {
	return &Heartbeat{client: client, runnerID: runnerID, tags: tags, interval: interval, log: log.WithFields(zap.String("component", "runner-heartbeat"))}
}

// Run drives the heartbeat loop until ctx is canceled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.client.Heartbeat(ctx, h.runnerID, h.tags); err != nil {
				h.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
