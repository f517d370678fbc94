package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/common/logger"
)

// maxOutputPreview bounds how much stdout/stderr gets logged on failure,
// matching the original supervisor's 1000-character truncation.
const maxOutputPreview = 1000

// Supervisor periodically checks every tracked subprocess for exit and
// reports completion/failure to the coordinator, ported from the original
// RunSupervisor._check_runs / _handle_completion. Stop-initiated exits never
// reach here: the poller removes the run from the registry before the
// process exits, so this loop only ever observes self-terminated runs.
type Supervisor struct {
	client        *Client
	registry      *Registry
	checkInterval time.Duration
	log           *logger.Logger
}

// NewSupervisor builds a Supervisor polling at checkInterval.
func NewSupervisor(client *Client, registry *Registry, checkInterval time.Duration, log *logger.Logger) *Supervisor {
	return &Supervisor{client: client, registry: registry, checkInterval: checkInterval, log: log.WithFields(zap.String("component", "runner-supervisor"))}
}

// Run drives the supervision loop until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRuns(ctx)
		}
	}
}

func (s *Supervisor) checkRuns(ctx context.Context) {
	for runID, run := range s.registry.All() {
		select {
		case <-run.Done:
			s.handleCompletion(ctx, runID, run)
		default:
		}
	}
}

func (s *Supervisor) handleCompletion(ctx context.Context, runID string, run *RunningRun) {
	s.registry.Remove(runID)

	if run.ExitCode == 0 {
		s.log.Info("run completed", zap.String("run_id", runID), zap.String("session_id", run.SessionID))
		if err := s.client.ReportCompleted(ctx, runID); err != nil {
			s.log.Error("failed to report run completion", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}

	errMsg := buildErrorMessage(run)
	s.log.Error("run failed", zap.String("run_id", runID), zap.Int("exit_code", run.ExitCode), zap.String("error", errMsg))
	if err := s.client.ReportFailed(ctx, runID, errMsg); err != nil {
		s.log.Error("failed to report run failure", zap.String("run_id", runID), zap.Error(err))
	}
}

// buildErrorMessage prefers stderr, falls back to stdout, then a generic
// message naming the exit code, matching the original's preference order.
func buildErrorMessage(run *RunningRun) string {
	if stderr := strings.TrimSpace(run.Stderr.String()); stderr != "" {
		return truncate(stderr)
	}
	if stdout := strings.TrimSpace(run.Stdout.String()); stdout != "" {
		return "(stdout) " + truncate(stdout)
	}
	return fmt.Sprintf("exit code %d", run.ExitCode)
}

func truncate(s string) string {
	if len(s) > maxOutputPreview {
		return s[:maxOutputPreview] + "... (truncated)"
	}
	return s
}
