// Package callback implements the callback step (§4.11): when a session
// with a parent_session_name completes, enqueue a resume_session run
// against the parent carrying the child's result as its prompt.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/queue"
	"github.com/kanflow/fleet/internal/store"
)

// Dispatch enqueues a resume_session run against the parent session named
// by the child session, if any. It is a plain queue insertion: ordering
// and busy-parent handling fall out of standard queue semantics, exactly
// as the original system moved callback processing into the run_completed
// handler rather than a dedicated subsystem.
func Dispatch(ctx context.Context, st store.Store, q *queue.Queue, idgen func() string, childSessionID, childResult string, parentSessionName string, now time.Time) error {
	if parentSessionName == "" {
		return nil
	}

	parent, err := st.GetByName(ctx, parentSessionName)
	if err != nil {
		return err
	}

	run := &model.Run{
		RunID:     idgen(),
		SessionID: parent.SessionID,
		Type:      model.RunResumeSession,
		Demands:   map[string]struct{}{},
		Prompt:    fmt.Sprintf("Child session %s completed with result: %s", childSessionID, childResult),
		CreatedAt: now,
	}
	q.CreateRun(run)
	return nil
}
