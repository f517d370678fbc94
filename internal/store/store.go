// Package store implements the session store (C1): persistence for
// sessions and their event logs, the bind handshake, and result retrieval.
package store

import (
	"context"
	"time"

	"github.com/kanflow/fleet/internal/model"
)

// ListFilter narrows a List call.
type ListFilter struct {
	Status model.SessionStatus // empty means any
	Limit  int
	Offset int
}

// Affinity is the resume-routing triple returned by GetAffinity.
type Affinity struct {
	Bound             bool   `json:"-"`
	Hostname          string `json:"hostname,omitempty"`
	ExecutorType      string `json:"executor_type,omitempty"`
	ProjectDir        string `json:"project_dir,omitempty"`
	ExecutorSessionID string `json:"executor_session_id,omitempty"`
}

// Store is the session store contract (C1). Implementations must make
// writes to sessions and their events transactional, and must write
// through any in-memory cache within the same critical section — the
// cache is a latency optimization, never the source of truth.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	Bind(ctx context.Context, sessionID, executorSessionID, hostname, executorType, projectDir string) error
	AppendEvent(ctx context.Context, ev *model.Event) error

	GetStatus(ctx context.Context, sessionID string) (model.SessionStatus, error)
	GetResult(ctx context.Context, sessionID string) (string, error)
	GetAffinity(ctx context.Context, sessionID string) (*Affinity, error)
	GetByID(ctx context.Context, sessionID string) (*model.Session, error)
	GetByName(ctx context.Context, name string) (*model.Session, error)
	List(ctx context.Context, filter ListFilter) ([]*model.Session, error)
	Events(ctx context.Context, sessionID string) ([]*model.Event, error)

	UpdateMetadata(ctx context.Context, sessionID string, fields map[string]any) error
	Delete(ctx context.Context, sessionID string) error

	// SaveRun and UpdateRun give the run queue (C2) the same write-through
	// SQLite backing as sessions/events, per §5's shared resource policy.
	// The queue's in-memory structure remains the hot read path; these
	// calls only need to persist enough for recover_stale_on_startup after
	// a Coordinator restart.
	SaveRun(ctx context.Context, r *model.Run) error
	UpdateRun(ctx context.Context, r *model.Run) error
	ListRuns(ctx context.Context) ([]*model.Run, error)

	Close() error
}

// resultEventData pulls the textual result out of a terminal event's
// payload, matching the run_completed/run_failed payload shape used
// throughout the API and runner packages.
func resultEventData(ev *model.Event) string {
	if ev == nil {
		return ""
	}
	if v, ok := ev.Payload["result"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := ev.Payload["error"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// now is a package-level clock hook; no function in this package reads it.
var now = time.Now
