// Package model defines the typed representations of sessions, events,
// runs, and runners shared by the store, queue, registry, and API packages.
package model

import (
	"encoding/json"
	"time"
)

// SessionStatus enumerates the lifecycle states of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionFinished SessionStatus = "finished"
	SessionFailed   SessionStatus = "failed"
)

// Session is a logical agent conversation, possibly spanning multiple runs.
type Session struct {
	SessionID         string        `json:"session_id"`
	SessionName       string        `json:"session_name"`
	Status            SessionStatus `json:"status"`
	ExecutorSessionID string        `json:"executor_session_id,omitempty"` // nullable until bind; empty string means unset
	ExecutorType      string        `json:"executor_type,omitempty"`
	Hostname          string        `json:"hostname,omitempty"`
	ProjectDir        string        `json:"project_dir,omitempty"`
	AgentName         string        `json:"agent_name,omitempty"`
	ParentSessionName string        `json:"parent_session_name,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastResumedAt     time.Time     `json:"last_resumed_at,omitempty"`
}

// Bound reports whether the executor has completed the bind handshake.
func (s *Session) Bound() bool {
	return s.ExecutorSessionID != ""
}

// Terminal reports whether the session has reached a final status.
func (s *Session) Terminal() bool {
	return s.Status == SessionFinished || s.Status == SessionFailed
}

// EventType enumerates the kinds of events appended to a session's log.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventPreTool      EventType = "pre_tool"
	EventPostTool     EventType = "post_tool"
	EventMessage      EventType = "message"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Terminal reports whether this event type ends the session.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Event is one append-only entry in a session's log.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// RunType enumerates the two ways a run can address a session.
type RunType string

const (
	RunStartSession  RunType = "start_session"
	RunResumeSession RunType = "resume_session"
)

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether this status ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunStopped:
		return true
	default:
		return false
	}
}

// Run is a single execution attempt against a session.
type Run struct {
	RunID             string              `json:"run_id"`
	SessionID         string              `json:"session_id"`
	Type              RunType             `json:"type"`
	Status            RunStatus           `json:"status"`
	Demands           map[string]struct{} `json:"-"`
	Prompt            string              `json:"prompt,omitempty"`
	ProjectDir        string              `json:"project_dir,omitempty"`
	AgentName         string              `json:"agent_name,omitempty"`
	ParentSessionName string              `json:"parent_session_name,omitempty"`
	AgentBlueprint    map[string]any      `json:"agent_blueprint,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	RunnerID string `json:"runner_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DemandsSubsetOf reports whether r.Demands is a subset of tags.
func (r *Run) DemandsSubsetOf(tags map[string]struct{}) bool {
	for d := range r.Demands {
		if _, ok := tags[d]; !ok {
			return false
		}
	}
	return true
}

// runAlias has the same fields as Run but without its custom MarshalJSON,
// avoiding infinite recursion when Run's own method delegates to it.
type runAlias Run

// runWire is the wire shape for Run: demands travels as a JSON array of tag
// names rather than Go's map-as-object encoding, matching the "set of
// capability tags" the external interface documents.
type runWire struct {
	runAlias
	Demands []string `json:"demands,omitempty"`
}

// MarshalJSON renders demands as a string array for every JSON boundary
// that serializes a Run directly (the dispatcher envelope, SSE broadcasts).
func (r Run) MarshalJSON() ([]byte, error) {
	return json.Marshal(runWire{runAlias: runAlias(r), Demands: TagSlice(r.Demands)})
}

// UnmarshalJSON is the inverse of MarshalJSON, used by the Runner when it
// decodes a claimed run off the long-poll envelope.
func (r *Run) UnmarshalJSON(data []byte) error {
	var wire runWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Run(wire.runAlias)
	r.Demands = TagSet(wire.Demands)
	return nil
}

// Runner is a registered worker process.
type Runner struct {
	RunnerID      string              `json:"runner_id"`
	RegisteredAt  time.Time           `json:"registered_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Hostname      string              `json:"hostname,omitempty"`
	ProjectDir    string              `json:"project_dir,omitempty"`
	ExecutorType  string              `json:"executor_type,omitempty"`
	Tags          map[string]struct{} `json:"-"`
	Deregistered  bool                `json:"deregistered,omitempty"`
}

// IsAlive reports liveness given the configured heartbeat timeout.
func (r *Runner) IsAlive(now time.Time, heartbeatTimeout time.Duration) bool {
	return now.Sub(r.LastHeartbeat) < heartbeatTimeout
}

type runnerAlias Runner

type runnerWire struct {
	runnerAlias
	Tags []string `json:"tags,omitempty"`
}

// MarshalJSON renders tags as a string array, matching Run's demands encoding.
func (r Runner) MarshalJSON() ([]byte, error) {
	return json.Marshal(runnerWire{runnerAlias: runnerAlias(r), Tags: TagSlice(r.Tags)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Runner) UnmarshalJSON(data []byte) error {
	var wire runnerWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Runner(wire.runnerAlias)
	r.Tags = TagSet(wire.Tags)
	return nil
}

// TagSet builds a set from a slice of tag strings.
func TagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

// TagSlice converts a tag set back to a sorted-free slice for serialization.
func TagSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
