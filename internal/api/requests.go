package api

import "github.com/kanflow/fleet/internal/model"

// CreateRunRequest is the POST /runs body.
type CreateRunRequest struct {
	Type              model.RunType  `json:"type" binding:"required"`
	SessionName       string         `json:"session_name"`
	AgentName         string         `json:"agent_name"`
	Prompt            string         `json:"prompt" binding:"required"`
	ProjectDir        string         `json:"project_dir"`
	ParentSessionName string         `json:"parent_session_name"`
	Demands           []string       `json:"demands"`
	Params            map[string]any `json:"params"`
	Scope             map[string]any `json:"scope"`
	// AgentBlueprint carries the agent's declarative definition inline,
	// since the blueprint CRUD registry itself is an external collaborator
	// (spec.md §2 Non-goals). config_schema, if present, is a JSON-schema
	// object validated against Params before the run is accepted.
	AgentBlueprint map[string]any `json:"agent_blueprint"`
	// For resume_session runs, the existing session to resume.
	SessionID string `json:"session_id"`
}

// CreateRunResponse is the 201 body for POST /runs.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// BindRequest is the POST /sessions/{id}/bind body.
type BindRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	Hostname          string `json:"hostname"`
	ExecutorType      string `json:"executor_type"`
	ProjectDir        string `json:"project_dir"`
}

// AppendEventRequest is the POST /sessions/{id}/events body.
type AppendEventRequest struct {
	EventType model.EventType `json:"event_type" binding:"required"`
	Payload   map[string]any  `json:"payload"`
	RunID     string          `json:"run_id"`
}

// RegisterRunnerRequest is the POST /runner/register body.
type RegisterRunnerRequest struct {
	Hostname     string   `json:"hostname" binding:"required"`
	ProjectDir   string   `json:"project_dir"`
	ExecutorType string   `json:"executor_type"`
	Tags         []string `json:"tags"`
}

// RegisterRunnerResponse is the 201 body for POST /runner/register.
type RegisterRunnerResponse struct {
	RunnerID string `json:"runner_id"`
}

// HeartbeatRequest is the POST /runner/heartbeat body.
type HeartbeatRequest struct {
	RunnerID string   `json:"runner_id" binding:"required"`
	Tags     []string `json:"tags"`
}

// StatusReportRequest is the body for the runner status-report endpoints.
type StatusReportRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
	Error    string `json:"error"`
	Signal   string `json:"signal"`
}

// SessionResponse is the wire shape for GET /sessions/{id}.
type SessionResponse struct {
	SessionID         string `json:"session_id"`
	SessionName       string `json:"session_name"`
	Status            string `json:"status"`
	ExecutorSessionID string `json:"executor_session_id,omitempty"`
	ExecutorType      string `json:"executor_type,omitempty"`
	Hostname          string `json:"hostname,omitempty"`
	ProjectDir        string `json:"project_dir,omitempty"`
	AgentName         string `json:"agent_name,omitempty"`
	ParentSessionName string `json:"parent_session_name,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func sessionToResponse(s *model.Session) SessionResponse {
	return SessionResponse{
		SessionID:         s.SessionID,
		SessionName:       s.SessionName,
		Status:            string(s.Status),
		ExecutorSessionID: s.ExecutorSessionID,
		ExecutorType:      s.ExecutorType,
		Hostname:          s.Hostname,
		ProjectDir:        s.ProjectDir,
		AgentName:         s.AgentName,
		ParentSessionName: s.ParentSessionName,
		CreatedAt:         s.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// RunResponse is the wire shape for GET /runs/{id}.
type RunResponse struct {
	RunID     string   `json:"run_id"`
	SessionID string   `json:"session_id"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Demands   []string `json:"demands,omitempty"`
	RunnerID  string   `json:"runner_id,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func runToResponse(r *model.Run) RunResponse {
	return RunResponse{
		RunID:     r.RunID,
		SessionID: r.SessionID,
		Type:      string(r.Type),
		Status:    string(r.Status),
		Demands:   model.TagSlice(r.Demands),
		RunnerID:  r.RunnerID,
		Error:     r.Error,
	}
}
