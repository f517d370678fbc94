package api

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/coordinator"
	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/placeholder"
	"github.com/kanflow/fleet/internal/runnerctl"
	"github.com/kanflow/fleet/internal/sse"
	"github.com/kanflow/fleet/internal/store"
)

// Handler wraps the Coordinator and exposes gin handler methods, matching
// the teacher's handler-struct-wraps-service convention.
type Handler struct {
	co  *coordinator.Coordinator
	log *logger.Logger
}

// NewHandler builds a Handler bound to a Coordinator.
func NewHandler(co *coordinator.Coordinator, log *logger.Logger) *Handler {
	return &Handler{co: co, log: log}
}

func abort(c *gin.Context, err error) {
	c.Error(err)
	c.Abort()
}

// CreateRun implements POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.BadRequest(err.Error()))
		return
	}

	var sessionID string
	switch req.Type {
	case model.RunStartSession:
		sessionID = coordinator.NewSessionID()
	case model.RunResumeSession:
		if req.SessionID == "" {
			abort(c, apperrors.BadRequest("session_id required for resume_session"))
			return
		}
		sessionID = req.SessionID
	default:
		abort(c, apperrors.BadRequest("unknown run type"))
		return
	}

	// All payload validation happens before anything is persisted (spec.md
	// §4.7: "validates … then creates a session in pending"), so a bad
	// request never leaves behind an orphaned pending session.
	if err := placeholder.ValidateAgainstSchema(req.AgentBlueprint, req.Params); err != nil {
		abort(c, apperrors.BadRequest("payload failed agent config_schema validation: "+err.Error()))
		return
	}

	runID := coordinator.NewRunID()
	resolver := placeholder.NewResolver(req.Params, req.Scope, runID, sessionID)
	prompt, _ := resolver.Resolve(req.Prompt).(string)
	blueprint, _ := resolver.Resolve(req.AgentBlueprint).(map[string]any)

	if missing := expandMCPServers(blueprint); len(missing) > 0 {
		abort(c, apperrors.InvalidConfig(missing))
		return
	}

	now := time.Now()
	switch req.Type {
	case model.RunStartSession:
		sess := &model.Session{
			SessionID:         sessionID,
			SessionName:       req.SessionName,
			Status:            model.SessionPending,
			AgentName:         req.AgentName,
			ProjectDir:        req.ProjectDir,
			ParentSessionName: req.ParentSessionName,
			CreatedAt:         now,
		}
		if err := h.co.Store.CreateSession(c.Request.Context(), sess); err != nil {
			abort(c, err)
			return
		}
	case model.RunResumeSession:
		if _, err := h.co.Store.GetByID(c.Request.Context(), sessionID); err != nil {
			abort(c, err)
			return
		}
	}

	run := &model.Run{
		RunID:             runID,
		SessionID:         sessionID,
		Type:              req.Type,
		Demands:           model.TagSet(req.Demands),
		Prompt:            prompt,
		ProjectDir:        req.ProjectDir,
		AgentName:         req.AgentName,
		AgentBlueprint:    blueprint,
		ParentSessionName: req.ParentSessionName,
		CreatedAt:         now,
	}
	h.co.Queue.CreateRun(run)
	h.co.SSE.Broadcast(sse.EventRunCreated, run, sessionID)

	c.JSON(http.StatusCreated, CreateRunResponse{RunID: run.RunID, SessionID: sessionID})
}

// expandMCPServers expands every entry under the blueprint's mcp_servers
// block by merging registry defaults with caller-supplied config (spec.md
// §4.10) and collects the required keys still missing after the merge,
// each qualified by server name so a caller can tell which server needs
// fixing. A blueprint with no mcp_servers block has nothing to expand.
func expandMCPServers(blueprint map[string]any) []string {
	raw, ok := blueprint["mcp_servers"].(map[string]any)
	if !ok {
		return nil
	}
	var missing []string
	for name, v := range raw {
		server, ok := v.(map[string]any)
		if !ok {
			continue
		}
		defaults, _ := server["defaults"].(map[string]any)
		supplied, _ := server["config"].(map[string]any)
		required := stringsFromAny(server["required"])
		for _, key := range placeholder.MissingRequired(defaults, supplied, required) {
			missing = append(missing, name+"."+key)
		}
	}
	return missing
}

func stringsFromAny(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetRun implements GET /runs/{id}.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.co.Queue.Get(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(run))
}

// StopRun implements POST /runs/{id}/stop.
func (h *Handler) StopRun(c *gin.Context) {
	runID := c.Param("id")
	needsCommand, runnerID, err := h.co.Queue.RequestStop(runID, time.Now())
	if err != nil {
		abort(c, err)
		return
	}
	if needsCommand && runnerID != "" {
		h.co.Commands.AddStop(runnerID, runID)
		if h.co.Bus != nil {
			_ = h.co.Bus.PublishWake(runnerID)
		}
	}
	c.Status(http.StatusAccepted)
}

// ListSessions implements GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	filter := store.ListFilter{Status: model.SessionStatus(c.Query("status"))}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	sessions, err := h.co.Store.List(c.Request.Context(), filter)
	if err != nil {
		abort(c, err)
		return
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

// GetSession implements GET /sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.co.Store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(s))
}

// GetSessionStatus implements GET /sessions/{id}/status.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	status, err := h.co.Store.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// GetSessionResult implements GET /sessions/{id}/result.
func (h *Handler) GetSessionResult(c *gin.Context) {
	result, err := h.co.Store.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetSessionAffinity implements GET /sessions/{id}/affinity.
func (h *Handler) GetSessionAffinity(c *gin.Context) {
	aff, err := h.co.Store.GetAffinity(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if !aff.Bound {
		c.JSON(http.StatusOK, gin.H{"status": "unbound"})
		return
	}
	c.JSON(http.StatusOK, aff)
}

// BindSession implements POST /sessions/{id}/bind.
func (h *Handler) BindSession(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.BadRequest(err.Error()))
		return
	}
	sessionID := c.Param("id")
	if err := h.co.Store.Bind(c.Request.Context(), sessionID, req.ExecutorSessionID, req.Hostname, req.ExecutorType, req.ProjectDir); err != nil {
		abort(c, err)
		return
	}
	h.co.SSE.Broadcast(sse.EventSessionRunning, gin.H{"session_id": sessionID}, sessionID)
	c.Status(http.StatusOK)
}

// AppendSessionEvent implements POST /sessions/{id}/events.
func (h *Handler) AppendSessionEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.BadRequest(err.Error()))
		return
	}
	sessionID := c.Param("id")

	sess, err := h.co.Store.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		abort(c, err)
		return
	}

	ev := &model.Event{SessionID: sessionID, Type: req.EventType, Timestamp: time.Now(), Payload: req.Payload}

	if req.EventType.Terminal() {
		if req.RunID == "" {
			abort(c, apperrors.BadRequest("run_id required for a terminal event"))
			return
		}
		if err := h.co.AppendTerminalEvent(c.Request.Context(), sess, req.RunID, ev); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusCreated)
		return
	}

	if err := h.co.Store.AppendEvent(c.Request.Context(), ev); err != nil {
		abort(c, err)
		return
	}
	h.co.SSE.Broadcast(sse.EventSessionEvent, ev, sessionID)
	c.Status(http.StatusCreated)
}

// DeleteSession implements DELETE /sessions/{id}.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.co.Store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRunner implements POST /runner/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.BadRequest(err.Error()))
		return
	}
	runner := h.co.Registry.Register(runnerctl.Metadata{
		Hostname: req.Hostname, ProjectDir: req.ProjectDir, ExecutorType: req.ExecutorType, Tags: req.Tags,
	}, time.Now())
	h.co.Commands.RegisterRunner(runner.RunnerID)

	c.JSON(http.StatusCreated, RegisterRunnerResponse{RunnerID: runner.RunnerID})
}

// Heartbeat implements POST /runner/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.co.Registry.Heartbeat(req.RunnerID, time.Now(), req.Tags); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PollRuns implements GET /runner/runs?runner_id=....
func (h *Handler) PollRuns(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		abort(c, apperrors.BadRequest("runner_id is required"))
		return
	}
	runner, err := h.co.Registry.Get(runnerID)
	if err != nil {
		abort(c, err)
		return
	}

	env := h.co.Dispatcher.Poll(c.Request.Context(), runnerID, runner.Tags, h.co.Config.PollTimeout)
	if env.Empty() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, env)
}

// ReportStarted implements POST /runner/runs/{id}/started.
func (h *Handler) ReportStarted(c *gin.Context) {
	if err := h.co.Queue.ReportStarted(c.Param("id"), time.Now()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportCompleted implements POST /runner/runs/{id}/completed.
func (h *Handler) ReportCompleted(c *gin.Context) {
	if err := h.co.Queue.ReportCompleted(c.Param("id"), time.Now()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportFailed implements POST /runner/runs/{id}/failed.
func (h *Handler) ReportFailed(c *gin.Context) {
	var req StatusReportRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.co.Queue.ReportFailed(c.Param("id"), req.Error, time.Now()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportStopped implements POST /runner/runs/{id}/stopped.
func (h *Handler) ReportStopped(c *gin.Context) {
	var req StatusReportRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.co.Queue.ReportStopped(c.Param("id"), req.Signal, time.Now()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamEvents implements GET /events?session_id=....
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionIDFilter := c.Query("session_id")
	id, out := h.co.SSE.Register(sessionIDFilter)
	defer h.co.SSE.Unregister(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	w := bufio.NewWriter(c.Writer)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-out:
			if !ok {
				return
			}
			if _, err := fmt.Fprint(w, frame.Format()); err != nil {
				return
			}
			w.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
