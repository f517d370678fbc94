// Package runner implements the Runner process (C8): the coordinator API
// client, subprocess executor, running-runs registry, heartbeat loop, the
// long-poll poller, and the exit-status supervisor. Ported from the
// original agent-runner's api_client.py/poller.py/supervisor.py/executor.py,
// restructured around the teacher's HTTP-client-struct convention (see
// agentctl/client.Client) instead of that package's websocket streaming.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/dispatch"
	"github.com/kanflow/fleet/internal/model"
	"go.uber.org/zap"
)

// Client talks HTTP to the coordinator's lifecycle API, mirroring the
// original CoordinatorAPIClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	log        *logger.Logger
}

// NewClient builds a Client bound to the coordinator's base URL. baseURL is
// the bare scheme://host[:port] the operator configures; the /v1 prefix that
// cmd/coordinator mounts the lifecycle API under is appended here so callers
// never have to remember it.
func NewClient(baseURL, apiKey string, pollTimeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/v1",
		httpClient: &http.Client{
			// The long-poll request can legitimately take up to pollTimeout;
			// pad generously so the client doesn't cancel it itself.
			Timeout: pollTimeout + 15*time.Second,
		},
		apiKey: apiKey,
		log:    log.WithFields(zap.String("component", "runner-client")),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("request to %s failed with status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

type registerRequest struct {
	Hostname     string   `json:"hostname"`
	ProjectDir   string   `json:"project_dir"`
	ExecutorType string   `json:"executor_type"`
	Tags         []string `json:"tags"`
}

type registerResponse struct {
	RunnerID string `json:"runner_id"`
}

// Register calls POST /runner/register and returns the assigned runner_id.
func (c *Client) Register(ctx context.Context, hostname, projectDir, executorType string, tags []string) (string, error) {
	var resp registerResponse
	if _, err := c.do(ctx, http.MethodPost, "/runner/register", registerRequest{
		Hostname: hostname, ProjectDir: projectDir, ExecutorType: executorType, Tags: tags,
	}, &resp); err != nil {
		return "", err
	}
	return resp.RunnerID, nil
}

type heartbeatRequest struct {
	RunnerID string   `json:"runner_id"`
	Tags     []string `json:"tags"`
}

// Heartbeat calls POST /runner/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, runnerID string, tags []string) error {
	_, err := c.do(ctx, http.MethodPost, "/runner/heartbeat", heartbeatRequest{RunnerID: runnerID, Tags: tags}, nil)
	return err
}

// PollRun calls GET /runner/runs?runner_id=..., blocking on the coordinator
// side for up to its configured poll timeout. A 204 response decodes to a
// zero-value Envelope.
func (c *Client) PollRun(ctx context.Context, runnerID string) (dispatch.Envelope, error) {
	var env dispatch.Envelope
	status, err := c.do(ctx, http.MethodGet, "/runner/runs?runner_id="+url.QueryEscape(runnerID), nil, &env)
	if err != nil {
		return dispatch.Envelope{}, err
	}
	if status == http.StatusNoContent {
		return dispatch.Envelope{}, nil
	}
	return env, nil
}

// ReportStarted calls POST /runner/runs/{id}/started.
func (c *Client) ReportStarted(ctx context.Context, runID string) error {
	_, err := c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/started", nil, nil)
	return err
}

type statusReportRequest struct {
	Error  string `json:"error,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// ReportCompleted calls POST /runner/runs/{id}/completed.
func (c *Client) ReportCompleted(ctx context.Context, runID string) error {
	_, err := c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/completed", nil, nil)
	return err
}

// ReportFailed calls POST /runner/runs/{id}/failed.
func (c *Client) ReportFailed(ctx context.Context, runID, errMsg string) error {
	_, err := c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/failed", statusReportRequest{Error: errMsg}, nil)
	return err
}

// ReportStopped calls POST /runner/runs/{id}/stopped.
func (c *Client) ReportStopped(ctx context.Context, runID, signalUsed string) error {
	_, err := c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/stopped", statusReportRequest{Signal: signalUsed}, nil)
	return err
}

// BindSession calls POST /sessions/{id}/bind.
func (c *Client) BindSession(ctx context.Context, sessionID, executorSessionID, projectDir string) error {
	_, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/bind", map[string]string{
		"executor_session_id": executorSessionID,
		"project_dir":         projectDir,
	}, nil)
	return err
}

// AppendEvent calls POST /sessions/{id}/events.
func (c *Client) AppendEvent(ctx context.Context, sessionID string, eventType model.EventType, payload map[string]any, runID string) error {
	_, err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/events", map[string]any{
		"event_type": eventType,
		"payload":    payload,
		"run_id":     runID,
	}, nil)
	return err
}
