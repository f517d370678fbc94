package runner

import (
	"bytes"
	"os"
	"os/exec"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/invocation"
	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/placeholder"
	"go.uber.org/zap"
)

// Executor spawns the configured executor binary for one run, writing the
// versioned invocation envelope to its stdin, the same shape as the
// original RunExecutor.execute_run but targeting an arbitrary command
// instead of a fixed docker image.
type Executor struct {
	executorPath string
	runnerRes    *placeholder.RunnerResolver
	log          *logger.Logger
}

// NewExecutor builds an Executor that spawns executorPath for every run,
// substituting ${runner.*} placeholders against this runner's own metadata
// immediately before spawn (spec.md §4.9/§10).
func NewExecutor(executorPath string, runnerMeta placeholder.RunnerResolver, log *logger.Logger) *Executor {
	return &Executor{executorPath: executorPath, runnerRes: &runnerMeta, log: log.WithFields(zap.String("component", "runner-executor"))}
}

// Execute spawns the executor subprocess for r. The Coordinator has already
// resolved every ${params.*}/${scope.*}/${env.*}/${runtime.*} placeholder;
// this pass resolves the ${runner.*} ones left behind, the second half of
// the spec's two-phase placeholder resolution.
func (e *Executor) Execute(r *model.Run) (*RunningRun, error) {
	resolver := placeholder.NewResolver(nil, nil, r.RunID, r.SessionID)
	blueprint, _ := resolver.Resolve(r.AgentBlueprint).(map[string]any)
	if blueprint != nil {
		blueprint, _ = e.runnerRes.Resolve(blueprint).(map[string]any)
	}
	prompt, _ := e.runnerRes.Resolve(r.Prompt).(string)

	mode := invocation.ModeStart
	projectDir := r.ProjectDir
	if r.Type == model.RunResumeSession {
		mode = invocation.ModeResume
		if projectDir != "" || blueprint != nil {
			e.log.Warn("resume mode ignores project_dir and agent_blueprint", zap.String("run_id", r.RunID))
			projectDir = ""
			blueprint = nil
		}
	}
	inv := &invocation.Invocation{
		SchemaVersion:  invocation.SchemaVersion,
		Mode:           mode,
		SessionID:      r.SessionID,
		Prompt:         prompt,
		ProjectDir:     projectDir,
		AgentBlueprint: blueprint,
	}
	payload, err := inv.ToJSON()
	if err != nil {
		return nil, apperrors.ExecutorSpawnFailed(err)
	}

	cmd := exec.Command(e.executorPath)
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.ExecutorSpawnFailed(err)
	}

	e.log.Debug("executor spawned", zap.String("run_id", r.RunID), zap.Int("pid", cmd.Process.Pid))

	running := &RunningRun{RunID: r.RunID, SessionID: r.SessionID, Cmd: cmd, Stdout: &stdout, Stderr: &stderr, Done: make(chan struct{})}

	// cmd.Wait must be called exactly once; this goroutine owns that call
	// for the run's entire lifetime, whether it exits on its own or is
	// signaled by stopProcess.
	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			running.ExitCode = exitErr.ExitCode()
		} else if err != nil {
			running.ExitCode = -1
		}
		close(running.Done)
	}()

	return running, nil
}
