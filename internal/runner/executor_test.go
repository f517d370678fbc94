package runner

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/invocation"
	"github.com/kanflow/fleet/internal/model"
	"github.com/kanflow/fleet/internal/placeholder"
)

var testRunnerMeta = placeholder.RunnerResolver{Hostname: "host1", ProjectDir: "/runner-work", ExecutorType: "test-exec"}

// cat echoes the invocation payload straight back to its stdout, letting
// these tests assert on exactly what Execute wrote to the subprocess's
// stdin without needing a real executor binary.
const cat = "/bin/cat"

func waitDone(t *testing.T, running *RunningRun) {
	t.Helper()
	select {
	case <-running.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit in time")
	}
}

func TestExecuteStartModeWritesFullEnvelope(t *testing.T) {
	e := NewExecutor(cat, testRunnerMeta, logger.Default())
	r := &model.Run{
		RunID:          "r1",
		SessionID:      "sess-1",
		Type:           model.RunStartSession,
		Prompt:         "hello",
		ProjectDir:     "/work",
		AgentBlueprint: map[string]any{"name": "coder"},
	}

	running, err := e.Execute(r)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitDone(t, running)

	var inv invocation.Invocation
	if err := json.Unmarshal(running.Stdout.Bytes(), &inv); err != nil {
		t.Fatalf("invalid envelope written to stdin: %v", err)
	}
	if inv.Mode != invocation.ModeStart {
		t.Fatalf("expected start mode, got %s", inv.Mode)
	}
	if inv.ProjectDir != "/work" {
		t.Fatalf("expected project_dir preserved in start mode, got %q", inv.ProjectDir)
	}
	if inv.AgentBlueprint == nil {
		t.Fatal("expected agent_blueprint preserved in start mode")
	}
}

func TestExecuteResumeModeDropsProjectDirAndBlueprint(t *testing.T) {
	e := NewExecutor(cat, testRunnerMeta, logger.Default())
	r := &model.Run{
		RunID:          "r2",
		SessionID:      "sess-1",
		Type:           model.RunResumeSession,
		Prompt:         "continue",
		ProjectDir:     "/work",
		AgentBlueprint: map[string]any{"name": "coder"},
	}

	running, err := e.Execute(r)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitDone(t, running)

	var inv invocation.Invocation
	if err := json.Unmarshal(running.Stdout.Bytes(), &inv); err != nil {
		t.Fatalf("invalid envelope written to stdin: %v", err)
	}
	if inv.Mode != invocation.ModeResume {
		t.Fatalf("expected resume mode, got %s", inv.Mode)
	}
	if inv.ProjectDir != "" {
		t.Fatalf("expected project_dir ignored in resume mode, got %q", inv.ProjectDir)
	}
	if inv.AgentBlueprint != nil {
		t.Fatalf("expected agent_blueprint ignored in resume mode, got %v", inv.AgentBlueprint)
	}
}

func TestExecuteResolvesRunnerPlaceholders(t *testing.T) {
	e := NewExecutor(cat, testRunnerMeta, logger.Default())
	r := &model.Run{
		RunID:          "r3",
		SessionID:      "sess-1",
		Type:           model.RunStartSession,
		Prompt:         "run on ${runner.hostname}",
		AgentBlueprint: map[string]any{"workdir": "${runner.project_dir}", "unresolved": "${runner.bogus}"},
	}

	running, err := e.Execute(r)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitDone(t, running)

	var inv invocation.Invocation
	if err := json.Unmarshal(running.Stdout.Bytes(), &inv); err != nil {
		t.Fatalf("invalid envelope written to stdin: %v", err)
	}
	if inv.Prompt != "run on host1" {
		t.Fatalf("expected ${runner.hostname} resolved in prompt, got %q", inv.Prompt)
	}
	if inv.AgentBlueprint["workdir"] != "/runner-work" {
		t.Fatalf("expected ${runner.project_dir} resolved, got %v", inv.AgentBlueprint["workdir"])
	}
	if inv.AgentBlueprint["unresolved"] != "${runner.bogus}" {
		t.Fatalf("expected unknown runner placeholder preserved, got %v", inv.AgentBlueprint["unresolved"])
	}
}
