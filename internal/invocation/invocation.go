// Package invocation implements the executor invocation protocol (C9): the
// versioned JSON payload the Runner writes to the executor's stdin, ported
// directly from the original ExecutorInvocation dataclass and its
// from_json validation.
package invocation

import (
	"encoding/json"
	"fmt"

	"github.com/kanflow/fleet/internal/common/logger"
	"go.uber.org/zap"
)

// SchemaVersion is the current, and only, supported schema version.
const SchemaVersion = "2.0"

// Mode enumerates execution modes.
type Mode string

const (
	ModeStart  Mode = "start"
	ModeResume Mode = "resume"
)

// Invocation is the payload delivered on the executor's stdin.
type Invocation struct {
	SchemaVersion  string         `json:"schema_version"`
	Mode           Mode           `json:"mode"`
	SessionID      string         `json:"session_id"`
	Prompt         string         `json:"prompt"`
	ProjectDir     string         `json:"project_dir,omitempty"`
	AgentBlueprint map[string]any `json:"agent_blueprint,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var knownFields = map[string]struct{}{
	"schema_version": {}, "mode": {}, "session_id": {}, "prompt": {},
	"project_dir": {}, "agent_blueprint": {}, "metadata": {},
}

// FromJSON parses and validates raw JSON per the required-field, schema
// version, and mode checks, warning (via log) rather than failing on
// ignored resume-mode fields and unknown top-level keys.
func FromJSON(raw []byte, log *logger.Logger) (*Invocation, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no input received on stdin")
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	for _, field := range []string{"schema_version", "mode", "session_id", "prompt"} {
		if _, ok := generic[field]; !ok {
			return nil, fmt.Errorf("missing required field: %s", field)
		}
	}

	var inv Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if inv.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version: %s. supported: %s", inv.SchemaVersion, SchemaVersion)
	}
	if inv.Mode != ModeStart && inv.Mode != ModeResume {
		return nil, fmt.Errorf("invalid mode: %s. must be 'start' or 'resume'", inv.Mode)
	}

	if log == nil {
		log = logger.Default()
	}

	if inv.Mode == ModeResume && inv.ProjectDir != "" {
		log.Warn("field 'project_dir' ignored in resume mode", zap.String("session_id", inv.SessionID))
	}
	if inv.Mode == ModeResume && inv.AgentBlueprint != nil {
		log.Warn("field 'agent_blueprint' ignored in resume mode", zap.String("session_id", inv.SessionID))
	}
	for key := range generic {
		if _, ok := knownFields[key]; !ok {
			log.Warn("unknown field ignored", zap.String("field", key))
		}
	}

	return &inv, nil
}

// ToJSON serializes the invocation back to JSON, omitting empty optional
// fields per the original to_dict behavior.
func (i *Invocation) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}

// LogSummary logs the invocation without the prompt's content, only its
// length, matching the original's privacy-conscious log_summary.
func (i *Invocation) LogSummary(log *logger.Logger) {
	agentInfo := "no_agent"
	if i.AgentBlueprint != nil {
		if name, ok := i.AgentBlueprint["name"].(string); ok && name != "" {
			agentInfo = "blueprint=" + name
		} else {
			agentInfo = "blueprint=unnamed"
		}
	}
	log.Info("invocation",
		zap.String("schema_version", i.SchemaVersion),
		zap.String("mode", string(i.Mode)),
		zap.String("session_id", i.SessionID),
		zap.String("agent", agentInfo),
		zap.Int("prompt_len", len(i.Prompt)),
	)
}
