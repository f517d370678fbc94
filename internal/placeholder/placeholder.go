// Package placeholder resolves ${source.key} tokens inside a blueprint,
// ported directly from the original PlaceholderResolver: the same regex,
// the same source dispatch (params/scope/env/runtime), and the same
// runner.* prefix preservation for Runner-side substitution.
package placeholder

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// runnerPrefixes lists source prefixes left untouched for the Runner to
// substitute immediately before spawn.
var runnerPrefixes = []string{"runner."}

// Resolver substitutes ${source.key} tokens across a blueprint value tree.
type Resolver struct {
	Params    map[string]any
	Scope     map[string]any
	RunID     string
	SessionID string
}

// NewResolver builds a Resolver bound to one run's params/scope/identity.
func NewResolver(params, scope map[string]any, runID, sessionID string) *Resolver {
	if params == nil {
		params = map[string]any{}
	}
	if scope == nil {
		scope = map[string]any{}
	}
	return &Resolver{Params: params, Scope: scope, RunID: runID, SessionID: sessionID}
}

// Resolve walks value recursively, substituting placeholders in every
// string it finds inside maps and slices.
func (r *Resolver) Resolve(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = r.Resolve(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.Resolve(val)
		}
		return out
	case string:
		return r.resolveString(v)
	default:
		return v
	}
}

func (r *Resolver) resolveString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1] // strip ${ and }

		for _, prefix := range runnerPrefixes {
			if strings.HasPrefix(key, prefix) {
				return match // left unresolved for the Runner
			}
		}

		val, ok := r.getValue(key)
		if !ok {
			return match // unknown placeholders are preserved
		}
		return val
	})
}

func (r *Resolver) getValue(key string) (string, bool) {
	source, rest, ok := strings.Cut(key, ".")
	if !ok {
		return "", false
	}
	switch source {
	case "params":
		return lookup(r.Params, rest)
	case "scope":
		return lookup(r.Scope, rest)
	case "env":
		v, ok := os.LookupEnv(rest)
		return v, ok
	case "runtime":
		switch rest {
		case "session_id":
			return r.SessionID, true
		case "run_id":
			return r.RunID, true
		}
		return "", false
	default:
		return "", false
	}
}

func lookup(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		return "", false
	}
}

// RunnerResolver substitutes the ${runner.*} tokens a Resolver deliberately
// leaves behind, applied by the Runner immediately before spawn (spec.md
// §4.9/§10: "${runner.*} is intentionally preserved for Runner-side
// substitution"). Only this prefix is handled; anything else is left as-is
// since the Coordinator has already resolved every other source.
type RunnerResolver struct {
	Hostname     string
	ProjectDir   string
	ExecutorType string
	Tags         []string
}

var runnerPlaceholderPattern = regexp.MustCompile(`\$\{runner\.([^}]+)\}`)

// Resolve walks value recursively, substituting ${runner.key} tokens.
func (r *RunnerResolver) Resolve(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = r.Resolve(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.Resolve(val)
		}
		return out
	case string:
		return runnerPlaceholderPattern.ReplaceAllStringFunc(v, func(match string) string {
			key := match[len("${runner.") : len(match)-1]
			val, ok := r.getValue(key)
			if !ok {
				return match
			}
			return val
		})
	default:
		return v
	}
}

func (r *RunnerResolver) getValue(key string) (string, bool) {
	switch key {
	case "hostname":
		return r.Hostname, true
	case "project_dir":
		return r.ProjectDir, true
	case "executor_type":
		return r.ExecutorType, true
	case "tags":
		return strings.Join(r.Tags, ","), true
	default:
		return "", false
	}
}

// MissingRequired expands an mcp_servers block by merging registry defaults
// with caller-supplied config, returning the keys still missing after
// resolution. A non-empty result blocks run creation with invalid_config.
func MissingRequired(defaults, supplied map[string]any, required []string) []string {
	merged := make(map[string]any, len(defaults)+len(supplied))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range supplied {
		merged[k] = v
	}

	var missing []string
	for _, key := range required {
		if v, ok := merged[key]; !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// ValidateAgainstSchema validates params against the blueprint's
// config_schema, if present (spec.md §4.7's "validates the payload against
// the agent's JSON-schema"). A blueprint without a config_schema key always
// passes. Compiled per call since blueprints are small and run creation is
// not hot enough to justify a schema cache.
func ValidateAgainstSchema(blueprint map[string]any, params map[string]any) error {
	schemaDoc, ok := blueprint["config_schema"]
	if !ok || schemaDoc == nil {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("config_schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add config_schema resource: %w", err)
	}
	schema, err := c.Compile("config_schema.json")
	if err != nil {
		return fmt.Errorf("compile config_schema: %w", err)
	}

	doc := map[string]any(params)
	if doc == nil {
		doc = map[string]any{}
	}
	return schema.Validate(doc)
}
