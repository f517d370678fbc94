package placeholder

import (
	"os"
	"testing"
)

func TestResolveParamsAndScope(t *testing.T) {
	r := NewResolver(
		map[string]any{"name": "alice"},
		map[string]any{"repo": "fleet"},
		"run-1", "sess-1",
	)
	got := r.Resolve("hello ${params.name} from ${scope.repo}")
	if got != "hello alice from fleet" {
		t.Fatalf("unexpected resolution: %q", got)
	}
}

func TestResolveRuntime(t *testing.T) {
	r := NewResolver(nil, nil, "run-1", "sess-1")
	got := r.Resolve("${runtime.run_id}/${runtime.session_id}")
	if got != "run-1/sess-1" {
		t.Fatalf("unexpected resolution: %q", got)
	}
}

func TestResolveEnv(t *testing.T) {
	os.Setenv("KANFLOW_TEST_PLACEHOLDER", "envval")
	defer os.Unsetenv("KANFLOW_TEST_PLACEHOLDER")

	r := NewResolver(nil, nil, "", "")
	got := r.Resolve("${env.KANFLOW_TEST_PLACEHOLDER}")
	if got != "envval" {
		t.Fatalf("unexpected resolution: %q", got)
	}
}

func TestRunnerPrefixPreserved(t *testing.T) {
	r := NewResolver(map[string]any{"x": "y"}, nil, "", "")
	got := r.Resolve("${runner.mcp_url}")
	if got != "${runner.mcp_url}" {
		t.Fatalf("expected runner.* placeholder preserved unresolved, got %q", got)
	}
}

func TestUnknownPlaceholderPreserved(t *testing.T) {
	r := NewResolver(nil, nil, "", "")
	got := r.Resolve("${bogus.thing}")
	if got != "${bogus.thing}" {
		t.Fatalf("expected unknown placeholder preserved, got %q", got)
	}
}

func TestResolveRecursesThroughMapsAndSlices(t *testing.T) {
	r := NewResolver(map[string]any{"a": "1"}, nil, "", "")
	input := map[string]any{
		"list": []any{"${params.a}", "literal"},
		"nested": map[string]any{
			"v": "${params.a}",
		},
	}
	got := r.Resolve(input).(map[string]any)
	list := got["list"].([]any)
	if list[0] != "1" || list[1] != "literal" {
		t.Fatalf("unexpected list resolution: %+v", list)
	}
	nested := got["nested"].(map[string]any)
	if nested["v"] != "1" {
		t.Fatalf("unexpected nested resolution: %+v", nested)
	}
}

func TestRunnerResolverSubstitutesKnownFields(t *testing.T) {
	rr := &RunnerResolver{Hostname: "h1", ProjectDir: "/wd", ExecutorType: "claude-cli", Tags: []string{"gpu", "fast"}}
	got := rr.Resolve("${runner.hostname}:${runner.project_dir}:${runner.executor_type}:${runner.tags}")
	if got != "h1:/wd:claude-cli:gpu,fast" {
		t.Fatalf("unexpected resolution: %q", got)
	}
}

func TestRunnerResolverPreservesUnknownKey(t *testing.T) {
	rr := &RunnerResolver{Hostname: "h1"}
	got := rr.Resolve("${runner.bogus}")
	if got != "${runner.bogus}" {
		t.Fatalf("expected unknown runner key preserved, got %q", got)
	}
}

func TestMissingRequiredAfterMerge(t *testing.T) {
	defaults := map[string]any{"url": "https://default"}
	supplied := map[string]any{"headers": map[string]any{"Authorization": "x"}}

	missing := MissingRequired(defaults, supplied, []string{"url", "api_key"})
	if len(missing) != 1 || missing[0] != "api_key" {
		t.Fatalf("expected only api_key missing, got %+v", missing)
	}
}

func TestValidateAgainstSchemaNoSchemaAlwaysPasses(t *testing.T) {
	if err := ValidateAgainstSchema(map[string]any{"name": "coder"}, map[string]any{}); err != nil {
		t.Fatalf("expected no error without a config_schema, got %v", err)
	}
	if err := ValidateAgainstSchema(nil, map[string]any{"anything": true}); err != nil {
		t.Fatalf("expected no error with a nil blueprint, got %v", err)
	}
}

func TestValidateAgainstSchemaRejectsMissingRequiredParam(t *testing.T) {
	blueprint := map[string]any{
		"config_schema": map[string]any{
			"type":     "object",
			"required": []any{"model"},
			"properties": map[string]any{
				"model": map[string]any{"type": "string"},
			},
		},
	}
	if err := ValidateAgainstSchema(blueprint, map[string]any{}); err == nil {
		t.Fatal("expected validation error for missing required param 'model'")
	}
	if err := ValidateAgainstSchema(blueprint, map[string]any{"model": "claude"}); err != nil {
		t.Fatalf("expected valid params to pass, got %v", err)
	}
}
