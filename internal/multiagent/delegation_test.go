package multiagent

import (
	"strings"
	"testing"
)

func knownAgents(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestParseDelegationMarkers_SingleBlockToEndOfText(t *testing.T) {
	text := "Let's get started.\n@backend-coder: implement the login endpoint\nwith validation."
	blocks := ParseDelegationMarkers(text, knownAgents("backend-coder"))
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].AgentName != "backend-coder" {
		t.Fatalf("expected backend-coder, got %s", blocks[0].AgentName)
	}
	want := "implement the login endpoint\nwith validation."
	if blocks[0].TaskText != want {
		t.Fatalf("expected task text %q, got %q", want, blocks[0].TaskText)
	}
}

func TestParseDelegationMarkers_StopsAtNextMarker(t *testing.T) {
	text := "@architect: design the schema\n@backend-coder: implement it"
	blocks := ParseDelegationMarkers(text, knownAgents("architect", "backend-coder"))
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].AgentName != "architect" || blocks[0].TaskText != "design the schema" {
		t.Fatalf("unexpected first block: %+v", blocks[0])
	}
	if blocks[1].AgentName != "backend-coder" || blocks[1].TaskText != "implement it" {
		t.Fatalf("unexpected second block: %+v", blocks[1])
	}
}

func TestParseDelegationMarkers_StopsAtBlankLineRun(t *testing.T) {
	text := "@backend-coder: implement the endpoint\n\n\nNow here's some unrelated prose."
	blocks := ParseDelegationMarkers(text, knownAgents("backend-coder"))
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].TaskText != "implement the endpoint" {
		t.Fatalf("expected block to stop at the blank-line run, got %q", blocks[0].TaskText)
	}
}

func TestParseDelegationMarkers_IgnoresUnknownAgentNames(t *testing.T) {
	text := "@not-an-agent: do something"
	blocks := ParseDelegationMarkers(text, knownAgents("backend-coder"))
	if len(blocks) != 0 {
		t.Fatalf("expected 0 blocks for an unknown agent name, got %d", len(blocks))
	}
}

func TestSubstituteDelegations_ReplacesSpansFromTheEnd(t *testing.T) {
	text := "@architect: design it\n@backend-coder: build it"
	blocks := ParseDelegationMarkers(text, knownAgents("architect", "backend-coder"))
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	results := []string{"@architect: done designing", "@backend-coder: done building"}
	out := SubstituteDelegations(text, blocks, results)
	if !strings.Contains(out, "done designing") || !strings.Contains(out, "done building") {
		t.Fatalf("expected both substitutions present, got %q", out)
	}
	if strings.Contains(out, "design it") || strings.Contains(out, "build it") {
		t.Fatalf("expected original task text to be replaced, got %q", out)
	}
}

func TestFormatDelegationResult_ErrorProducesInlineMarker(t *testing.T) {
	outcome := delegationOutcome{
		block: DelegationBlock{AgentName: "backend-coder"},
		err:   errDelegationFailedForTest,
	}
	got := formatDelegationResult(outcome)
	if !strings.Contains(got, "delegation failed") {
		t.Fatalf("expected an inline failure marker, got %q", got)
	}
}

func TestFormatDelegationResult_SuccessIncludesEvaluationTrailer(t *testing.T) {
	outcome := delegationOutcome{
		block:      DelegationBlock{AgentName: "backend-coder"},
		text:       "implemented the endpoint",
		evaluation: InlineEvaluation{Completion: 2, Quality: 4, TaskComplexity: 6, PromptSpecificity: 3},
	}
	got := formatDelegationResult(outcome)
	if !strings.Contains(got, "implemented the endpoint") {
		t.Fatalf("expected delegate response text present, got %q", got)
	}
	if !strings.Contains(got, "Sub-agent evaluation") {
		t.Fatalf("expected English evaluation trailer, got %q", got)
	}
	if strings.Contains(got, "サブエージェント評価") {
		t.Fatalf("evaluation trailer must not contain the Japanese original text, got %q", got)
	}
}

func TestParseInlineEvaluation_ClampsOutOfRangeValues(t *testing.T) {
	got := parseInlineEvaluation(`{"completion": 9, "quality": -3, "task_complexity": 50, "prompt_specificity": 2}`)
	if got.Completion != evalCompletionMax {
		t.Fatalf("expected completion clamped to %d, got %d", evalCompletionMax, got.Completion)
	}
	if got.Quality != 0 {
		t.Fatalf("expected quality clamped to 0, got %d", got.Quality)
	}
	if got.TaskComplexity != evalTaskComplexityMax {
		t.Fatalf("expected task_complexity clamped to %d, got %d", evalTaskComplexityMax, got.TaskComplexity)
	}
	if got.PromptSpecificity != 2 {
		t.Fatalf("expected prompt_specificity unchanged at 2, got %d", got.PromptSpecificity)
	}
}

func TestParseInlineEvaluation_UnparsableResponseReturnsZeroValue(t *testing.T) {
	got := parseInlineEvaluation("not json at all")
	if (got != InlineEvaluation{}) {
		t.Fatalf("expected zero-valued evaluation for unparsable response, got %+v", got)
	}
}

var errDelegationFailedForTest = &testDelegationError{"agent runtime unavailable"}

type testDelegationError struct{ msg string }

func (e *testDelegationError) Error() string { return e.msg }
