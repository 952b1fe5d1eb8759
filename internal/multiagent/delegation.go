package multiagent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrion/internal/agent"
	"github.com/agentmesh/orchestrion/internal/config/lenientjson"
	"github.com/agentmesh/orchestrion/internal/optimizer"
	"github.com/agentmesh/orchestrion/pkg/models"
)

// DelegationBlock is one `@name ...` fan-out marker found in an assistant
// reply, along with the span of text it replaces once the delegate's
// answer comes back.
type DelegationBlock struct {
	AgentName string
	TaskText  string
	Start     int
	End       int
}

// delegationMarkerRe matches a line opening a delegation block: "@name:"
// or "@name " at the start of a line, followed by the rest of that line.
var delegationMarkerRe = regexp.MustCompile(`(?m)^@([a-zA-Z0-9_-]+)(?::\s*|\s+)(.*)$`)

// blankRunRe matches a run of two or more blank lines, one of the two
// terminators (besides the next marker) that closes a delegation block.
var blankRunRe = regexp.MustCompile(`\n[ \t]*\n[ \t]*\n`)

// ParseDelegationMarkers scans text line-by-line for `@name[: ]...`
// fan-out markers whose name isKnownAgent accepts. Each marker opens a
// block that extends until the next marker or a run of two or more blank
// lines, whichever comes first.
func ParseDelegationMarkers(text string, isKnownAgent func(string) bool) []DelegationBlock {
	matches := delegationMarkerRe.FindAllStringSubmatchIndex(text, -1)
	var blocks []DelegationBlock
	for i, m := range matches {
		name := text[m[2]:m[3]]
		if isKnownAgent != nil && !isKnownAgent(name) {
			continue
		}

		blockStart := m[0]
		taskStart := m[4]
		blockEnd := len(text)
		if i+1 < len(matches) {
			blockEnd = matches[i+1][0]
		}

		body := text[taskStart:blockEnd]
		if loc := blankRunRe.FindStringIndex(body); loc != nil {
			blockEnd = taskStart + loc[0]
		}

		task := strings.TrimSpace(text[taskStart:blockEnd])
		blocks = append(blocks, DelegationBlock{
			AgentName: name,
			TaskText:  task,
			Start:     blockStart,
			End:       blockEnd,
		})
	}
	return blocks
}

// SubstituteDelegations replaces each block's span in text with its
// corresponding result, processing blocks back-to-front so earlier spans'
// offsets stay valid as later ones are rewritten.
func SubstituteDelegations(text string, blocks []DelegationBlock, results []string) string {
	if len(blocks) != len(results) {
		panic("multiagent: blocks and results length mismatch")
	}
	out := text
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		out = out[:b.Start] + results[i] + out[b.End:]
	}
	return out
}

// InlineEvaluation is the lightweight post-hoc scoring the Orchestrator
// runs against a delegate's answer: four axes, each independently clamped.
type InlineEvaluation struct {
	Completion        int // 0-2: did it address the task at all
	Quality           int // 0-5: how good was the answer
	TaskComplexity    int // 0-10: how hard was the task, in hindsight
	PromptSpecificity int // 0-5: how well-specified was the delegated task text
}

const (
	evalCompletionMax        = 2
	evalQualityMax           = 5
	evalTaskComplexityMax    = 10
	evalPromptSpecificityMax = 5
)

// delegationOutcome is one fan-out block's execution result, paired back
// up with its originating block for substitution and metrics recording.
type delegationOutcome struct {
	block      DelegationBlock
	text       string
	metrics    optimizer.AgentExecutionMetrics
	evaluation InlineEvaluation
	err        error
}

// Delegate runs one sub-call (agent_name, task_text, parent_session_id):
// it resolves or creates the unique sub-session bound to that pair,
// appends the task as a user message, runs the delegate's runtime, scores
// the answer with a lightweight inline evaluation, and appends the
// delegate's reply to the sub-session.
//
// Grounded on the spec's delegation protocol (4.6.1) and the original's
// `_delegate_to_agent`; the sub-session limit and inline-evaluation call
// shape follow the teacher's llmSummaryProvider pattern for small,
// single-purpose completion calls (internal/agent/runtime.go).
func (o *Orchestrator) Delegate(ctx context.Context, parentSessionID, agentName, taskText string) (string, optimizer.AgentExecutionMetrics, InlineEvaluation, error) {
	var metrics optimizer.AgentExecutionMetrics
	metrics.AgentName = agentName
	metrics.ParentAgent = "orchestrator"

	runtime, ok := o.GetRuntime(agentName)
	if !ok {
		return "", metrics, InlineEvaluation{}, fmt.Errorf("unknown delegate agent: %s", agentName)
	}

	subSession, err := o.sessions.CreateSubSession(ctx, parentSessionID, agentName, "")
	if err != nil {
		return "", metrics, InlineEvaluation{}, fmt.Errorf("create sub-session: %w", err)
	}

	history, err := o.sessions.GetHistory(ctx, subSession.ID, 10)
	if err != nil {
		return "", metrics, InlineEvaluation{}, fmt.Errorf("load sub-session history: %w", err)
	}
	metrics.HistoryTurns = len(history)

	taskMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: subSession.ID,
		Role:      models.RoleUser,
		Content:   taskText,
		Metadata:  map[string]any{"agent_id": "orchestrator"},
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, subSession.ID, taskMsg); err != nil {
		return "", metrics, InlineEvaluation{}, fmt.Errorf("append task message: %w", err)
	}

	start := time.Now()
	chunks, err := runtime.Process(ctx, subSession, taskMsg)
	if err != nil {
		return "", metrics, InlineEvaluation{}, fmt.Errorf("delegate processing failed: %w", err)
	}

	var text strings.Builder
	var toolCalls int
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", metrics, InlineEvaluation{}, chunk.Error
		}
		if chunk.ToolResult != nil {
			toolCalls++
		}
		text.WriteString(chunk.Text)
	}
	response := strings.TrimSpace(text.String())
	metrics.ExecutionTimeMS = int(time.Since(start).Milliseconds())
	metrics.ToolCalls = toolCalls
	metrics.TokensOutput = len(response) / 4

	evaluation := o.inlineEvaluate(ctx, taskText, response)

	replyMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: subSession.ID,
		Role:      models.RoleAssistant,
		Content:   response,
		Metadata:  map[string]any{"agent_id": agentName},
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, subSession.ID, replyMsg); err != nil {
		return response, metrics, evaluation, fmt.Errorf("append delegate reply: %w", err)
	}

	return response, metrics, evaluation, nil
}

// inlineEvaluate scores a delegate's answer with a single, small LLM call.
// On any failure it returns a zero-valued InlineEvaluation rather than
// failing the delegation itself: a missing score is informational, never
// fatal to the fan-out.
func (o *Orchestrator) inlineEvaluate(ctx context.Context, taskText, response string) InlineEvaluation {
	if o.provider == nil || response == "" {
		return InlineEvaluation{}
	}

	prompt := fmt.Sprintf(`Score the following delegated answer.

Task given to the delegate:
%s

Delegate's answer:
%s

Respond with JSON only: {"completion": 0-2, "quality": 0-5, "task_complexity": 0-10, "prompt_specificity": 0-5}`, taskText, response)

	req := &agent.CompletionRequest{
		System:    "You evaluate sub-agent answers. Respond with JSON only.",
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 100,
	}
	ch, err := o.provider.Complete(ctx, req)
	if err != nil {
		return InlineEvaluation{}
	}

	var raw strings.Builder
	for chunk := range ch {
		if chunk == nil || chunk.Error != nil {
			return InlineEvaluation{}
		}
		if chunk.Done {
			break
		}
		raw.WriteString(chunk.Text)
	}

	return parseInlineEvaluation(raw.String())
}

func parseInlineEvaluation(response string) InlineEvaluation {
	var data map[string]any
	if !lenientjson.Parse(response, &data) {
		return InlineEvaluation{}
	}
	return InlineEvaluation{
		Completion:        clampInt(data["completion"], 0, evalCompletionMax),
		Quality:           clampInt(data["quality"], 0, evalQualityMax),
		TaskComplexity:    clampInt(data["task_complexity"], 0, evalTaskComplexityMax),
		PromptSpecificity: clampInt(data["prompt_specificity"], 0, evalPromptSpecificityMax),
	}
}

func clampInt(v any, min, max int) int {
	f, ok := v.(float64)
	if !ok {
		return min
	}
	n := int(f)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// RunFanOut executes every discovered delegation block concurrently
// against its own sub-session. A single delegate's failure is recorded on
// its own outcome and never aborts its siblings already in flight.
func (o *Orchestrator) RunFanOut(ctx context.Context, parentSessionID string, blocks []DelegationBlock) []delegationOutcome {
	if len(blocks) == 0 {
		return nil
	}

	outcomes := make([]delegationOutcome, len(blocks))
	var wg sync.WaitGroup
	for i, block := range blocks {
		wg.Add(1)
		go func(i int, block DelegationBlock) {
			defer wg.Done()
			text, metrics, evaluation, err := o.Delegate(ctx, parentSessionID, block.AgentName, block.TaskText)
			outcomes[i] = delegationOutcome{block: block, text: text, metrics: metrics, evaluation: evaluation, err: err}
		}(i, block)
	}
	wg.Wait()
	return outcomes
}

// formatDelegationResult renders one delegate's outcome as the text that
// replaces its marker span in the orchestrator's reply: the delegate's
// response followed by a short evaluation trailer, or an inline error
// marker if the delegate failed outright.
func formatDelegationResult(o delegationOutcome) string {
	if o.err != nil {
		return fmt.Sprintf("@%s: [delegation failed: %s]", o.block.AgentName, o.err)
	}
	return fmt.Sprintf("@%s: %s\n---\nSub-agent evaluation: completion=%d/2 quality=%d/5 complexity=%d/10 specificity=%d/5",
		o.block.AgentName, o.text, o.evaluation.Completion, o.evaluation.Quality, o.evaluation.TaskComplexity, o.evaluation.PromptSpecificity)
}
