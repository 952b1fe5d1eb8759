package multiagent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrion/internal/optimizer"
	"github.com/agentmesh/orchestrion/pkg/models"
)

const defaultOrchestratorAgentID = "orchestrator"

// directDelegateRe matches a user message that opens with `@name[: ]...`,
// the single-recipient form of the fan-out marker used to address one
// agent directly instead of going through the default orchestrator agent.
var directDelegateRe = regexp.MustCompile(`(?s)^@([a-zA-Z0-9_-]+)(?::\s*|\s+)(.*)$`)

// SetOptimizer wires the scoring/selection/metrics components into the
// orchestrator. All three are optional: a nil TaskAnalyzer or AgentSelector
// degrades HandleUserInput to the default-agent path with no guidance
// block; a nil QualityTracker simply skips metrics recording.
func (o *Orchestrator) SetOptimizer(analyzer *optimizer.TaskAnalyzer, selector *optimizer.AgentSelector, tracker *optimizer.QualityTracker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskAnalyzer = analyzer
	o.agentSelector = selector
	o.qualityTracker = tracker
}

// HandleUserInput is the top-level entry point for a turn of conversation:
// it ensures a session exists, scores and routes the request through the
// Optimizer, runs the default orchestrator agent (or a directly addressed
// delegate), fans out any `@name` markers the orchestrator's reply
// contains, and folds the results into one final reply.
func (o *Orchestrator) HandleUserInput(ctx context.Context, sessionKey, userText string) (string, error) {
	session, err := o.sessions.GetOrCreate(ctx, sessionKey, defaultOrchestratorAgentID, models.ChannelCLI, sessionKey)
	if err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}

	preamble := workingDirectoryPreamble()
	annotatedInput := preamble + userText

	var selection optimizer.SelectionResult
	var scores optimizer.TaskScores
	hasSelection := false
	if o.taskAnalyzer != nil && o.agentSelector != nil {
		scores = o.taskAnalyzer.Analyze(ctx, userText)
		selection = o.agentSelector.Select(scores, o.availableAgentNames())
		hasSelection = true
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, session.ID, userMsg); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}

	start := time.Now()
	var reply string
	var delegated bool
	var outcomes []delegationOutcome

	if m := directDelegateRe.FindStringSubmatch(userText); m != nil && o.isKnownDelegate(m[1]) {
		text, metrics, evaluation, err := o.Delegate(ctx, session.ID, m[1], strings.TrimSpace(m[2]))
		if err != nil {
			return "", fmt.Errorf("direct delegation to %s: %w", m[1], err)
		}
		outcomes = []delegationOutcome{{block: DelegationBlock{AgentName: m[1]}, text: text, metrics: metrics, evaluation: evaluation}}
		reply = text
	} else {
		guided := annotatedInput
		if hasSelection {
			guided = optimizerGuidanceBlock(selection) + annotatedInput
		}
		text, err := o.runDefaultAgent(ctx, session, guided)
		if err != nil {
			return "", fmt.Errorf("default agent processing failed: %w", err)
		}

		blocks := ParseDelegationMarkers(text, o.isKnownDelegate)
		if len(blocks) > 0 {
			outcomes = o.RunFanOut(ctx, session.ID, blocks)
			results := make([]string, len(outcomes))
			for i, outcome := range outcomes {
				results[i] = formatDelegationResult(outcome)
			}
			text = SubstituteDelegations(text, blocks, results)
			delegated = true
		}
		reply = text
	}

	if delegated {
		summary, err := o.runDefaultAgent(ctx, session, summaryPrompt(reply))
		if err == nil && strings.TrimSpace(summary) != "" {
			reply = reply + "\n\n## Summary\n" + strings.TrimSpace(summary)
		}
	}

	replyMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, session.ID, replyMsg); err != nil {
		return reply, fmt.Errorf("append assistant reply: %w", err)
	}

	if o.qualityTracker != nil && hasSelection {
		execution := optimizer.ExecutionMetrics{Duration: time.Since(start).Seconds()}
		// A recording failure never fails the turn; the reply has already
		// been appended to the session by this point.
		requestID, err := o.qualityTracker.Record(ctx, session.Profile, session.ID, userText, scores, selection, execution, o.optimizerThresholds())
		if err == nil {
			for _, outcome := range outcomes {
				metrics := outcome.metrics
				if outcome.err != nil {
					metrics.ErrorMessage = outcome.err.Error()
				}
				metrics.EvalCompletion = intPtr(outcome.evaluation.Completion)
				metrics.EvalQuality = intPtr(outcome.evaluation.Quality)
				metrics.EvalTaskComplexity = intPtr(outcome.evaluation.TaskComplexity)
				metrics.EvalPromptSpecificity = intPtr(outcome.evaluation.PromptSpecificity)
				_, _ = o.qualityTracker.RecordAgentExecution(ctx, requestID, metrics)
			}
		}
	}

	return reply, nil
}

// runDefaultAgent drives the orchestrator agent's runtime one turn and
// returns its collected text, reusing Process so the existing handoff
// machinery stays available to the orchestrator agent too.
func (o *Orchestrator) runDefaultAgent(ctx context.Context, session *models.Session, input string) (string, error) {
	agentID := o.config.DefaultAgentID
	if agentID == "" {
		agentID = defaultOrchestratorAgentID
	}
	runtime, ok := o.GetRuntime(agentID)
	if !ok {
		return "", fmt.Errorf("orchestrator agent runtime not found: %s", agentID)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	}
	chunks, err := runtime.Process(ctx, session, msg)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text.WriteString(chunk.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

// isKnownDelegate reports whether name is a registered, non-orchestrator
// agent eligible to receive a fan-out or direct-addressed delegation.
func (o *Orchestrator) isKnownDelegate(name string) bool {
	if name == defaultOrchestratorAgentID || name == o.config.DefaultAgentID {
		return false
	}
	_, ok := o.GetAgent(name)
	return ok
}

// availableAgentNames lists every registered agent ID, including
// "orchestrator" itself (the AgentSelector is responsible for excluding
// it from the selection it returns).
func (o *Orchestrator) availableAgentNames() []string {
	defs := o.ListAgents()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.ID)
	}
	return names
}

func (o *Orchestrator) optimizerThresholds() optimizer.Thresholds {
	if o.agentSelector == nil {
		return optimizer.Thresholds{}
	}
	return o.agentSelector.Thresholds()
}

// optimizerGuidanceBlock renders the Optimizer's routing decision as a
// short block prepended to the user input ahead of the default agent
// call, so the orchestrator's own reasoning can see the recommendation
// without being forced to follow it.
func optimizerGuidanceBlock(selection optimizer.SelectionResult) string {
	var b strings.Builder
	b.WriteString("[Optimizer guidance]\n")
	fmt.Fprintf(&b, "depth: %s\n", selection.Depth)
	if len(selection.Agents) > 0 {
		fmt.Fprintf(&b, "recommended agents: %s\n", strings.Join(selection.Agents, ", "))
	}
	if len(selection.Skipped) > 0 {
		fmt.Fprintf(&b, "skipped agents: %s\n", strings.Join(selection.Skipped, ", "))
	}
	fmt.Fprintf(&b, "reason: %s\n\n", selection.Reason)
	return b.String()
}

// workingDirectoryPreamble pins the user's operations to the current
// workspace so the orchestrator agent does not need to guess or ask.
func workingDirectoryPreamble() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("[Current working directory: %s]\n\n", dir)
}

func intPtr(v int) *int { return &v }

// summaryPrompt asks the orchestrator agent for the final human-facing
// synthesis once at least one delegation has produced output.
func summaryPrompt(delegatedReply string) string {
	return "Summarize the sub-agent results below in 3-5 lines for the user. " +
		"Be concrete about what was accomplished; do not repeat the raw output verbatim.\n\n" + delegatedReply
}
