package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/orchestrion/pkg/models"
)

// commonAgentRulesPreamble is appended to every composed system prompt. It
// mirrors the Python original's COMMON_AGENT_RULES constant, re-authored in
// English: the interrupted-task schema the model must emit when its budget
// trips, the obligation to resume from a truncated tool output's pointer,
// and the handoff protocol for an interrupted delegate reply.
const commonAgentRulesPreamble = `## Operating rules

- If you run out of turns or context budget before finishing, end your
  reply with a single JSON object on its own line describing the
  interruption, using exactly this shape:
  {"interrupted": true, "reason": "<why you stopped>", "next_step": "<what to do next>"}
- When a tool result says output was truncated and points to a file, read
  that file with the read tool before concluding your answer; do not guess
  at the missing content.
- If a sub-agent's reply itself contains an interrupted-task JSON object,
  treat its next_step as an instruction to you, not as final output, and
  continue the work it describes before replying to the user.`

// agentRuntimePlaceholders fills {{CURRENT_DATETIME}}, {{SESSION_CONTEXT}},
// and {{AGENT_STATS}} in an agent's instructions. sessionContext and
// agentStats are omitted from the rendered block when empty, since not
// every agent definition supplies them.
func renderSystemPlaceholders(instructions, sessionContext, agentStats string) string {
	out := strings.ReplaceAll(instructions, "{{CURRENT_DATETIME}}", time.Now().Format(time.RFC3339))
	if sessionContext != "" {
		out = strings.ReplaceAll(out, "{{SESSION_CONTEXT}}", sessionContext)
	} else {
		out = strings.ReplaceAll(out, "{{SESSION_CONTEXT}}", "")
	}
	if agentStats != "" {
		out = strings.ReplaceAll(out, "{{AGENT_STATS}}", agentStats)
	} else {
		out = strings.ReplaceAll(out, "{{AGENT_STATS}}", "")
	}
	return out
}

// compactWorkingMessages implements the context-compaction trigger: once the
// budget accountant reports the run is at or past contextBudgetWarnThreshold,
// collapse everything except the last preserveRecent messages into one
// synthetic summary message, so the next provider call goes out over a much
// smaller payload instead of tripping the hard ceiling.
func compactWorkingMessages(messages []CompletionMessage, preserveRecent int) []CompletionMessage {
	if preserveRecent <= 0 {
		preserveRecent = 10
	}
	if len(messages) <= preserveRecent {
		return messages
	}

	cut := len(messages) - preserveRecent
	dropped := messages[:cut]
	kept := messages[cut:]

	var turns int
	for _, m := range dropped {
		if m.Role == string(models.RoleUser) {
			turns++
		}
	}

	summary := CompletionMessage{
		Role: "user",
		Content: fmt.Sprintf(
			"[context compacted: %d earlier messages across %d turns were summarized to stay under the context budget; continue the conversation using only the messages that follow]",
			len(dropped), turns,
		),
	}

	out := make([]CompletionMessage, 0, len(kept)+1)
	out = append(out, summary)
	out = append(out, kept...)
	return out
}
