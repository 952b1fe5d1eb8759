package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/orchestrion/pkg/models"
)

// Tool-loop and context-budget limits, matching the Python original's
// core/runtime.py constants (ToolCallTracker, MAX_CONTEXT_TOKENS,
// MAX_TOOL_OUTPUT_CHARS).
const (
	// toolCallTrackerWindow is the number of most recent tool calls a
	// ToolCallTracker inspects for repetition.
	toolCallTrackerWindow = 10

	// toolCallTrackerMaxRepeats is how many times the same (name, args)
	// signature may recur inside the window before it is flagged as a loop.
	toolCallTrackerMaxRepeats = 3

	// MaxContextTokens is the soft ceiling the Context Budget Accountant
	// warns and acts against.
	MaxContextTokens = 150000

	// charsPerToken approximates token count from character count; the
	// original uses the same 1-token-per-4-chars heuristic rather than an
	// actual tokenizer, since it only needs a budget signal, not an exact
	// count.
	charsPerToken = 4

	// contextBudgetWarnThreshold is the fraction of MaxContextTokens at
	// which the accountant logs a warning but takes no corrective action.
	contextBudgetWarnThreshold = 0.8

	// MaxToolOutputChars is the size above which a tool result is spilled
	// to disk with only a preview kept inline.
	MaxToolOutputChars = 50000

	// toolOutputPreviewChars is how much of an over-budget tool result is
	// kept inline above the spill pointer.
	toolOutputPreviewChars = 4000
)

// ToolCallTracker detects an agent stuck repeating the same tool call with
// the same arguments, the way a human operator would notice a retry loop.
// It is a fixed-size sliding window over (name, canonicalized args) pairs;
// once a signature recurs toolCallTrackerMaxRepeats times inside the
// window, IsLooping reports true and the runtime short-circuits that call
// instead of sending it to the provider again.
type ToolCallTracker struct {
	mu      sync.Mutex
	window  []string
	maxSize int
	maxRep  int
}

// NewToolCallTracker creates a tracker with the standard window/repeat
// limits. One tracker is scoped to a single Runtime.run call (a single
// turn), so loops are detected within a conversation turn, not across a
// whole session's history.
func NewToolCallTracker() *ToolCallTracker {
	return &ToolCallTracker{maxSize: toolCallTrackerWindow, maxRep: toolCallTrackerMaxRepeats}
}

func toolCallSignature(call models.ToolCall) string {
	h := sha256.Sum256(append([]byte(call.Name+"|"), call.Input...))
	return hex.EncodeToString(h[:])
}

// Observe records a tool call and reports whether it has now recurred
// toolCallTrackerMaxRepeats or more times within the current window.
func (t *ToolCallTracker) Observe(call models.ToolCall) bool {
	sig := toolCallSignature(call)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, sig)
	if len(t.window) > t.maxSize {
		t.window = t.window[len(t.window)-t.maxSize:]
	}

	count := 0
	for _, s := range t.window {
		if s == sig {
			count++
		}
	}
	return count >= t.maxRep
}

// contextBudgetAccountant estimates the token footprint of an outbound
// completion request and logs when it crosses the warn/hard thresholds.
// It never truncates on its own; Runtime.run uses its verdict to decide
// whether to fall back to summarization or reject the turn outright (the
// same "soft warn, then hard stop" shape as the Python original).
type contextBudgetAccountant struct {
	logger *slog.Logger
}

type budgetVerdict struct {
	estimatedTokens int
	fraction        float64
	overBudget      bool
}

func (a *contextBudgetAccountant) assess(req *CompletionRequest) budgetVerdict {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, tr := range m.ToolResults {
			chars += len(tr.Content)
		}
	}
	estTokens := chars / charsPerToken
	fraction := float64(estTokens) / float64(MaxContextTokens)

	v := budgetVerdict{estimatedTokens: estTokens, fraction: fraction, overBudget: fraction >= 1.0}

	logger := a.logger
	if logger == nil {
		logger = slog.Default()
	}
	if fraction >= 1.0 {
		logger.Warn("context budget exceeded", "estimated_tokens", estTokens, "limit", MaxContextTokens)
	} else if fraction >= contextBudgetWarnThreshold {
		logger.Warn("context budget approaching limit", "estimated_tokens", estTokens, "limit", MaxContextTokens, "fraction", fraction)
	}
	return v
}

// spillToolOutput truncates tool output larger than MaxToolOutputChars,
// writing the full content to a file under dir and replacing the inline
// content with a preview plus a pointer the model can follow with the
// "read" tool, instead of blowing the context budget on one giant result.
// A dir of "" disables spilling (the output is truncated in place with no
// pointer, since there is nowhere durable to write it).
func spillToolOutput(dir string, toolCallID, content string) string {
	if len(content) <= MaxToolOutputChars {
		return content
	}

	preview := content[:toolOutputPreviewChars]
	total := len(content)

	if dir == "" {
		return fmt.Sprintf("%s\n\n[output truncated: showing first %d of %d characters]", preview, toolOutputPreviewChars, total)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("tool output spill directory unavailable, truncating without pointer", "error", err, "dir", dir)
		return fmt.Sprintf("%s\n\n[output truncated: showing first %d of %d characters]", preview, toolOutputPreviewChars, total)
	}

	name := fmt.Sprintf("tool-output-%s-%d.txt", sanitizeSpillID(toolCallID), time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		slog.Warn("failed to spill tool output to disk, truncating without pointer", "error", err, "path", path)
		return fmt.Sprintf("%s\n\n[output truncated: showing first %d of %d characters]", preview, toolOutputPreviewChars, total)
	}

	return fmt.Sprintf(
		"%s\n\n[output truncated: showing first %d of %d characters; full output written to %s, use the read tool to view more]",
		preview, toolOutputPreviewChars, total, path,
	)
}

func sanitizeSpillID(id string) string {
	if id == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
