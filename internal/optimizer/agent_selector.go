package optimizer

import (
	"fmt"
	"strings"
)

// Depth is the delegation depth a task is assigned to.
type Depth string

const (
	DepthFlat       Depth = "flat"
	DepthLight      Depth = "light"
	DepthStructured Depth = "structured"
)

// orchestratorAgentName is never itself a delegation target; it is the
// caller driving selection.
const orchestratorAgentName = "orchestrator"

// SelectionResult is AgentSelector.Select's output: which agents to
// delegate to, which were considered and skipped, and why.
type SelectionResult struct {
	Depth      Depth
	Agents     []string
	Skipped    []string
	Reason     string
	TotalScore int
}

// AgentSelector decides, for a scored task, which available sub-agents
// should be involved and at what depth. Grounded on the Python original's
// AgentSelector (core/optimizer/agent_selector.py).
type AgentSelector struct {
	cfg   *Config
	rules map[string]AgentRule
}

// NewAgentSelector builds a selector against cfg's current thresholds and
// the given per-agent rules (see LoadAgentRules).
func NewAgentSelector(cfg *Config, rules map[string]AgentRule) *AgentSelector {
	return &AgentSelector{cfg: cfg, rules: rules}
}

// ReloadRules swaps in a freshly loaded rule set, e.g. after a profile
// switch or an on-disk agent_rules.yaml edit.
func (s *AgentSelector) ReloadRules(rules map[string]AgentRule) {
	s.rules = rules
}

// Thresholds returns the depth thresholds currently backing this selector,
// for callers (e.g. metrics recording) that need to stamp a decision with
// the thresholds in effect at the time it was made.
func (s *AgentSelector) Thresholds() Thresholds {
	return s.cfg.GetThresholds()
}

// Select scores the task (via scores) and decides which of availableAgents
// to include. The "orchestrator" name, if present in availableAgents, is
// never itself selectable. If depth requires at least one delegate but
// every rule evaluation skipped every agent, the first non-orchestrator
// agent is force-included so a structured or light task is never left with
// zero delegates.
func (s *AgentSelector) Select(scores TaskScores, availableAgents []string) SelectionResult {
	total := CalculateTotal(scores)
	depth := s.determineDepth(total)

	var selected, skipped []string
	for _, agent := range availableAgents {
		if agent == orchestratorAgentName {
			continue
		}
		rule := s.rules[agent]
		if s.shouldInclude(rule, scores, depth) {
			selected = append(selected, agent)
		} else {
			skipped = append(skipped, agent)
		}
	}

	if len(selected) == 0 && len(availableAgents) > 0 {
		for _, agent := range availableAgents {
			if agent == orchestratorAgentName {
				continue
			}
			selected = append(selected, agent)
			skipped = removeString(skipped, agent)
			break
		}
	}

	return SelectionResult{
		Depth:      depth,
		Agents:     selected,
		Skipped:    skipped,
		Reason:     generateReason(depth, total, selected, skipped),
		TotalScore: total,
	}
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (s *AgentSelector) determineDepth(total int) Depth {
	thresholds := s.cfg.GetThresholds()
	flatMax, lightMax := thresholds.FlatMax, thresholds.LightMax
	if flatMax == 0 {
		flatMax = 10
	}
	if lightMax == 0 {
		lightMax = 25
	}
	switch {
	case total <= flatMax:
		return DepthFlat
	case total <= lightMax:
		return DepthLight
	default:
		return DepthStructured
	}
}

// shouldInclude decides whether a single agent participates at depth,
// following the exact precedence of the Python original's _should_include:
//
//  1. an "always" rule always includes the agent
//  2. a skip_when.task_type match excludes it (always already returned above)
//  3. flat depth excludes everything not already handled above
//  4. a required_when.task_type match always includes it
//  5. any other required_when score threshold met includes it
//  6. structured depth includes everything remaining
//  7. otherwise (light depth, no match) it is excluded
func (s *AgentSelector) shouldInclude(rule AgentRule, scores TaskScores, depth Depth) bool {
	if rule.Always {
		return true
	}
	if containsString(rule.SkipTaskTypes, scores.TaskType) {
		return false
	}
	if depth == DepthFlat {
		return false
	}
	if containsString(rule.RequiredTaskTypes, scores.TaskType) {
		return true
	}
	for key, threshold := range rule.RequiredScores {
		if scoreValue(scores, key) >= threshold {
			return true
		}
	}
	if depth == DepthStructured {
		return true
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func scoreValue(scores TaskScores, key string) float64 {
	switch key {
	case "scope":
		return float64(scores.Scope)
	case "novelty":
		return scores.Novelty
	case "risk":
		return float64(scores.Risk)
	case "complexity":
		return float64(scores.Complexity)
	case "dependencies":
		return float64(scores.Dependencies)
	default:
		return 0
	}
}

func generateReason(depth Depth, total int, selected, skipped []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "score=%d -> depth=%s", total, depth)
	if len(selected) > 0 {
		fmt.Fprintf(&b, "; delegating to %s", strings.Join(selected, ", "))
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "; skipping %s", strings.Join(skipped, ", "))
	}
	return b.String()
}

// EstimateCostSavings returns the fraction of available agents that were
// skipped, as a percentage: a cheap proxy for the LLM-call cost avoided by
// not delegating to every agent unconditionally.
func EstimateCostSavings(result SelectionResult) float64 {
	total := len(result.Agents) + len(result.Skipped)
	if total == 0 {
		return 0
	}
	return float64(len(result.Skipped)) / float64(total) * 100
}
