// Package optimizer implements the adaptive delegation-depth controller: it
// scores an incoming task (TaskAnalyzer), decides which sub-agents a given
// task should involve and at what depth (AgentSelector), records the outcome
// of each session (QualityTracker), and periodically nudges the depth
// thresholds toward the settings that have historically performed best
// (AutoTuner). The four pieces share one on-disk config file and one
// metrics database so a tuning run can update thresholds that the next
// selection immediately picks up.
//
// Grounded on the Python original package of the same name; config.go
// ports optimizer/config.py's defaults and atomic-save discipline, using
// the teacher's config package conventions (gopkg.in/yaml.v3 for the
// profile-scoped rule overrides, os.ExpandEnv-free plain JSON for the
// machine-written tuning state) in place of Python's json/pathlib.
package optimizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Thresholds are the task-total-score cutoffs separating flat, light, and
// structured delegation depth. A total score <= FlatMax runs flat (no
// sub-agents); <= LightMax runs light (only always/required-when agents);
// anything higher runs structured (every non-skipped agent).
type Thresholds struct {
	FlatMax  int `json:"flat_max" yaml:"flat_max"`
	LightMax int `json:"light_max" yaml:"light_max"`
}

// Weights balance quality against cost when AutoTuner scores a candidate
// threshold pair.
type Weights struct {
	Quality float64 `json:"quality" yaml:"quality"`
	Cost    float64 `json:"cost" yaml:"cost"`
}

// Safety bounds how aggressively AutoTuner may move thresholds in one run.
type Safety struct {
	MinSuccessRate   float64 `json:"min_success_rate" yaml:"min_success_rate"`
	MaxThresholdChange int   `json:"max_threshold_change" yaml:"max_threshold_change"`
}

// Tuning controls whether and how often AutoTuner is allowed to run.
type Tuning struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	MinSamples   int  `json:"min_samples" yaml:"min_samples"`
	IntervalDays int  `json:"interval_days" yaml:"interval_days"`
}

// Analysis configures the TaskAnalyzer's LLM call.
type Analysis struct {
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// AgentRule governs whether a single agent is included at a given depth.
// The Python original stores required_when/skip_when as a single untyped
// dict whose "task_type" entry is a string list and whose other entries are
// numeric score thresholds; Go needs two separate maps to keep that typed,
// so RequiredScores/RequiredTaskTypes together represent required_when and
// SkipTaskTypes represents skip_when (skip_when.task_type is the only
// skip_when key the original ever sets). See AgentSelector.shouldInclude
// for the precedence order these fields participate in.
type AgentRule struct {
	Always            bool               `json:"always,omitempty" yaml:"always,omitempty"`
	RequiredScores    map[string]float64 `json:"required_scores,omitempty" yaml:"required_scores,omitempty"`
	RequiredTaskTypes []string           `json:"required_task_types,omitempty" yaml:"required_task_types,omitempty"`
	SkipTaskTypes     []string           `json:"skip_task_types,omitempty" yaml:"skip_task_types,omitempty"`
}

// DefaultConfig returns the built-in defaults, matching the Python
// original's DEFAULT_CONFIG exactly.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{FlatMax: 10, LightMax: 25},
		Weights:    Weights{Quality: 0.7, Cost: 0.3},
		Safety:     Safety{MinSuccessRate: 0.85, MaxThresholdChange: 5},
		Tuning:     Tuning{Enabled: true, MinSamples: 20, IntervalDays: 7},
		Analysis:   Analysis{MaxTokens: 150, Temperature: 0},
	}
}

// DefaultAgentRules returns the built-in per-agent rule set, matching the
// Python original's DEFAULT_AGENT_RULES exactly.
func DefaultAgentRules() map[string]AgentRule {
	return map[string]AgentRule{
		"architect": {
			RequiredScores: map[string]float64{"novelty": 0.5, "scope": 5},
			SkipTaskTypes:  []string{"bugfix", "docs"},
		},
		"code-reviewer": {
			RequiredScores: map[string]float64{"scope": 3},
			SkipTaskTypes:  []string{"docs"},
		},
		"backend-coder": {
			Always: true,
		},
		"frontend-coder": {
			RequiredTaskTypes: []string{"feature"},
			SkipTaskTypes:     []string{"bugfix", "docs"},
		},
		"doc-writer": {
			RequiredTaskTypes: []string{"docs", "feature"},
			SkipTaskTypes:     []string{"bugfix"},
		},
	}
}

// Config is the full, in-memory, mutable optimizer configuration. Zero
// value is not useful; use DefaultConfig or Load.
type Config struct {
	mu         sync.RWMutex
	path       string
	Thresholds Thresholds             `json:"thresholds"`
	Weights    Weights                `json:"weights"`
	Safety     Safety                 `json:"safety"`
	Tuning     Tuning                 `json:"tuning"`
	Analysis   Analysis               `json:"analysis"`
	AgentRules map[string]AgentRule   `json:"-"`
}

// configPath is the default location for the machine-written tuning state,
// matching the Python original's CONFIG_PATH.
const configPath = "data/optimizer/config.json"

// Load reads the on-disk config (if present), deep-merging it onto
// DefaultConfig so a partial or stale file never loses a newly introduced
// default field. A missing or corrupt file is not an error: it falls back
// silently to defaults, matching the Python original's behavior.
func Load(path string) *Config {
	if path == "" {
		path = configPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return cfg
	}
	mergeNonZero(cfg, &onDisk)
	return cfg
}

// mergeNonZero overlays non-zero-valued leaf fields from onDisk onto cfg,
// the Go equivalent of the Python original's recursive dict deep-merge.
func mergeNonZero(cfg, onDisk *Config) {
	if onDisk.Thresholds.FlatMax != 0 {
		cfg.Thresholds.FlatMax = onDisk.Thresholds.FlatMax
	}
	if onDisk.Thresholds.LightMax != 0 {
		cfg.Thresholds.LightMax = onDisk.Thresholds.LightMax
	}
	if onDisk.Weights.Quality != 0 {
		cfg.Weights.Quality = onDisk.Weights.Quality
	}
	if onDisk.Weights.Cost != 0 {
		cfg.Weights.Cost = onDisk.Weights.Cost
	}
	if onDisk.Safety.MinSuccessRate != 0 {
		cfg.Safety.MinSuccessRate = onDisk.Safety.MinSuccessRate
	}
	if onDisk.Safety.MaxThresholdChange != 0 {
		cfg.Safety.MaxThresholdChange = onDisk.Safety.MaxThresholdChange
	}
	cfg.Tuning.Enabled = onDisk.Tuning.Enabled
	if onDisk.Tuning.MinSamples != 0 {
		cfg.Tuning.MinSamples = onDisk.Tuning.MinSamples
	}
	if onDisk.Tuning.IntervalDays != 0 {
		cfg.Tuning.IntervalDays = onDisk.Tuning.IntervalDays
	}
	if onDisk.Analysis.Model != "" {
		cfg.Analysis.Model = onDisk.Analysis.Model
	}
	if onDisk.Analysis.MaxTokens != 0 {
		cfg.Analysis.MaxTokens = onDisk.Analysis.MaxTokens
	}
}

// GetThresholds returns a copy of the current thresholds, safe for
// concurrent use alongside UpdateThresholds.
func (c *Config) GetThresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Thresholds
}

// UpdateThresholds replaces the thresholds and persists the config to disk
// atomically. Returns the save error, if any; the in-memory thresholds are
// updated regardless so a transient disk failure does not desync the
// running process from what it believes the thresholds to be.
func (c *Config) UpdateThresholds(t Thresholds) error {
	c.mu.Lock()
	c.Thresholds = t
	c.mu.Unlock()
	return c.Save()
}

// Save writes the config to disk via a temp-file-then-rename, so a reader
// never observes a partially written file. Grounded on the Python
// original's tempfile.mkstemp + os.replace pattern in config.py's save().
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	path := c.path
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("optimizer: marshal config: %w", err)
	}
	if path == "" {
		path = configPath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("optimizer: create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config_*.tmp")
	if err != nil {
		return fmt.Errorf("optimizer: create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("optimizer: write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("optimizer: close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("optimizer: rename temp config: %w", err)
	}
	return nil
}

// LoadAgentRules returns the default agent rules deep-merged with a
// profile-scoped YAML override file, if one exists. Grounded on the Python
// original's get_agent_rules/_find_rules_file, adapted to the teacher's
// yaml.v3 loading convention in place of Python's PyYAML.
func LoadAgentRules(profile string, searchDirs ...string) map[string]AgentRule {
	rules := DefaultAgentRules()
	if profile == "" {
		return rules
	}
	if len(searchDirs) == 0 {
		searchDirs = []string{filepath.Join("data", "optimizer", "profiles"), filepath.Join("config", "profiles")}
	}
	for _, dir := range searchDirs {
		path := filepath.Join(dir, profile, "agent_rules.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var overrides map[string]AgentRule
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			continue
		}
		for name, rule := range overrides {
			rules[name] = rule
		}
		break
	}
	return rules
}
