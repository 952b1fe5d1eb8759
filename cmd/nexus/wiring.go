package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentmesh/orchestrion/internal/agent"
	"github.com/agentmesh/orchestrion/internal/agent/providers"
	"github.com/agentmesh/orchestrion/internal/config"
	"github.com/agentmesh/orchestrion/internal/cron"
	"github.com/agentmesh/orchestrion/internal/multiagent"
	"github.com/agentmesh/orchestrion/internal/optimizer"
	"github.com/agentmesh/orchestrion/internal/sessions"
)

// runtime bundles the wired components a cobra command drives: the
// orchestrator that actually answers HandleUserInput calls, the cron
// scheduler that can trigger it on a timer, and whatever needs closing
// on shutdown.
type runtime struct {
	cfg          *config.Config
	store        *sessions.SQLiteStore
	orchestrator *multiagent.Orchestrator
	scheduler    *cron.Scheduler
}

func (r *runtime) Close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			slog.Warn("session store close failed", "error", err)
		}
	}
}

func (r *runtime) shutdownTimeout() time.Duration {
	return 10 * time.Second
}

// bootstrap loads configuration, constructs the session store, the default
// LLM provider, the multiagent orchestrator (with the Optimizer wired in
// when its rule file is discoverable), and the cron scheduler bound to the
// orchestrator via HandleUserInput.
func bootstrap(ctx context.Context, configPath, agentsPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Database.URL
	if dbPath == "" {
		dbPath = "data/sessions.db"
	}
	store, err := sessions.NewSQLiteStore(&sessions.SQLiteConfig{
		Path:            dbPath,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build LLM provider: %w", err)
	}

	maConfig, err := loadMultiAgentConfig(agentsPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}

	orch := multiagent.NewOrchestrator(maConfig, provider, store)
	wireOptimizer(orch, provider)

	sched, err := buildScheduler(cfg.Cron, orch)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	return &runtime{cfg: cfg, store: store, orchestrator: orch, scheduler: sched}, nil
}

// buildProvider selects and constructs the default LLM provider from
// cfg.DefaultProvider, falling back to whichever single provider is
// configured when DefaultProvider is unset.
func buildProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	name := cfg.DefaultProvider
	if name == "" {
		for id := range cfg.Providers {
			name = id
			break
		}
	}
	if name == "" {
		return nil, fmt.Errorf("no LLM provider configured")
	}

	providerCfg, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm.default_provider %q has no matching entry under llm.providers", name)
	}

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", name)
	}
}

// loadMultiAgentConfig reads the agent definitions file when present; a
// missing file is not an error, it just means "run with the single
// built-in orchestrator agent."
func loadMultiAgentConfig(path string) (*multiagent.MultiAgentConfig, error) {
	if path == "" {
		return defaultMultiAgentConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return defaultMultiAgentConfig(), nil
		}
		return nil, err
	}
	return multiagent.LoadConfig(path)
}

func defaultMultiAgentConfig() *multiagent.MultiAgentConfig {
	return &multiagent.MultiAgentConfig{
		DefaultAgentID:     "orchestrator",
		DefaultContextMode: multiagent.ContextFull,
		MaxHandoffDepth:    10,
		HandoffTimeout:     5 * time.Minute,
		Agents: []multiagent.AgentDefinition{
			{
				ID:                 "orchestrator",
				Name:               "Orchestrator",
				Description:        "General-purpose default agent used when no agent roster is configured.",
				SystemPrompt:       "You are a helpful assistant.",
				CanReceiveHandoffs: true,
			},
		},
	}
}

// wireOptimizer attaches the Optimizer's TaskAnalyzer/AgentSelector/
// QualityTracker to the orchestrator so HandleUserInput's delegation
// decisions and quality metrics are driven by it instead of going
// unrecorded. Best-effort: a tracker file that can't be opened disables
// tuning but never blocks startup.
func wireOptimizer(orch *multiagent.Orchestrator, provider agent.LLMProvider) {
	optCfg := optimizer.Load("")
	rules := optimizer.LoadAgentRules("")

	analyzer := optimizer.NewTaskAnalyzer(generateFromProvider(provider), "", optCfg.Analysis)
	selector := optimizer.NewAgentSelector(optCfg, rules)

	tracker, err := optimizer.NewQualityTracker("")
	if err != nil {
		slog.Warn("quality tracker unavailable, Optimizer tuning disabled", "error", err)
		tracker = nil
	}

	orch.SetOptimizer(analyzer, selector, tracker)
}

// generateFromProvider adapts an agent.LLMProvider's streaming Complete
// call into the single-shot optimizer.GenerateFn signature by draining the
// channel into one string.
func generateFromProvider(provider agent.LLMProvider) optimizer.GenerateFn {
	return func(ctx context.Context, prompt, model string, maxTokens int, temperature float64) (string, error) {
		chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
			Model:     model,
			Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", err
		}
		var text string
		for chunk := range chunks {
			if chunk.Error != nil {
				return "", chunk.Error
			}
			text += chunk.Text
			if chunk.Done {
				break
			}
		}
		return text, nil
	}
}

// buildScheduler wires the cron scheduler's agent jobs to
// Orchestrator.HandleUserInput, using the job ID as the session key so a
// recurring job resumes its own conversation across runs.
func buildScheduler(cfg config.CronConfig, orch *multiagent.Orchestrator) (*cron.Scheduler, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	runner := cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
		prompt := "Run scheduled task."
		if job.Message != nil && job.Message.Content != "" {
			prompt = job.Message.Content
		}
		reply, err := orch.HandleUserInput(ctx, "cron:"+job.ID, prompt)
		if err != nil {
			return err
		}
		slog.Info("cron job completed", "job", job.ID, "reply_len", len(reply))
		return nil
	})

	return cron.NewScheduler(cfg, cron.WithAgentRunner(runner), cron.WithLogger(slog.Default()))
}
