// Package wiring assembles the assistant from its configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/agent"
	"github.com/zlnick/PatientInfoSE/pkg/config"
	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/plan"
	"github.com/zlnick/PatientInfoSE/pkg/router"
	"github.com/zlnick/PatientInfoSE/pkg/session"
	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// Stack is a fully wired assistant.
type Stack struct {
	Store      *session.Store
	Hub        *tools.Hub
	Controller *agent.Controller
}

// OpenStore opens the session store selected by the storage configuration.
func OpenStore(cfg config.Storage, logger *zap.Logger) (*session.Store, error) {
	if cfg.SQLitePath == "" {
		logger.Info("using in-memory session storage")
		return session.NewStore(session.NewMemoryBackend(), logger), nil
	}

	backend, err := session.NewSQLiteBackend(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	logger.Info("using SQLite session storage", zap.String("path", cfg.SQLitePath))
	return session.NewStore(backend, logger), nil
}

// Build wires storage, the model client, MCP tool sources and the turn
// controller. Tool sources that cannot be reached are logged and skipped.
func Build(ctx context.Context, cfg *config.Config, visualizer agent.Visualizer, logger *zap.Logger) (*Stack, error) {
	store, err := OpenStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	gen := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger.Named("llm"))

	hub := tools.NewHub(logger.Named("mcp"))
	if err := hub.ConnectAll(ctx, cfg.ToolServers()); err != nil {
		logger.Warn("some MCP servers are unavailable", zap.Error(err))
	}

	opts := agent.Options{
		Catalog:    hub,
		Visualizer: visualizer,
	}
	if cfg.Assistant.Greeting {
		opts.Greeting = agent.GreetingFor(cfg.Assistant.Name, cfg.Assistant.PractitionerID, cfg.Assistant.PractitionerName)
		opts.Meta = map[string]any{"practitioner_id": cfg.Assistant.PractitionerID}
	}

	controller := agent.New(
		store,
		router.New(gen, router.Config{
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, logger.Named("router")),
		plan.NewPlanner(gen, plan.PlannerConfig{
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, logger.Named("planner")),
		plan.NewExecutor(gen, hub, plan.ExecutorConfig{
			Temperature: cfg.LLM.Temperature,
			LLMTimeout:  cfg.LLM.Timeout,
			ToolTimeout: cfg.Assistant.ToolTimeout,
		}, logger.Named("executor")),
		opts,
		logger,
	)

	return &Stack{Store: store, Hub: hub, Controller: controller}, nil
}

// Close releases tool connections and the session store.
func (s *Stack) Close() error {
	return errors.Join(s.Hub.Close(), s.Store.Close())
}
