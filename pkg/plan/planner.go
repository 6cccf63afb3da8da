package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/pkg/session"
	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// PlannerConfig tunes the planning call.
type PlannerConfig struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Planner asks the model for a plan.
type Planner struct {
	llm    llm.Generator
	config PlannerConfig
	logger *zap.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(gen llm.Generator, config PlannerConfig, logger *zap.Logger) *Planner {
	return &Planner{llm: gen, config: config, logger: logger}
}

// GeneratePlan produces a plan for question. It never fails: a model error or
// unparseable output yields an empty plan whose Explanation describes what
// went wrong.
func (p *Planner) GeneratePlan(ctx context.Context, history []session.Turn, question string, catalog []tools.Spec) Plan {
	prompt := fmt.Sprintf(plannerPromptTemplate, formatHistory(history), question, tools.FormatCatalog(catalog))

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.llm.Generate(ctx, &llm.ChatRequest{
		Model: p.config.Model,
		Messages: []llm.Message{
			llm.System(plannerSystemPrompt),
			llm.User(prompt),
		},
		Options: llm.WithTemperature(p.config.Temperature),
	})
	if err != nil {
		p.logger.Warn("plan generation failed", zap.Error(err))
		return Plan{Explanation: "plan generation failed: " + err.Error()}
	}

	plan, err := ParsePlan(resp.Message.Content)
	if err != nil {
		p.logger.Warn("plan output unparseable",
			zap.String("raw", logger.Truncate(resp.Message.Content, 200)),
			zap.Error(err),
		)
		return plan
	}

	p.logger.Debug("plan generated",
		zap.Int("steps", len(plan.Steps)),
		zap.Int("tools", len(catalog)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return plan
}

// ParsePlan decodes model output into a Plan, tolerating markdown fences and
// leading prose. On failure the returned plan is empty and carries a
// diagnostic explanation that includes the raw text.
func ParsePlan(raw string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(llm.ExtractJSONObject(raw)), &plan); err != nil {
		return Plan{
			Explanation: fmt.Sprintf("plan parse error: %v; raw output: %s", err, raw),
			Raw:         raw,
		}, fmt.Errorf("parse plan: %w", err)
	}
	plan.Raw = raw
	return plan, nil
}

func formatHistory(history []session.Turn) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
