package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/pkg/toolresult"
	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// Fallback texts for model steps that fail.
const (
	AnswerFallback = "抱歉，暂时无法生成回答"
	RiskFallback   = "抱歉，暂时无法完成医保拒付风险分析"
)

// ErrorPrefix marks error entries folded into the answer.
const ErrorPrefix = "❌ "

// ExecutorConfig tunes step execution.
type ExecutorConfig struct {
	Model       string
	Temperature float64

	// LLMTimeout bounds each llm_answer and risk_analyst call.
	LLMTimeout time.Duration

	// ToolTimeout bounds each call_tool invocation.
	ToolTimeout time.Duration
}

// TokenHandler receives streamed model output of the step at index.
type TokenHandler func(index int, delta string) error

// SideOutput is a file or image (or unclassified) tool output that is shown
// alongside the answer instead of being folded into it.
type SideOutput struct {
	Step  int             `json:"step"`
	Kind  toolresult.Kind `json:"kind"`
	Value string          `json:"value"`
}

// StepResult records what one step did.
type StepResult struct {
	Index   int                `json:"index"`
	Step    Step               `json:"step"`
	Kind    string             `json:"kind"`
	Input   Input              `json:"input"`
	Entries []toolresult.Entry `json:"entries,omitempty"`
	Text    string             `json:"text,omitempty"`
	Error   string             `json:"error,omitempty"`
	Skipped bool               `json:"skipped,omitempty"`
}

// Execution is the outcome of running a plan.
type Execution struct {
	Results     []StepResult `json:"results"`
	Answer      string       `json:"answer"`
	SideOutputs []SideOutput `json:"side_outputs,omitempty"`
	Trace       []string     `json:"trace"`
}

// Executor runs plans.
type Executor struct {
	llm     llm.Generator
	invoker tools.Invoker
	config  ExecutorConfig
	logger  *zap.Logger
}

// NewExecutor creates an Executor. invoker may be nil, in which case every
// call_tool step records an error.
func NewExecutor(gen llm.Generator, invoker tools.Invoker, config ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{llm: gen, invoker: invoker, config: config, logger: logger}
}

// Execute runs the steps of p in order. bindings is updated in place with
// every declared result variable so later steps and later turns see them.
// A nil bindings map is replaced by one local to this run.
// onToken, when non-nil, switches model steps to streaming.
//
// Execute never fails: each step's failure is recorded and the next step
// runs.
func (e *Executor) Execute(ctx context.Context, p Plan, bindings Bindings, onToken TokenHandler) *Execution {
	if bindings == nil {
		bindings = Bindings{}
	}
	if onToken != nil {
		onToken = e.detachOnFailure(onToken)
	}

	ex := &Execution{}
	var answer []string

	for i, step := range p.Steps {
		ex.Trace = append(ex.Trace, fmt.Sprintf("Step %d: %s", i+1, step.Description))

		res := StepResult{
			Index: i,
			Step:  step,
			Kind:  step.Kind().String(),
			Input: bindings.Resolve(step.Input),
		}

		e.logger.Debug("executing step",
			zap.Int("step", i+1),
			zap.String("action", step.Action),
			zap.String("tool", step.Tool),
			zap.String("input", logger.Truncate(res.Input.String(), 200)),
		)

		switch step.Kind() {
		case KindCallTool:
			if strings.TrimSpace(step.Tool) == "" {
				res.Skipped = true
				ex.Trace = append(ex.Trace, "unrecognized step: "+stepJSON(step))
				break
			}
			e.callTool(ctx, &res, bindings)
			for _, entry := range res.Entries {
				switch {
				case entry.Kind == toolresult.KindError:
					answer = append(answer, ErrorPrefix+entry.Value)
				case entry.IsTextual():
					answer = append(answer, entry.Value)
				default:
					ex.SideOutputs = append(ex.SideOutputs, SideOutput{Step: i, Kind: entry.Kind, Value: entry.Value})
				}
			}
			if res.Error != "" {
				answer = append(answer, res.Error)
				ex.Trace = append(ex.Trace, res.Error)
			}

		case KindLLMAnswer:
			res.Text = e.generate(ctx, i, assistantPersona, res.Input.String(), AnswerFallback, onToken)
			answer = append(answer, res.Text)

		case KindRiskAnalyst:
			question := fmt.Sprintf(riskQuestionTemplate, step.Description, res.Input.String())
			res.Text = e.generate(ctx, i, riskAnalystPersona, question, RiskFallback, onToken)
			answer = append(answer, res.Text)

		default:
			res.Skipped = true
			ex.Trace = append(ex.Trace, "unrecognized step: "+stepJSON(step))
			e.logger.Warn("skipping unrecognized step", zap.Int("step", i+1), zap.String("action", step.Action))
		}

		if step.ResultVar != "" && !res.Skipped && step.Kind() != KindCallTool {
			bindings[step.ResultVar] = res.Text
		}

		ex.Results = append(ex.Results, res)
	}

	ex.Answer = strings.Join(answer, "\n")
	return ex
}

func (e *Executor) callTool(ctx context.Context, res *StepResult, bindings Bindings) {
	tool := res.Step.Tool

	if e.invoker == nil {
		res.Error = fmt.Sprintf("调用工具 %s 失败: %v", tool, errors.New("no tool source connected"))
		return
	}
	if !res.Input.IsObject() && res.Input.Text != "" {
		res.Error = fmt.Sprintf("调用工具 %s 失败: %v", tool, errors.New("tool input must be an object"))
		return
	}

	if e.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := e.invoker.CallTool(ctx, tool, res.Input.Fields)
	if err != nil {
		e.logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(err))
		res.Error = fmt.Sprintf("调用工具 %s 失败: %v", tool, err)
		return
	}

	res.Entries = toolresult.Normalize(raw)
	if v, ok := toolresult.FirstValue(res.Entries); ok && res.Step.ResultVar != "" {
		bindings[res.Step.ResultVar] = v
	}

	e.logger.Debug("tool call completed",
		zap.String("tool", tool),
		zap.Int("entries", len(res.Entries)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (e *Executor) generate(ctx context.Context, index int, persona, prompt, fallback string, onToken TokenHandler) string {
	if e.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.LLMTimeout)
		defer cancel()
	}

	req := &llm.ChatRequest{
		Model:    e.config.Model,
		Messages: []llm.Message{llm.System(persona), llm.User(prompt)},
		Options:  llm.WithTemperature(e.config.Temperature),
	}

	var (
		resp *llm.ChatResponse
		err  error
	)
	if onToken != nil {
		resp, err = e.llm.Stream(ctx, req, func(chunk llm.StreamChunk) error {
			if chunk.Message.Content == "" {
				return nil
			}
			return onToken(index, chunk.Message.Content)
		})
	} else {
		resp, err = e.llm.Generate(ctx, req)
	}
	if err != nil {
		e.logger.Warn("model step failed", zap.Int("step", index+1), zap.Error(err))
		return fallback
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return fallback
	}
	return resp.Message.Content
}

// detachOnFailure wraps a token consumer so that its first error stops all
// further forwarding for the rest of the run instead of aborting generation.
// Model steps still collect their full text.
func (e *Executor) detachOnFailure(onToken TokenHandler) TokenHandler {
	var failed bool
	return func(index int, delta string) error {
		if failed {
			return nil
		}
		if err := onToken(index, delta); err != nil {
			failed = true
			e.logger.Warn("stream consumer failed, no longer forwarding tokens",
				zap.Int("step", index+1),
				zap.Error(err),
			)
		}
		return nil
	}
}

func stepJSON(s Step) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s.Action
	}
	return strings.TrimSpace(buf.String())
}
