// Package router decides whether a question can be answered from the
// conversation so far and, when it can, produces that answer.
package router

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
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

const (
	// NoContextReason is the reasoning reported for an empty history.
	NoContextReason = "no prior context"

	// ChartMarker is appended by the model when the answer should be charted.
	ChartMarker = "需要图表"

	// AnswerFallback replaces a context answer the model failed to produce.
	AnswerFallback = "无法基于上下文生成回答"
)

// Judgment is the router's verdict on one question.
type Judgment struct {
	CanAnswer bool   `json:"can_answer"`
	Reasoning string `json:"reasoning"`
}

// Config tunes the router's LLM calls.
type Config struct {
	// Model overrides the generator's default model when set.
	Model string

	Temperature float64

	// Timeout bounds each LLM call; zero leaves only the caller's deadline.
	Timeout time.Duration
}

// Router is the context sufficiency router.
type Router struct {
	llm    llm.Generator
	config Config
	logger *zap.Logger
}

// New creates a Router.
func New(gen llm.Generator, config Config, logger *zap.Logger) *Router {
	return &Router{llm: gen, config: config, logger: logger}
}

// CanAnswerFromContext judges whether history already holds the data the
// question needs. It never returns an error: an empty history short-circuits
// without calling the model and any model failure yields CanAnswer=false.
func (r *Router) CanAnswerFromContext(ctx context.Context, history []session.Turn, question string) Judgment {
	if len(history) == 0 {
		return Judgment{CanAnswer: false, Reasoning: NoContextReason}
	}

	historyJSON, err := marshalHistory(history)
	if err != nil {
		return failed(err)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	resp, err := r.llm.Generate(ctx, &llm.ChatRequest{
		Model: r.config.Model,
		Messages: []llm.Message{
			llm.System(judgeSystemPrompt),
			llm.User(fmt.Sprintf(judgePromptTemplate, historyJSON, question)),
		},
		Format:  llm.FormatJSON,
		Options: llm.WithTemperature(r.config.Temperature),
	})
	if err != nil {
		r.logger.Warn("context judgment call failed", zap.Error(err))
		return failed(err)
	}

	j, err := parseJudgment(resp.Message.Content)
	if err != nil {
		r.logger.Warn("context judgment unparseable",
			zap.String("raw", logger.Truncate(resp.Message.Content, 200)),
			zap.Error(err),
		)
		return failed(err)
	}

	r.logger.Debug("context judgment",
		zap.Bool("can_answer", j.CanAnswer),
		zap.String("reasoning", logger.Truncate(j.Reasoning, 200)),
	)
	return j
}

// GenerateContextAnswer answers question from history alone. Failures yield
// AnswerFallback.
func (r *Router) GenerateContextAnswer(ctx context.Context, history []session.Turn, question string) string {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.System(answerSystemPrompt))
	for _, t := range history {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.User(question))

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	resp, err := r.llm.Generate(ctx, &llm.ChatRequest{
		Model:    r.config.Model,
		Messages: messages,
		Options:  llm.WithTemperature(r.config.Temperature),
	})
	if err != nil {
		r.logger.Warn("context answer call failed", zap.Error(err))
		return AnswerFallback
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return AnswerFallback
	}
	return resp.Message.Content
}

// StripChartMarker removes every ChartMarker from answer and reports whether
// one was present.
func StripChartMarker(answer string) (string, bool) {
	if !strings.Contains(answer, ChartMarker) {
		return answer, false
	}
	return strings.TrimSpace(strings.ReplaceAll(answer, ChartMarker, "")), true
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.Timeout)
}

// rawJudgment tells a missing can_answer apart from an explicit false.
type rawJudgment struct {
	CanAnswer *bool  `json:"can_answer"`
	Reasoning string `json:"reasoning"`
}

func parseJudgment(text string) (Judgment, error) {
	var raw rawJudgment
	if err := json.Unmarshal([]byte(llm.ExtractJSONObject(text)), &raw); err != nil {
		return Judgment{}, err
	}
	if raw.CanAnswer == nil {
		return Judgment{}, errors.New("missing can_answer")
	}
	return Judgment{CanAnswer: *raw.CanAnswer, Reasoning: raw.Reasoning}, nil
}

func failed(err error) Judgment {
	return Judgment{CanAnswer: false, Reasoning: "judgment failed: " + err.Error()}
}

type historyItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func marshalHistory(history []session.Turn) (string, error) {
	items := make([]historyItem, len(history))
	for i, t := range history {
		items[i] = historyItem{Role: string(t.Role), Content: t.Content}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
