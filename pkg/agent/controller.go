// Package agent is the turn controller: it routes each doctor message either
// to a direct answer from context or to plan generation and execution, and
// writes every turn back to the session store.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/pkg/plan"
	"github.com/zlnick/PatientInfoSE/pkg/router"
	"github.com/zlnick/PatientInfoSE/pkg/session"
	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// Route is the path a turn took.
type Route string

const (
	RouteContext Route = "context"
	RoutePlan    Route = "plan"
)

// Session meta keys maintained by the controller.
const (
	MetaMessageCount = "message_count"
	MetaLastRoute    = "last_route"
)

// Visualizer renders a chart for an answer whose question asked for one.
type Visualizer interface {
	Visualize(ctx context.Context, answer, question string) error
}

// VisualizerFunc adapts a function to Visualizer.
type VisualizerFunc func(ctx context.Context, answer, question string) error

func (f VisualizerFunc) Visualize(ctx context.Context, answer, question string) error {
	return f(ctx, answer, question)
}

// GreetingFor builds the identity turn written into new sessions.
func GreetingFor(assistantName, practitionerID, practitionerName string) string {
	intro := "我是一个临床医生的门诊助手。"
	if assistantName != "" {
		intro = fmt.Sprintf("我是一个临床医生的门诊助手，名叫%s。", assistantName)
	}
	return fmt.Sprintf("%s现在登录的临床医生的资源id是%s，医生的姓名是%s。我们用中文交流。",
		intro, practitionerID, practitionerName)
}

// Options configures optional collaborators and behaviour.
type Options struct {
	// Catalog lists the tools offered to the planner. Nil means no tools.
	Catalog tools.Catalog

	// Visualizer is triggered when a context answer carries the chart marker.
	Visualizer Visualizer

	// Greeting, when non-empty, is appended as an assistant turn to every
	// session the controller creates.
	Greeting string

	// Meta seeds the metadata of sessions the controller creates.
	Meta map[string]any
}

// TurnResult is everything one turn produced.
type TurnResult struct {
	SessionID    string          `json:"session_id"`
	Route        Route           `json:"route"`
	Answer       string          `json:"answer"`
	Judgment     router.Judgment `json:"judgment"`
	NeedsChart   bool            `json:"needs_chart"`
	Plan         *plan.Plan      `json:"plan,omitempty"`
	Execution    *plan.Execution `json:"execution,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Trace        []string        `json:"trace"`
	MessageCount int             `json:"message_count"`
}

// Controller handles doctor messages. Turns of one session run one at a
// time; different sessions run concurrently.
type Controller struct {
	store    *session.Store
	router   *router.Router
	planner  *plan.Planner
	executor *plan.Executor
	options  Options
	logger   *zap.Logger

	locks *session.KeyedMutex

	mu       sync.Mutex
	bindings map[string]plan.Bindings

	stats counters
}

// New creates a Controller.
func New(
	store *session.Store,
	r *router.Router,
	planner *plan.Planner,
	executor *plan.Executor,
	options Options,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		store:    store,
		router:   r,
		planner:  planner,
		executor: executor,
		options:  options,
		logger:   logger,
		locks:    session.NewKeyedMutex(),
		bindings: make(map[string]plan.Bindings),
	}
}

// HandleMessage runs one turn for sessionID. An empty sessionID starts a new
// session under a generated id. Only session store failures are returned as
// errors; every other failure becomes part of the answer or the trace.
func (c *Controller) HandleMessage(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	return c.HandleMessageStream(ctx, sessionID, text, nil)
}

// HandleMessageStream is HandleMessage with model steps of the plan streamed
// to onToken.
func (c *Controller) HandleMessageStream(ctx context.Context, sessionID, text string, onToken plan.TokenHandler) (*TurnResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	c.stats.turns.Inc()
	res, err := c.handle(ctx, sessionID, text, onToken)
	if err != nil {
		c.stats.failures.Inc()
		c.logger.Error("turn failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (c *Controller) handle(ctx context.Context, id, text string, onToken plan.TokenHandler) (*TurnResult, error) {
	if err := c.ensureSession(ctx, id); err != nil {
		return nil, err
	}

	history, err := c.store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	judgment := c.router.CanAnswerFromContext(ctx, history, text)

	// The router must not see the turn it is judging.
	if _, err := c.store.AppendTurn(ctx, id, session.RoleUser, text); err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}

	res := &TurnResult{
		SessionID: id,
		Judgment:  judgment,
		Trace: []string{
			fmt.Sprintf("context judgment: can_answer=%t", judgment.CanAnswer),
			"reasoning: " + judgment.Reasoning,
		},
	}

	c.logger.Info("routing turn",
		zap.String("session_id", id),
		zap.Bool("can_answer", judgment.CanAnswer),
		zap.String("question", logger.Truncate(text, 80)),
	)

	if judgment.CanAnswer {
		c.answerFromContext(ctx, res, history, text)
	} else {
		c.answerWithPlan(ctx, res, history, text, onToken)
	}

	if _, err := c.store.AppendTurn(ctx, id, session.RoleAssistant, res.Answer); err != nil {
		return nil, fmt.Errorf("persist answer: %w", err)
	}

	count, err := c.bumpMeta(ctx, id, res.Route)
	if err != nil {
		return nil, err
	}
	res.MessageCount = count
	res.Trace = append(res.Trace, fmt.Sprintf("你已经发送了 %d 条消息！", count))

	if res.NeedsChart && c.options.Visualizer != nil {
		if err := c.options.Visualizer.Visualize(ctx, res.Answer, text); err != nil {
			c.logger.Warn("visualization failed", zap.String("session_id", id), zap.Error(err))
			res.Trace = append(res.Trace, "visualization failed: "+err.Error())
		}
	}

	return res, nil
}

func (c *Controller) answerFromContext(ctx context.Context, res *TurnResult, history []session.Turn, text string) {
	res.Route = RouteContext
	c.stats.contextRoutes.Inc()

	answer := c.router.GenerateContextAnswer(ctx, history, text)
	res.Answer, res.NeedsChart = router.StripChartMarker(answer)
	if res.NeedsChart {
		c.stats.charts.Inc()
		res.Trace = append(res.Trace, "chart requested")
	}
}

func (c *Controller) answerWithPlan(ctx context.Context, res *TurnResult, history []session.Turn, text string, onToken plan.TokenHandler) {
	res.Route = RoutePlan
	c.stats.planRoutes.Inc()

	var catalog []tools.Spec
	if c.options.Catalog != nil {
		specs, err := c.options.Catalog.Tools(ctx)
		if err != nil {
			c.logger.Warn("tool catalog unavailable", zap.Error(err))
			res.Trace = append(res.Trace, "tool catalog unavailable: "+err.Error())
		}
		catalog = specs
	}

	p := c.planner.GeneratePlan(ctx, history, text, catalog)
	res.Plan = &p
	res.Trace = append(res.Trace,
		"多步执行计划："+p.JSON(),
		"计划说明："+p.Explanation,
	)

	bindings := c.bindingsFor(res.SessionID)

	res.Warnings = plan.Validate(p, bindings)
	for _, w := range res.Warnings {
		res.Trace = append(res.Trace, "plan warning: "+w)
	}

	ex := c.executor.Execute(ctx, p, bindings, onToken)
	res.Execution = ex
	res.Trace = append(res.Trace, ex.Trace...)
	c.stats.steps.Add(int64(len(ex.Results)))

	res.Answer = ex.Answer
	if strings.TrimSpace(res.Answer) != "" {
		return
	}
	if len(p.Steps) == 0 {
		res.Answer = "未能生成执行计划：" + p.Explanation
	} else {
		res.Answer = "执行计划未产生任何回答"
	}
	res.Trace = append(res.Trace, "no answer produced; persisted diagnostic")
}

func (c *Controller) ensureSession(ctx context.Context, id string) error {
	_, created, err := c.store.Ensure(ctx, id, c.options.Meta)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if !created {
		return nil
	}

	c.mu.Lock()
	delete(c.bindings, id)
	c.mu.Unlock()

	c.logger.Info("new session", zap.String("session_id", id))

	if c.options.Greeting != "" {
		if _, err := c.store.AppendTurn(ctx, id, session.RoleAssistant, c.options.Greeting); err != nil {
			return fmt.Errorf("persist greeting: %w", err)
		}
	}
	return nil
}

func (c *Controller) bindingsFor(id string) plan.Bindings {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bindings[id]
	if !ok {
		b = plan.Bindings{}
		c.bindings[id] = b
	}
	return b
}

func (c *Controller) bumpMeta(ctx context.Context, id string, route Route) (int, error) {
	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("read meta: %w", err)
	}

	count := metaInt(sess.Meta[MetaMessageCount]) + 1
	if err := c.store.UpdateMeta(ctx, id, map[string]any{
		MetaMessageCount: count,
		MetaLastRoute:    string(route),
	}); err != nil {
		return 0, fmt.Errorf("update meta: %w", err)
	}
	return count, nil
}

// metaInt reads a counter that may have been through a JSON round trip.
func metaInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// ResetSession deletes the session and forgets its variable bindings.
func (c *Controller) ResetSession(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	c.mu.Lock()
	delete(c.bindings, id)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	c.logger.Info("session reset", zap.String("session_id", id))
	return nil
}

// Bindings returns a copy of the variables bound in a session so far.
func (c *Controller) Bindings(id string) plan.Bindings {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(plan.Bindings, len(c.bindings[id]))
	for k, v := range c.bindings[id] {
		out[k] = v
	}
	return out
}
