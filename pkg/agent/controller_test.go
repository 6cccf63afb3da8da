package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/pkg/agent"
	"github.com/zlnick/PatientInfoSE/pkg/llm"
	"github.com/zlnick/PatientInfoSE/pkg/llm/llmtest"
	"github.com/zlnick/PatientInfoSE/pkg/plan"
	"github.com/zlnick/PatientInfoSE/pkg/router"
	"github.com/zlnick/PatientInfoSE/pkg/session"
	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// scriptedModel answers each kind of prompt the engine sends.
type scriptedModel struct {
	mu        sync.Mutex
	judgment  string
	context   string
	plans     []string
	llmAnswer string
}

func (m *scriptedModel) respond(req *llm.ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	system := req.Messages[0].Content
	switch {
	case req.Format == llm.FormatJSON:
		return m.judgment, nil
	case strings.Contains(system, "计划生成Agent"):
		if len(m.plans) == 0 {
			return "", errors.New("no plan scripted")
		}
		p := m.plans[0]
		m.plans = m.plans[1:]
		return p, nil
	case strings.Contains(system, "严格基于对话历史"):
		return m.context, nil
	default:
		return m.llmAnswer, nil
	}
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *recordingInvoker) CallTool(_ context.Context, name string, input map[string]any) (*mcp.CallToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, input)
	switch name {
	case "find_patient":
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "794"}}}, nil
	case "get_vitals":
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("患者%v 血压 150/95", input["patient_id"])}}}, nil
	}
	return nil, fmt.Errorf("unknown tool %s", name)
}

type flakyBackend struct {
	session.Backend
	mu   sync.Mutex
	fail bool
}

func (b *flakyBackend) Write(ctx context.Context, id string, doc []byte) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.Backend.Write(ctx, id, doc)
}

var _ = Describe("Controller", func() {
	var (
		ctx        context.Context
		model      *scriptedModel
		stub       *llmtest.Stub
		invoker    *recordingInvoker
		backend    *flakyBackend
		store      *session.Store
		controller *agent.Controller
		visualized []string
		options    agent.Options
	)

	build := func() {
		logger := zap.NewNop()
		controller = agent.New(
			store,
			router.New(stub, router.Config{}, logger),
			plan.NewPlanner(stub, plan.PlannerConfig{}, logger),
			plan.NewExecutor(stub, invoker, plan.ExecutorConfig{}, logger),
			options,
			logger,
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		model = &scriptedModel{
			judgment:  `{"can_answer": false, "reasoning": "缺少数据"}`,
			llmAnswer: "高血压是指动脉血压持续升高的慢性疾病。",
		}
		stub = llmtest.NewStub(model.respond)
		invoker = &recordingInvoker{}
		backend = &flakyBackend{Backend: session.NewMemoryBackend()}
		store = session.NewStore(backend, zap.NewNop())
		visualized = nil
		options = agent.Options{
			Catalog: tools.StaticCatalog{
				{Name: "find_patient", Description: "按姓名查找患者"},
				{Name: "get_vitals", Description: "查询生命体征"},
			},
			Visualizer: agent.VisualizerFunc(func(_ context.Context, answer, question string) error {
				visualized = append(visualized, answer+"|"+question)
				return nil
			}),
		}
		build()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("answers a general question through a plan on an empty session", func() {
		model.plans = []string{`{"plan":[{"action":"llm_answer","tool":null,"input":"解释什么是高血压","description":"常识回答"}],"explanation":"无需工具"}`}

		res, err := controller.HandleMessage(ctx, "s-a", "什么是高血压？")
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Route).To(Equal(agent.RoutePlan))
		Expect(res.Judgment).To(Equal(router.Judgment{CanAnswer: false, Reasoning: router.NoContextReason}))
		Expect(res.Plan.Steps).To(HaveLen(1))
		Expect(res.Plan.Steps[0].Kind()).To(Equal(plan.KindLLMAnswer))
		Expect(res.Answer).To(Equal("高血压是指动脉血压持续升高的慢性疾病。"))
		Expect(res.Trace).To(ContainElement("Step 1: 常识回答"))

		history, err := store.History(ctx, "s-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(2))
		Expect(history[0].Role).To(Equal(session.RoleUser))
		Expect(history[0].Content).To(Equal("什么是高血压？"))
		Expect(history[1].Role).To(Equal(session.RoleAssistant))
		Expect(history[1].Content).To(Equal(res.Answer))

		// planner + llm_answer; the empty history skips the judgment call
		Expect(stub.Calls()).To(Equal(2))
	})

	It("answers from context, strips the chart marker and triggers visualization", func() {
		_, err := store.Create(ctx, "s-b", nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.AppendTurn(ctx, "s-b", session.RoleUser, "查询患者794最近的血压")
		Expect(err).NotTo(HaveOccurred())
		_, err = store.AppendTurn(ctx, "s-b", session.RoleAssistant, `[{"date":"2024-05-01","bp":"150/95"},{"date":"2024-05-08","bp":"142/90"}]`)
		Expect(err).NotTo(HaveOccurred())

		model.judgment = `{"can_answer": true, "reasoning": "历史中已有两次血压数据"}`
		model.context = "两次测量收缩压由150降至142。需要图表"

		res, err := controller.HandleMessage(ctx, "s-b", "用图表展示刚才的血压数据")
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Route).To(Equal(agent.RouteContext))
		Expect(res.Judgment.Reasoning).To(ContainSubstring("血压数据"))
		Expect(res.NeedsChart).To(BeTrue())
		Expect(res.Answer).To(Equal("两次测量收缩压由150降至142。"))
		Expect(res.Plan).To(BeNil())
		Expect(visualized).To(Equal([]string{"两次测量收缩压由150降至142。|用图表展示刚才的血压数据"}))

		history, err := store.History(ctx, "s-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(4))
		Expect(history[3].Content).To(Equal("两次测量收缩压由150降至142。"))
		Expect(history[3].Content).NotTo(ContainSubstring(router.ChartMarker))

		// the router judged the history without the new question
		judgePrompt := stub.Requests()[0].Messages[1].Content
		Expect(strings.Count(judgePrompt, "用图表展示刚才的血压数据")).To(Equal(1))
		Expect(judgePrompt).NotTo(ContainSubstring(`"content": "用图表展示刚才的血压数据"`))
	})

	It("still writes a turn back when the plan output is not JSON", func() {
		model.plans = []string{`{"plan": [ {"action": "call_tool", "tool": "get_vitals",`}

		res, err := controller.HandleMessage(ctx, "s-c", "患者794的血压怎么样？")
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Plan.Steps).To(BeEmpty())
		Expect(res.Plan.Explanation).To(ContainSubstring("plan parse error"))
		Expect(res.Execution.Results).To(BeEmpty())
		Expect(res.Answer).To(ContainSubstring("plan parse error"))
		Expect(invoker.calls).To(BeEmpty())

		history, err := store.History(ctx, "s-c")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(2))
		Expect(history[1].Content).To(Equal(res.Answer))
	})

	It("carries result variables across turns of the same session", func() {
		model.plans = []string{
			`{"plan":[{"action":"call_tool","tool":"find_patient","input":{"name":"张三"},"result_var":"$pid","description":"查找患者"}],"explanation":"查找"}`,
			`{"plan":[{"action":"call_tool","tool":"get_vitals","input":{"patient_id":"$pid"},"result_var":"$vitals","description":"查询血压"}],"explanation":"复用患者ID"}`,
		}

		_, err := controller.HandleMessage(ctx, "s-d", "找到张三")
		Expect(err).NotTo(HaveOccurred())
		res, err := controller.HandleMessage(ctx, "s-d", "他的血压呢？")
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Warnings).To(BeEmpty())
		Expect(invoker.calls[1]).To(HaveKeyWithValue("patient_id", "794"))
		Expect(res.Answer).To(Equal("患者794 血压 150/95"))
		Expect(controller.Bindings("s-d")).To(HaveKeyWithValue("$pid", "794"))
		Expect(res.MessageCount).To(Equal(2))

		sess, err := store.Get(ctx, "s-d")
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Meta).To(HaveKeyWithValue(agent.MetaMessageCount, BeNumerically("==", 2)))
		Expect(sess.Meta).To(HaveKeyWithValue(agent.MetaLastRoute, "plan"))
	})

	It("forgets bindings when a session is reset", func() {
		model.plans = []string{
			`{"plan":[{"action":"call_tool","tool":"find_patient","input":{"name":"张三"},"result_var":"$pid"}],"explanation":""}`,
			`{"plan":[{"action":"call_tool","tool":"get_vitals","input":{"patient_id":"$pid"}}],"explanation":""}`,
		}

		_, err := controller.HandleMessage(ctx, "s-e", "找到张三")
		Expect(err).NotTo(HaveOccurred())
		Expect(controller.ResetSession(ctx, "s-e")).To(Succeed())
		Expect(controller.Bindings("s-e")).To(BeEmpty())

		res, err := controller.HandleMessage(ctx, "s-e", "他的血压呢？")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Warnings).To(ContainElement("step 1: $pid is not bound by any earlier step"))
		Expect(invoker.calls[1]).To(HaveKeyWithValue("patient_id", "$pid"))

		history, err := store.History(ctx, "s-e")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(2))
	})

	It("generates a session id when none is given", func() {
		model.plans = []string{`{"plan":[{"action":"llm_answer","input":"你好"}],"explanation":""}`}

		res, err := controller.HandleMessage(ctx, "", "你好")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.SessionID).To(HaveLen(36))

		ids, err := store.IDs(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf(res.SessionID))
	})

	It("writes the greeting into new sessions when configured", func() {
		options.Greeting = agent.GreetingFor("小助", "1215", "王医生")
		build()
		model.plans = []string{`{"plan":[{"action":"llm_answer","input":"你好"}],"explanation":""}`}

		_, err := controller.HandleMessage(ctx, "s-g", "你好")
		Expect(err).NotTo(HaveOccurred())

		history, err := store.History(ctx, "s-g")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(3))
		Expect(history[0].Role).To(Equal(session.RoleAssistant))
		Expect(history[0].Content).To(ContainSubstring("1215"))
		Expect(history[0].Content).To(ContainSubstring("王医生"))
		Expect(history[0].Content).To(ContainSubstring("名叫小助"))
	})

	It("omits the assistant name from the greeting when unset", func() {
		greeting := agent.GreetingFor("", "1215", "王医生")
		Expect(greeting).To(HavePrefix("我是一个临床医生的门诊助手。"))
		Expect(greeting).To(ContainSubstring("1215"))
	})

	It("surfaces session store failures", func() {
		_, err := store.Create(ctx, "s-f", nil)
		Expect(err).NotTo(HaveOccurred())

		backend.mu.Lock()
		backend.fail = true
		backend.mu.Unlock()

		_, err = controller.HandleMessage(ctx, "s-f", "你好")
		Expect(err).To(MatchError(ContainSubstring("disk full")))
		Expect(controller.Stats().Failures).To(Equal(int64(1)))
	})

	It("serializes concurrent turns of one session", func() {
		for i := 0; i < 8; i++ {
			model.plans = append(model.plans, `{"plan":[{"action":"llm_answer","input":"答"}],"explanation":""}`)
		}
		model.judgment = `{"can_answer": false, "reasoning": "需要重新规划"}`

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := controller.HandleMessage(ctx, "s-h", fmt.Sprintf("问题%d", i))
				Expect(err).NotTo(HaveOccurred())
			}(i)
		}
		wg.Wait()

		history, err := store.History(ctx, "s-h")
		Expect(err).NotTo(HaveOccurred())
		Expect(history).To(HaveLen(16))
		for i := 0; i < len(history); i += 2 {
			Expect(history[i].Role).To(Equal(session.RoleUser))
			Expect(history[i+1].Role).To(Equal(session.RoleAssistant))
		}

		stats := controller.Stats()
		Expect(stats.Turns).To(Equal(int64(8)))
		Expect(stats.PlanRoutes).To(Equal(int64(8)))
		Expect(stats.StepsExecuted).To(Equal(int64(8)))
		Expect(store.Verify(ctx, "s-h")).To(Succeed())
	})
})
