package plan_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zlnick/PatientInfoSE/pkg/plan"
)

var _ = Describe("Plan model", func() {
	Describe("ParsePlan", func() {
		It("parses fenced output with leading prose", func() {
			raw := "好的，计划如下：\n```json\n" + `{
  "plan": [
    {"action": "call_tool", "tool": "get_patient", "input": {"patient_id": "794"}, "result_var": "$patient", "description": "获取患者档案"},
    {"action": "llm_answer", "tool": null, "input": "总结 $patient", "description": "总结"}
  ],
  "explanation": "先查后答"
}` + "\n```"

			p, err := plan.ParsePlan(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Steps).To(HaveLen(2))
			Expect(p.Explanation).To(Equal("先查后答"))
			Expect(p.Raw).To(Equal(raw))

			Expect(p.Steps[0].Kind()).To(Equal(plan.KindCallTool))
			Expect(p.Steps[0].Input.IsObject()).To(BeTrue())
			Expect(p.Steps[0].Input.Fields).To(HaveKeyWithValue("patient_id", "794"))

			Expect(p.Steps[1].Kind()).To(Equal(plan.KindLLMAnswer))
			Expect(p.Steps[1].Tool).To(BeEmpty())
			Expect(p.Steps[1].Input.IsObject()).To(BeFalse())
			Expect(p.Steps[1].Input.Text).To(Equal("总结 $patient"))
		})

		It("returns an empty plan with a diagnostic on invalid JSON", func() {
			p, err := plan.ParsePlan(`{"plan": [ {"action": "call_tool",`)
			Expect(err).To(HaveOccurred())
			Expect(p.Steps).To(BeEmpty())
			Expect(p.Explanation).To(ContainSubstring("plan parse error"))
			Expect(p.Explanation).To(ContainSubstring(`{"plan": [ {"action": "call_tool",`))
		})

		It("keeps non-string scalar inputs as text", func() {
			var s plan.Step
			Expect(json.Unmarshal([]byte(`{"action":"llm_answer","input":42}`), &s)).To(Succeed())
			Expect(s.Input.Text).To(Equal("42"))
		})
	})

	Describe("ParseAction", func() {
		It("maps the closed set and flags everything else", func() {
			Expect(plan.ParseAction("call_tool")).To(Equal(plan.KindCallTool))
			Expect(plan.ParseAction("llm_answer")).To(Equal(plan.KindLLMAnswer))
			Expect(plan.ParseAction("risk_analyst")).To(Equal(plan.KindRiskAnalyst))
			Expect(plan.ParseAction("draw_chart")).To(Equal(plan.KindUnrecognized))
			Expect(plan.KindUnrecognized.String()).To(Equal("unrecognized"))
		})
	})

	Describe("Bindings.Resolve", func() {
		bindings := plan.Bindings{"$patient_id": "794"}

		It("substitutes whole field values only", func() {
			in := plan.ObjectInput(map[string]any{
				"patient_id": "$patient_id",
				"note":       "患者 $patient_id 的血压",
				"count":      float64(3),
			})

			out := bindings.Resolve(in)
			Expect(out.Fields).To(Equal(map[string]any{
				"patient_id": "794",
				"note":       "患者 $patient_id 的血压",
				"count":      float64(3),
			}))
			Expect(in.Fields["patient_id"]).To(Equal("$patient_id"), "input must not be mutated")
		})

		It("passes unbound references through as literals", func() {
			out := bindings.Resolve(plan.ObjectInput(map[string]any{"code": "$bp_code"}))
			Expect(out.Fields).To(HaveKeyWithValue("code", "$bp_code"))
		})

		It("substitutes a free-text input that is exactly a bound name", func() {
			Expect(bindings.Resolve(plan.TextInput("$patient_id")).Text).To(Equal("794"))
			Expect(bindings.Resolve(plan.TextInput("总结 $patient_id")).Text).To(Equal("总结 $patient_id"))
		})
	})

	Describe("Validate", func() {
		It("accepts a well-formed plan", func() {
			p := plan.Plan{Steps: []plan.Step{
				{Action: "call_tool", Tool: "get_patient", Input: plan.ObjectInput(map[string]any{"id": "$pid"}), ResultVar: "$patient"},
				{Action: "llm_answer", Input: plan.ObjectInput(map[string]any{"patient": "$patient"})},
			}}
			Expect(plan.Validate(p, plan.Bindings{"$pid": "794"})).To(BeEmpty())
		})

		It("reports every structural problem", func() {
			p := plan.Plan{Steps: []plan.Step{
				{Action: "call_tool", Input: plan.ObjectInput(map[string]any{"x": "$later"}), ResultVar: "$a"},
				{Action: "call_tool", Tool: "t", Input: plan.ObjectInput(map[string]any{"y": "$ghost"}), ResultVar: "$a"},
				{Action: "llm_answer", Input: plan.TextInput("总结"), ResultVar: "later"},
				{Action: "llm_answer", Input: plan.TextInput("总结"), ResultVar: "$later"},
			}}

			Expect(plan.Validate(p, nil)).To(ConsistOf(
				"step 1: call_tool without a tool name",
				"step 1: $later is only bound later, by step 4",
				"step 2: $ghost is not bound by any earlier step",
				"step 2: result_var $a already bound by step 1",
				`step 3: result_var "later" must be a single '$' followed by a name`,
			))
		})
	})
})
