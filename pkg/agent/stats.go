package agent

import "go.uber.org/atomic"

// Stats is a snapshot of controller counters since start.
type Stats struct {
	Turns         int64 `json:"turns"`
	ContextRoutes int64 `json:"context_routes"`
	PlanRoutes    int64 `json:"plan_routes"`
	StepsExecuted int64 `json:"steps_executed"`
	Charts        int64 `json:"charts"`
	Failures      int64 `json:"failures"`
}

type counters struct {
	turns         atomic.Int64
	contextRoutes atomic.Int64
	planRoutes    atomic.Int64
	steps         atomic.Int64
	charts        atomic.Int64
	failures      atomic.Int64
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Turns:         c.stats.turns.Load(),
		ContextRoutes: c.stats.contextRoutes.Load(),
		PlanRoutes:    c.stats.planRoutes.Load(),
		StepsExecuted: c.stats.steps.Load(),
		Charts:        c.stats.charts.Load(),
		Failures:      c.stats.failures.Load(),
	}
}
