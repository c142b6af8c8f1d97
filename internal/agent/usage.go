package agent

import (
	"strings"
	"sync"
)

// modelRate is USD per million tokens.
type modelRate struct {
	in  float64
	out float64
}

// Pricing is matched by substring so dated model ids resolve without
// updates. Unknown models cost the default rate.
var pricing = []struct {
	match string
	rate  modelRate
}{
	{"opus", modelRate{in: 15.0, out: 75.0}},
	{"sonnet", modelRate{in: 3.0, out: 15.0}},
	{"haiku", modelRate{in: 0.80, out: 4.0}},
}

var defaultRate = modelRate{in: 3.0, out: 15.0}

func rateFor(model string) modelRate {
	m := strings.ToLower(model)
	for _, p := range pricing {
		if strings.Contains(m, p.match) {
			return p.rate
		}
	}
	return defaultRate
}

// EstimateCostUSD prices one request's token usage.
func EstimateCostUSD(model string, inputTokens, outputTokens int64) float64 {
	r := rateFor(model)
	return float64(inputTokens)*r.in/1e6 + float64(outputTokens)*r.out/1e6
}

// UsageTotals is a point-in-time copy of an agent's accumulated usage.
type UsageTotals struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
	Requests     int64   `json:"requests"`
}

// UsageMeter accumulates token and cost usage across an agent's lifetime.
// The runner writes after each LLM response; admin reads may come from any
// goroutine.
type UsageMeter struct {
	mu     sync.Mutex
	totals UsageTotals
}

func NewUsageMeter() *UsageMeter { return &UsageMeter{} }

// Restore seeds the meter from a snapshot.
func (u *UsageMeter) Restore(t UsageTotals) {
	u.mu.Lock()
	u.totals = t
	u.mu.Unlock()
}

// Record adds one response's usage and returns the updated totals.
func (u *UsageMeter) Record(model string, inputTokens, outputTokens int64) UsageTotals {
	cost := EstimateCostUSD(model, inputTokens, outputTokens)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totals.InputTokens += inputTokens
	u.totals.OutputTokens += outputTokens
	u.totals.TotalTokens += inputTokens + outputTokens
	u.totals.CostUSD += cost
	u.totals.Requests++
	return u.totals
}

// Totals returns a copy of the accumulated usage.
func (u *UsageMeter) Totals() UsageTotals {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totals
}

// Exceeded reports whether either lifetime budget is spent. Zero budgets
// never trip.
func (u *UsageMeter) Exceeded(cfg *AgentConfig) bool {
	t := u.Totals()
	if cfg.TokenBudget > 0 && t.TotalTokens >= cfg.TokenBudget {
		return true
	}
	if cfg.CostBudgetUSD > 0 && t.CostUSD >= cfg.CostBudgetUSD {
		return true
	}
	return false
}
