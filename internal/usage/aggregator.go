package usage

import (
	"context"
	"sync"
)

// ProviderTotals accumulates usage for one provider key.
type ProviderTotals struct {
	Requests   int `json:"requests"`
	Failures   int `json:"failures"`
	Prompt     int `json:"promptTokens"`
	Completion int `json:"completionTokens"`
	Total      int `json:"totalTokens"`
}

// Aggregator is a plugin keeping in-memory totals per provider key.
type Aggregator struct {
	mu     sync.Mutex
	totals map[string]*ProviderTotals
}

// NewAggregator builds an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{totals: make(map[string]*ProviderTotals)}
}

// HandleUsage implements Plugin.
func (a *Aggregator) HandleUsage(_ context.Context, record Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.totals[record.ProviderKey]
	if !ok {
		t = &ProviderTotals{}
		a.totals[record.ProviderKey] = t
	}
	t.Requests++
	if record.Failed {
		t.Failures++
	}
	t.Prompt += record.Prompt
	t.Completion += record.Completion
	t.Total += record.Total
}

// Snapshot copies the current totals.
func (a *Aggregator) Snapshot() map[string]ProviderTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ProviderTotals, len(a.totals))
	for key, t := range a.totals {
		out[key] = *t
	}
	return out
}
