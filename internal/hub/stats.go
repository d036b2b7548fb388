package hub

import (
	"sync"
	"time"
)

// Usage is the token usage extracted from a provider response.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion records one attempt outcome for a stats entry.
type Completion struct {
	At     time.Time `json:"at"`
	Failed bool      `json:"failed"`
	Usage  Usage     `json:"usage"`
}

type statEntry struct {
	startedAt   time.Time
	starts      int
	completions []Completion
}

// StatsSummary is the aggregate flushed on shutdown.
type StatsSummary struct {
	Requests         int64 `json:"requests"`
	Completions      int64 `json:"completions"`
	Failures         int64 `json:"failures"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

const maxStatsEntries = 8192

// Stats tracks per-request lifecycle. Entries live from RecordRequestStart
// until eviction; every start is matched by at least one completion, and
// provider-side attempt failures each count as their own completion.
type Stats struct {
	mu      sync.Mutex
	entries map[string]*statEntry
	summary StatsSummary
	now     func() time.Time
}

// NewStats constructs an empty collector.
func NewStats() *Stats {
	return &Stats{
		entries: make(map[string]*statEntry),
		now:     time.Now,
	}
}

// RecordRequestStart opens the stats entry for a client-facing request id.
func (s *Stats) RecordRequestStart(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		if len(s.entries) >= maxStatsEntries {
			s.evictOldestLocked()
		}
		e = &statEntry{startedAt: s.now()}
		s.entries[requestID] = e
	}
	e.starts++
	s.summary.Requests++
}

// RecordCompletion appends an attempt outcome for the request id.
func (s *Stats) RecordCompletion(requestID string, usage Usage, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		// Completion without a start; track it anyway so nothing is lost.
		e = &statEntry{startedAt: s.now()}
		s.entries[requestID] = e
	}
	e.completions = append(e.completions, Completion{At: s.now(), Failed: failed, Usage: usage})
	s.summary.Completions++
	if failed {
		s.summary.Failures++
	} else {
		s.summary.PromptTokens += usage.PromptTokens
		s.summary.CompletionTokens += usage.CompletionTokens
		s.summary.TotalTokens += usage.TotalTokens
	}
}

// Started reports how many starts a request id has recorded.
func (s *Stats) Started(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[requestID]; ok {
		return e.starts
	}
	return 0
}

// Completions returns a copy of the attempt outcomes for a request id.
func (s *Stats) Completions(requestID string) []Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok {
		return nil
	}
	out := make([]Completion, len(e.completions))
	copy(out, e.completions)
	return out
}

// Summary returns the running aggregate.
func (s *Stats) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Stats) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range s.entries {
		if oldestKey == "" || e.startedAt.Before(oldest) {
			oldestKey = key
			oldest = e.startedAt
		}
	}
	delete(s.entries, oldestKey)
}
