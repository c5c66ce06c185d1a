package audit

import (
	"context"
	"sync"
	"time"
)

// Summary represents aggregated fail-open insights.
type Summary struct {
	TotalEvents int64            `json:"total_events"`
	ByStage     map[string]int64 `json:"by_stage"`
	ByCause     map[string]int64 `json:"by_cause"`
	LastEventAt *time.Time       `json:"last_event_at,omitempty"`
}

func newSummary() *Summary {
	return &Summary{ByStage: map[string]int64{}, ByCause: map[string]int64{}}
}

// Tally keeps process-local counters. It serves the summary endpoint when no
// database is configured.
type Tally struct {
	mu      sync.Mutex
	summary *Summary
}

func NewTally() *Tally {
	return &Tally{summary: newSummary()}
}

func (t *Tally) Record(_ context.Context, e Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.TotalEvents++
	t.summary.ByStage[e.Stage]++
	t.summary.ByCause[string(e.Cause)]++
	if t.summary.LastEventAt == nil || e.At.After(*t.summary.LastEventAt) {
		at := e.At
		t.summary.LastEventAt = &at
	}
	return nil
}

// Summary returns a snapshot copy.
func (t *Tally) Summary(context.Context) (*Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := newSummary()
	out.TotalEvents = t.summary.TotalEvents
	for k, v := range t.summary.ByStage {
		out.ByStage[k] = v
	}
	for k, v := range t.summary.ByCause {
		out.ByCause[k] = v
	}
	if t.summary.LastEventAt != nil {
		at := *t.summary.LastEventAt
		out.LastEventAt = &at
	}
	return out, nil
}
