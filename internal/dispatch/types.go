// Package dispatch is the publish engine: it polls the source after the
// watermark, sends every new item to all destinations, records it and
// advances the watermark one item at a time.
package dispatch

import (
	"errors"
	"time"
)

// ErrBusy is returned when a cycle is requested while one is running.
var ErrBusy = errors.New("a poll cycle is already running")

// Outcome is the final state of one destination for one item.
type Outcome string

const (
	Delivered   Outcome = "delivered"
	FailedFinal Outcome = "failed_final"
	Skipped     Outcome = "skipped"
)

// ItemState is where an item is in its dispatch.
//
//	Pending -> Dispatching -> Recorded -> WatermarkAdvanced
//	Pending -> Dispatching -> Abandoned
//	Pending -> Duplicate (already recorded; the watermark catches up)
type ItemState string

const (
	Pending           ItemState = "pending"
	Dispatching       ItemState = "dispatching"
	Recorded          ItemState = "recorded"
	WatermarkAdvanced ItemState = "watermark_advanced"
	Abandoned         ItemState = "abandoned"
	Duplicate         ItemState = "duplicate"
)

// Committed reports whether the watermark now covers the item.
func (s ItemState) Committed() bool { return s == WatermarkAdvanced || s == Duplicate }

type DestinationResult struct {
	Destination string        `json:"destination"`
	Kind        string        `json:"kind"`
	Outcome     Outcome       `json:"outcome"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// DispatchRecord is one item's trip through a cycle.
type DispatchRecord struct {
	ItemID      string              `json:"item_id"`
	Title       string              `json:"title"`
	PublishedAt time.Time           `json:"published_at"`
	State       ItemState           `json:"state"`
	Results     []DestinationResult `json:"results,omitempty"`
	Error       string              `json:"error,omitempty"`
	Err         error               `json:"-"`
}

// Count returns how many results ended with o.
func (r DispatchRecord) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Summary is the result of one poll cycle.
type Summary struct {
	CycleID    string           `json:"cycle_id"`
	Trigger    string           `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Polled     int              `json:"polled"`
	Items      []DispatchRecord `json:"items"`
	Committed  int              `json:"committed"`
	Error      string           `json:"error,omitempty"`
	Err        error            `json:"-"`
}

// Aborted reports a cycle that failed before committing any item. A
// cycle that committed some items and then stopped is a partial success.
func (s Summary) Aborted() bool { return s.Err != nil && s.Committed == 0 }

// Outcomes totals destination outcomes over every item.
func (s Summary) Outcomes() map[Outcome]int {
	out := map[Outcome]int{}
	for _, it := range s.Items {
		for _, res := range it.Results {
			out[res.Outcome]++
		}
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
