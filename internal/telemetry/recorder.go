// Package telemetry turns dispatch events into log summaries, counters
// and (optionally) NSQ messages.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"reposter/internal/dispatch"
	"reposter/internal/eventbus"
	logx "reposter/pkg/logx"
)

const publishTimeout = 5 * time.Second

// Stats are process-lifetime totals.
type Stats struct {
	Cycles        uint64                      `json:"cycles"`
	FailedCycles  uint64                      `json:"failed_cycles"`
	ItemsRecorded uint64                      `json:"items_recorded"`
	Abandoned     uint64                      `json:"items_abandoned"`
	Outcomes      map[dispatch.Outcome]uint64 `json:"outcomes"`
	LastCycleAt   time.Time                   `json:"last_cycle_at,omitempty"`
	PublishErrors uint64                      `json:"publish_errors"`
}

type Recorder struct {
	bus eventbus.Bus
	pub Publisher
	log logx.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRecorder listens on bus; pub may be nil.
func NewRecorder(bus eventbus.Bus, pub Publisher, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		bus:   bus,
		pub:   pub,
		log:   log.With(logx.String("comp", "telemetry")),
		stats: Stats{Outcomes: map[dispatch.Outcome]uint64{}},
	}
}

// Run consumes events until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(256, "dispatch.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case dispatch.EventDestinationResult:
		ev, ok := e.Data.(dispatch.ResultEvent)
		if !ok {
			return
		}
		r.mu.Lock()
		r.stats.Outcomes[ev.Result.Outcome]++
		r.mu.Unlock()

	case dispatch.EventItemAbandoned:
		r.mu.Lock()
		r.stats.Abandoned++
		r.mu.Unlock()

	case dispatch.EventCycleFinished:
		s, ok := e.Data.(dispatch.Summary)
		if !ok {
			return
		}
		r.cycleFinished(ctx, s)
	}
}

func (r *Recorder) cycleFinished(ctx context.Context, s dispatch.Summary) {
	r.mu.Lock()
	r.stats.Cycles++
	r.stats.ItemsRecorded += uint64(s.Committed)
	r.stats.LastCycleAt = s.FinishedAt
	if s.Err != nil {
		r.stats.FailedCycles++
	}
	r.mu.Unlock()

	out := s.Outcomes()
	fields := []logx.Field{
		logx.String("cycle", s.CycleID),
		logx.String("trigger", s.Trigger),
		logx.Int("polled", s.Polled),
		logx.Int("committed", s.Committed),
		logx.Int("delivered", out[dispatch.Delivered]),
		logx.Int("failed", out[dispatch.FailedFinal]),
		logx.Int("skipped", out[dispatch.Skipped]),
		logx.Duration("took", s.FinishedAt.Sub(s.StartedAt)),
	}
	switch {
	case s.Aborted():
		r.log.Error("cycle aborted", append(fields, logx.Err(s.Err))...)
	case s.Err != nil:
		r.log.Warn("cycle stopped early", append(fields, logx.Err(s.Err))...)
	case s.Polled == 0:
		r.log.Debug("cycle finished", fields...)
	default:
		r.log.Info("cycle finished", fields...)
	}

	if r.pub == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		r.log.Warn("encode summary failed", logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.pub.Publish(pctx, payload); err != nil {
		r.mu.Lock()
		r.stats.PublishErrors++
		r.mu.Unlock()
		r.log.Warn("publish summary failed", logx.Err(err))
	}
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.stats
	cp.Outcomes = make(map[dispatch.Outcome]uint64, len(r.stats.Outcomes))
	for k, v := range r.stats.Outcomes {
		cp.Outcomes[k] = v
	}
	return cp
}
