package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"reposter/internal/runtime/supervisor"
	logx "reposter/pkg/logx"
)

const DefaultHistorySize = 20

// Runner is the single entry point for poll cycles. At most one cycle runs
// at a time; a request while one is in flight gets ErrBusy.
type Runner struct {
	d   *Dispatcher
	sup *supervisor.Supervisor
	log logx.Logger

	cycle sync.Mutex // held for the whole cycle

	mu      sync.Mutex
	current string
	history []Summary // oldest first
	size    int

	newID func() string
}

// NewRunner wires a Runner. sup may be nil (one-shot CLI use); Trigger
// then runs cycles on a bare goroutine.
func NewRunner(d *Dispatcher, sup *supervisor.Supervisor, historySize int, log logx.Logger) *Runner {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{d: d, sup: sup, log: log.With(logx.String("comp", "runner")), size: historySize, newID: uuid.NewString}
}

func (r *Runner) begin() (string, bool) {
	if !r.cycle.TryLock() {
		return "", false
	}
	id := r.newID()
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
	return id, true
}

func (r *Runner) run(ctx context.Context, id, trigger string) Summary {
	s := r.d.RunCycle(ctx, id, trigger)

	// the cycle lock is released together with the history update, so a
	// caller that sees the summary can start the next cycle
	r.mu.Lock()
	r.current = ""
	r.history = append(r.history, s)
	if over := len(r.history) - r.size; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
	r.cycle.Unlock()
	r.mu.Unlock()
	return s
}

// Trigger starts a cycle in the background and returns its id right away.
// Once started the cycle runs to completion; shutdown does not cancel it.
func (r *Runner) Trigger(trigger string) (string, error) {
	id, ok := r.begin()
	if !ok {
		return "", ErrBusy
	}
	r.log.Debug("cycle triggered", logx.String("cycle", id), logx.String("trigger", trigger))

	if r.sup == nil {
		go r.run(context.Background(), id, trigger)
		return id, nil
	}
	ctx := context.WithoutCancel(r.sup.Context())
	r.sup.Go("dispatch.cycle", func(context.Context) error {
		r.run(ctx, id, trigger)
		return nil
	})
	return id, nil
}

// RunOnce runs a cycle and waits for it. The only error is ErrBusy; cycle
// failures are in the summary. Cancelling ctx does not stop the cycle: once
// sends have gone out the item must still be recorded.
func (r *Runner) RunOnce(ctx context.Context, trigger string) (Summary, error) {
	id, ok := r.begin()
	if !ok {
		return Summary{}, ErrBusy
	}
	return r.run(context.WithoutCancel(ctx), id, trigger), nil
}

// Running returns the id of the cycle in flight.
func (r *Runner) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// History returns finished cycles, newest first.
func (r *Runner) History() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, len(r.history))
	for i, s := range r.history {
		out[len(r.history)-1-i] = s
	}
	return out
}

// Find returns a finished cycle by id.
func (r *Runner) Find(id string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.history {
		if s.CycleID == id {
			return s, true
		}
	}
	return Summary{}, false
}
