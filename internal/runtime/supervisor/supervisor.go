// Package supervisor runs the long-lived goroutines of the service (HTTP
// server, scheduler, config watcher, poll cycles) under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "reposter/pkg/logx"
)

// Supervisor tracks named goroutines, recovers their panics and waits for
// them on shutdown.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	firstErr atomic.Value // error
	errOnce  sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every task when one returns an error or panics.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// TaskStats aggregates runs per task name.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int           `json:"active"`
	Runs        uint64        `json:"runs"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type taskStats struct {
	TaskStats
}

// Snapshot is what /healthz reports.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*taskStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &taskStats{TaskStats{Name: name}}
		s.stats[name] = st
	}
	st.Active++
	st.Runs++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) end(name string, startedAt time.Time, err error, panicked bool) {
	s.mu.Lock()
	if st := s.stats[name]; st != nil {
		st.Active--
		st.LastRuntime = time.Since(startedAt)
		if panicked {
			st.Panics++
		}
		if err != nil {
			st.LastErr = err.Error()
		}
	}
	s.mu.Unlock()
}

// run calls fn and turns a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A non-nil error other than cancellation is recorded as
// the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		startedAt := s.begin(name, false)
		err, panicked := s.run(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.end(name, startedAt, err, panicked)
		if err != nil {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoRestart keeps fn running: it is restarted after an error or panic with
// jittered exponential backoff between lo and hi. A clean return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, lo, hi time.Duration) {
	if fn == nil {
		return
	}
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := lo
		for restart := false; s.ctx.Err() == nil; restart = true {
			startedAt := s.begin(name, restart)
			err, panicked := s.run(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.end(name, startedAt, nil, false)
				return
			}
			s.end(name, startedAt, err, panicked)

			// a long healthy run earns a fresh backoff
			if time.Since(startedAt) >= 30*time.Second {
				backoff = lo
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = backoff * 2
			if backoff > hi {
				backoff = hi
			}
		}
	}()
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Tasks = append(snap.Tasks, st.TaskStats)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

// Stop cancels every task and waits for them until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
