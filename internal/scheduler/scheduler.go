// Package scheduler triggers poll cycles on a cron schedule or interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reposter/internal/config"
	"reposter/internal/dispatch"
	logx "reposter/pkg/logx"
)

const DefaultSpec = "15m"

// Trigger starts a cycle without waiting for it. dispatch.Runner is one.
type Trigger interface {
	Trigger(trigger string) (string, error)
}

// Scheduler owns one cron entry that fires the trigger. Apply swaps the
// schedule while running.
type Scheduler struct {
	trigger Trigger
	log     logx.Logger
	parser  cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	spec    Spec
	loc     *time.Location
	lastErr string
	fired   uint64
}

// Snapshot is what /api/status shows about the schedule.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Spec     string    `json:"spec,omitempty"`
	Timezone string    `json:"timezone,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fired    uint64    `json:"fired"`
	LastErr  string    `json:"last_err,omitempty"`
}

func New(t Trigger, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		trigger: t,
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a scheduler section without starting anything.
func Validate(cfg config.SchedulerConfig) error {
	_, _, err := resolve(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor), cfg)
	return err
}

func resolve(p cron.Parser, cfg config.SchedulerConfig) (Spec, *time.Location, error) {
	raw := cfg.Spec
	if strings.TrimSpace(raw) == "" {
		raw = DefaultSpec
	}
	sp, err := ParseSchedule(raw)
	if err != nil {
		return Spec{}, nil, fmt.Errorf("scheduler.spec: %w", err)
	}
	if _, err := p.Parse(sp.CronExpr()); err != nil {
		return Spec{}, nil, fmt.Errorf("scheduler.spec: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Spec{}, nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	return sp, loc, nil
}

// Apply starts, reschedules or stops the scheduler to match cfg.
func (s *Scheduler) Apply(cfg config.SchedulerConfig) error {
	if !cfg.Enabled {
		s.stop()
		return nil
	}
	sp, loc, err := resolve(s.parser, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil && s.spec == sp && s.loc.String() == loc.String() {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(sp.CronExpr(), func() { s.fire("schedule") })
	if err != nil {
		s.c = nil
		return fmt.Errorf("scheduler.spec: %w", err)
	}
	c.Start()
	s.c, s.entry, s.spec, s.loc = c, id, sp, loc
	s.log.Info("schedule active", logx.String("spec", sp.String()), logx.String("tz", loc.String()))
	return nil
}

// Start applies cfg and, with run_on_start, fires once right away.
func (s *Scheduler) Start(cfg config.SchedulerConfig) error {
	if err := s.Apply(cfg); err != nil {
		return err
	}
	if cfg.RunOnStart {
		s.fire("startup")
	}
	return nil
}

func (s *Scheduler) fire(trigger string) {
	id, err := s.trigger.Trigger(trigger)
	s.mu.Lock()
	s.fired++
	s.lastErr = ""
	if err != nil && !errors.Is(err, dispatch.ErrBusy) {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, dispatch.ErrBusy):
		s.log.Debug("previous cycle still running; tick skipped", logx.String("trigger", trigger))
	case err != nil:
		s.log.Warn("trigger failed", logx.String("trigger", trigger), logx.Err(err))
	default:
		s.log.Debug("cycle triggered", logx.String("trigger", trigger), logx.String("cycle", id))
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.spec = Spec{}
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		s.log.Info("schedule stopped")
	}
}

// Stop halts the cron loop, waiting for a running tick until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Fired: s.fired, LastErr: s.lastErr}
	if s.c == nil {
		return snap
	}
	snap.Enabled = true
	snap.Spec = s.spec.String()
	snap.Timezone = s.loc.String()
	e := s.c.Entry(s.entry)
	snap.Next, snap.Prev = e.Next, e.Prev
	return snap
}
