// Package app wires the reposter process together: config, logging,
// storage, source, destinations, the dispatch runner and its triggers.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reposter/internal/config"
	"reposter/internal/destination"
	"reposter/internal/dispatch"
	"reposter/internal/eventbus"
	"reposter/internal/httpapi"
	"reposter/internal/runtime/supervisor"
	"reposter/internal/scheduler"
	"reposter/internal/storage"
	"reposter/internal/telemetry"
	logx "reposter/pkg/logx"
)

const defaultNSQAddr = "127.0.0.1:4150"

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	// root carries no comp field; components add their own.
	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	store  storage.Store
	reg    *destination.Registry
	runner *dispatch.Runner
	sched  *scheduler.Scheduler
	rec    *telemetry.Recorder
	pub    telemetry.Publisher
	http   *httpapi.Server

	started bool
}

// New loads the config file and builds every component. Nothing runs
// until Start; one-shot commands use Runner and Store directly.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(config.DotEnvFor(cfgPath)...); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return scheduler.Validate(cfg.Scheduler)
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	// Alerts go through a destination that does not exist yet, so logging
	// starts with them off and is re-applied once the registry is built.
	bootCfg := config.LoggingToLogx(cfg.Logging)
	bootCfg.Alert.Enabled = false
	logs, root := logx.New(bootCfg, nil)
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, cfg: cfg, root: root, log: root.With(logx.String("comp", "app")), logs: logs, bus: eventbus.New()}
	if err := a.build(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	a.applyLogging(cfg.Logging)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	src, err := newSource(cfg.Source, a.root)
	if err != nil {
		return err
	}

	reg, err := destination.Build(cfg.Destinations, destination.Options{Log: a.root})
	if err != nil {
		return err
	}
	a.reg = reg
	for _, e := range reg.Entries() {
		if e.Skipped() {
			a.log.Warn("destination skipped", logx.String("destination", e.ID), logx.String("reason", e.SkipReason))
		}
	}
	if reg.Active() == 0 {
		a.log.Warn("no active destinations; items will be recorded without being sent")
	}

	d := dispatch.New(src, st, reg, dispatch.Options{
		SendTimeout: config.DurationOr(cfg.Dispatcher.SendTimeout, dispatch.DefaultSendTimeout),
		Bus:         a.bus,
		Log:         a.root,
	})
	a.runner = dispatch.NewRunner(d, a.sup, cfg.Dispatcher.HistorySize, a.root)
	a.sched = scheduler.New(a.runner, a.root)

	if n := cfg.Telemetry.NSQ; n.Enabled {
		addr := strings.TrimSpace(n.Addr)
		if addr == "" {
			addr = defaultNSQAddr
		}
		pub, err := telemetry.NewNSQPublisher(addr, n.Topic, a.root)
		if err != nil {
			return err
		}
		a.pub = pub
	}
	a.rec = telemetry.NewRecorder(a.bus, a.pub, a.root)

	if cfg.HTTP.Enabled {
		srv, err := httpapi.New(mapHTTPConfig(cfg.HTTP), httpapi.Deps{
			Cycles:    a.runner,
			Items:     st,
			Watermark: st,
			Status:    a.status,
			Log:       a.root,
		})
		if err != nil {
			return err
		}
		a.http = srv
	}
	return nil
}

func (a *App) applyLogging(c config.LoggingConfig) {
	lc := config.LoggingToLogx(c)
	if lc.Alert.Enabled {
		id := strings.TrimSpace(c.Alert.Destination)
		sender, ok := a.reg.TextSender(id)
		if !ok {
			a.log.Warn("alert destination cannot send text; alerts disabled", logx.String("destination", id))
			lc.Alert.Enabled = false
		} else {
			a.logs.SetSender(sender)
		}
	}
	a.logs.Apply(lc)
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Runner() *dispatch.Runner { return a.runner }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Registry() *destination.Registry { return a.reg }

// Done is closed when the supervisor stops, on Stop or a fatal task error.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

func (a *App) Err() error { return a.sup.Err() }

// Start launches the long-running parts: telemetry, scheduler, HTTP API
// and the config watcher.
func (a *App) Start() error {
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	a.sup.GoRestart("telemetry.recorder", a.rec.Run, time.Second, 30*time.Second)
	if a.http != nil {
		srv := a.http
		a.sup.Go("http.api", srv.Run)
	}
	if err := a.sched.Start(a.cfg.Scheduler); err != nil {
		return err
	}
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	notifyReady(a.log)
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		watchdog(ctx, a.log)
		return nil
	})

	a.log.Info("app started",
		logx.String("source", strings.ToLower(a.cfg.Source.Kind)),
		logx.Int("destinations", a.reg.Len()),
		logx.Int("active", a.reg.Active()),
		logx.Bool("http", a.http != nil),
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled))
	return nil
}

// reloadLoop applies the live sections of every committed config. The
// rest only takes effect after a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			ch := config.SummarizeConfigChange(last, next)
			last = next
			if ch.Empty() {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			a.applyLogging(next.Logging)
			if err := a.sched.Apply(next.Scheduler); err != nil {
				a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config sections changed; restart required for them to take effect",
					logx.String("sections", strings.Join(ch.RestartRequired, ",")))
			}
		}
	}
}

// status feeds GET /api/status.
func (a *App) status() map[string]any {
	type dest struct {
		ID     string `json:"id"`
		Kind   string `json:"kind"`
		Active bool   `json:"active"`
		Reason string `json:"reason,omitempty"`
	}
	var dests []dest
	for _, e := range a.reg.Entries() {
		dests = append(dests, dest{ID: e.ID, Kind: e.Kind, Active: !e.Skipped(), Reason: e.SkipReason})
	}
	return map[string]any{
		"scheduler":    a.sched.Snapshot(),
		"telemetry":    a.rec.Stats(),
		"supervisor":   a.sup.Snapshot(),
		"destinations": dests,
		"bus_dropped":  a.bus.Dropped(),
	}
}

// Stop shuts down in dependency order. A cycle in flight is allowed to
// finish within ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.started {
		notifyStopping(a.log)
	}

	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", a.sched.Stop)
	step("supervisor", a.sup.Stop)
	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.close()
}

func (a *App) close() error {
	var errs []error
	if a.pub != nil {
		a.pub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
