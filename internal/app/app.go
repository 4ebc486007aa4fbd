// Package app wires configuration into the engine components and runs
// their background loops under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/eventsink"
	"groupcast/internal/jobs"
	"groupcast/internal/ledger"
	"groupcast/internal/matcher"
	"groupcast/internal/metrics"
	"groupcast/internal/notifier"
	"groupcast/internal/opsserver"
	"groupcast/internal/orchestrator"
	"groupcast/internal/risk"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/session"
	"groupcast/internal/session/rodsession"
	"groupcast/internal/storage"
	"groupcast/internal/tracing"
	kit "groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
)

const ledgerCycleInterval = time.Minute

type Option func(*options)

type options struct {
	version  string
	logLevel string
}

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithLogLevel overrides logging.level from the file, also across reloads.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

type App struct {
	opts options
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	rod      *rodsession.Browser
	sessions *session.Registry
	ledgers  *ledger.Book
	orch     *orchestrator.Orchestrator
	jobs     *jobs.Scheduler
	notif    *notifier.Service
	metrics  *metrics.Metrics

	traceShutdown tracing.Shutdown
}

// New loads the config file and builds every component. Nothing runs until
// Start; the store is open, so callers must Close or Stop the app.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sender kit.Sender
	var tg *telegram.Sender
	if tc := mapTelegram(cfg); tc.Token != "" {
		tg, err = telegram.New(tc, logx.NewConsole("info"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}

	logCfg := mapLogging(cfg)
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, log := logx.New(logCfg, sender)
	bus := eventbus.New()

	a := &App{opts: o, cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: bus}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if a.traceShutdown, err = tracing.Setup(ctx, mapTracing(cfg, o.version)); err != nil {
		a.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}

	sc := mapStorage(cfg)
	if a.store, err = storage.Open(ctx, sc, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	var browser session.Browser = offlineBrowser{}
	var filler content.FormFiller = offlineFiller{}
	var poster orchestrator.CrossPoster
	if !strings.EqualFold(strings.TrimSpace(cfg.Browser.Driver), "none") {
		bc, sel := mapBrowser(cfg)
		a.rod = rodsession.New(bc, log)
		browser = a.rod
		filler = rodsession.NewFiller(a.rod, sel)
		if sel.PickerList != "" {
			poster = rodsession.NewPoster(a.rod, sel)
		}
	}
	a.sessions = session.NewRegistry(browser, mapSessions(cfg), log, bus)
	a.ledgers = ledger.NewBook(mapLedger(cfg), a.store, log, bus)

	captions, err := content.NewTemplateProvider(cfg.Captions.Templates, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch, err = orchestrator.New(mapOrchestrator(cfg), orchestrator.Deps{
		Sessions: a.sessions,
		Ledgers:  a.ledgers,
		Risk:     risk.New(mapRiskRules(cfg), log),
		Matcher:  matcher.New(mapMatcher(cfg), log),
		Filler:   filler,
		Poster:   poster,
		Captions: captions,
		Audit:    a.store,
		Bus:      bus,
		Log:      log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.jobs = jobs.New(mapScheduler(cfg), a.store, JobTrigger(a.orch), log, bus)
	a.notif = notifier.New(mapNotifier(cfg), sender, log, bus)
	a.metrics = metrics.New(bus, log)

	a.log.Info("app configured",
		logx.String("config", cfgm.Path()),
		logx.String("storage", sc.Driver),
		logx.String("browser", cfg.Browser.Driver),
		logx.Bool("picker", poster != nil),
		logx.Strings("identities", cfg.Identities),
	)
	return a, nil
}

func (a *App) Log() logx.Logger                         { return a.log }
func (a *App) Bus() eventbus.Bus                        { return a.bus }
func (a *App) Config() *config.Config                   { return a.cfgm.Get() }
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }
func (a *App) Jobs() *jobs.Scheduler                    { return a.jobs }
func (a *App) Ledgers() *ledger.Book                    { return a.ledgers }
func (a *App) Store() storage.Store                     { return a.store }
func (a *App) Notifier() *notifier.Service              { return a.notif }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health fails when the store cannot be reached.
func (a *App) Health(ctx context.Context) error {
	if _, err := a.store.RecentAudit(ctx, "health", 1); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// StartOptions selects the long-running parts. A one-shot CLI command only
// needs the session reaper and the notifier.
type StartOptions struct {
	Scheduler bool
	Ops       bool
	Watch     bool
}

// ServeOptions enables everything the config allows.
func ServeOptions() StartOptions { return StartOptions{Scheduler: true, Ops: true, Watch: true} }

func (a *App) Start(ctx context.Context, so StartOptions) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	for _, id := range cfg.Identities {
		if _, err := a.ledgers.Get(ctx, id); err != nil {
			return fmt.Errorf("load ledger %s: %w", id, err)
		}
	}

	a.sup.GoRestart("sessions.reaper", a.sessions.Run)
	a.sup.Go("ledger.cycles", func(c context.Context) error {
		t := time.NewTicker(ledgerCycleInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				a.ledgers.CheckCycles()
			}
		}
	})
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.notif.Enabled() {
		a.sup.Go("notifier", a.notif.Run)
	}
	if n := cfg.Events.NSQ; n.Enabled {
		sink, err := eventsink.New(mapEventSink(cfg), a.log)
		if err != nil {
			return fmt.Errorf("eventsink: %w", err)
		}
		a.sup.Go("eventsink", func(c context.Context) error { return sink.Run(c, a.bus) })
	}

	if so.Scheduler && cfg.Scheduler.Enabled {
		if err := a.jobs.Load(ctx, cfg.Identities...); err != nil {
			return fmt.Errorf("load schedules: %w", err)
		}
		a.sup.GoRestart("jobs", a.jobs.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if so.Ops && cfg.Ops.Enabled {
		ops := opsserver.New(mapOps(cfg), opsserver.Deps{
			Runs:     a.orch,
			Gatherer: a.metrics.Registry(),
			Health:   a.Health,
			Extra:    a.statusExtra,
			Log:      a.log,
		})
		a.sup.Go("ops", ops.Run)
	}
	if so.Watch {
		a.startReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdog(c, a.log, a.Health) })
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(256)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("identity", e.Identity))
			}
		}
	})

	if so.Watch {
		notifyReady(a.log)
	}
	a.log.Info("app started",
		logx.Bool("scheduler", so.Scheduler && cfg.Scheduler.Enabled),
		logx.Bool("ops", so.Ops && cfg.Ops.Enabled),
	)
	return nil
}

// statusExtra adds ledgers, sessions, jobs and supervisor loops to /status.
func (a *App) statusExtra(ctx context.Context) map[string]any {
	ledgers := map[string]ledger.Snapshot{}
	for _, id := range a.ledgers.Identities() {
		if l, err := a.ledgers.Get(ctx, id); err == nil {
			ledgers[id] = l.Snapshot()
		}
	}
	pending := map[string]int{}
	for _, id := range a.jobs.Identities() {
		js, err := a.jobs.List(ctx, id)
		if err != nil {
			continue
		}
		for _, j := range js {
			if !j.Status.Finished() {
				pending[id]++
			}
		}
	}
	out := map[string]any{
		"ledgers":      ledgers,
		"sessions":     a.sessions.Stats(),
		"pending_jobs": pending,
		"version":      a.opts.version,
	}
	if a.sup != nil {
		out["loops"] = a.sup.Snapshot()
	}
	return out
}

// startReload applies hot-reloadable sections: logging, orchestrator pacing.
// Everything else needs a restart and is only reported.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(last, next)
				last = next
			}
		}
	})
}

func (a *App) apply(prev, next *config.Config) {
	logCfg := mapLogging(next)
	if a.opts.logLevel != "" {
		logCfg.Level = a.opts.logLevel
	}
	a.logs.Apply(logCfg)
	a.orch.SetConfig(mapOrchestrator(next))

	changed := config.ChangedSections(prev, next)
	var restart []string
	for _, s := range changed {
		switch s {
		case "logging", "orchestrator":
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections need a restart to apply", logx.Strings("sections", restart))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: map[string]any{"changed": changed}})
}

// Stop cancels every loop and releases resources, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Loops first: the notifier flushes queued reports while unwinding.
	step("supervisor", 8*time.Second, a.sup.Wait)
	a.close(step)
	a.log.Info("stopped")
	_ = a.logs.Close()
	return a.sup.Err()
}

// Close releases resources of an app that was never started.
func (a *App) Close() {
	a.close(func(name string, _ time.Duration, fn func(context.Context) error) {
		if err := fn(context.Background()); err != nil {
			a.log.Warn("close step error", logx.String("name", name), logx.Err(err))
		}
	})
	if a.sup == nil {
		_ = a.logs.Close()
	}
}

func (a *App) close(step func(string, time.Duration, func(context.Context) error)) {
	if a.sessions != nil {
		step("sessions", 5*time.Second, func(c context.Context) error { a.sessions.Close(c); return nil })
	}
	if a.rod != nil {
		step("browser", 5*time.Second, func(context.Context) error { return a.rod.Shutdown() })
	}
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.traceShutdown != nil {
		step("tracing", 3*time.Second, func(c context.Context) error { return a.traceShutdown(c) })
	}
}
