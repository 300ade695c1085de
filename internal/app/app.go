// Package app wires configuration, storage, the calendar poller, the alerting
// core, display sinks and the control API into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meetbell/internal/alerting"
	"meetbell/internal/calendar"
	"meetbell/internal/config"
	"meetbell/internal/display"
	"meetbell/internal/display/desktop"
	"meetbell/internal/display/hub"
	"meetbell/internal/display/telegram"
	"meetbell/internal/eventbus"
	"meetbell/internal/httpapi"
	"meetbell/internal/ringtone"
	rtsup "meetbell/internal/runtime/supervisor"
	"meetbell/internal/storage"
	"meetbell/internal/task/engine"
	"meetbell/internal/task/scheduler"
	"meetbell/pkg/logx"
	"meetbell/pkg/systemd"
)

// interactive is a sink that reports user actions back to the service.
type interactive interface {
	display.Sink
	Run(ctx context.Context, a display.Actions) error
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine    *engine.Service
	sched     *scheduler.Service
	alerts    *alerting.Service
	auth      *calendar.Auth
	ringtones *ringtone.Library
	http      *httpapi.Server

	desktop     *desktop.Sink
	interactive map[string]interactive

	poll pollSettings
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), interactive: map[string]interactive{}}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.engine, log.With(logx.String("comp", "scheduler")))

	if a.poll, err = mapPollConfig(cfg); err != nil {
		return nil, err
	}
	cs, err := mapCalendarConfig(cfg)
	if err != nil {
		return nil, err
	}
	cal, err := buildCalendar(cs, a.poll, a.store, log)
	if err != nil {
		return nil, err
	}
	a.auth = cal.Auth

	a.ringtones = ringtone.New(mapRingtoneConfig(cfg), a.store, log)

	ds, err := mapDisplayConfig(cfg)
	if err != nil {
		return nil, err
	}
	sinks := []display.Sink{display.NewLogSink(log.With(logx.String("comp", "display")))}
	var wsHub *hub.Hub
	if ds.Desktop != nil {
		if a.desktop, err = desktop.Dial(*ds.Desktop, log); err != nil {
			return nil, fmt.Errorf("desktop notifications: %w", err)
		}
		sinks = append(sinks, a.desktop)
		a.interactive["desktop"] = a.desktop
	}
	if ds.Telegram != nil {
		tg, err := telegram.New(*ds.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sinks = append(sinks, tg)
		a.interactive["telegram"] = tg
	}
	if ds.Hub {
		wsHub = hub.New(ds.Origins, log)
		sinks = append(sinks, wsHub)
	}
	fanout := display.NewFanout(log, sinks...)

	early, _ := mapEarlySettings(cfg)
	deps := alerting.Deps{
		Store:      a.store,
		Fetcher:    cal.Fetcher,
		Normalizer: cal.Normalizer,
		Timer:      alerting.NewSchedulerTimer(a.sched, a.poll.Timeout),
		Sink:       fanout,
		Ringtones:  a.ringtones,
		Bus:        a.bus,
		Settings:   early,
		Log:        log,
	}
	if a.auth != nil {
		deps.Auth = a.auth
	}
	a.alerts = alerting.New(deps)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiDeps := httpapi.Deps{
		Alerts:    a.alerts,
		Ringtones: a.ringtones,
		Log:       log,
	}
	if a.auth != nil {
		apiDeps.Credentials = a.auth
	}
	if wsHub != nil {
		apiDeps.Hub = wsHub
	}
	a.http = httpapi.NewServer(hc, httpapi.New(apiDeps), log)

	log.Info("app built",
		logx.String("calendar", cs.Source),
		logx.Strings("sinks", fanout.Sinks()),
		logx.Bool("http", hc.Enabled),
	)
	return a, nil
}

// Alerts exposes the alerting service.
func (a *App) Alerts() *alerting.Service { return a.alerts }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	// engine first so the scheduler has somewhere to enqueue
	a.engine.Start(c)
	a.sched.Start(c)

	if a.auth != nil {
		a.auth.Load(c)
	}
	a.alerts.Start(c)
	if err := a.alerts.Register(a.sched, a.poll.Schedule, a.poll.Maintenance, a.poll.Timeout); err != nil {
		return err
	}

	for name, s := range a.interactive {
		a.sup.Go("display."+name, func(c context.Context) error { return s.Run(c, a.alerts) })
	}
	a.http.Start(c)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
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
				// keep only the newest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func() bool { return a.sup.Context().Err() == nil })
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable sections of next. Sections wired
// into constructors only log that a restart is needed.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that apply on restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if ps, err := mapPollConfig(next); err != nil {
		a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
	} else if ps.Schedule != a.poll.Schedule || ps.Maintenance != a.poll.Maintenance || ps.Timeout != a.poll.Timeout {
		if err := a.alerts.Register(a.sched, ps.Schedule, ps.Maintenance, ps.Timeout); err != nil {
			a.log.Warn("poll reschedule failed", logx.Err(err))
		} else {
			a.poll.Schedule, a.poll.Maintenance, a.poll.Timeout = ps.Schedule, ps.Maintenance, ps.Timeout
		}
	}

	if es, ok := mapEarlySettings(next); ok {
		if prevES, _ := mapEarlySettings(prev); prev.Notifications.Early == nil || prevES != es {
			if err := a.alerts.SetEarlySettings(ctx, es); err != nil {
				a.log.Warn("early settings from config not persisted", logx.Err(err))
			}
		}
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// trigger sources first, then the engine that runs deliveries
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.closeAll()
}

// closeAll releases the bus connection, the store and the log sinks.
func (a *App) closeAll() error {
	var errs []error
	if a.desktop != nil {
		errs = append(errs, a.desktop.Shutdown())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
