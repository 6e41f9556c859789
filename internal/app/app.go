// Package app wires configuration, storage, the quota and schedule
// services, the runner and the HTTP surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"scand/internal/billing"
	"scand/internal/config"
	"scand/internal/eventbus"
	"scand/internal/httpapi"
	"scand/internal/observability/pprof"
	"scand/internal/quota"
	"scand/internal/runner"
	"scand/internal/runtime/supervisor"
	"scand/internal/schedule"
	"scand/internal/storage"
	logx "scand/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Dispatcher
	store storage.Store

	quota   *quota.Service
	sched   *schedule.Registry
	runner  *runner.Runner
	billing *billing.Translator
	http    *httpapi.Server
	pprof   *pprof.Service

	runnerOn atomic.Bool
	now      func() time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New(eventbus.Options{
		Strict: !cfg.Production(),
		Log:    root.With(logx.String("comp", "eventbus")),
	})

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	catalog, _ := mapCatalog(cfg)
	q := quota.New(store, quota.Options{
		Catalog:   catalog,
		Publisher: bus,
		Log:       root.With(logx.String("comp", "quota")),
	})

	loc, _ := mapLocation(cfg)
	reg := schedule.New(store, schedule.Options{
		Location:  loc,
		Publisher: bus,
		Log:       root.With(logx.String("comp", "schedule")),
	})

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		quota: q,
		sched: reg,
		pprof: pprof.New(root.With(logx.String("comp", "pprof"))),
		now:   time.Now,
	}
	a.runnerOn.Store(cfg.RunnerEnabled())
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	rc, _ := mapRunner(cfg)
	scanner, err := mapScanner(cfg, root.With(logx.String("comp", "scanner")))
	if err != nil {
		return fail(err)
	}
	a.runner, err = runner.New(rc, runner.Deps{
		Scanner:   scanner,
		Quota:     q,
		Schedules: reg,
		Publisher: bus,
		Log:       root.With(logx.String("comp", "runner")),
		Location:  loc,
	})
	if err != nil {
		return fail(err)
	}

	bc, _ := mapBilling(cfg)
	a.billing = billing.NewTranslator(bc, q, root.With(logx.String("comp", "billing")))

	if cfg.HTTP.Enabled {
		hc, _ := mapHTTP(cfg)
		a.http, err = httpapi.New(hc, httpapi.Deps{
			Quota:     q,
			Schedules: reg,
			Events:    bus,
			Billing:   a.billing,
			Health:    a.Health,
			Log:       root.With(logx.String("comp", "http")),
		})
		if err != nil {
			return fail(err)
		}
	}
	return a, nil
}

// Done is closed when the app stops on its own (fatal error).
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

// Health is the detail served on /healthz.
func (a *App) Health() any {
	return map[string]any{
		"runner":     a.runnerOn.Load(),
		"listeners":  a.bus.Len(),
		"supervisor": a.sup.Snapshot(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	n, err := a.sched.Recover(ctx, a.now())
	if err != nil {
		a.log.Warn("schedule recovery incomplete", logx.Err(err))
	} else if n > 0 {
		a.log.Info("schedules recovered", logx.Int("count", n))
	}

	a.bus.Subscribe(func(e eventbus.Event) {
		a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.Time("time", e.Time))
	})

	if a.runnerOn.Load() {
		if err := a.runner.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("runner disabled via config")
	}

	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	if err := a.pprof.Reconfigure(a.sup.Context(), mapPprof(a.cfgm.Get())); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.Restart{MinBackoff: time.Second})

	a.log.Info("scand started", logx.Bool("runner", a.runnerOn.Load()), logx.Bool("http", a.http != nil))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	applied := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-sub:
			if !ok {
				return nil
			}
			next = c
		}
		// coalesce bursts
	drain:
		for {
			select {
			case c := <-sub:
				if c != nil {
					next = c
				}
			default:
				break drain
			}
		}
		a.apply(ctx, applied, next)
		applied = next
	}
}

// apply pushes the live-reloadable parts of next into running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if later := config.RestartRequired(sections); len(later) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(later, ",")))
	}
	if prev != nil && prev.Runner.Scanner != next.Runner.Scanner {
		a.log.Warn("runner.scanner changed; restart required")
	}

	a.logs.Apply(mapLogging(next))

	if cat, err := mapCatalog(next); err != nil {
		a.log.Warn("invalid quota config; keeping previous", logx.Err(err))
	} else {
		a.quota.SetCatalog(cat)
	}

	if loc, err := mapLocation(next); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else {
		a.sched.SetLocation(loc)
	}

	if rc, err := mapRunner(next); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else if err := a.runner.Apply(rc); err != nil {
		a.log.Warn("runner config not applied", logx.Err(err))
	}
	if err := a.pprof.Reconfigure(a.sup.Context(), mapPprof(next)); err != nil {
		a.log.Warn("pprof config not applied", logx.Err(err))
	}

	switch on := next.RunnerEnabled(); {
	case on && !a.runnerOn.Load():
		if err := a.runner.Start(a.sup.Context()); err != nil && !errors.Is(err, runner.ErrRunning) {
			a.log.Error("runner start failed", logx.Err(err))
		} else {
			a.runnerOn.Store(true)
			a.log.Info("runner enabled via config")
		}
	case !on && a.runnerOn.Load():
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		a.runner.Stop(stopCtx)
		cancel()
		a.runnerOn.Store(false)
		a.log.Info("runner disabled via config")
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// Stop drains running scans, stops the HTTP server and background loops,
// then closes storage and logging. Each step is bounded so one stuck
// component cannot hold the others.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, p)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step timed out", logx.String("step", name), logx.Duration("max", max))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("runner", 15*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("pprof", 3*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 12*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("storage", 3*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
