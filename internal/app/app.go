package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wakeworker/internal/automation"
	"wakeworker/internal/config"
	"wakeworker/internal/eventbus"
	"wakeworker/internal/httpapi"
	"wakeworker/internal/processor"
	"wakeworker/internal/runtime/supervisor"
	"wakeworker/internal/site"
	"wakeworker/internal/storage"
	"wakeworker/internal/task/pool"
	"wakeworker/internal/task/scheduler"
	"wakeworker/internal/tracking"
	"wakeworker/pkg/logx"
	"wakeworker/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	defs    *automation.Cache
	sites   *site.Registry
	tracker *tracking.Tracker
	pool    *pool.Pool
	proc    *processor.Processor
	sched   *scheduler.Service
	http    *httpapi.Server
	sd      *systemd.Notifier
}

type options struct {
	forceEnabled *bool
	store        storage.Store
}

type Option func(*options)

// WithWorkerEnabled overrides worker.enabled from the config file.
func WithWorkerEnabled(enabled bool) Option {
	return func(o *options) { o.forceEnabled = &enabled }
}

// WithStore uses st instead of opening the configured store. The app closes it on Stop.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if o.forceEnabled != nil {
		cfg.Worker.Enabled = *o.forceEnabled
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	sender, err := newAlertSender(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	store := o.store
	if store == nil {
		store, err = OpenStore(cfg, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
	}

	workerID := strings.TrimSpace(cfg.Worker.ID)
	if workerID == "" {
		workerID = processor.NewWorkerID()
	}
	procCfg, err := mapProcessorConfig(cfg, workerID)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	defs := automation.NewCache(store)
	machine := automation.NewMachine(defs, root.With(logx.String("comp", "automation")))
	sites := site.NewRegistry(mapSites(cfg))
	tracker := tracking.New(root.With(logx.String("comp", "tracking")), bus)
	wp := pool.New(mapPoolConfig(cfg), root.With(logx.String("comp", "pool")), bus)

	proc := processor.New(procCfg, processor.Deps{
		Repository:  store,
		Machine:     machine,
		Definitions: defs,
		Sites:       sites,
		Tracker:     tracker,
		Log:         root.With(logx.String("comp", "processor")),
	})
	sched := scheduler.New(mapSchedulerConfig(cfg), wp, proc.Task(),
		root.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		defs:    defs,
		sites:   sites,
		tracker: tracker,
		pool:    wp,
		proc:    proc,
		sched:   sched,
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTPAddr(), Pprof: cfg.HTTP.Pprof}, a, root)
	}
	if cfg.Systemd.Notify {
		a.sd = systemd.NewNotifier()
	}
	log.Info("app initialized",
		logx.String("worker", workerID),
		logx.String("storage", strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))),
		logx.Int("threads", cfg.WorkerThreads()),
		logx.String("interval", cfg.WorkerInterval()),
		logx.Bool("enabled", cfg.Worker.Enabled),
	)
	return a, nil
}

func (a *App) Store() storage.Store           { return a.store }
func (a *App) Processor() *processor.Processor { return a.proc }
func (a *App) Logger() logx.Logger             { return a.log }

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

// Health reports nil while the app supervisor has not failed.
func (a *App) Health() error {
	if a.sup == nil {
		return errors.New("app not started")
	}
	return a.sup.Err()
}

func (a *App) Status() httpapi.Status {
	cfg := a.cfgm.Get()
	st := httpapi.Status{
		WorkerID:   a.proc.WorkerID(),
		Enabled:    cfg.Worker.Enabled,
		Target:     cfg.WorkerThreads(),
		Active:     a.pool.Active(),
		OpenPasses: a.tracker.Open(),
		Scheduler:  a.sched.Snapshot(),
		Pool:       a.pool.Snapshot(),
		Now:        time.Now(),
	}
	if last, n := a.tracker.Last(); n > 0 {
		st.LastBatch = &last
		st.Batches = n
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// RunOnce submits a single batch task to the pool and waits for it.
func (a *App) RunOnce(ctx context.Context) (tracking.PassStats, error) {
	_, before := a.tracker.Last()
	task := a.proc.Task()
	done := make(chan error, 1)
	if _, err := a.pool.Submit(scheduler.TaskName, func(c context.Context, id pool.TaskID) error {
		err := task(c, id)
		done <- err
		return err
	}); err != nil {
		return tracking.PassStats{}, err
	}
	select {
	case err := <-done:
		last, n := a.tracker.Last()
		if n == before {
			if err == nil {
				err = processor.ErrPassSkipped
			}
			return tracking.PassStats{}, err
		}
		return last, err
	case <-ctx.Done():
		return tracking.PassStats{}, ctx.Err()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

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
					// Keep this debug-level to avoid noise for frequent wakeups.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					if st, ok := e.Data.(tracking.PassStats); ok && e.Type == eventbus.BatchFinished && a.sd != nil {
						if _, err := a.sd.Status(batchStatus(st)); err != nil {
							a.log.Debug("systemd status notify failed", logx.Err(err))
						}
					}
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.http != nil {
		a.sup.GoRestart("http.serve", a.http.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	if a.sched.Enabled() && !a.sched.Start(a.sup.Context()) {
		return fmt.Errorf("wakeup scheduler failed to start")
	}

	if a.sd != nil {
		if ok, err := a.sd.Ready(); err != nil {
			a.log.Warn("systemd ready notify failed", logx.Err(err))
		} else if ok {
			a.log.Debug("systemd notified ready")
		}
		if a.cfgm.Get().Systemd.Watchdog {
			a.sup.Go("systemd.watchdog", func(c context.Context) error {
				return a.sd.RunWatchdog(c, a.Health)
			})
		}
	}

	a.log.Info("app started", logx.String("worker", a.proc.WorkerID()))
	return nil
}

// batchStatus is the systemctl status line for the last finished pass.
func batchStatus(st tracking.PassStats) string {
	return fmt.Sprintf("last pass %s: due=%d processed=%d contended=%d failed=%d fired=%d took=%s",
		st.StartedAt.Format(time.RFC3339), st.Due, st.Processed, st.Contended, st.Failed, st.StatesFired, st.Duration.Round(time.Millisecond))
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "http", "telegram", "systemd":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.sites.Replace(mapSites(newCfg))
	a.pool.Apply(mapPoolConfig(newCfg))
	if pc, err := mapProcessorConfig(newCfg, a.proc.WorkerID()); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		a.proc.Apply(pc)
	}

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(newCfg))
	switch {
	case prevEnabled && !newCfg.Worker.Enabled:
		a.log.Info("wakeup scheduler disabled via config")
	case !prevEnabled && newCfg.Worker.Enabled:
		a.log.Info("wakeup scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.sd != nil {
		if _, err := a.sd.Stopping(); err != nil {
			a.log.Debug("systemd stopping notify failed", logx.Err(err))
		}
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// No new wakeups, then drain in-flight passes so leases are saved or released.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pool", 15*time.Second, func(c context.Context) error { return a.pool.Shutdown(c) })

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeResources is Stop for an app that was never started (CLI one-shot use).
func (a *App) closeResources() error {
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := a.pool.Shutdown(sctx)
	err = errors.Join(err, a.store.Close())
	return errors.Join(err, a.logs.Close())
}
