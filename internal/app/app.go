package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"kaku/internal/config"
	"kaku/internal/device"
	"kaku/internal/eventbus"
	"kaku/internal/hub"
	"kaku/internal/runtime/supervisor"
	"kaku/internal/schedule"
	"kaku/internal/storage"
	"kaku/internal/worker"
	logx "kaku/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	hub       hub.Hub
	hubCancel context.CancelFunc

	worker *worker.Service
	lights map[int]*device.Light
	sched  *schedule.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	h, err := hub.Open(hubCtx, mapHubConfig(cfg), log.With(logx.String("comp", "hub")))
	if err != nil {
		hubCancel()
		closeStore(store)
		return nil, err
	}

	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		hubCancel()
		closeStore(store)
		return nil, err
	}
	w := worker.New(wcfg, log.With(logx.String("comp", "worker")), bus)

	settings, err := mapLightSettings(cfg)
	if err != nil {
		hubCancel()
		closeStore(store)
		return nil, err
	}
	lights := make(map[int]*device.Light, len(cfg.Devices))
	for _, d := range mapDevices(cfg) {
		lights[d.ID] = device.NewLight(d, h, w, settings,
			log.With(logx.String("comp", "light"), logx.Int("device", d.ID)))
	}

	a := &App{
		cfgPath:   cfgm.Path(),
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		hub:       h,
		hubCancel: hubCancel,
		worker:    w,
		lights:    lights,
	}
	a.sched = schedule.New(a.target, log.With(logx.String("comp", "schedule")))
	a.sched.Apply(mapRules(cfg))
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) target(id int) (schedule.Target, bool) {
	l, ok := a.lights[id]
	return l, ok
}

// Light returns the light entity for a device ID.
func (a *App) Light(id int) (*device.Light, bool) {
	l, ok := a.lights[id]
	return l, ok
}

// Lights returns every configured light ordered by device ID.
func (a *App) Lights() []*device.Light {
	out := make([]*device.Light, 0, len(a.lights))
	for _, l := range a.lights {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (a *App) Worker() *worker.Service     { return a.worker }
func (a *App) Schedule() *schedule.Service { return a.sched }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		for _, r := range mapRules(cfg) {
			if err := a.sched.Validate(r); err != nil {
				return fmt.Errorf("schedules: %w", err)
			}
		}
		return nil
	})

	// Cancelling ctx is the hard stop; Stop() drains the worker first.
	a.worker.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if a.store != nil {
		a.sup.Go0("storage.recorder", func(c context.Context) {
			recordDispatches(c, a.bus, a.store, a.log.With(logx.String("comp", "recorder")))
		})
	}

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				// coalesce bursts; only the newest matters
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log.With(logx.String("comp", "systemd")), a.worker.IsRunning)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("lights", len(a.lights)),
		logx.String("duplicate_policy", a.worker.Snapshot().Duplicate.String()),
	)
	return nil
}

// applyConfig applies the live-reloadable sections. Everything else is
// logged and waits for a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if settings, err := mapLightSettings(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		for _, l := range a.lights {
			l.SetSettings(settings)
		}
	}

	if wcfg, err := mapWorkerConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(wcfg)
	}

	a.sched.Apply(mapRules(newCfg))

	if restart {
		a.log.Warn("some config changes need a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Stop producers first, then drain the worker while its context is
	// still alive so an in-flight repeat sequence can finish.
	step := a.stepper(ctx)
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("worker", 10*time.Second, func(c context.Context) error { a.worker.Stop(c); return nil })

	a.sup.Cancel()
	a.hubCancel()

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper returns a helper that runs one shutdown step bounded by max and by
// ctx. A step that misses its deadline keeps running in the background and is
// logged when it finishes.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}
}
