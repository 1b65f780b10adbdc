// Package app wires configuration, logging, storage, and the task services
// into one process with a supervised lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"wardenbot/internal/batch"
	"wardenbot/internal/config"
	"wardenbot/internal/eventbus"
	"wardenbot/internal/executor"
	"wardenbot/internal/lockkeeper"
	"wardenbot/internal/moderation"
	"wardenbot/internal/ratelimit"
	"wardenbot/internal/runtime/supervisor"
	"wardenbot/internal/storage"
	"wardenbot/internal/task/queue"
	"wardenbot/internal/task/scheduler"
	logx "wardenbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store moderation.Store
	exec  executor.Executor

	gate  *ratelimit.Gate
	locks *lockkeeper.Keeper
	queue *queue.Service
	batch *batch.Runner
	sched *scheduler.Service
	mod   *moderation.Service
}

// New builds the full dependency graph from the config file. exec is the
// platform executor; a nil exec installs a log-only stub so the process can
// run dry.
func New(cfgPath string, exec executor.Executor) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	if exec == nil {
		boot := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "exec"))
		exec = executor.Func(func(_ context.Context, action string, args ...any) (any, error) {
			boot.Info("dry-run action", logx.String("action", action), logx.Int("args", len(args)))
			return nil, nil
		})
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging), exec)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	qCfg, err := mapQueueConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	q := queue.New(qCfg, log.With(logx.String("comp", "queue")), bus)

	lkCfg, err := mapLocksConfig(cfg.Locks)
	if err != nil {
		return nil, err
	}
	locks := lockkeeper.New(lkCfg, log.With(logx.String("comp", "locks")))

	rateCfg, err := mapRatesConfig(cfg.Rates)
	if err != nil {
		return nil, err
	}
	gate := ratelimit.NewGate(rateCfg, log.With(logx.String("comp", "rates")))

	runner := batch.NewRunner(gate, log.With(logx.String("comp", "batch")))

	modCfg, err := mapModerationConfig(cfg.Moderation)
	if err != nil {
		return nil, err
	}
	modCfg.LockTimeout = lkCfg.DefaultTimeout
	mod := moderation.NewService(modCfg, store, exec, q, locks, gate,
		log.With(logx.String("comp", "moderation")))

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, q, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    exec,
		gate:    gate,
		locks:   locks,
		queue:   q,
		batch:   runner,
		sched:   sched,
		mod:     mod,
	}, nil
}

// Moderation exposes the moderation service for the command surface.
func (a *App) Moderation() *moderation.Service { return a.mod }

// Batch exposes the bulk runner for the command surface.
func (a *App) Batch() *batch.Runner { return a.batch }

// Done is closed when the supervised context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	a.queue.Start(a.sup.Context())

	if err := a.sched.Every("moderation.sweep", a.mod.SweepInterval(), a.mod.Sweep); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	a.sched.Start(a.sup.Context())

	// Queue events at debug level; components that need them subscribe on
	// their own.
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
				a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the latest snapshot matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
						continue
					default:
					}
					break
				}
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload hot-applies what can change at runtime. Logging and rate
// policies apply live; queue, locks, storage, and moderation settings need a
// restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg.Logging))

	if rateCfg, err := mapRatesConfig(cfg.Rates); err != nil {
		a.log.Warn("invalid rates config; keeping previous", logx.Any("err", err))
	} else {
		a.gate.Apply(rateCfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
