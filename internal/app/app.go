package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/broadcast"
	"autoposter/internal/config"
	"autoposter/internal/dispatch"
	"autoposter/internal/eventbus"
	"autoposter/internal/notifier"
	"autoposter/internal/observability/admin"
	"autoposter/internal/runtime/supervisor"
	"autoposter/internal/storage"
	"autoposter/internal/transport/telegram"
	logx "autoposter/pkg/logx"
	"autoposter/pkg/systemd"
)

type App struct {
	cfgPath  string
	workerID string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg      *telegram.Client
	limited *broadcast.Limited
	engine  *dispatch.Engine
	runner  *dispatch.Runner
	notif   *notifier.Service
	amqp    *notifier.AMQPSink
	admin   *admin.Service
	sd      *systemd.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	workerID := defaultWorkerID()
	dcfg, err := mapDispatchConfig(cfg, workerID)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tgCfg, err := mapTelegramConfig(cfg, dcfg.PostTimeout)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with telegram logging off, set the target, then apply the
	// final config so Apply doesn't warn about a missing target.
	logCfg := mapLoggingConfig(cfg)
	baseLogCfg := logCfg
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, tg)
	ops, err := opsTarget(cfg, cfg.Logging.Telegram.ThreadID)
	if err != nil {
		return nil, err
	}
	logSvc.SetTelegramTarget(ops)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sinks, amqpSink, err := buildSinks(cfg, tg, ops, dcfg.Location)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, log, bus, sinks...)

	rps, burst := sendRate(cfg)
	limited := broadcast.NewLimited(
		telegram.NewBroadcaster(store, tg, log.With(logx.String("comp", "broadcaster"))),
		rps, burst,
	)

	eng, err := dispatch.NewEngine(dcfg, store, limited,
		dispatch.WithNotifier(notif),
		dispatch.WithPostLog(store),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
	)
	if err != nil {
		return fail(err)
	}
	runner := dispatch.NewRunner(eng, log.With(logx.String("comp", "runner")), dispatch.WithBus(bus))

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return fail(err)
	}

	return &App{
		cfgPath:  cfgPath,
		workerID: workerID,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tg:       tg,
		limited:  limited,
		engine:   eng,
		runner:   runner,
		notif:    notif,
		amqp:     amqpSink,
		admin:    admin.New(acfg, eng, store, log.With(logx.String("comp", "admin"))),
		sd:       systemd.New(log.With(logx.String("comp", "systemd"))),
	}, nil
}

// Engine exposes the dispatcher for admin operations such as Reactivate.
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Store exposes the schedule store.
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

// validate runs the cross-field checks that need defaults applied.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	dcfg, err := mapDispatchConfig(cfg, a.workerID)
	if err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg, dcfg.PostTimeout); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := opsTarget(cfg, 0); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	a.notif.Start(a.sup.Context())

	if a.cfgm.Get().Dispatch.IsEnabled() {
		if err := a.runner.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("dispatcher disabled via config; no posts will be sent")
	}

	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			var dropped uint64
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					if n := a.bus.Dropped(); n > dropped {
						a.log.Warn("event listeners fell behind", logx.Int("dropped", int(n-dropped)))
						dropped = n
					}
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
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

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := a.sd.RunWatchdog(c); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
		return nil
	})

	a.sd.Ready()
	a.sd.Status("dispatching as " + a.engine.Config().WorkerID)
	a.log.Info("app started", logx.String("worker_id", a.engine.Config().WorkerID))
	return nil
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	// Target first so Apply doesn't warn when telegram logging is enabled.
	if ops, err := opsTarget(newCfg, newCfg.Logging.Telegram.ThreadID); err == nil {
		a.logs.SetTelegramTarget(ops)
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	if dcfg, err := mapDispatchConfig(newCfg, a.workerID); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		// worker_id is startup-only.
		dcfg.WorkerID = a.engine.Config().WorkerID
		if err := a.engine.Apply(dcfg); err != nil {
			a.log.Warn("dispatch config rejected; keeping previous", logx.Err(err))
		} else {
			a.runner.Reschedule(dcfg.PollPeriod)
		}
	}

	rps, burst := sendRate(newCfg)
	a.limited.SetRate(rps, burst)

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotifEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotifEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.sup.Context())
		}
	}

	if acfg, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(a.sup.Context(), acfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// step runs one shutdown step bounded by max so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
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

	// The running tick finishes its current posts before the app context is
	// cancelled; anything still claimed after that is released by lease expiry.
	step("dispatcher", a.engine.Config().PostTimeout+5*time.Second, a.runner.Stop)

	a.sup.Cancel()

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("amqp", time.Second, func(context.Context) error {
		if a.amqp != nil {
			return a.amqp.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
