// Package app wires the scheduling core, job engine, notifications, daily
// trigger and HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"schoolops/internal/api"
	"schoolops/internal/automation"
	"schoolops/internal/booking"
	"schoolops/internal/config"
	"schoolops/internal/conflict"
	"schoolops/internal/eventbus"
	"schoolops/internal/jobs"
	"schoolops/internal/notify"
	"schoolops/internal/observability/pprof"
	"schoolops/internal/recurrence"
	"schoolops/internal/runtime/supervisor"
	"schoolops/internal/storage"
	"schoolops/internal/trigger"
	logx "schoolops/pkg/logx"
)

const dailyTrigger = "automation.daily"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	detector   *conflict.Detector
	expander   *recurrence.Expander
	queue      *jobs.Queue
	pool       *jobs.Pool
	dispatcher *notify.Dispatcher
	automation *automation.Service
	booking    *booking.Service
	trigger    *trigger.Service
	api        *api.Server
	pprof      *pprof.Service

	// serve is false for tests that drive the API in-process.
	serve bool
}

// Option adjusts New.
type Option func(*App)

// WithoutListener skips binding the HTTP port.
func WithoutListener() Option { return func(a *App) { a.serve = false } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath, nil)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), serve: true}
	for _, o := range opts {
		o(a)
	}
	a.bus = eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = st

	a.detector = conflict.NewDetector(st)
	a.expander = recurrence.NewExpander(st, a.detector, log.With(logx.String("comp", "recurrence")))
	a.queue = jobs.NewQueue(mapQueue(cfg), st, log.With(logx.String("comp", "queue")), a.bus)

	a.dispatcher = notify.NewDispatcher(mapDispatcher(cfg), st, log.With(logx.String("comp", "notify")), a.bus)
	if err := a.registerSenders(cfg, log); err != nil {
		_ = st.Close()
		return nil, err
	}

	acfg := mapAutomation(cfg)
	a.automation = automation.NewService(acfg, st, a.queue, log.With(logx.String("comp", "automation")))
	handlers := automation.NewHandlers(acfg, st, a.queue, a.dispatcher, a.expander, log.With(logx.String("comp", "handlers")))

	reg := jobs.NewRegistry()
	handlers.Register(reg)
	a.pool = jobs.NewPool(mapPool(cfg), st, reg, a.queue, log.With(logx.String("comp", "pool")), a.bus)

	a.booking = booking.New(st, a.detector, a.automation, log)

	a.trigger = trigger.New(mapTrigger(cfg), log.With(logx.String("comp", "trigger")))
	if err := a.trigger.AddSchedule(dailyTrigger, dailySchedule(cfg), 0, a.runDaily); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("automation.daily_at: %w", err)
	}

	srv, err := api.New(mapAPI(cfg), api.Deps{
		Conflicts:  a.detector,
		Bookings:   a.booking,
		Automation: a.automation,
		Jobs:       st,
		Pool:       a.pool,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.api = srv
	a.pprof = pprof.New(mapPprof(cfg), log)
	return a, nil
}

// registerSenders routes each channel to its transport. A disabled channel
// is routed to the log so deliveries stay visible.
func (a *App) registerSenders(cfg *config.Config, log logx.Logger) error {
	logSender := notify.NewLogSender(log)
	a.dispatcher.Handle(notify.ChannelLog, logSender)

	if cfg.Notify.Email.Enabled {
		es, err := notify.NewEmailSender(mapEmail(cfg))
		if err != nil {
			return fmt.Errorf("notify.email: %w", err)
		}
		a.dispatcher.Handle(notify.ChannelEmail, es)
	} else {
		a.dispatcher.Handle(notify.ChannelEmail, logSender)
	}

	if cfg.Notify.Telegram.Enabled {
		ts, err := notify.NewTelegramSender(mapTelegram(cfg))
		if err != nil {
			return fmt.Errorf("notify.telegram: %w", err)
		}
		a.dispatcher.Handle(notify.ChannelTelegram, ts)
	} else {
		a.dispatcher.Handle(notify.ChannelTelegram, logSender)
	}
	return nil
}

func (a *App) runDaily(ctx context.Context) error {
	sum, err := a.automation.RunDaily(ctx)
	if err != nil {
		a.log.Warn("daily scan finished with errors", logx.Int("enqueued", sum.Enqueued), logx.Err(err))
	}
	return err
}

func (a *App) API() *api.Server { return a.api }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Pool() *jobs.Pool { return a.pool }

func (a *App) Trigger() *trigger.Service { return a.trigger }

// Done is closed when the app supervisor is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := trigger.ParseSchedule(dailySchedule(cfg))
		if err != nil {
			return fmt.Errorf("automation.daily_at: %w", err)
		}
		if tz := strings.TrimSpace(cfg.Automation.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("automation.timezone: %w", err)
			}
		}
		return nil
	})

	a.pool.Start(runCtx)
	a.trigger.Start(runCtx)
	if a.serve {
		if err := a.api.Start(runCtx); err != nil {
			return err
		}
	}

	if err := a.pprof.Start(runCtx); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("http", a.serve),
		logx.String("daily_at", dailySchedule(a.cfgm.Get())),
	)
	return nil
}

// Stop shuts components down in dependency order: stop producing work, then
// drain the pool, then release storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error {
		if !a.serve {
			return nil
		}
		return a.api.Stop(c)
	})
	a.step(ctx, "pprof", time.Second, a.pprof.Stop)
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	a.step(ctx, "pool", 5*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound so one component cannot stall shutdown.
// The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline exhausted", logx.String("name", name))
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
