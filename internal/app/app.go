// Package app wires configuration, storage, the Telegram transport, the
// reminder engine and its triggers into one runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasker/internal/config"
	"tasker/internal/eventbus"
	"tasker/internal/observability"
	"tasker/internal/reminder"
	"tasker/internal/runtime/supervisor"
	"tasker/internal/storage"
	"tasker/internal/task/scheduler"
	"tasker/internal/transport"
	"tasker/internal/transport/telegram/adapter"
	"tasker/internal/transport/telegram/botapi"
	"tasker/internal/transport/telegram/router"
	logx "tasker/pkg/logx"
)

// Schedule names.
const (
	JobTick          = "tick"
	JobMaterialize   = "materialize"
	JobMetricsReport = "metrics.report"
)

const (
	tickTimeout        = 2 * time.Minute
	materializeTimeout = 5 * time.Minute
	metricsReportEvery = "1h"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ch     *botapi.Client
	poller transport.Poller

	rem     *reminder.Service
	sched   *scheduler.Service
	router  *router.Router
	metrics *observability.Provider
	bridge  *observability.Bridge

	updates chan transport.Update
}

// NewApp loads .env and the config file (optional; "" runs on environment and
// defaults), opens the store and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The Telegram sink stays off until its sender and target exist.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ch, err := botapi.New(botapi.Config{
		Token:      cfg.Telegram.Token,
		BaseURL:    cfg.Telegram.APIURL,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ch)
	logSvc.SetTelegramTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	poller, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: pollTimeout,
	}, root)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	settings, err := mapReminderSettings(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New()
	rem := reminder.New(store, ch, settings, root, bus)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, root.With(logx.String("comp", "scheduler")), bus)

	metrics := observability.NewProvider()
	bridge, err := observability.NewBridge(metrics.Meter(), bus, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		ch:      ch,
		poller:  poller,
		rem:     rem,
		sched:   sched,
		metrics: metrics,
		bridge:  bridge,
		updates: make(chan transport.Update, 256),
	}
	a.router = router.New(mapRouterConfig(cfg), store, rem, ch, a.wake, root)
	return a, nil
}

// wake materializes the lookahead window now.
func (a *App) wake(ctx context.Context) (int, error) {
	res, err := a.rem.Materialize(ctx, time.Now(), 0)
	return res.Inserted, err
}

// tick sends due reminders, then retracts queued repeats.
func (a *App) tick(ctx context.Context) error {
	if _, err := a.rem.Tick(ctx, time.Now()); err != nil {
		return err
	}
	_, err := a.rem.Sweep(ctx)
	return err
}

func (a *App) materialize(ctx context.Context) error {
	_, err := a.rem.Materialize(ctx, time.Now(), 0)
	return err
}

func (a *App) reportMetrics(ctx context.Context) error {
	return a.metrics.Report(ctx, a.log.With(logx.String("comp", "metrics")))
}

// addSchedules (re)registers the triggers from cfg.
func (a *App) addSchedules(cfg *config.Config) error {
	if err := a.sched.AddSchedule(JobTick, cfg.Scheduler.Tick, tickTimeout, a.tick); err != nil {
		return fmt.Errorf("scheduler.tick: %w", err)
	}
	if err := a.sched.AddSchedule(JobMaterialize, cfg.Scheduler.Materialize, materializeTimeout, a.materialize); err != nil {
		return fmt.Errorf("scheduler.materialize: %w", err)
	}
	return a.sched.AddSchedule(JobMetricsReport, metricsReportEvery, time.Minute, a.reportMetrics)
}

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
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	if err := a.addSchedules(cfg); err != nil {
		return err
	}

	if err := a.poller.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.ch.SetCommands(mctx, router.MenuCommands(a.router.Processors())); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
	})
	a.sup.Go("metrics.bridge", a.bridge.Run)

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sched.Start(a.sup.Context())
	if cfg.Scheduler.MaterializeOnStart == nil || *cfg.Scheduler.MaterializeOnStart {
		if _, err := a.sched.Trigger(JobMaterialize); err != nil {
			return err
		}
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
				// Coalesce bursts: only the newest config is applied.
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
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
	return nil
}

// applyConfig hot-applies everything that can change without a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(groupLogChat(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))
	a.router.Apply(mapRouterConfig(next))

	if settings, err := mapReminderSettings(next); err != nil {
		a.log.Warn("invalid reminder settings; keeping previous", logx.Err(err))
	} else {
		a.rem.Apply(settings)
	}

	a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
	if prev.Scheduler.Tick != next.Scheduler.Tick || prev.Scheduler.Materialize != next.Scheduler.Materialize {
		if err := a.addSchedules(next); err != nil {
			a.log.Warn("schedules not updated", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown action so a stuck component cannot stall the rest.
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("poller", 3*time.Second, a.poller.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("metrics", time.Second, func(c context.Context) error {
		if err := a.reportMetrics(c); err != nil {
			return err
		}
		return a.metrics.Shutdown(c)
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
