package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reachbot/internal/adapters/telegram"
	"reachbot/internal/config"
	"reachbot/internal/monitor"
	"reachbot/internal/notify"
	"reachbot/internal/outreach"
	"reachbot/internal/platform"
	"reachbot/internal/platform/memory"
	"reachbot/internal/storage"
	"reachbot/internal/transport"
	logx "reachbot/pkg/logx"
)

// App owns every component and the order they start and stop in.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	adapter  transport.Adapter
	notifier *notify.Service
	outreach *outreach.Service
	monitor  *monitor.Service
	cron     *cron.Cron

	sup     *Supervisor
	updates chan transport.Update
	cfgCh   chan *config.Config
}

func NewApp(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		store.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	notifier := notify.New(adapter, cfg.Telegram.NotifyRatePerSec, log.With(logx.String("comp", "notify")))

	dialer, err := dialerFor(cfg.Platform.Driver)
	if err != nil {
		store.Close()
		return nil, err
	}

	outreachCfg, err := outreachConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	monitorCfg, err := monitorConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		adapter:  adapter,
		notifier: notifier,
		outreach: outreach.New(store, dialer, notifier, outreachCfg, log.With(logx.String("comp", "outreach"))),
		monitor:  monitor.New(store, dialer, notifier, monitorCfg, log.With(logx.String("comp", "monitor"))),
		cron:     cron.New(),
	}, nil
}

// dialerFor selects the platform client driver. Real drivers register here;
// "memory" is the built-in dry-run one.
func dialerFor(driver string) (platform.Dialer, error) {
	switch driver {
	case "", "memory":
		return memory.NewDialer(), nil
	default:
		return nil, fmt.Errorf("unknown platform driver %q", driver)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.updates = make(chan transport.Update, 64)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	a.sup.Go0("callbacks", func(ctx context.Context) { a.runCallbacks(ctx) })

	cfg := a.cfgMgr.Get()
	if cfg.Outreach.Enabled {
		if err := a.outreach.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start outreach: %w", err)
		}
	}
	if cfg.Monitor.Enabled {
		if err := a.monitor.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	}

	if _, err := a.cron.AddFunc("0 1 * * *", a.pruneTrackers); err != nil {
		return fmt.Errorf("schedule tracker prune: %w", err)
	}
	a.cron.Start()

	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go0("config-apply", func(ctx context.Context) { a.runConfigApply(ctx) })

	a.log.Info("application started")
	return nil
}

// pruneTrackers drops tracker rows from previous days; today's date key is
// the cutoff.
func (a *App) pruneTrackers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.store.PruneTrackers(ctx, storage.DateKey(time.Now()))
	if err != nil {
		a.log.Error("tracker prune failed", logx.Err(err))
		return
	}
	a.log.Info("stale trackers pruned", logx.Int64("rows", n))
}

func (a *App) runConfigApply(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	a.notifier.SetRate(cfg.Telegram.NotifyRatePerSec)

	if oc, err := outreachConfig(cfg); err != nil {
		a.log.Error("outreach config rejected", logx.Err(err))
	} else {
		a.outreach.Apply(oc)
	}
	if mc, err := monitorConfig(cfg); err != nil {
		a.log.Error("monitor config rejected", logx.Err(err))
	} else {
		a.monitor.Apply(mc)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if cfg.Outreach.Enabled {
		if err := a.outreach.Start(a.sup.Context()); err != nil && !errors.Is(err, outreach.ErrAlreadyRunning) {
			a.log.Error("outreach start failed", logx.Err(err))
		}
	} else if err := a.outreach.Stop(stopCtx); err != nil {
		a.log.Error("outreach stop failed", logx.Err(err))
	}
	if cfg.Monitor.Enabled {
		if err := a.monitor.Start(a.sup.Context()); err != nil && !errors.Is(err, monitor.ErrAlreadyRunning) {
			a.log.Error("monitor start failed", logx.Err(err))
		}
	} else if err := a.monitor.Stop(stopCtx); err != nil {
		a.log.Error("monitor stop failed", logx.Err(err))
	}

	a.log.Info("configuration applied")
}

// runCallbacks consumes operator-bot updates. The only consumed control is
// the "Completed" button on forwarded keyword matches.
func (a *App) runCallbacks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			if up.Kind != transport.UpdateCallback || up.Callback == nil {
				continue
			}
			a.handleCallback(ctx, up.Callback)
		}
	}
}

func (a *App) handleCallback(ctx context.Context, cb *transport.Callback) {
	rest, ok := strings.CutPrefix(cb.Data, "lead_done:")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id == 0 {
		// Placeholder control: pressed before the record id was bound.
		a.answer(ctx, cb.ID, "This control has expired.")
		return
	}
	f, err := a.store.Forward(ctx, id)
	if err != nil {
		a.answer(ctx, cb.ID, "This control has expired.")
		return
	}
	if !f.Done {
		a.notifier.Resolve(ctx, cb.ChatID, cb.MessageID, f.Preview)
		if err := a.store.CompleteForward(ctx, f.ID); err != nil {
			a.log.Error("completing forward failed", logx.Int64("forward", f.ID), logx.Err(err))
		}
		if err := a.store.CompleteLead(ctx, f.SenderID); err != nil {
			a.log.Error("completing lead failed", logx.String("sender", f.SenderID), logx.Err(err))
		}
	}
	a.answer(ctx, cb.ID, "Marked as completed.")
}

func (a *App) answer(ctx context.Context, callbackID, text string) {
	if err := a.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		a.log.Warn("callback answer failed", logx.Err(err))
	}
}

// Stop winds the application down in dependency order, each step on its own
// bounded budget so one stuck component cannot block the rest.
func (a *App) Stop(ctx context.Context) {
	a.step(ctx, "monitor", 15*time.Second, a.monitor.Stop)
	a.step(ctx, "outreach", 15*time.Second, a.outreach.Stop)
	a.step(ctx, "cron", 5*time.Second, func(sctx context.Context) error {
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	a.step(ctx, "adapter", 10*time.Second, a.adapter.Stop)
	if a.sup != nil {
		a.step(ctx, "supervisor", 10*time.Second, a.sup.Stop)
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("storage close failed", logx.Err(err))
	}
	a.log.Info("application stopped")
	if err := a.logSvc.Close(); err != nil {
		fmt.Println("log close:", err)
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	if err := fn(sctx); err != nil {
		a.log.Error("shutdown step failed", logx.String("step", name), logx.Err(err))
	}
}

// outreachConfig parses the duration strings of the outreach section.
func outreachConfig(cfg *config.Config) (outreach.Config, error) {
	oc := outreach.Config{
		Templates:      cfg.Outreach.Templates,
		ActivityWindow: cfg.Outreach.ActivityWindow,
		DialogLimit:    cfg.Outreach.DialogLimit,
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"outreach.min_delay", cfg.Outreach.MinDelay, &oc.MinDelay},
		{"outreach.max_delay", cfg.Outreach.MaxDelay, &oc.MaxDelay},
		{"outreach.catchup_min_delay", cfg.Outreach.CatchUpMinDelay, &oc.CatchUpMinDelay},
		{"outreach.catchup_max_delay", cfg.Outreach.CatchUpMaxDelay, &oc.CatchUpMaxDelay},
		{"outreach.account_delay_min", cfg.Outreach.AccountDelayMin, &oc.AccountDelayMin},
		{"outreach.account_delay_max", cfg.Outreach.AccountDelayMax, &oc.AccountDelayMax},
		{"outreach.flood_pause", cfg.Outreach.FloodPause, &oc.FloodPause},
		{"outreach.empty_poll", cfg.Outreach.EmptyPoll, &oc.EmptyPoll},
		{"outreach.cycle_retry", cfg.Outreach.CycleRetry, &oc.CycleRetry},
		{"outreach.slice_max", cfg.Outreach.SliceMax, &oc.SliceMax},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, 0)
		if err != nil {
			return outreach.Config{}, err
		}
		*f.dst = d
	}
	return oc, nil
}

func monitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := monitor.Config{
		Keywords:     cfg.Monitor.Keywords,
		PreviewLimit: cfg.Monitor.PreviewLimit,
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"monitor.health_check_every", cfg.Monitor.HealthCheckEvery, &mc.HealthCheckEvery},
		{"monitor.reconnect_backoff", cfg.Monitor.ReconnectBackoff, &mc.ReconnectBackoff},
		{"monitor.start_stagger", cfg.Monitor.StartStagger, &mc.StartStagger},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, 0)
		if err != nil {
			return monitor.Config{}, err
		}
		*f.dst = d
	}
	return mc, nil
}
