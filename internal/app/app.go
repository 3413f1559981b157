package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/alerts"
	"github.com/gmsas95/dosewatch/internal/api"
	"github.com/gmsas95/dosewatch/internal/channels/discord"
	"github.com/gmsas95/dosewatch/internal/channels/telegram"
	"github.com/gmsas95/dosewatch/internal/clock"
	"github.com/gmsas95/dosewatch/internal/config"
	"github.com/gmsas95/dosewatch/internal/cron"
	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/monitor"
	"github.com/gmsas95/dosewatch/internal/notify"
	"github.com/gmsas95/dosewatch/internal/schedule"
	"github.com/gmsas95/dosewatch/internal/store"
	"github.com/gmsas95/dosewatch/internal/tracker"
)

// App wires the engine together for one user.
type App struct {
	Config     *config.Config
	Store      store.KV
	Logger     *zap.Logger
	Clock      clock.Clock
	Platform   *alerts.LocalPlatform
	Scheduler  *alerts.Scheduler
	Monitor    *monitor.Monitor
	Notifier   *notify.Dispatcher
	Tracker    *tracker.Service
	CronRunner *cron.Runner
	Version    string
}

// New builds every component over kv. clk may be nil for the real clock.
func New(cfg *config.Config, kv store.KV, clk clock.Clock, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	dispatcher, err := buildNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	userID := cfg.Scheduling.UserID
	meds := medication.NewRepository(kv, userID, clk, logger.Named("medications"))
	led := ledger.New(kv, userID, meds, clk, logger.Named("ledger"))
	resolver := schedule.NewResolver(loc)
	platform := alerts.NewLocalPlatform(clk, logger.Named("platform"))
	sched := alerts.NewScheduler(platform, resolver, clk, SettingsFrom(cfg), logger.Named("scheduler"))
	sched.SetResolutions(led)
	mon := monitor.New(monitor.Config{
		Ledger:      led,
		Medications: meds,
		Advancer:    sched,
		Notifier:    dispatcher,
		Clock:       clk,
		GracePeriod: cfg.Scheduling.GracePeriod,
		Location:    loc,
		Logger:      logger.Named("monitor"),
	})
	mon.Attach(platform)

	svc := tracker.New(tracker.Deps{
		Medications: meds,
		Ledger:      led,
		Scheduler:   sched,
		Monitor:     mon,
		Resolver:    resolver,
		Clock:       clk,
		Logger:      logger.Named("tracker"),
	})
	svc.Attach(platform)

	a := &App{
		Config:    cfg,
		Store:     kv,
		Logger:    logger,
		Clock:     clk,
		Platform:  platform,
		Scheduler: sched,
		Monitor:   mon,
		Notifier:  dispatcher,
		Tracker:   svc,
		Version:   version,
	}

	if cfg.Cron.Enabled {
		runner, err := cron.NewRunner(cron.Config{
			Replan:        cfg.Cron.Replan,
			ExpireCourses: cfg.Cron.ExpireCourses,
			DailySummary:  cfg.Cron.DailySummary,
			Location:      loc,
		}, svc, logger.Named("cron"))
		if err != nil {
			return nil, err
		}
		a.CronRunner = runner
	}
	return a, nil
}

// SettingsFrom maps the scheduling config onto alert settings.
func SettingsFrom(cfg *config.Config) alerts.Settings {
	s := cfg.Scheduling
	return alerts.Settings{
		ReminderInterval: time.Duration(s.ReminderInterval) * time.Minute,
		MaxReminders:     s.MaxReminders,
		SafetyMargin:     s.SafetyMargin,
		Sound:            s.SoundEnabled,
		Vibration:        s.VibrationEnabled,
	}
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) (*notify.Dispatcher, error) {
	n := cfg.Notify
	guard := notify.GuardOptions{
		MaxFailures:   n.BreakerMaxFailures,
		OpenTimeout:   n.BreakerTimeout,
		RatePerMinute: n.RatePerMinute,
	}

	var senders []notify.Sender
	if n.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{Token: n.Telegram.BotToken, Enabled: true}, logger.Named("telegram"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		senders = append(senders, notify.NewGuarded(bot, guard, logger))
	}
	if n.Discord.Enabled {
		bot, err := discord.NewBot(discord.Config{Token: n.Discord.Token, Enabled: true}, logger.Named("discord"))
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		senders = append(senders, notify.NewGuarded(bot, guard, logger))
	}
	if n.Webhook.Enabled {
		senders = append(senders, notify.NewGuarded(notify.NewWebhook(n.Webhook.Headers, n.Timeout), guard, logger))
	}

	return notify.NewDispatcher(contactsFrom(cfg), senders, n.PatientName, n.Timeout, logger.Named("notify")), nil
}

func contactsFrom(cfg *config.Config) []notify.Contact {
	out := make([]notify.Contact, 0, len(cfg.Notify.Contacts))
	for i, c := range cfg.Notify.Contacts {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("contact-%d", i+1)
		}
		out = append(out, notify.Contact{
			ID:      id,
			Name:    c.Name,
			Channel: c.Channel,
			Address: c.Address,
			Primary: c.Primary,
		})
	}
	return out
}

// ApplyConfig applies a reloaded configuration. Reminder settings, the
// grace period and contacts take effect immediately; everything else needs
// a restart.
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	a.Notifier.SetContacts(contactsFrom(cfg))
	n, err := a.Tracker.ApplySettings(ctx, SettingsFrom(cfg), cfg.Scheduling.GracePeriod)
	a.Config = cfg
	a.Logger.Info("Configuration reloaded",
		zap.Int("reminder_interval", cfg.Scheduling.ReminderInterval),
		zap.Int("max_reminders", cfg.Scheduling.MaxReminders),
		zap.Duration("grace_period", cfg.Scheduling.GracePeriod),
		zap.Int("contacts", len(cfg.Notify.Contacts)),
		zap.Int("alerts", n),
	)
	return err
}

// RunServer starts the engine, maintenance jobs and HTTP API, and blocks
// until SIGINT or SIGTERM.
func (a *App) RunServer(ctx context.Context) error {
	if err := a.Tracker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	if a.CronRunner != nil {
		if err := a.CronRunner.Start(); err != nil {
			a.Logger.Error("Failed to start cron runner", zap.Error(err))
		}
	}

	server := api.New(a.Config, a.Tracker, a.Logger.Named("api"), a.Version)
	go func() {
		if err := server.Start(); err != nil {
			a.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	a.Logger.Info("Server started",
		zap.String("address", a.Config.Server.Address),
		zap.Int("port", a.Config.Server.Port),
		zap.String("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)),
		zap.Int("medications", len(a.Tracker.Medications())),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down...")

	if a.CronRunner != nil {
		a.CronRunner.Stop()
	}
	a.Tracker.Stop()

	if err := server.Shutdown(); err != nil {
		a.Logger.Error("Server shutdown error", zap.Error(err))
	}
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
