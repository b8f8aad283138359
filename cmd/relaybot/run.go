package main

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/bridge"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/correlation"
	"relaybot/internal/domain"
	"relaybot/internal/journal"
	"relaybot/internal/metrics"
	"relaybot/internal/progress"
	"relaybot/internal/schedule"
	"relaybot/internal/supervisor"
	"relaybot/internal/whatsapp"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// runRelay wires every component from cfg and blocks until ctx is cancelled.
func runRelay(ctx context.Context, cfg *config.Config) error {
	store, err := correlation.Open(correlation.Config{
		Path:            cfg.Store.Path,
		BackupDir:       cfg.Store.BackupDir,
		BackupRetention: cfg.Store.BackupRetention,
		BackupInterval:  seconds(float64(cfg.Store.BackupIntervalSeconds)),
		MaxEntries:      cfg.Store.MaxEntries,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	events := bus.NewEventBus(logger)
	queues := bus.NewOutboundQueues(cfg.AccountIDs(), cfg.Polling.QueueSize, logger)

	if cfg.Journal.Enabled {
		jr, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jr.Close()
		if cfg.Journal.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Journal.RetentionDays)
			if n, err := jr.Prune(ctx, cutoff); err != nil {
				logger.Warn("journal prune failed", "err", err)
			} else if n > 0 {
				logger.Info("journal pruned", "rows", n, "before", cutoff.Format(time.DateOnly))
			}
		}
		jr.Attach(events)
	}

	var pipeline *bridge.Pipeline
	status := func() string {
		if pipeline == nil {
			return "Starting up."
		}
		return pipeline.Status().String()
	}

	var ch domain.NotificationChannel
	switch cfg.Channel.Kind {
	case "discord":
		ch = channel.NewDiscord(channel.DiscordConfig{
			Token:     cfg.Channel.Discord.Token,
			ChannelID: cfg.Channel.Discord.ChannelID,
			MediaDir:  cfg.Channel.MediaDir,
			Status:    status,
			Logger:    logger,
		})
	case "slack":
		ch = channel.NewSlack(channel.SlackConfig{
			BotToken:  cfg.Channel.Slack.BotToken,
			AppToken:  cfg.Channel.Slack.AppToken,
			ChannelID: cfg.Channel.Slack.ChannelID,
			Status:    status,
			Logger:    logger,
		})
	default:
		ch = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channel.Telegram.Token,
			ChatID:    cfg.Channel.Telegram.ChatID,
			AllowFrom: cfg.Channel.Telegram.AllowFrom,
			ParseMode: cfg.Channel.Telegram.ParseMode,
			MediaDir:  cfg.Channel.MediaDir,
			Status:    status,
			Logger:    logger,
		})
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)

	var adapters []domain.SourceAdapter
	for _, acct := range cfg.Accounts {
		sel, err := whatsapp.LoadSelectors(acct.SelectorsFile)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.ID, err)
		}
		a := whatsapp.New(whatsapp.Config{
			AccountID:  acct.ID,
			ProfileDir: cfg.ProfileDir(acct),
			Headless:   acct.Headless,
			MediaDir:   cfg.Channel.MediaDir,
			Selectors:  sel,
			Logger:     logger,
		})
		defer a.Close()
		if acct.SelectorsFile != "" {
			go func() {
				if err := whatsapp.WatchSelectors(acct.SelectorsFile, a.SetSelectors, logger, stopWatch); err != nil {
					logger.Warn("selector hot reload disabled", "account", acct.ID, "err", err)
				}
			}()
		}
		adapters = append(adapters, a)
	}

	scheduler := schedule.New(schedule.Config{
		BaseDelay:   seconds(cfg.Polling.BaseDelaySeconds),
		MaxDelay:    seconds(cfg.Polling.MaxDelaySeconds),
		ActiveDelay: seconds(cfg.Polling.ActiveDelaySeconds),
	})
	pipeline, err = bridge.New(bridge.Config{
		Adapters:   adapters,
		Channel:    ch,
		Store:      store,
		Scheduler:  scheduler,
		Tracker:    progress.NewTracker(ch, logger),
		Queues:     queues,
		Events:     events,
		Logger:     logger,
		ScanRetry:  seconds(cfg.Polling.ScanRetrySeconds),
		ErrorPause: seconds(cfg.Polling.ErrorPauseSeconds),
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		m := metrics.NewRelay(metrics.NewRegistry(metrics.Prefix))
		m.Attach(events)
		m.TrackCorrelations(store.Len)
		for _, id := range cfg.AccountIDs() {
			m.TrackQueue(id, func() int { return queues.Depth(id) })
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, m.Registry(), logger); err != nil {
				logger.Error("metrics endpoint stopped", "addr", cfg.Metrics.Addr, "err", err)
			}
		}()
	}

	logger.Info("relay starting",
		"version", version,
		"channel", ch.Name(),
		"accounts", cfg.AccountIDs(),
		"correlations", store.Len(),
	)

	sup := supervisor.New(supervisor.Config{
		Store:           store,
		Pipeline:        pipeline,
		Channel:         ch,
		Queues:          queues,
		Events:          events,
		Logger:          logger,
		PersistInterval: seconds(float64(cfg.Store.PersistIntervalSeconds)),
	})
	return sup.Run(ctx)
}
