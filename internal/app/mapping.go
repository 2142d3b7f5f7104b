package app

import (
	"fmt"

	"reminderd/internal/config"
	"reminderd/internal/connection"
	"reminderd/internal/notifier"
	"reminderd/internal/reconcile"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/execution"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:         sc.Driver,
		DSN:            sc.DSN,
		BusyTimeout:    sc.BusyTimeout.D(),
		MaxOpenConns:   sc.MaxOpenConns,
		ConnectTimeout: sc.ConnectTimeout.D(),
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:     cfg.Engine.Workers,
		KindLimits:  cfg.Engine.KindLimits,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval.D(),
		BatchSize:    cfg.Scheduler.BatchSize,
		LockLifetime: cfg.Scheduler.LockLifetime.D(),
	}
}

func mapPolicy(cfg *config.Config) execution.Policy {
	ec := cfg.Execution
	return execution.Policy{
		Base:       ec.BackoffBase,
		Unit:       ec.BackoffUnit.D(),
		MaxBackoff: ec.MaxBackoff.D(),
		RetryCap:   ec.RetryCap,
		Timeout:    ec.Timeout.D(),
	}
}

func mapConnectionConfig(cfg *config.Config) connection.Config {
	return connection.Config{
		Unit:        cfg.Connection.Unit.D(),
		MaxInterval: cfg.Connection.MaxInterval.D(),
		MaxAttempts: cfg.Connection.MaxAttempts,
	}
}

func mapReconcileConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{Interval: cfg.Reconcile.Interval.D()}
}

// buildNotifier returns the delivery chain: transport, then rate limit, then
// dedup as the outermost layer so a suppressed duplicate never takes a token.
func buildNotifier(cfg *config.Config, log logx.Logger) (notifier.Notifier, error) {
	nc := cfg.Notifier
	var base notifier.Notifier
	switch nc.Driver {
	case config.NotifierLog, "":
		base = notifier.NewLog(log)
	case config.NotifierTelegram:
		tg, err := notifier.NewTelegram(notifier.TelegramConfig{
			Token: nc.Telegram.Token,
			Chats: nc.Telegram.Chats,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		base = tg
	default:
		return nil, fmt.Errorf("unknown notifier.driver: %s", nc.Driver)
	}

	var n notifier.Notifier = base
	if nc.RatePerSec > 0 {
		n = notifier.NewRateLimited(n, nc.RatePerSec, nc.Burst)
	}
	if nc.DedupWindow > 0 {
		n = notifier.NewDeduped(n, nc.DedupWindow.D(), nc.DedupMaxEntries)
	}
	return n, nil
}
