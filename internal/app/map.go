package app

import (
	"fmt"
	"strings"
	"time"

	"remindd/internal/bridge"
	"remindd/internal/config"
	"remindd/internal/control"
	"remindd/internal/httpapi"
	"remindd/internal/scheduler"
	"remindd/internal/slo"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

// Config file sections carry duration strings; these mappers parse them
// into the runtime configs each service takes. Every mapper is also run
// by the reload validator so a broken file never reaches a live service.

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./remindd.db"
		}
	case "memory":
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	retryBase, err := config.ParseDurationField("scheduler.retry_base", sc.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", sc.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	deliverTimeout, err := config.ParseDurationField("scheduler.deliver_timeout", sc.DeliverTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	idleWait, err := config.ParseDurationField("scheduler.idle_wait", sc.IdleWait)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.Workers < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.workers must be >= 0")
	}
	if sc.RetryMax < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	return scheduler.Config{
		Workers:        sc.Workers,
		QueueSize:      sc.QueueSize,
		RetryMax:       sc.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		DeliverTimeout: deliverTimeout,
		DispatchBatch:  sc.DispatchBatch,
		IdleWait:       idleWait,
		ReconcileSpec:  sc.ReconcileSpec,
		ReportSpec:     sc.ReportSpec,
	}, nil
}

func mapControlConfig(cfg *config.Config) control.Config {
	return control.Config{
		MaxTitleLen: cfg.Control.MaxTitleLen,
		MaxBodyLen:  cfg.Control.MaxBodyLen,
	}
}

func mapSLOConfig(cfg *config.Config) (slo.Config, error) {
	target, err := config.ParseDurationField("slo.target", cfg.SLO.Target)
	if err != nil {
		return slo.Config{}, err
	}
	return slo.Config{Target: target}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	readTimeout, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	writeTimeout, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idleTimeout, err := config.ParseDurationField("http.idle_timeout", hc.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      hc.Enabled,
		Addr:         strings.TrimSpace(hc.Addr),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, nil
}

// buildBridge constructs the configured transport wrapped with the rate
// limit and per-call timeout.
func buildBridge(cfg *config.Config, log logx.Logger) (bridge.Bridge, error) {
	timeout, err := config.ParseDurationField("bridge.timeout", cfg.Bridge.Timeout)
	if err != nil {
		return nil, err
	}

	var inner bridge.Bridge
	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Kind)) {
	case "", "log":
		inner = bridge.NewLog(log)
	case "telegram":
		tb, err := bridge.NewTelegram(bridge.TelegramConfig{
			Token:   cfg.Bridge.Telegram.Token,
			ChatIDs: cfg.Bridge.Telegram.ChatIDs,
		}, log)
		if err != nil {
			return nil, err
		}
		inner = tb
	default:
		return nil, fmt.Errorf("unknown bridge.kind: %s", cfg.Bridge.Kind)
	}
	return bridge.Limit(inner, cfg.Bridge.RatePerSec, timeout), nil
}
