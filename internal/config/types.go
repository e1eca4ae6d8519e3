package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Config is the full daemon configuration. JSON and YAML files are both
// accepted; all durations are Go duration strings (e.g. "500ms", "30s").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Control   ControlConfig   `json:"control,omitempty"`
	SLO       SLOConfig       `json:"slo,omitempty"`
	Bridge    BridgeConfig    `json:"bridge"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig tunes the fire path. Omitted fields fall back to
// built-in defaults.
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`

	DispatchBatch int    `json:"dispatch_batch,omitempty"`
	IdleWait      string `json:"idle_wait,omitempty"`

	// Housekeeping specs in cron syntax; "@every 1m" style works too.
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
	ReportSpec    string `json:"report_spec,omitempty"`
}

type ControlConfig struct {
	MaxTitleLen int `json:"max_title_len,omitempty"`
	MaxBodyLen  int `json:"max_body_len,omitempty"`
}

// SLOConfig sets the firing-lag objective; Target defaults to 30s.
type SLOConfig struct {
	Target string `json:"target,omitempty"`
}

// BridgeConfig selects the delivery transport.
//
// Kind values:
//   - "log": structured-log deliveries (default, useful for dev)
//   - "telegram": Telegram bot messages; requires token and chat_ids
type BridgeConfig struct {
	Kind       string               `json:"kind,omitempty"`
	RatePerSec int                  `json:"rate_per_sec,omitempty"`
	Timeout    string               `json:"timeout,omitempty"`
	Telegram   TelegramBridgeConfig `json:"telegram,omitempty"`
}

type TelegramBridgeConfig struct {
	Token string `json:"token,omitempty"`
	// ChatIDs maps reminder user ids to Telegram chat ids.
	ChatIDs map[string]int64 `json:"chat_ids,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// cronParser matches the specs the scheduler's housekeeping accepts.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects a config that would fail at apply time: bad durations,
// unknown drivers, unparsable cron specs, a telegram bridge without a
// token. Used as the ConfigManager validator so broken reloads never
// reach running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.retry_base", cfg.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay},
		{"scheduler.deliver_timeout", cfg.Scheduler.DeliverTimeout},
		{"scheduler.idle_wait", cfg.Scheduler.IdleWait},
		{"slo.target", cfg.SLO.Target},
		{"bridge.timeout", cfg.Bridge.Timeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch strings.TrimSpace(strings.ToLower(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	for _, f := range []struct{ path, spec string }{
		{"scheduler.reconcile_spec", cfg.Scheduler.ReconcileSpec},
		{"scheduler.report_spec", cfg.Scheduler.ReportSpec},
	} {
		if strings.TrimSpace(f.spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(f.spec); err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
	}

	switch strings.TrimSpace(strings.ToLower(cfg.Bridge.Kind)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Bridge.Telegram.Token) == "" {
			return fmt.Errorf("bridge.telegram.token: required when bridge.kind is telegram")
		}
	default:
		return fmt.Errorf("bridge.kind: unknown bridge %q", cfg.Bridge.Kind)
	}

	return nil
}
