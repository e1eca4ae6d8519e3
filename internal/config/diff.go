package config

import (
	"reflect"
	"strings"

	logx "remindd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (bridge tokens) are reported
// only as presence flags, never as values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.retry_max", newCfg.Scheduler.RetryMax),
			logx.String("scheduler.reconcile_spec", newCfg.Scheduler.ReconcileSpec),
		)
	}

	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
	}

	if oldCfg.SLO != newCfg.SLO {
		changed = append(changed, "slo")
		attrs = append(attrs, logx.String("slo.target", strings.TrimSpace(newCfg.SLO.Target)))
	}

	// Bridge (never log token values).
	if oldCfg.Bridge.Kind != newCfg.Bridge.Kind ||
		oldCfg.Bridge.RatePerSec != newCfg.Bridge.RatePerSec ||
		oldCfg.Bridge.Timeout != newCfg.Bridge.Timeout ||
		(strings.TrimSpace(oldCfg.Bridge.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Bridge.Telegram.Token) != "") ||
		!reflect.DeepEqual(oldCfg.Bridge.Telegram.ChatIDs, newCfg.Bridge.Telegram.ChatIDs) {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.String("bridge.kind", strings.TrimSpace(newCfg.Bridge.Kind)),
			logx.Int("bridge.rate_per_sec", newCfg.Bridge.RatePerSec),
			logx.Bool("bridge.token_set", strings.TrimSpace(newCfg.Bridge.Telegram.Token) != ""),
			logx.Int("bridge.chat_count", len(newCfg.Bridge.Telegram.ChatIDs)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	return changed, attrs
}
