package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./r.db", "busy_timeout": "2s"},
		"scheduler": {"workers": 4, "retry_base": "250ms", "reconcile_spec": "@every 30s"},
		"slo": {"target": "10s"},
		"bridge": {"kind": "log", "rate_per_sec": 5},
		"http": {"enabled": true, "addr": "127.0.0.1:9090"}
	}`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.RetryBase != "250ms" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: info",
		"storage:",
		"  driver: memory",
		"scheduler:",
		"  workers: 2",
		"  idle_wait: 30s",
		"bridge:",
		"  kind: telegram",
		"  telegram:",
		"    token: abc123",
		"    chat_ids:",
		"      u1: 42",
		"http:",
		"  enabled: false",
	}, "\n"))

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Scheduler.IdleWait != "30s" {
		t.Fatalf("parsed = %+v", cfg)
	}
	if cfg.Bridge.Telegram.Token != "abc123" || cfg.Bridge.Telegram.ChatIDs["u1"] != 42 {
		t.Fatalf("bridge = %+v", cfg.Bridge)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage": {"driver": "sqlite", "flavor": "vanilla"}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error on unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage": {"driver": "sqlite"}} {"again": true}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error on trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty config", mutate: func(*Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Scheduler.RetryBase = "fast" }, wantErr: "retry_base"},
		{name: "bad slo target", mutate: func(c *Config) { c.SLO.Target = "30 seconds" }, wantErr: "slo.target"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.driver"},
		{name: "bad cron spec", mutate: func(c *Config) { c.Scheduler.ReconcileSpec = "every minute" }, wantErr: "reconcile_spec"},
		{name: "unknown bridge", mutate: func(c *Config) { c.Bridge.Kind = "carrier-pigeon" }, wantErr: "bridge.kind"},
		{name: "telegram without token", mutate: func(c *Config) { c.Bridge.Kind = "telegram" }, wantErr: "token"},
		{name: "telegram with token", mutate: func(c *Config) {
			c.Bridge.Kind = "telegram"
			c.Bridge.Telegram.Token = "abc"
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "debug"
	newCfg.Scheduler.Workers = 8
	newCfg.Bridge.Telegram.Token = "secret-token"

	sections, fields := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "scheduler": true, "bridge": true}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, sections)
		}
	}
	// The token value itself must never make it into log fields.
	var buf bytes.Buffer
	ev := zerolog.New(&buf).Info()
	for _, f := range fields {
		f(ev)
	}
	ev.Msg("change")
	if strings.Contains(buf.String(), "secret-token") {
		t.Fatal("token value leaked into change summary")
	}

	if sections, _ := SummarizeConfigChange(oldCfg, oldCfg); len(sections) != 0 {
		t.Fatalf("no-op change reported sections %v", sections)
	}
}
