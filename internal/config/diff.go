package config

import (
	"reflect"
	"sort"
	"strings"

	logx "barkd/pkg/logx"
)

// section is one top-level config block as seen by a reload. attrs must
// never include secrets (password, device key, bot token).
type section struct {
	name    string
	restart bool
	differs func(a, b *Config) bool
	attrs   func(c *Config) []logx.Field
}

var sections = []section{
	{
		name:    "server",
		restart: true,
		differs: func(a, b *Config) bool { return a.Server != b.Server },
		attrs:   func(c *Config) []logx.Field { return []logx.Field{logx.String("server.addr", c.ListenAddr())} },
	},
	{
		name:    "auth",
		differs: func(a, b *Config) bool { return a.Auth.Password != b.Auth.Password },
		attrs:   func(c *Config) []logx.Field { return []logx.Field{logx.Bool("auth.enabled", c.Auth.Password != "")} },
	},
	{
		name:    "gateway",
		restart: true,
		differs: func(a, b *Config) bool { return a.Gateway != b.Gateway },
		attrs:   func(c *Config) []logx.Field { return []logx.Field{logx.String("gateway", c.Gateway)} },
	},
	{
		name:    "bark",
		restart: true,
		differs: func(a, b *Config) bool {
			return strings.TrimSpace(a.Bark.URL) != strings.TrimSpace(b.Bark.URL) ||
				a.Bark.DeviceKey != b.Bark.DeviceKey || a.Bark.Timeout != b.Bark.Timeout
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("bark.url", strings.TrimSpace(c.Bark.URL)),
				logx.Bool("bark.device_key_set", strings.TrimSpace(c.Bark.DeviceKey) != ""),
			}
		},
	},
	{
		name:    "telegram",
		restart: true,
		differs: func(a, b *Config) bool { return !reflect.DeepEqual(a.Telegram, b.Telegram) },
		attrs: func(c *Config) []logx.Field {
			if c.Telegram == nil {
				return []logx.Field{logx.Bool("telegram.present", false)}
			}
			return []logx.Field{
				logx.Int64("telegram.chat_id", c.Telegram.ChatID),
				logx.Bool("telegram.token_set", strings.TrimSpace(c.Telegram.Token) != ""),
			}
		},
	},
	{
		name:    "logging",
		differs: func(a, b *Config) bool { return a.Logging != b.Logging },
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", c.Logging.Level),
				logx.Bool("logging.console", c.Logging.Console),
				logx.Bool("logging.file", c.Logging.File.Enabled),
			}
		},
	},
	{
		name:    "debug",
		differs: func(a, b *Config) bool { return a.Debug != b.Debug },
		attrs:   func(c *Config) []logx.Field { return []logx.Field{logx.Bool("debug.pprof", c.Debug.Pprof)} },
	},
	{
		name: "scheduler",
		differs: func(a, b *Config) bool {
			return strings.TrimSpace(a.Scheduler.Timezone) != strings.TrimSpace(b.Scheduler.Timezone) ||
				a.Scheduler.FireTimeout != b.Scheduler.FireTimeout
		},
		attrs: func(c *Config) []logx.Field {
			return []logx.Field{
				logx.String("scheduler.timezone", strings.TrimSpace(c.Scheduler.Timezone)),
				logx.Duration("scheduler.fire_timeout", c.Scheduler.FireTimeout.Std()),
			}
		},
	},
	{
		name:    "task_engine",
		restart: true,
		differs: func(a, b *Config) bool { return !reflect.DeepEqual(a.TaskEngine, b.TaskEngine) },
		attrs: func(c *Config) []logx.Field {
			te := TaskEngineConfig{}
			if c.TaskEngine != nil {
				te = *c.TaskEngine
			}
			return []logx.Field{
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
			}
		},
	},
	{
		// A nil section means runtime defaults.
		name:    "notifier",
		differs: func(a, b *Config) bool { return !reflect.DeepEqual(a.Notifier, b.Notifier) },
		attrs: func(c *Config) []logx.Field {
			n := NotifierConfig{}
			if c.Notifier != nil {
				n = *c.Notifier
			}
			retry := -1
			if n.RetryMax != nil {
				retry = *n.RetryMax
			}
			return []logx.Field{
				logx.Any("notifier.rate_per_sec", n.RatePerSec),
				logx.Int("notifier.burst", n.Burst),
				logx.Int("notifier.retry_max", retry),
			}
		},
	},
	{
		name:    "storage",
		restart: true,
		differs: func(a, b *Config) bool { return storageKey(a) != storageKey(b) },
		attrs: func(c *Config) []logx.Field {
			k := storageKey(c)
			return []logx.Field{logx.String("storage.driver", k.Driver), logx.Bool("storage.path_set", k.Path != "")}
		},
	},
}

func storageKey(c *Config) StorageConfig {
	if c.Storage == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: c.Storage.BusyTimeout,
	}
}

// SummarizeConfigChange returns the changed section names (sorted), log
// fields describing the new values without secrets, and the changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	for _, s := range sections {
		if !s.differs(oldCfg, newCfg) {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs, s.attrs(newCfg)...)
		if s.restart {
			restart = append(restart, s.name)
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
