package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate reports every problem found, joined.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.RequestsPerSec < 0 {
		add("server.requests_per_sec: must be >= 0")
	}

	switch c.Gateway {
	case GatewayBark:
		if strings.TrimSpace(c.Bark.DeviceKey) == "" {
			add("bark.device_key is required (set it in the config file or via %sDEVICE_KEY)", EnvPrefix)
		}
		if u, err := url.Parse(c.Bark.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("bark.url: invalid url %q", c.Bark.URL)
		}
	case GatewayTelegram:
		if c.Telegram == nil || strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token is required when gateway=telegram")
		} else if c.Telegram.ChatID == 0 {
			add("telegram.chat_id is required when gateway=telegram")
		}
	default:
		add("gateway: unknown gateway %q (want bark or telegram)", c.Gateway)
	}

	if te := c.TaskEngine; te != nil && (te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0) {
		add("task_engine: workers/queue_size/history_size must be >= 0")
	}
	if n := c.Notifier; n != nil {
		if n.RetryMax != nil && *n.RetryMax < 0 {
			add("notifier.retry_max: must be >= 0")
		}
		if n.RatePerSec < 0 || n.Burst < 0 {
			add("notifier: rate_per_sec/burst must be >= 0")
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	return errors.Join(errs...)
}
