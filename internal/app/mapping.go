package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"barkd/internal/config"
	"barkd/internal/httpapi"
	"barkd/internal/notifier"
	"barkd/internal/storage"
	"barkd/internal/task/engine"
	"barkd/internal/task/scheduler"
	logx "barkd/pkg/logx"
)

const defaultRetryMax = 3

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: sc.BusyTimeout.Or(time.Second)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) engine.Config {
	out := engine.Config{Workers: 4, QueueSize: 256, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		return out
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.DefaultTimeout = te.DefaultTimeout.Std()
	return out
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:    strings.TrimSpace(cfg.Scheduler.Timezone),
		FireTimeout: cfg.Scheduler.FireTimeout.Std(),
	}
}

// mapNotifierConfig resolves the delivery policy. A nil section means defaults.
func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{RetryMax: defaultRetryMax}
	}
	out := notifier.Config{
		RatePerSec:     n.RatePerSec,
		Burst:          n.Burst,
		RetryMax:       defaultRetryMax,
		RetryBase:      n.RetryBase.Std(),
		RetryMaxDelay:  n.RetryMaxDelay.Std(),
		AttemptTimeout: n.AttemptTimeout.Std(),
		HistorySize:    n.HistorySize,
	}
	if n.RetryMax != nil {
		out.RetryMax = *n.RetryMax
	}
	return out
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:        cfg.ListenAddr(),
		Password:    cfg.Auth.Password,
		ReadTimeout: cfg.Server.ReadTimeout.Or(15 * time.Second),
		// POST /notify waits for the gateway including retries.
		WriteTimeout:    cfg.Server.WriteTimeout.Or(60 * time.Second),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Or(10 * time.Second),
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		Pprof:           cfg.Debug.Pprof,
	}
}

// buildGateway constructs the configured push gateway and what /device shows.
func buildGateway(cfg *config.Config) (notifier.Gateway, httpapi.DeviceInfo, error) {
	switch cfg.Gateway {
	case config.GatewayTelegram:
		tc := cfg.Telegram
		if tc == nil {
			return nil, httpapi.DeviceInfo{}, fmt.Errorf("telegram section is required when gateway=telegram")
		}
		gw, err := notifier.NewTelegram(notifier.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, APIURL: tc.APIURL})
		if err != nil {
			return nil, httpapi.DeviceInfo{}, err
		}
		return gw, httpapi.DeviceInfo{Gateway: gw.Name(), Key: notifier.MaskKey(tc.Token)}, nil
	default:
		client := &http.Client{Timeout: cfg.Bark.Timeout.Or(10 * time.Second)}
		gw, err := notifier.NewBark(cfg.Bark.URL, cfg.Bark.DeviceKey, client)
		if err != nil {
			return nil, httpapi.DeviceInfo{}, err
		}
		return gw, httpapi.DeviceInfo{Gateway: gw.Name(), Key: gw.MaskedKey()}, nil
	}
}
