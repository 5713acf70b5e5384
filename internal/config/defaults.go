package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 3000
	DefaultBarkURL = "https://api.day.app"

	GatewayBark     = "bark"
	GatewayTelegram = "telegram"

	// EnvPrefix is the prefix of environment overrides (BARK_DEVICE_KEY, ...).
	EnvPrefix = "BARK_"
)

// ApplyDefaults fills fields that have a fixed default.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if strings.TrimSpace(c.Bark.URL) == "" {
		c.Bark.URL = DefaultBarkURL
	}
	c.Gateway = strings.ToLower(strings.TrimSpace(c.Gateway))
	if c.Gateway == "" {
		c.Gateway = GatewayBark
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv in
// production.
//
// Recognized: BARK_HOST, BARK_PORT, BARK_URL (or BARK_BARK_URL),
// BARK_DEVICE_KEY, BARK_PASSWORD, BARK_GATEWAY, BARK_LOG_LEVEL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	if v, ok := get("HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := get("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: invalid port %q", EnvPrefix, v)
		}
		c.Server.Port = p
	}
	if v, ok := get("BARK_URL"); ok {
		c.Bark.URL = v
	}
	if v, ok := get("URL"); ok {
		c.Bark.URL = v
	}
	if v, ok := get("DEVICE_KEY"); ok {
		c.Bark.DeviceKey = v
	}
	if v, ok := get("PASSWORD"); ok {
		c.Auth.Password = v
	}
	if v, ok := get("GATEWAY"); ok {
		c.Gateway = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return nil
}

// ListenAddr returns host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
