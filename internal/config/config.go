// Package config loads runtime configuration for the gateway from
// environment variables and an optional config file, via Viper.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the WebSocket listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// WebSocketConfig controls session behaviour and per-connection tuning.
type WebSocketConfig struct {
	Path            string `mapstructure:"path"`
	SendChannelSize int    `mapstructure:"send_channel_size"`
	EventQueueSize  int    `mapstructure:"event_queue_size"`
}

// StoreConfig identifies the PostgreSQL-backed channel store.
type StoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// CacheConfig identifies the optional Redis read-through channel cache.
type CacheConfig struct {
	DSN string        `mapstructure:"dsn"`
	TTL time.Duration `mapstructure:"ttl"`
}

// MetricsConfig controls the diagnostics HTTP endpoints.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.handshake_timeout", 10*time.Second)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.send_channel_size", 256)
	v.SetDefault("websocket.event_queue_size", 4096)

	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)

	v.SetDefault("cache.ttl", 2*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "odin-ws")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("odin")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ODIN")
	// Nested keys map to underscore-separated env names, e.g.
	// server.host -> ODIN_SERVER_HOST.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Attempt to read config file (optional).
	_ = v.ReadInConfig()

	// socket_addr (env ODIN_SOCKET_ADDR) is an alternative single-string
	// bind address; if set it takes priority over the split
	// server.host/server.port pair.
	if addr := v.GetString("socket_addr"); addr != "" {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse SOCKET_ADDR %q: %w", addr, err)
		}
		v.Set("server.host", host)
		v.Set("server.port", port)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.SendChannelSize <= 0 {
		cfg.WebSocket.SendChannelSize = 256
	}
	if cfg.WebSocket.EventQueueSize <= 0 {
		cfg.WebSocket.EventQueueSize = 4096
	}

	return cfg, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, port, nil
}
