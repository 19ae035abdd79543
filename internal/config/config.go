// Package config resolves server settings from the environment, then from
// command-line flags, which take precedence.
package config

import (
	"flag"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

type Config struct {
	Port          int
	DBPath        string // empty disables the room directory
	AllowedOrigin string

	LogLevel  slog.Level
	LogFormat string

	MessagesPerSecond float64
	MessageBurst      int
	SendBuffer        int

	ConnectsPerSecond float64
	ConnectBurst      int

	SyncInterval time.Duration

	MDNS         bool
	MDNSInstance string
}

func Default() Config {
	return Config{
		Port:              8080,
		DBPath:            "~/.boardify/rooms.db",
		AllowedOrigin:     "*",
		LogLevel:          slog.LevelInfo,
		LogFormat:         "text",
		MessagesPerSecond: 100,
		MessageBurst:      200,
		SendBuffer:        512,
		ConnectsPerSecond: 5,
		ConnectBurst:      20,
		SyncInterval:      30 * time.Second,
	}
}

// Load reads environment variables through getenv, then parses args.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	level := cfg.LogLevel.String()
	fs := flag.NewFlagSet("boardify", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "room directory sqlite path (empty disables)")
	fs.StringVar(&cfg.AllowedOrigin, "origin", cfg.AllowedOrigin, "allowed WebSocket/CORS origin")
	fs.StringVar(&level, "log-level", level, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.Float64Var(&cfg.MessagesPerSecond, "rate", cfg.MessagesPerSecond, "inbound frames per second per client (0 = unlimited)")
	fs.IntVar(&cfg.MessageBurst, "burst", cfg.MessageBurst, "inbound frame burst per client")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound frames buffered per client")
	fs.Float64Var(&cfg.ConnectsPerSecond, "connect-rate", cfg.ConnectsPerSecond, "connection attempts per second per host (0 = unlimited)")
	fs.IntVar(&cfg.ConnectBurst, "connect-burst", cfg.ConnectBurst, "connection attempt burst per host")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "room directory sync interval")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise the relay over mDNS")
	fs.StringVar(&cfg.MDNSInstance, "mdns-instance", cfg.MDNSInstance, "mDNS instance name (default hostname)")

	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "parse flags")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return Config{}, errors.Wrapf(err, "log level %q", level)
	}

	if cfg.DBPath != "" {
		path, err := homedir.Expand(cfg.DBPath)
		if err != nil {
			return Config{}, errors.Wrapf(err, "expand db path %q", cfg.DBPath)
		}
		cfg.DBPath = path
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "PORT %q", v)
		}
		c.Port = port
	}
	if v, ok := lookup(getenv, "BOARDIFY_DB_PATH"); ok {
		c.DBPath = v
	}
	if v := getenv("BOARDIFY_ALLOWED_ORIGIN"); v != "" {
		c.AllowedOrigin = v
	}
	if v := getenv("BOARDIFY_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return errors.Wrapf(err, "BOARDIFY_LOG_LEVEL %q", v)
		}
	}
	if v := getenv("BOARDIFY_LOG_FORMAT"); v != "" {
		c.LogFormat = strings.ToLower(v)
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"BOARDIFY_RATE", &c.MessagesPerSecond},
		{"BOARDIFY_CONNECT_RATE", &c.ConnectsPerSecond},
	}
	for _, f := range floats {
		if v := getenv(f.key); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return errors.Wrapf(err, "%s %q", f.key, v)
			}
			*f.dst = n
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BOARDIFY_BURST", &c.MessageBurst},
		{"BOARDIFY_SEND_BUFFER", &c.SendBuffer},
		{"BOARDIFY_CONNECT_BURST", &c.ConnectBurst},
	}
	for _, f := range ints {
		if v := getenv(f.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s %q", f.key, v)
			}
			*f.dst = n
		}
	}

	if v := getenv("BOARDIFY_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "BOARDIFY_SYNC_INTERVAL %q", v)
		}
		c.SyncInterval = d
	}
	if v := getenv("BOARDIFY_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "BOARDIFY_MDNS %q", v)
		}
		c.MDNS = b
	}
	if v := getenv("BOARDIFY_MDNS_INSTANCE"); v != "" {
		c.MDNSInstance = v
	}
	return nil
}

// BOARDIFY_DB_PATH may be set to "-" to disable the directory from the
// environment, since an empty variable is indistinguishable from unset.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	if v == "-" {
		return "", true
	}
	return v, true
}

func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return errors.Errorf("port %d out of range", c.Port)
	case c.MessagesPerSecond < 0:
		return errors.Errorf("rate %v must not be negative", c.MessagesPerSecond)
	case c.MessageBurst < 1:
		return errors.Errorf("burst %d must be at least 1", c.MessageBurst)
	case c.SendBuffer < 1:
		return errors.Errorf("send buffer %d must be at least 1", c.SendBuffer)
	case c.ConnectsPerSecond < 0:
		return errors.Errorf("connect rate %v must not be negative", c.ConnectsPerSecond)
	case c.ConnectBurst < 1:
		return errors.Errorf("connect burst %d must be at least 1", c.ConnectBurst)
	case c.SyncInterval <= 0:
		return errors.Errorf("sync interval %v must be positive", c.SyncInterval)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return errors.Errorf("log format %q must be text or json", c.LogFormat)
	}
	return nil
}

func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// NewLogger builds the process logger described by the config.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
