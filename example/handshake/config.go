package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// config holds the settings of the example binary. Defaults come from the struct tags and can be
// overridden by environment variables, then by command line flags.
type config struct {
	Host     string `env:"MCP_HOST,default=127.0.0.1"`
	SSEPort  int    `env:"MCP_SSE_PORT,default=8080,strict"`
	HTTPPort int    `env:"MCP_HTTP_PORT,default=8081,strict"`

	// Endpoint is the handshake URL announced to clients. Empty means http://localhost:<HTTPPort>.
	Endpoint         string        `env:"MCP_ENDPOINT"`
	AnnounceInterval time.Duration `env:"MCP_ANNOUNCE_INTERVAL,default=1s,strict"`

	LogLevel  string `env:"MCP_LOG_LEVEL,default=info"`
	LogFormat string `env:"MCP_LOG_FORMAT,default=text"`

	Strict     bool          `env:"MCP_STRICT,default=false,strict"`
	SessionTTL time.Duration `env:"MCP_SESSION_TTL,default=30m,strict"`

	ServerName    string `env:"MCP_SERVER_NAME,default=mcp-handshake"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=0.1.0"`
}

// loadConfig decodes the environment. On error the fields decoded so far are still returned, so
// the flags can be registered with them.
func loadConfig() (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	return cfg, nil
}

// bindFlags registers the flags overriding cfg. The current values of cfg are the flag defaults.
func (c *config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "interface both transports bind to")
	fs.IntVar(&c.SSEPort, "sse-port", c.SSEPort, "port of the event-stream transport")
	fs.IntVar(&c.HTTPPort, "http-port", c.HTTPPort, "port of the handshake transport")
	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "handshake URL announced to clients")
	fs.DurationVar(&c.AnnounceInterval, "announce-interval", c.AnnounceInterval, "period between two announcements")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.BoolVar(&c.Strict, "strict", c.Strict, "check protocol versions and track sessions")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "lifetime of a session in strict mode")
	fs.StringVar(&c.ServerName, "server-name", c.ServerName, "server name sent in serverInfo")
	fs.StringVar(&c.ServerVersion, "server-version", c.ServerVersion, "server version sent in serverInfo")
}

func (c config) validate() error {
	var errs []error
	if c.SSEPort < 0 || c.SSEPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid sse port %d", c.SSEPort))
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTPPort))
	}
	if c.AnnounceInterval <= 0 {
		errs = append(errs, fmt.Errorf("announce interval must be positive, got %s", c.AnnounceInterval))
	}
	if c.Strict && c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// newLogger builds the process logger. validate must have been called.
func (c config) newLogger(w io.Writer) *slog.Logger {
	lvl, _ := c.level()
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
