// Package config loads rtclient settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/rtclient/internal/identity"
	"github.com/whisper/rtclient/internal/protocol"
	"github.com/whisper/rtclient/internal/ws"
)

// Transport names accepted by RTCLIENT_TRANSPORT.
const (
	TransportGobwas  = "gobwas"
	TransportGorilla = "gorilla"
)

// Config holds everything the CLI needs to build a client and its bridges.
type Config struct {
	Origin         string        // page origin the endpoint is derived from
	ReconnectDelay time.Duration // delay before reconnecting after a close
	Transport      string        // gobwas | gorilla

	UserID    string
	UserName  string
	UserEmail string
	UserImage string

	NATSURL     string // empty disables the relay
	RedisAddr   string // empty disables the state mirror
	MetricsAddr string // empty disables /metrics

	LogLevel  string // debug | info | warn | error
	LogFormat string // text | json
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Origin:         "http://localhost:8080",
		ReconnectDelay: ws.DefaultConfig().ReconnectDelay,
		Transport:      TransportGobwas,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads .env files (a missing file is fine) and then the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables on top of
// DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Origin = envString("RTCLIENT_ORIGIN", cfg.Origin)
	cfg.Transport = strings.ToLower(envString("RTCLIENT_TRANSPORT", cfg.Transport))
	cfg.UserID = envString("RTCLIENT_USER_ID", "")
	cfg.UserName = envString("RTCLIENT_USER_NAME", "")
	cfg.UserEmail = envString("RTCLIENT_USER_EMAIL", "")
	cfg.UserImage = envString("RTCLIENT_USER_IMAGE", "")
	cfg.NATSURL = envString("NATS_URL", "")
	cfg.RedisAddr = envString("REDIS_ADDR", "")
	cfg.MetricsAddr = envString("METRICS_ADDR", "")
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)

	if v := envString("RTCLIENT_RECONNECT_DELAY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid RTCLIENT_RECONNECT_DELAY %q", v)
		}
		cfg.ReconnectDelay = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot produce a working client.
func (c Config) Validate() error {
	if _, err := protocol.EndpointFromOrigin(c.Origin); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Transport {
	case TransportGobwas, TransportGorilla:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("config: reconnect delay must be positive")
	}
	return nil
}

// ClientConfig returns the ws.Config for the configured origin.
func (c Config) ClientConfig() (ws.Config, error) {
	endpoint, err := protocol.EndpointFromOrigin(c.Origin)
	if err != nil {
		return ws.Config{}, fmt.Errorf("config: %w", err)
	}
	cfg := ws.DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.ReconnectDelay = c.ReconnectDelay
	return cfg, nil
}

// Dialer returns the transport dialer selected by Transport.
func (c Config) Dialer() ws.Dialer {
	def := ws.DefaultConfig()
	if c.Transport == TransportGorilla {
		return ws.GorillaDialer{WriteTimeout: def.WriteTimeout, HandshakeTimeout: def.DialTimeout}
	}
	return ws.GobwasDialer{WriteTimeout: def.WriteTimeout}
}

// Identity returns the configured user as a static identity provider. An
// empty RTCLIENT_USER_ID yields an unauthenticated provider.
func (c Config) Identity() identity.Static {
	return identity.Static{
		ID:    c.UserID,
		Name:  c.UserName,
		Email: c.UserEmail,
		Image: c.UserImage,
	}
}

// NewLogger builds a slog logger writing to w at the configured level and
// format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
