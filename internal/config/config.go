package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds all runtime configuration for the call relay.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort          int
	TLSCert           string
	TLSKey            string
	TLSCA             string // optional CA bundle appended to the served chain
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
	LogFile           string // optional rotating log file, mirrored to stdout
	LogMaxSizeMB      int
	LogMaxBackups     int
	AppID             string // provider application id (HTTP Basic user)
	AppKey            string // provider application key (HTTP Basic password)
	VoiceAPIURL       string // base URL of the provider's voice REST API
	RoomID            string // video room the caller is bridged into
	PublicWebhookHost string // public base URL the provider posts webhooks to
	CORSOrigins       string
	JoinTimeout       time.Duration // hang up this long after the call joins the room
	ShutdownGrace     time.Duration // forced exit if graceful close hangs
	StreamBacklog     int           // messages replayed to a new stream subscriber
	StreamBuffer      int           // per-subscriber buffered messages before drops
	ActionRetries     int           // attempts for idempotent call-control actions
}

// defaults
const (
	defaultHTTPPort      = 3000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultLogMaxSizeMB  = 50
	defaultLogMaxBackups = 3
	defaultVoiceAPIURL   = "https://api.enablex.io/voice/v1"
	defaultJoinTimeout   = 20 * time.Second
	defaultShutdownGrace = 10 * time.Second
	defaultStreamBacklog = 32
	defaultStreamBuffer  = 64
	defaultActionRetries = 3
)

// envPrefix is the prefix for all call relay environment variables.
const envPrefix = "CALLRELAY_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callrelay", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP(S) server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.TLSCA, "tls-ca", "", "path to an optional CA certificate bundle")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "path to a rotating log file (stdout only if empty)")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size-mb", defaultLogMaxSizeMB, "rotate the log file after this many megabytes")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", defaultLogMaxBackups, "number of rotated log files to keep")
	fs.StringVar(&cfg.AppID, "app-id", "", "voice provider application id")
	fs.StringVar(&cfg.AppKey, "app-key", "", "voice provider application key")
	fs.StringVar(&cfg.VoiceAPIURL, "voice-api-url", defaultVoiceAPIURL, "base URL of the voice provider REST API")
	fs.StringVar(&cfg.RoomID, "room-id", "", "video room id the inbound call joins")
	fs.StringVar(&cfg.PublicWebhookHost, "public-webhook-host", "", "public base URL of this service, used to print the webhook URL")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", defaultJoinTimeout, "hang up the call this long after it joins the video room")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", defaultShutdownGrace, "force exit if graceful shutdown takes longer than this")
	fs.IntVar(&cfg.StreamBacklog, "stream-backlog", defaultStreamBacklog, "status messages replayed to a newly connected stream client")
	fs.IntVar(&cfg.StreamBuffer, "stream-buffer", defaultStreamBuffer, "buffered status messages per stream client before dropping")
	fs.IntVar(&cfg.ActionRetries, "action-retries", defaultActionRetries, "attempts for idempotent call-control actions (accept, join room)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envNames maps each flag to the environment variables consulted for it,
// in order. The unprefixed names are the ones the provider's sample apps
// document and are kept so existing .env files keep working.
var envNames = map[string][]string{
	"http-port":           {envPrefix + "HTTP_PORT", "SERVICE_PORT"},
	"tls-cert":            {envPrefix + "TLS_CERT", "CERTIFICATE_SSL_CERT"},
	"tls-key":             {envPrefix + "TLS_KEY", "CERTIFICATE_SSL_KEY"},
	"tls-ca":              {envPrefix + "TLS_CA", "CERTIFICATE_SSL_CACERTS"},
	"log-level":           {envPrefix + "LOG_LEVEL"},
	"log-format":          {envPrefix + "LOG_FORMAT"},
	"log-file":            {envPrefix + "LOG_FILE"},
	"log-max-size-mb":     {envPrefix + "LOG_MAX_SIZE_MB"},
	"log-max-backups":     {envPrefix + "LOG_MAX_BACKUPS"},
	"app-id":              {envPrefix + "APP_ID", "ENABLEX_APP_ID"},
	"app-key":             {envPrefix + "APP_KEY", "ENABLEX_APP_KEY"},
	"voice-api-url":       {envPrefix + "VOICE_API_URL"},
	"room-id":             {envPrefix + "ROOM_ID", "VIDEO_ROOMID"},
	"public-webhook-host": {envPrefix + "PUBLIC_WEBHOOK_HOST", "PUBLIC_WEBHOOK_HOST"},
	"cors-origins":        {envPrefix + "CORS_ORIGINS"},
	"join-timeout":        {envPrefix + "JOIN_TIMEOUT"},
	"shutdown-grace":      {envPrefix + "SHUTDOWN_GRACE"},
	"stream-backlog":      {envPrefix + "STREAM_BACKLOG"},
	"stream-buffer":       {envPrefix + "STREAM_BUFFER"},
	"action-retries":      {envPrefix + "ACTION_RETRIES"},
}

// lookupEnv returns the first non-empty value among names.
func lookupEnv(names []string) (string, bool) {
	for _, name := range names {
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val, true
		}
	}
	return "", false
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Values that fail to parse are
// ignored and the default stays in effect.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, names := range envNames {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(names)
		if !ok {
			continue
		}
		switch flagName {
		case "http-port":
			setInt(&cfg.HTTPPort, val)
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "tls-ca":
			cfg.TLSCA = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "log-file":
			cfg.LogFile = val
		case "log-max-size-mb":
			setInt(&cfg.LogMaxSizeMB, val)
		case "log-max-backups":
			setInt(&cfg.LogMaxBackups, val)
		case "app-id":
			cfg.AppID = val
		case "app-key":
			cfg.AppKey = val
		case "voice-api-url":
			cfg.VoiceAPIURL = val
		case "room-id":
			cfg.RoomID = val
		case "public-webhook-host":
			cfg.PublicWebhookHost = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "join-timeout":
			setDuration(&cfg.JoinTimeout, val)
		case "shutdown-grace":
			setDuration(&cfg.ShutdownGrace, val)
		case "stream-backlog":
			setInt(&cfg.StreamBacklog, val)
		case "stream-buffer":
			setInt(&cfg.StreamBuffer, val)
		case "action-retries":
			setInt(&cfg.ActionRetries, val)
		}
	}
}

func setInt(dst *int, val string) {
	if v, err := strconv.Atoi(val); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, val string) {
	if v, err := time.ParseDuration(val); err == nil {
		*dst = v
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.TLSCA != "" && c.TLSCert == "" {
		return fmt.Errorf("tls-ca requires tls-cert and tls-key")
	}

	if c.AppID == "" || c.AppKey == "" {
		return fmt.Errorf("app-id and app-key are required")
	}
	if c.RoomID == "" {
		return fmt.Errorf("room-id is required")
	}
	if !strings.HasPrefix(c.VoiceAPIURL, "http://") && !strings.HasPrefix(c.VoiceAPIURL, "https://") {
		return fmt.Errorf("voice-api-url must be an http(s) URL, got %q", c.VoiceAPIURL)
	}
	c.VoiceAPIURL = strings.TrimRight(c.VoiceAPIURL, "/")
	c.PublicWebhookHost = strings.TrimRight(c.PublicWebhookHost, "/")

	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join-timeout must be positive, got %s", c.JoinTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown-grace must be positive, got %s", c.ShutdownGrace)
	}
	if c.StreamBacklog < 0 {
		return fmt.Errorf("stream-backlog must not be negative, got %d", c.StreamBacklog)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("stream-buffer must be at least 1, got %d", c.StreamBuffer)
	}
	if c.ActionRetries < 1 {
		return fmt.Errorf("action-retries must be at least 1, got %d", c.ActionRetries)
	}
	if c.LogMaxSizeMB < 1 {
		return fmt.Errorf("log-max-size-mb must be at least 1, got %d", c.LogMaxSizeMB)
	}

	return nil
}

// TLSEnabled returns true if a certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// WebhookURL returns the URL to register at the provider portal, or an
// empty string when no public host is configured.
func (c *Config) WebhookURL() string {
	if c.PublicWebhookHost == "" {
		return ""
	}
	return c.PublicWebhookHost + "/event"
}

// LogWriter returns the destination for log output. With a log file
// configured, output goes to both stdout and a lumberjack rotating file;
// the returned closer must be closed on exit.
func (c *Config) LogWriter() (io.Writer, io.Closer) {
	if c.LogFile == "" {
		return os.Stdout, nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator), rotator
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
