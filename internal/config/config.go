package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/tapline/tapline/internal/g711"
)

// Config holds all runtime configuration for the Tapline server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort      int
	RTPPort       int    // shared UDP port all media legs are pointed at
	AdvertiseHost string // address handed to the control plane for media delivery (auto-detected if empty)
	RecordingsDir string
	ARIURL        string
	ARIUsername   string
	ARIPassword   string
	ARIApp        string
	ARIAuthScheme string // "basic" or "digest"
	Extensions    string // comma-separated dialplan extensions to record
	Codec         string // "ulaw" or "alaw"
	RetentionDays int    // recordings older than this are deleted; 0 disables
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
}

// defaults
const (
	defaultHTTPPort      = 8080
	defaultRTPPort       = 4000
	defaultRecordingsDir = "./recordings"
	defaultARIURL        = "http://127.0.0.1:8088"
	defaultARIApp        = "tapline"
	defaultAuthScheme    = "basic"
	defaultCodec         = "ulaw"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for all Tapline environment variables.
const envPrefix = "TAPLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("tapline", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "UDP port receiving RTP from all media legs")
	fs.StringVar(&cfg.AdvertiseHost, "advertise-host", "", "address the control plane should send media to (auto-detected if empty)")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", defaultRecordingsDir, "directory for finished WAV recordings")
	fs.StringVar(&cfg.ARIURL, "ari-url", defaultARIURL, "base URL of the control plane's REST interface")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "control plane username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "control plane password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "application name registered with the control plane")
	fs.StringVar(&cfg.ARIAuthScheme, "ari-auth-scheme", defaultAuthScheme, "REST authentication scheme (basic, digest)")
	fs.StringVar(&cfg.Extensions, "extensions", "", "comma-separated dialplan extensions to record")
	fs.StringVar(&cfg.Codec, "codec", defaultCodec, "audio codec requested from the control plane (ulaw, alaw)")
	fs.IntVar(&cfg.RetentionDays, "retention-days", 0, "delete recordings older than this many days (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"http-port":       envPrefix + "HTTP_PORT",
		"rtp-port":        envPrefix + "RTP_PORT",
		"advertise-host":  envPrefix + "ADVERTISE_HOST",
		"recordings-dir":  envPrefix + "RECORDINGS_DIR",
		"ari-url":         envPrefix + "ARI_URL",
		"ari-username":    envPrefix + "ARI_USERNAME",
		"ari-password":    envPrefix + "ARI_PASSWORD",
		"ari-app":         envPrefix + "ARI_APP",
		"ari-auth-scheme": envPrefix + "ARI_AUTH_SCHEME",
		"extensions":      envPrefix + "EXTENSIONS",
		"codec":           envPrefix + "CODEC",
		"retention-days":  envPrefix + "RETENTION_DAYS",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "rtp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPort = v
			}
		case "advertise-host":
			cfg.AdvertiseHost = val
		case "recordings-dir":
			cfg.RecordingsDir = val
		case "ari-url":
			cfg.ARIURL = val
		case "ari-username":
			cfg.ARIUsername = val
		case "ari-password":
			cfg.ARIPassword = val
		case "ari-app":
			cfg.ARIApp = val
		case "ari-auth-scheme":
			cfg.ARIAuthScheme = val
		case "extensions":
			cfg.Extensions = val
		case "codec":
			cfg.Codec = val
		case "retention-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetentionDays = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPort < 1024 || c.RTPPort > 65535 {
		return fmt.Errorf("rtp-port must be between 1024 and 65535, got %d", c.RTPPort)
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("recordings-dir must not be empty")
	}
	if c.ARIUsername == "" || c.ARIPassword == "" {
		return fmt.Errorf("ari-username and ari-password are required")
	}
	if len(c.ExtensionList()) == 0 {
		return fmt.Errorf("extensions must name at least one dialplan extension")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention-days must not be negative, got %d", c.RetentionDays)
	}

	c.ARIAuthScheme = strings.ToLower(c.ARIAuthScheme)
	if c.ARIAuthScheme != "basic" && c.ARIAuthScheme != "digest" {
		return fmt.Errorf("ari-auth-scheme must be one of basic, digest; got %q", c.ARIAuthScheme)
	}

	c.Codec = strings.ToLower(c.Codec)
	if _, ok := g711.ParseCodec(c.Codec); !ok {
		return fmt.Errorf("codec must be one of ulaw, alaw; got %q", c.Codec)
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

	return nil
}

// ExtensionList splits the configured extensions, trimming whitespace and
// dropping empty entries.
func (c *Config) ExtensionList() []string {
	var out []string
	for _, e := range strings.Split(c.Extensions, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ParsedCodec returns the configured codec. validate has already checked it.
func (c *Config) ParsedCodec() g711.Codec {
	codec, _ := g711.ParseCodec(c.Codec)
	return codec
}

// MediaHost returns the address handed to the control plane for media
// delivery. If AdvertiseHost is configured, it is returned directly.
// Otherwise the function attempts to detect the machine's primary
// non-loopback IPv4 address. Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaHost() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
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
