// Package config loads runtime configuration for a single SIP/SIMPLE
// account: server address, transport, credentials, and logging. It follows
// the standard CLI-flags > env-vars > defaults precedence rule,
// implemented with the standard library's flag package, never an
// external config/flags library.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AccountConfig holds everything needed to bring up one account's SIP/SIMPLE
// session. Config storage and credential storage themselves are left to the
// host application; this struct is the narrow contract the rest of the
// engine is constructed from, however the host chooses to populate it.
type AccountConfig struct {
	// Username is the "user@domain[,domain\authuser]" login string.
	Username string
	Password string

	// Server is the SIP registrar hostname. Empty means derive it from the
	// account domain and resolve via SRV.
	Server string
	Port   int

	// Transport is "tls", "tcp", "udp", or "auto".
	Transport string

	// AuthScheme names an authentication scheme ("ntlm", "kerberos",
	// "digest", or ""). It is validated and loaded but not read by the
	// account: the scheme is always the one the server's challenge names.
	AuthScheme string

	// KerberosSPN names a Kerberos service principal. It is loaded but not
	// read by the account: the Kerberos target is the targetname from the
	// server's challenge.
	KerberosSPN string

	LogLevel  string
	LogFormat string

	// DataDir is where the roaming-contacts cache database and resume
	// token secret live between runs. Empty disables both: the account
	// starts with an empty buddy list and never offers a resume hint.
	DataDir string

	// DiagAddr is the "host:port" the diagnostics HTTP server (healthz,
	// status, metrics) listens on. Empty disables the diagnostics server
	// entirely.
	DiagAddr string
}

const envPrefix = "SIPSIMPLE_"

const (
	defaultPort      = 5061
	defaultTransport = "auto"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*AccountConfig, error) {
	cfg := &AccountConfig{}

	fs := flag.NewFlagSet("sipsimple", flag.ContinueOnError)

	fs.StringVar(&cfg.Username, "username", "", `account login, "user@domain[,domain\authuser]"`)
	fs.StringVar(&cfg.Password, "password", "", "account password")
	fs.StringVar(&cfg.Server, "server", "", "SIP registrar host (auto-discovered via SRV if empty)")
	fs.IntVar(&cfg.Port, "port", defaultPort, "SIP registrar port")
	fs.StringVar(&cfg.Transport, "transport", defaultTransport, "transport: tls, tcp, udp, or auto")
	fs.StringVar(&cfg.AuthScheme, "auth-scheme", "", "auth scheme: ntlm, kerberos, digest (validated only; the server's challenge decides)")
	fs.StringVar(&cfg.KerberosSPN, "kerberos-spn", "", "Kerberos service principal name (not applied; the challenge's targetname is used)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "directory for the roaming-contacts cache and resume token secret (disabled if empty)")
	fs.StringVar(&cfg.DiagAddr, "diag-addr", "", `diagnostics HTTP server listen address, e.g. "127.0.0.1:8080" (disabled if empty)`)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *AccountConfig) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"username":     envPrefix + "USERNAME",
		"password":     envPrefix + "PASSWORD",
		"server":       envPrefix + "SERVER",
		"port":         envPrefix + "PORT",
		"transport":    envPrefix + "TRANSPORT",
		"auth-scheme":  envPrefix + "AUTH_SCHEME",
		"kerberos-spn": envPrefix + "KERBEROS_SPN",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
		"data-dir":     envPrefix + "DATA_DIR",
		"diag-addr":    envPrefix + "DIAG_ADDR",
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
		case "username":
			cfg.Username = val
		case "password":
			cfg.Password = val
		case "server":
			cfg.Server = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "transport":
			cfg.Transport = val
		case "auth-scheme":
			cfg.AuthScheme = val
		case "kerberos-spn":
			cfg.KerberosSPN = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "data-dir":
			cfg.DataDir = val
		case "diag-addr":
			cfg.DiagAddr = val
		}
	}
}

func (c *AccountConfig) validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	validTransports := map[string]bool{"tls": true, "tcp": true, "udp": true, "auto": true}
	if !validTransports[strings.ToLower(c.Transport)] {
		return fmt.Errorf("transport must be one of tls, tcp, udp, auto; got %q", c.Transport)
	}
	c.Transport = strings.ToLower(c.Transport)

	if c.AuthScheme != "" {
		validSchemes := map[string]bool{"ntlm": true, "kerberos": true, "digest": true}
		if !validSchemes[strings.ToLower(c.AuthScheme)] {
			return fmt.Errorf("auth-scheme must be one of ntlm, kerberos, digest; got %q", c.AuthScheme)
		}
		c.AuthScheme = strings.ToLower(c.AuthScheme)
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

// SlogHandler returns a slog.Handler configured with the account's log
// format and level.
func (c *AccountConfig) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *AccountConfig) SlogLevel() slog.Level {
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
