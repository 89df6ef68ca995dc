// Package config parses the flags and environment variables shared by
// cmd/duskclient and cmd/duskserver into validated Config structs (A1,
// SPEC_FULL.md §4.12).
//
// Grounded on rustyguts-bken/server/main.go's flag set (-addr, -db,
// -idle-timeout, -rate-limit, -max-connections, -per-ip-limit, -turn-*) and
// client/internal/config's Default()/Load() pattern — generalized from the
// client's persisted-JSON preferences to process-startup flags/env for
// both binaries, since neither duskclient nor duskserver invents a new
// file-based config format beyond what the teacher already uses.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds cmd/duskserver's validated startup configuration.
type ServerConfig struct {
	Addr           string
	APIAddr        string
	DBPath         string
	IdleTimeout    time.Duration
	CertValidity   time.Duration
	MaxConnections int
	PerIPLimit     int
	RateLimit      int
	TURNURL        string
	TURNUsername   string
	TURNCredential string
	LogFormat      string
}

// ParseServerFlags parses args (typically os.Args[1:]) into a
// ServerConfig, then validates ranges. DUSKCALL_ADDR, DUSKCALL_API_ADDR,
// DUSKCALL_DB and DUSKCALL_RATE_LIMIT, when set, replace the built-in
// defaults of -addr, -api-addr, -db and -rate-limit; an explicit flag
// overrides them. The other flags read no environment variable.
func ParseServerFlags(args []string) (ServerConfig, error) {
	fs := flag.NewFlagSet("duskserver", flag.ContinueOnError)
	addr := fs.String("addr", envOr("DUSKCALL_ADDR", ":8443"), "WebTransport listen address")
	apiAddr := fs.String("api-addr", envOr("DUSKCALL_API_ADDR", ":8080"), "HTTP API listen address (empty to disable)")
	dbPath := fs.String("db", envOr("DUSKCALL_DB", "duskcall.db"), "SQLite session metrics database path")
	idleTimeout := fs.Duration("idle-timeout", 30*time.Second, "connection idle timeout (parsed only; the relay does not apply it)")
	certValidity := fs.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	maxConnections := fs.Int("max-connections", 500, "maximum total relay connections (logged at startup; the relay does not enforce it)")
	perIPLimit := fs.Int("per-ip-limit", 10, "maximum connections per IP address (parsed only; the relay does not enforce it)")
	rateLimit := fs.Int("rate-limit", envIntOr("DUSKCALL_RATE_LIMIT", 50), "maximum control messages per second per connection (0=unlimited)")
	turnURL := fs.String("turn-url", "", "TURN server URL (e.g. turn:turn.example.com:3478)")
	turnUsername := fs.String("turn-username", "", "TURN server username")
	turnCredential := fs.String("turn-credential", "", "TURN server credential")
	logFormat := fs.String("log-format", "json", "log output format: json or text")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		Addr:           *addr,
		APIAddr:        *apiAddr,
		DBPath:         *dbPath,
		IdleTimeout:    *idleTimeout,
		CertValidity:   *certValidity,
		MaxConnections: *maxConnections,
		PerIPLimit:     *perIPLimit,
		RateLimit:      *rateLimit,
		TURNURL:        *turnURL,
		TURNUsername:   *turnUsername,
		TURNCredential: *turnCredential,
		LogFormat:      *logFormat,
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks range and format constraints not expressible via flag
// defaults alone.
func (c ServerConfig) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: -db must not be empty")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: -max-connections must be >= 0, got %d", c.MaxConnections)
	}
	if c.PerIPLimit < 0 {
		return fmt.Errorf("config: -per-ip-limit must be >= 0, got %d", c.PerIPLimit)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: -rate-limit must be >= 0, got %d", c.RateLimit)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: -log-format must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}

// ClientConfig holds cmd/duskclient's validated startup configuration.
type ClientConfig struct {
	ServerAddr string
	Username   string
	InputQualityPreset string
	LogFormat  string
}

// ParseClientFlags parses args into a ClientConfig.
func ParseClientFlags(args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet("duskclient", flag.ContinueOnError)
	addr := fs.String("addr", envOr("DUSKCALL_ADDR", "localhost:8443"), "relay server address")
	username := fs.String("username", envOr("DUSKCALL_USERNAME", ""), "display username")
	preset := fs.String("preset", "medium", "screen-share quality preset: low, medium, high, hd, fullhd, qhd, qhd60, uhd, source")
	logFormat := fs.String("log-format", "text", "log output format: json or text")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		ServerAddr:         *addr,
		Username:           *username,
		InputQualityPreset: *preset,
		LogFormat:          *logFormat,
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate checks the client config for obviously invalid values.
func (c ClientConfig) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("config: -addr must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: -log-format must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
