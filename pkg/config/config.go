// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads service configuration from flags, environment
// variables, and an optional config file, in that order of precedence.
// Environment variables use the RIVET_ prefix with underscores for dashes
// (RIVET_SESSION_TTL for --session-ttl).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rivetfw/rivet/pkg/session"
)

// Settings is the full configuration of one service process.
type Settings struct {
	// Port is the base listen port. With multiple processes, process i
	// listens on Port+i.
	Port int `mapstructure:"port"`
	// Processes is the worker process count. Zero or negative means one
	// per CPU.
	Processes int `mapstructure:"processes"`
	// PIDFile is the daemon pidfile path.
	PIDFile string `mapstructure:"pidfile"`
	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`

	// Database selects the session backend: "memory" or "redis".
	Database string `mapstructure:"database"`
	// DBHost and DBPort locate the Redis backend.
	DBHost string `mapstructure:"db_host"`
	DBPort int    `mapstructure:"db_port"`
	// DBPassword authenticates to the backend when set.
	DBPassword string `mapstructure:"db_password"`

	// SessionTTL and friends set the session lifetime policy.
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	AnonSessionTTL   time.Duration `mapstructure:"anon_session_ttl"`
	SessionRenew     time.Duration `mapstructure:"session_renew"`
	AnonSessionRenew time.Duration `mapstructure:"anon_session_renew"`

	// HMACEnabled toggles request and response signing.
	HMACEnabled bool `mapstructure:"hmac_enabled"`
	// SessionKeyHMAC signs with per-session keys instead of user ids.
	SessionKeyHMAC bool `mapstructure:"session_key_hmac"`
	// SealedSecret, when set, stores sessions in sealed client tokens.
	SealedSecret string `mapstructure:"sealed_secret"`
	// CookieName, when set, carries the session id in a cookie.
	CookieName string `mapstructure:"cookie_name"`
	// Origin is the CORS allowed origin.
	Origin string `mapstructure:"origin"`

	// WorkerEndpoints lists worker socket URLs for the dispatch fabric.
	WorkerEndpoints []string `mapstructure:"worker_endpoints"`
	// EventPeers lists peer event listener URLs.
	EventPeers []string `mapstructure:"event_peers"`
}

// SessionConfig converts the TTL settings to the session package's form.
func (s *Settings) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	if s.SessionTTL != 0 {
		cfg.SessionTTL = s.SessionTTL
	}
	if s.AnonSessionTTL != 0 {
		cfg.AnonSessionTTL = s.AnonSessionTTL
	}
	cfg.SessionRenew = s.SessionRenew
	cfg.AnonSessionRenew = s.AnonSessionRenew
	return cfg
}

// RedisAddr returns the backend address in host:port form.
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.DBHost, s.DBPort)
}

// RegisterFlags declares every setting as a flag on fs and binds it into v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.Int("port", 8888, "base listen port")
	fs.Int("processes", 1, "process count, 0 for one per CPU")
	fs.String("pidfile", "", "pidfile path for daemon mode")
	fs.Bool("debug", false, "enable debug logging")

	fs.String("database", "memory", "session backend: memory or redis")
	fs.String("db-host", "127.0.0.1", "database host")
	fs.Int("db-port", 6379, "database port")
	fs.String("db-password", "", "database password")

	fs.Duration("session-ttl", 0, "authenticated session lifetime")
	fs.Duration("anon-session-ttl", 0, "anonymous session lifetime")
	fs.Duration("session-renew", 0, "session renewal window")
	fs.Duration("anon-session-renew", 0, "anonymous session renewal window")

	fs.Bool("hmac-enabled", true, "verify and sign request bodies")
	fs.Bool("session-key-hmac", false, "sign with per-session keys instead of user ids")
	fs.String("sealed-secret", "", "secret for sealed client-side session tokens")
	fs.String("cookie-name", "", "session cookie name, empty disables cookies")
	fs.String("origin", "*", "CORS allowed origin")

	fs.StringSlice("worker-endpoints", nil, "worker socket URLs")
	fs.StringSlice("event-peers", nil, "peer event listener URLs")

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		err = v.BindPFlag(key, f)
	})
	return err
}

// NewViper returns a viper instance wired for the RIVET_ environment and an
// optional config file path.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RIVET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// Load reads settings out of v. A missing config file is only an error when
// one was named explicitly.
func Load(v *viper.Viper) (*Settings, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &s, nil
}
