// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/joho/godotenv"
	"golang.org/x/xerrors"
)

type Config struct {
	Addr            string
	DatabaseURL     string
	RedisURL        string
	LogLevel        slog.Level
	SessionLifetime time.Duration
	SecureCookies   bool
	TrustedProxies  []string

	SettingsTTL time.Duration
	PresenceTTL time.Duration

	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginLockout     time.Duration
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, xerrors.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}
	cfg := &Config{
		Addr:             p.str("RINKSIDE_ADDR", ":8080"),
		DatabaseURL:      p.str("DATABASE_URL", ""),
		RedisURL:         p.str("REDIS_URL", ""),
		LogLevel:         p.level("RINKSIDE_LOG_LEVEL", slog.LevelInfo),
		SessionLifetime:  p.duration("RINKSIDE_SESSION_LIFETIME", 720*time.Hour),
		SecureCookies:    p.boolean("RINKSIDE_SECURE_COOKIES", false),
		TrustedProxies:   p.list("RINKSIDE_TRUSTED_PROXIES"),
		SettingsTTL:      p.duration("RINKSIDE_SETTINGS_TTL", time.Minute),
		PresenceTTL:      p.duration("RINKSIDE_PRESENCE_TTL", 45*time.Second),
		LoginMaxAttempts: p.integer("RINKSIDE_LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      p.duration("RINKSIDE_LOGIN_WINDOW", 15*time.Minute),
		LoginLockout:     p.duration("RINKSIDE_LOGIN_LOCKOUT", 15*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.DatabaseURL == "" {
		return nil, xerrors.New("DATABASE_URL is required")
	}
	if cfg.LoginMaxAttempts < 1 {
		return nil, xerrors.Errorf("RINKSIDE_LOGIN_MAX_ATTEMPTS must be positive, got %d", cfg.LoginMaxAttempts)
	}
	return cfg, nil
}

// parser records the first bad value it sees so callers check once.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = xerrors.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	if d <= 0 {
		p.fail(key, v, xerrors.New("must be positive"))
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		p.fail(key, v, xerrors.New("expected debug, info, warn or error"))
		return def
	}
}
