// Package config loads bizadmin server configuration from an optional YAML
// file and BIZADMIN_* environment variables. Command-line flags are applied
// on top by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SecretEnv names the environment variable holding the session signing
// secret. The secret is never read from the config file.
const SecretEnv = "BIZADMIN_SESSION_SECRET"

// MinSecretLen is the shortest accepted signing secret in bytes.
const MinSecretLen = 32

var (
	ErrMissingSecret = errors.New(SecretEnv + " is not set")
	ErrShortSecret   = fmt.Errorf("%s must be at least %d bytes", SecretEnv, MinSecretLen)
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// TrustedProxies are CIDRs whose X-Forwarded-For is honoured for
	// sign-in rate limiting.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// MetricsAddr moves /metrics to its own listener. When empty, /metrics
	// is served unauthenticated on Addr.
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// AuthConfig configures the session cookie.
type AuthConfig struct {
	SecureCookies bool `yaml:"secure_cookies"`
}

// AuditConfig configures audit forwarding and history retention.
type AuditConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookHeader string `yaml:"webhook_header"`
	MaxEntries    int    `yaml:"max_entries"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Storage: StorageConfig{
			Backend:       BackendBolt,
			Path:          "./data/bizadmin.db",
			MongoDatabase: "bizadmin",
		},
		Audit: AuditConfig{
			MaxEntries: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads path (skipped when empty) and then applies environment
// overrides from lookup, which is normally os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BIZADMIN_* variables. Malformed booleans
// and integers are errors.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BIZADMIN_ADDR", &c.Server.Addr)
	str("BIZADMIN_METRICS_ADDR", &c.Server.MetricsAddr)
	str("BIZADMIN_TLS_CERT", &c.Server.TLSCert)
	str("BIZADMIN_TLS_KEY", &c.Server.TLSKey)
	str("BIZADMIN_STORAGE", &c.Storage.Backend)
	str("BIZADMIN_DB_PATH", &c.Storage.Path)
	str("BIZADMIN_DATABASE_URL", &c.Storage.PostgresDSN)
	str("BIZADMIN_MONGO_URI", &c.Storage.MongoURI)
	str("BIZADMIN_MONGO_DATABASE", &c.Storage.MongoDatabase)
	str("BIZADMIN_AUDIT_WEBHOOK_URL", &c.Audit.WebhookURL)
	str("BIZADMIN_AUDIT_WEBHOOK_HEADER", &c.Audit.WebhookHeader)
	str("BIZADMIN_LOG_LEVEL", &c.Log.Level)
	str("BIZADMIN_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("BIZADMIN_TRUSTED_PROXIES"); ok && v != "" {
		c.Server.TrustedProxies = splitList(v)
	}
	if v, ok := lookup("BIZADMIN_SECURE_COOKIES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BIZADMIN_SECURE_COOKIES: %w", err)
		}
		c.Auth.SecureCookies = b
	}
	if v, ok := lookup("BIZADMIN_AUDIT_MAX_ENTRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BIZADMIN_AUDIT_MAX_ENTRIES: %w", err)
		}
		c.Audit.MaxEntries = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MetricsAddr != "" && c.Server.MetricsAddr == c.Server.Addr {
		return errors.New("server.metrics_addr must differ from server.addr")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the bbolt backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" || c.Storage.MongoDatabase == "" {
			return errors.New("storage.mongo_uri and storage.mongo_database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Audit.MaxEntries < 0 {
		return errors.New("audit.max_entries must not be negative")
	}
	if c.Audit.WebhookHeader != "" && !strings.Contains(c.Audit.WebhookHeader, ":") {
		return errors.New(`audit.webhook_header must be in "Name: value" form`)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// TLSEnabled reports whether a certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// SessionSecret returns the signing secret from SecretEnv. A missing or
// short secret is an error the server must treat as fatal.
func SessionSecret(lookup func(string) (string, bool)) ([]byte, error) {
	v, ok := lookup(SecretEnv)
	if !ok || v == "" {
		return nil, ErrMissingSecret
	}
	if len(v) < MinSecretLen {
		return nil, ErrShortSecret
	}
	return []byte(v), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
