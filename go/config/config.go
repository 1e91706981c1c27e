// Package config loads the application configuration for the webhook
// gateway: an INI file with ${NAME} environment placeholders expanded
// before parsing.
//
// When a production variant sits beside the named file (app-config.prod.ini
// next to app-config.ini) the variant is read instead, so deployments can
// ship both and select by presence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a8m/envsubst"
	"go.skia.org/infra/go/skerr"
	"gopkg.in/ini.v1"
)

// Server configures the HTTP front.
type Server struct {
	Host string
	Port int

	// ProcessingTimeout bounds the handling of a single webhook request,
	// including the sink delivery.
	ProcessingTimeout time.Duration
}

// Sink configures the downstream message sink client.
type Sink struct {
	URL           string
	Username      string
	Password      string
	Timeout       time.Duration
	RetryAttempts int
}

// Logging configures process logging.
type Logging struct {
	Level string
}

// Webhooks configures the webhook configuration store.
type Webhooks struct {
	ConfigFile      string
	BackupDirectory string
	BackupRetention time.Duration
}

// WebhookLogging configures the per-service payload logs.
type WebhookLogging struct {
	Enabled       bool
	BaseDirectory string
	MaxBytes      int64
	BackupCount   int
	FileName      string
}

// Config is the parsed application configuration.
type Config struct {
	Server         Server
	Sink           Sink
	Logging        Logging
	Webhooks       Webhooks
	WebhookLogging WebhookLogging

	// Path is the file actually read, after variant resolution.
	Path string
}

var logLevels = map[string]bool{
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
}

// Load reads, expands and parses the configuration at path, applying
// defaults for everything but the sink credentials, which are required.
func Load(path string) (*Config, error) {
	resolved := resolvePath(path)
	b, err := envsubst.ReadFile(resolved)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", resolved)
	}
	f, err := ini.Load(b)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing %s", resolved)
	}

	cfg := &Config{Path: resolved}

	server := f.Section("server")
	cfg.Server.Host = server.Key("host").MustString("0.0.0.0")
	if cfg.Server.Port, err = intKey(server, "port", 8000); err != nil {
		return nil, err
	}
	timeoutSecs, err := intKey(server, "processing_timeout_seconds", 30)
	if err != nil {
		return nil, err
	}
	cfg.Server.ProcessingTimeout = time.Duration(timeoutSecs) * time.Second

	snk := f.Section("sink")
	cfg.Sink.URL = snk.Key("url").String()
	cfg.Sink.Username = snk.Key("username").String()
	cfg.Sink.Password = snk.Key("password").String()
	sinkSecs, err := intKey(snk, "timeout_seconds", 30)
	if err != nil {
		return nil, err
	}
	cfg.Sink.Timeout = time.Duration(sinkSecs) * time.Second
	if cfg.Sink.RetryAttempts, err = intKey(snk, "retry_attempts", 3); err != nil {
		return nil, err
	}

	cfg.Logging.Level = strings.ToUpper(f.Section("logging").Key("level").MustString("INFO"))

	wh := f.Section("webhooks")
	cfg.Webhooks.ConfigFile = wh.Key("config_file").MustString("config/webhook-config.ini")
	cfg.Webhooks.BackupDirectory = wh.Key("backup_directory").MustString("backups/configs")
	retentionDays, err := intKey(wh, "backup_retention_days", 30)
	if err != nil {
		return nil, err
	}
	cfg.Webhooks.BackupRetention = time.Duration(retentionDays) * 24 * time.Hour

	wl := f.Section("webhook_logging")
	if cfg.WebhookLogging.Enabled, err = boolKey(wl, "enabled", true); err != nil {
		return nil, err
	}
	cfg.WebhookLogging.BaseDirectory = wl.Key("base_directory").MustString("logs/webhooks")
	if cfg.WebhookLogging.MaxBytes, err = int64Key(wl, "max_bytes", 10*1024*1024); err != nil {
		return nil, err
	}
	if cfg.WebhookLogging.BackupCount, err = intKey(wl, "backup_count", 5); err != nil {
		return nil, err
	}
	cfg.WebhookLogging.FileName = wl.Key("log_file_name").MustString("payload.log")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Sink.URL == "" {
		missing = append(missing, "sink.url")
	}
	if c.Sink.Username == "" {
		missing = append(missing, "sink.username")
	}
	if c.Sink.Password == "" {
		missing = append(missing, "sink.password")
	}
	if len(missing) > 0 {
		return skerr.Fmt("config %s is missing required keys: %s", c.Path, strings.Join(missing, ", "))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return skerr.Fmt("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.ProcessingTimeout <= 0 {
		return skerr.Fmt("server.processing_timeout_seconds must be positive")
	}
	if c.Sink.Timeout <= 0 {
		return skerr.Fmt("sink.timeout_seconds must be positive")
	}
	if c.Sink.RetryAttempts < 1 {
		return skerr.Fmt("sink.retry_attempts must be at least 1")
	}
	if !logLevels[c.Logging.Level] {
		return skerr.Fmt("logging.level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.Level)
	}
	if c.WebhookLogging.MaxBytes < 1 {
		return skerr.Fmt("webhook_logging.max_bytes must be positive")
	}
	if c.WebhookLogging.BackupCount < 0 {
		return skerr.Fmt("webhook_logging.backup_count must not be negative")
	}
	return nil
}

// resolvePath prefers the .prod variant of path when one exists.
func resolvePath(path string) string {
	ext := filepath.Ext(path)
	prod := strings.TrimSuffix(path, ext) + ".prod" + ext
	if _, err := os.Stat(prod); err == nil {
		return prod
	}
	return path
}

// intKey reads an integer key, failing on unparseable values instead of
// silently falling back to the default.
func intKey(sec *ini.Section, name string, def int) (int, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	v, err := sec.Key(name).Int()
	if err != nil {
		return 0, skerr.Wrapf(err, "key %s.%s", sec.Name(), name)
	}
	return v, nil
}

func int64Key(sec *ini.Section, name string, def int64) (int64, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	v, err := sec.Key(name).Int64()
	if err != nil {
		return 0, skerr.Wrapf(err, "key %s.%s", sec.Name(), name)
	}
	return v, nil
}

func boolKey(sec *ini.Section, name string, def bool) (bool, error) {
	if !sec.HasKey(name) {
		return def, nil
	}
	v, err := sec.Key(name).Bool()
	if err != nil {
		return false, skerr.Wrapf(err, "key %s.%s", sec.Name(), name)
	}
	return v, nil
}
