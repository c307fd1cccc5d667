// Package config loads the KB_* environment into a typed configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"

	"github.com/fclairamb/kbsync/internal/drive"
)

// EnvPrefix is the prefix of every environment variable read by kbsync.
const EnvPrefix = "KB_"

// Default values.
const (
	DefaultDBPath         = "kbsync.db"
	DefaultVaultDir       = "vault"
	DefaultSnippetSize    = 4096
	DefaultAutosaveDelay  = 2 * time.Second
	DefaultSyncDelay      = 5 * time.Second
	DefaultSyncSchedule   = "@every 5m"
	DefaultWebhookPort    = 8080
	DefaultWebhookPath    = "/webhook/drive"
	DefaultGitBranch      = "main"
	DefaultGitUser        = "kbsync"
	DefaultGitEmail       = "kbsync@localhost"
	DefaultLogMaxSizeMB   = 50
	DefaultLogMaxBackups  = 3
	defaultLogFormatValue = "text"
)

// Config is the kbsync configuration.
type Config struct {
	Token   string `koanf:"token"`
	DriveID string `koanf:"drive_id"`

	DBPath   string `koanf:"db"`
	VaultDir string `koanf:"vault_dir"`

	APIURL    string  `koanf:"api_url"`
	UploadURL string  `koanf:"upload_url"`
	PageSize  int     `koanf:"page_size"`
	RateLimit float64 `koanf:"rate_limit"`

	SnippetSize      int           `koanf:"snippet_size"`
	SyncFetchContent bool          `koanf:"sync_fetch_content"`
	AutosaveDelay    time.Duration `koanf:"autosave_delay"`
	SyncDelay        time.Duration `koanf:"sync_delay"`
	SyncSchedule     string        `koanf:"sync_schedule"`

	Webhook WebhookConfig `koanf:",squash"`
	Git     GitConfig     `koanf:",squash"`
	Log     LogConfig     `koanf:",squash"`
}

// WebhookConfig holds the push server settings.
type WebhookConfig struct {
	Port    int    `koanf:"webhook_port"`
	Path    string `koanf:"webhook_path"`
	Secret  string `koanf:"webhook_secret"`
	Address string `koanf:"webhook_address"`
}

// GitConfig holds the vault remote settings.
type GitConfig struct {
	URL    string `koanf:"git_url"`
	Pass   string `koanf:"git_pass"`
	Branch string `koanf:"git_branch"`
	User   string `koanf:"git_user"`
	Email  string `koanf:"git_email"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Format     string `koanf:"log_format"`
	File       string `koanf:"log_file"`
	MaxSizeMB  int    `koanf:"log_max_size_mb"`
	MaxBackups int    `koanf:"log_max_backups"`
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		DBPath:        DefaultDBPath,
		VaultDir:      DefaultVaultDir,
		APIURL:        drive.BaseURL,
		UploadURL:     drive.UploadURL,
		PageSize:      drive.DefaultPageSize,
		RateLimit:     drive.DefaultRateLimit,
		SnippetSize:   DefaultSnippetSize,
		AutosaveDelay: DefaultAutosaveDelay,
		SyncDelay:     DefaultSyncDelay,
		SyncSchedule:  DefaultSyncSchedule,
		Webhook: WebhookConfig{
			Port: DefaultWebhookPort,
			Path: DefaultWebhookPath,
		},
		Git: GitConfig{
			Branch: DefaultGitBranch,
			User:   DefaultGitUser,
			Email:  DefaultGitEmail,
		},
		Log: LogConfig{
			Format:     defaultLogFormatValue,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
	}
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadEnviron(os.Environ)
}

// LoadEnviron reads the variables returned by environ. Unset variables keep
// their default value.
func LoadEnviron(environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), strings.TrimSpace(value)
		},
		EnvironFunc: environ,
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize replaces invalid values with defaults.
func (c *Config) normalize() {
	def := Default()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.SnippetSize < 0 {
		c.SnippetSize = def.SnippetSize
	}
	if c.AutosaveDelay < 0 {
		c.AutosaveDelay = def.AutosaveDelay
	}
	if c.SyncDelay < 0 {
		c.SyncDelay = def.SyncDelay
	}
	if c.Webhook.Port <= 0 {
		c.Webhook.Port = def.Webhook.Port
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = def.Webhook.Path
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// HasRemote reports whether a vault push remote is configured.
func (g GitConfig) HasRemote() bool {
	return g.URL != ""
}
