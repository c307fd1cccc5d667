package config

import (
	"testing"
	"time"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadEnviron(environ("HOME=/root", "PATH=/bin"))
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}

	if cfg.DBPath != DefaultDBPath || cfg.VaultDir != DefaultVaultDir {
		t.Errorf("paths = %q, %q", cfg.DBPath, cfg.VaultDir)
	}
	if cfg.PageSize != 1000 || cfg.SnippetSize != DefaultSnippetSize {
		t.Errorf("sizes = %d, %d", cfg.PageSize, cfg.SnippetSize)
	}
	if cfg.AutosaveDelay != 2*time.Second || cfg.SyncDelay != 5*time.Second {
		t.Errorf("delays = %v, %v", cfg.AutosaveDelay, cfg.SyncDelay)
	}
	if cfg.Webhook.Port != 8080 || cfg.Webhook.Path != "/webhook/drive" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Git.HasRemote() {
		t.Error("no remote expected")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadEnviron(environ(
		"KB_TOKEN=abc",
		"KB_DRIVE_ID=drive1",
		"KB_PAGE_SIZE=200",
		"KB_RATE_LIMIT=2.5",
		"KB_SYNC_FETCH_CONTENT=true",
		"KB_AUTOSAVE_DELAY=500ms",
		"KB_WEBHOOK_PATH=hooks/drive",
		"KB_WEBHOOK_SECRET=s3cret",
		"KB_GIT_URL=https://example.com/vault.git",
		"KB_LOG_FORMAT=JSON",
		"OTHER_TOKEN=ignored",
	))
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}

	if cfg.Token != "abc" || cfg.DriveID != "drive1" {
		t.Errorf("credentials = %q, %q", cfg.Token, cfg.DriveID)
	}
	if cfg.PageSize != 200 || cfg.RateLimit != 2.5 {
		t.Errorf("page size %d, rate %v", cfg.PageSize, cfg.RateLimit)
	}
	if !cfg.SyncFetchContent {
		t.Error("SyncFetchContent not set")
	}
	if cfg.AutosaveDelay != 500*time.Millisecond {
		t.Errorf("autosave = %v", cfg.AutosaveDelay)
	}
	if cfg.Webhook.Path != "/hooks/drive" || cfg.Webhook.Secret != "s3cret" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if !cfg.Git.HasRemote() || cfg.Git.Branch != DefaultGitBranch {
		t.Errorf("git = %+v", cfg.Git)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q", cfg.Log.Format)
	}
}

func TestLoadInvalidPageSizeFallsBack(t *testing.T) {
	t.Parallel()

	cfg, err := LoadEnviron(environ("KB_PAGE_SIZE=-5", "KB_WEBHOOK_PORT=0"))
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}
	if cfg.PageSize != 1000 || cfg.Webhook.Port != DefaultWebhookPort {
		t.Errorf("page size %d, port %d", cfg.PageSize, cfg.Webhook.Port)
	}
}
