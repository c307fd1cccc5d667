// Package webhook receives Drive push notifications and runs the background
// sync worker behind an HTTP server.
package webhook

import (
	"time"

	"github.com/fclairamb/kbsync/internal/config"
)

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Port      int           // HTTP port to listen on (KB_WEBHOOK_PORT)
	Path      string        // Push endpoint path (KB_WEBHOOK_PATH)
	Secret    string        // Expected X-Goog-Channel-Token (KB_WEBHOOK_SECRET, optional)
	Address   string        // Public URL registered as the channel address (KB_WEBHOOK_ADDRESS, optional)
	SyncDelay time.Duration // Debounce before a notified sync (KB_SYNC_DELAY)
	Schedule  string        // Cron spec of periodic syncs (KB_SYNC_SCHEDULE, empty disables)
}

// NewServerConfig extracts the server settings from the application config.
func NewServerConfig(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Port:      cfg.Webhook.Port,
		Path:      cfg.Webhook.Path,
		Secret:    cfg.Webhook.Secret,
		Address:   cfg.Webhook.Address,
		SyncDelay: cfg.SyncDelay,
		Schedule:  cfg.SyncSchedule,
	}
}

// IsValid returns true if the configuration is valid.
// Secret is optional (token validation is skipped if not set).
func (c *ServerConfig) IsValid() bool {
	return c.Port >= 0 && c.Path != "" && c.Path[0] == '/'
}

// RegistersChannel reports whether the server should register a push channel on start.
func (c *ServerConfig) RegistersChannel() bool {
	return c.Address != ""
}
