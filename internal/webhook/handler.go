package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/version"
)

// Drive push notification headers.
const (
	HeaderChannelID         = "X-Goog-Channel-ID"
	HeaderChannelToken      = "X-Goog-Channel-Token" //nolint:gosec // header name
	HeaderChannelExpiration = "X-Goog-Channel-Expiration"
	HeaderResourceID        = "X-Goog-Resource-ID"
	HeaderResourceState     = "X-Goog-Resource-State"
	HeaderMessageNumber     = "X-Goog-Message-Number"
)

// StateSync is the resource state of the message Drive sends when a channel is created.
const StateSync = "sync"

// maxBodySize bounds the drained request body. Drive sends no payload for change notifications.
const maxBodySize = 1 << 16

// Notifier is told that a sync should run.
type Notifier interface {
	Notify()
}

// Notification is a Drive push message, carried in headers.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	MessageNumber string
	Expiration    string
}

func parseNotification(req *http.Request) Notification {
	return Notification{
		ChannelID:     req.Header.Get(HeaderChannelID),
		ResourceID:    req.Header.Get(HeaderResourceID),
		ResourceState: req.Header.Get(HeaderResourceState),
		MessageNumber: req.Header.Get(HeaderMessageNumber),
		Expiration:    req.Header.Get(HeaderChannelExpiration),
	}
}

// Handler handles incoming push notifications.
type Handler struct {
	notifier Notifier
	logger   *slog.Logger
	secret   string
}

// NewHandler creates a new webhook handler.
// If notifier is nil, notifications are acknowledged and dropped.
func NewHandler(secret string, notifier Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		notifier: notifier,
		logger:   logger,
		secret:   secret,
	}
}

// HandleWebhook handles incoming push notifications.
func (h *Handler) HandleWebhook(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if req.Method != http.MethodPost {
		h.logger.WarnContext(ctx, "invalid method", "method", req.Method)
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.verifyToken(req) {
		h.logger.WarnContext(ctx, "rejected push notification", "error", apperrors.ErrInvalidToken,
			"channel_id", req.Header.Get(HeaderChannelID))
		http.Error(writer, "Invalid channel token", http.StatusUnauthorized)
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(req.Body, maxBodySize))

	n := parseNotification(req)
	h.logger.InfoContext(ctx, "received push notification",
		"channel_id", n.ChannelID,
		"resource_id", n.ResourceID,
		"state", n.ResourceState,
		"message_number", n.MessageNumber)

	switch {
	case n.ResourceState == StateSync:
		h.logger.InfoContext(ctx, "push channel confirmed", "channel_id", n.ChannelID, "expiration", n.Expiration)
	case h.notifier != nil:
		h.notifier.Notify()
	default:
		h.logger.DebugContext(ctx, "no sync worker, notification dropped")
	}

	writer.WriteHeader(http.StatusOK)
}

// HandleVersion handles the /api/version endpoint.
func (h *Handler) HandleVersion(writer http.ResponseWriter, req *http.Request) {
	response := map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		h.logger.ErrorContext(req.Context(), "failed to encode version response", "error", err)
	}
}

// HandleHealth handles the /health endpoint for health checks.
func (h *Handler) HandleHealth(writer http.ResponseWriter, req *http.Request) {
	response := map[string]string{
		"status": "ok",
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		h.logger.ErrorContext(req.Context(), "failed to encode health response", "error", err)
	}
}

// verifyToken compares the channel token with the secret in constant time.
// If no secret is configured, validation is skipped.
func (h *Handler) verifyToken(req *http.Request) bool {
	if h.secret == "" {
		return true
	}
	token := req.Header.Get(HeaderChannelToken)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
