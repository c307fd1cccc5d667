package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error categories used for reporting.
const (
	CategoryAuth    = "auth"
	CategoryDrive   = "drive"
	CategorySync    = "sync"
	CategorySave    = "save"
	CategoryNetwork = "network"
	CategoryUnknown = "unknown"
)

// AuthError is returned when the credential is invalid or expired.
// It is never retried locally.
type AuthError struct {
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

// RemoteAPIError is a non-success response from the remote file store.
type RemoteAPIError struct {
	Code    int
	Reason  string
	Message string
}

// Error implements the error interface.
func (e *RemoteAPIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote API error %d (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("remote API error %d: %s", e.Code, e.Message)
}

// Transient reports whether the error is a rate limit or an unavailable service.
func (e *RemoteAPIError) Transient() bool {
	switch e.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// SyncStateError is returned when the local sync state does not allow the requested operation.
type SyncStateError struct {
	Reason string
}

// Error implements the error interface.
func (e *SyncStateError) Error() string {
	return "full sync required: " + e.Reason
}

// Is makes SyncStateError match ErrFullSyncRequired.
func (e *SyncStateError) Is(target error) bool {
	return target == ErrFullSyncRequired
}

// ConflictError is returned when the remote file was modified after it was loaded.
type ConflictError struct {
	FileID   string
	LoadedAt time.Time
	RemoteAt time.Time
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: loaded at %s, remote modified at %s",
		e.FileID, e.LoadedAt.Format(time.RFC3339), e.RemoteAt.Format(time.RFC3339))
}

// Is makes ConflictError match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransportError is returned when the remote could not be reached at all.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsNotFound reports whether err is a local or remote "not found".
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// IsRetryable reports whether a caller may retry the operation with backoff.
// Auth and conflict errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsAuth(err) || errors.Is(err, ErrConflict) {
		return false
	}
	if IsTransport(err) {
		return true
	}
	var apiErr *RemoteAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}

// Category returns the reporting category of err.
func Category(err error) string {
	var apiErr *RemoteAPIError
	switch {
	case err == nil:
		return CategoryUnknown
	case IsAuth(err):
		return CategoryAuth
	case IsTransport(err):
		return CategoryNetwork
	case errors.Is(err, ErrConflict), errors.Is(err, ErrQueuedOffline):
		return CategorySave
	case errors.Is(err, ErrFullSyncRequired), errors.Is(err, ErrSyncInProgress):
		return CategorySync
	case errors.As(err, &apiErr):
		return CategoryDrive
	}
	return CategoryUnknown
}

// Message returns a human-readable message for err.
func Message(err error) string {
	var apiErr *RemoteAPIError
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return "Your session has expired. Please sign in again."
	case IsTransport(err):
		return "Network connection lost. Changes will sync when you reconnect."
	case errors.Is(err, ErrQueuedOffline):
		return "Saved locally. Changes will sync when connected."
	case errors.Is(err, ErrConflict):
		return "This file was modified remotely. Reload it or overwrite the remote copy."
	case errors.Is(err, ErrFullSyncRequired):
		return "No full sync has completed yet. Run a full sync first."
	case errors.Is(err, ErrSyncInProgress):
		return "A sync is already running."
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return "Too many requests. Please wait a moment."
		case http.StatusNotFound:
			return "File not found. It may have been deleted."
		case http.StatusForbidden:
			return "Access denied. Check your permissions."
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return "The remote service is unavailable. Please try again later."
		}
	}
	return err.Error()
}
