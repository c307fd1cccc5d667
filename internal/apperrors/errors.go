// Package apperrors provides common static errors used throughout the application.
package apperrors

import "errors"

// Common static errors used throughout the application.
var (
	// ErrFileIDRequired is returned when a file ID is required but not provided.
	ErrFileIDRequired = errors.New("file ID required")

	// ErrQueryRequired is returned when a search query is required but not provided.
	ErrQueryRequired = errors.New("search query required")

	// ErrTokenRequired is returned when a Drive token is required but not provided.
	ErrTokenRequired = errors.New("drive token required (--token or KB_TOKEN env var)")

	// ErrDriveIDRequired is returned when a full sync is requested without a shared drive ID.
	ErrDriveIDRequired = errors.New("drive ID required (--drive or KB_DRIVE_ID env var)")

	// ErrRemoteNotConfigured is returned when a git remote operation is attempted but no remote is configured.
	ErrRemoteNotConfigured = errors.New("remote not configured (set KB_GIT_URL)")

	// ErrHTTPSPasswordRequired is returned when HTTPS git URL is used without KB_GIT_PASS.
	ErrHTTPSPasswordRequired = errors.New("KB_GIT_PASS required for HTTPS URLs")

	// ErrMaxRetriesExceeded is returned when the maximum number of retries is exceeded.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrFullSyncRequired is returned when an incremental sync is attempted before any full sync completed.
	ErrFullSyncRequired = errors.New("full sync required")

	// ErrEmptyChangeCursor is returned when the remote returns no change cursor token.
	ErrEmptyChangeCursor = errors.New("remote returned an empty change cursor")

	// ErrSyncInProgress is returned when a sync is requested while another one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotFound is returned when a record does not exist in the local store.
	ErrNotFound = errors.New("not found")

	// ErrNotFolder is returned when a parent ID does not reference a folder.
	ErrNotFolder = errors.New("parent is not a folder")

	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("remote file modified since it was loaded")

	// ErrQueuedOffline is returned when a save could not reach the remote and was queued locally.
	ErrQueuedOffline = errors.New("saved locally, will sync when connected")

	// ErrNotLoaded is returned when saving a document that was never opened.
	ErrNotLoaded = errors.New("document not loaded")

	// ErrSaveInProgress is returned when a save is requested while another save of the same document runs.
	ErrSaveInProgress = errors.New("save already in progress")

	// ErrNoFrontmatter is returned when no frontmatter is found in a markdown file.
	ErrNoFrontmatter = errors.New("no frontmatter found")

	// ErrFrontmatterNotClosed is returned when frontmatter is not properly closed.
	ErrFrontmatterNotClosed = errors.New("frontmatter not closed")

	// ErrInvalidOperation is returned for an unknown pending change operation.
	ErrInvalidOperation = errors.New("invalid pending change operation")

	// ErrInvalidToken is returned when a push notification carries an invalid channel token.
	ErrInvalidToken = errors.New("invalid channel token")

	// ErrUnknownMigration is returned when the database schema is newer than this binary.
	ErrUnknownMigration = errors.New("database schema is newer than supported")
)
