package store

import (
	"strings"
	"time"
)

// ResourceType is the kind of a mirrored remote entry.
type ResourceType string

const (
	// ResourceMarkdown is a markdown document.
	ResourceMarkdown ResourceType = "markdown"
	// ResourceFolder is a folder.
	ResourceFolder ResourceType = "folder"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	return t == ResourceMarkdown || t == ResourceFolder
}

// FileRecord is the local copy of one remote file or folder.
type FileRecord struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	ParentIDs      []string     `json:"parentIds,omitempty"`
	ResourceType   ResourceType `json:"resourceType"`
	ModifiedTime   time.Time    `json:"modifiedTime"`
	Version        int64        `json:"version"`
	ContentSnippet string       `json:"contentSnippet,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Aliases        []string     `json:"aliases,omitempty"`
	Trashed        bool         `json:"trashed,omitempty"`
	// DerivedVersion is the Version the derived fields were computed from.
	DerivedVersion int64 `json:"derivedVersion,omitempty"`
}

// DisplayName returns the name without a trailing .md extension.
func (r *FileRecord) DisplayName() string {
	return DisplayName(r.Name)
}

// PrimaryParent returns the first parent ID, or "" for a drive root.
func (r *FileRecord) PrimaryParent() string {
	if len(r.ParentIDs) == 0 {
		return ""
	}
	return r.ParentIDs[0]
}

// IsMarkdown reports whether the record is a non-trashed markdown document.
func (r *FileRecord) IsMarkdown() bool {
	return r.ResourceType == ResourceMarkdown && !r.Trashed
}

// Derived returns the derived fields of the record.
func (r *FileRecord) Derived() Derived {
	return Derived{Snippet: r.ContentSnippet, Tags: r.Tags, Aliases: r.Aliases}
}

// HasDerived reports whether any derived field is set.
func (r *FileRecord) HasDerived() bool {
	return r.ContentSnippet != "" || len(r.Tags) > 0 || len(r.Aliases) > 0
}

// DerivedStale reports whether the derived fields are missing or were
// computed from an older version of the content.
func (r *FileRecord) DerivedStale() bool {
	return r.ContentSnippet == "" || r.DerivedVersion != r.Version
}

// DisplayName strips a trailing .md extension, case-insensitively.
func DisplayName(name string) string {
	if len(name) >= 3 && strings.EqualFold(name[len(name)-3:], ".md") {
		return name[:len(name)-3]
	}
	return name
}

// Derived holds the fields computed from document content.
type Derived struct {
	Snippet string
	Tags    []string
	Aliases []string
}

// SyncCursor is the singleton incremental sync state.
type SyncCursor struct {
	NextChangeToken string    `json:"nextChangeToken,omitempty"`
	LastSync        time.Time `json:"lastSync"`
	DriveID         string    `json:"driveId,omitempty"`
	RootFolderID    string    `json:"rootFolderId,omitempty"`
}

// HasToken reports whether a full sync has completed.
func (c *SyncCursor) HasToken() bool {
	return c.NextChangeToken != ""
}

// Operation is the kind of a queued offline write.
type Operation string

const (
	// OpCreate creates a new remote file.
	OpCreate Operation = "create"
	// OpUpdate replaces the content of a remote file.
	OpUpdate Operation = "update"
	// OpDelete trashes a remote file.
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// ChangePayload is the content or metadata delta of a pending change.
type ChangePayload struct {
	Content  string `json:"content,omitempty"`
	Name     string `json:"name,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	// BaseModifiedTime is the remote time the update was edited against.
	// Zero replays the update unconditionally.
	BaseModifiedTime time.Time `json:"baseModifiedTime,omitzero"`
}

// PendingChange is a write that could not reach the remote store.
type PendingChange struct {
	LocalID      int64          `json:"localId"`
	TargetFileID string         `json:"targetFileId"`
	Operation    Operation      `json:"operation"`
	Payload      *ChangePayload `json:"payload,omitempty"`
	QueuedAt     time.Time      `json:"queuedAt"`
	RetryCount   int            `json:"retryCount"`
	LastError    string         `json:"lastError,omitempty"`
	LastAttempt  time.Time      `json:"lastAttempt"`
	ConflictedAt time.Time      `json:"conflictedAt,omitzero"`
}

// Conflicted reports whether replay stopped on a remote edit. Such a change
// stays queued until the user overwrites or reloads the document.
func (pc *PendingChange) Conflicted() bool {
	return !pc.ConflictedAt.IsZero()
}

// TrashedMode selects how a Filter treats soft-deleted records.
type TrashedMode int

const (
	// ExcludeTrashed hides trashed records (default).
	ExcludeTrashed TrashedMode = iota
	// IncludeTrashed returns trashed and live records.
	IncludeTrashed
	// OnlyTrashed returns only trashed records.
	OnlyTrashed
)

// Filter selects file records. Zero fields do not filter.
type Filter struct {
	ParentID     string
	ResourceType ResourceType
	Tag          string
	Alias        string
	Name         string
	NamePrefix   string
	Trashed      TrashedMode
	Limit        int
}
