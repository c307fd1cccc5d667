package drive

import (
	"strconv"
	"strings"
	"time"

	"github.com/fclairamb/kbsync/internal/store"
)

// MIME types of the entries the client mirrors.
const (
	MimeMarkdown  = "text/markdown"
	MimeXMarkdown = "text/x-markdown"
	MimePlain     = "text/plain"
	MimeFolder    = "application/vnd.google-apps.folder"
)

const fileFields = "id,name,mimeType,parents,modifiedTime,version,trashed"

// File is a Drive file resource, restricted to the requested fields.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Parents      []string  `json:"parents,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime"`
	// Version is a decimal string in the Drive API.
	Version string `json:"version,omitempty"`
	Trashed bool   `json:"trashed,omitempty"`
}

// ResourceType maps the MIME type to a store resource type.
// ok is false for entries that are neither markdown nor folders.
func (f *File) ResourceType() (store.ResourceType, bool) {
	return ResourceTypeOf(f.MimeType, f.Name)
}

// VersionNumber returns the parsed version, or 0 when absent.
func (f *File) VersionNumber() int64 {
	v, err := strconv.ParseInt(f.Version, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Record converts f to a store record. ok is false for unsupported types.
func (f *File) Record() (*store.FileRecord, bool) {
	rt, ok := f.ResourceType()
	if !ok {
		return nil, false
	}
	return &store.FileRecord{
		ID:           f.ID,
		Name:         f.Name,
		ParentIDs:    append([]string(nil), f.Parents...),
		ResourceType: rt,
		ModifiedTime: f.ModifiedTime.UTC(),
		Version:      f.VersionNumber(),
		Trashed:      f.Trashed,
	}, true
}

// ResourceTypeOf classifies a MIME type. text/plain only counts as markdown
// when the name ends in .md.
func ResourceTypeOf(mimeType, name string) (store.ResourceType, bool) {
	switch mimeType {
	case MimeFolder:
		return store.ResourceFolder, true
	case MimeMarkdown, MimeXMarkdown:
		return store.ResourceMarkdown, true
	case MimePlain:
		if strings.HasSuffix(strings.ToLower(name), ".md") {
			return store.ResourceMarkdown, true
		}
	}
	return "", false
}

// EntryPage is one page of a folder listing.
type EntryPage struct {
	Entries       []*store.FileRecord
	NextPageToken string
}

// Change is one entry of the change feed. Entry is nil when the file was
// removed or is not of a mirrored type.
type Change struct {
	FileID  string
	Removed bool
	Trashed bool
	Entry   *store.FileRecord
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Changes        []Change
	NextPageToken  string
	NewCursorToken string
}

// Metadata is the subset of file metadata used for conflict detection.
type Metadata struct {
	ModifiedTime time.Time
	Version      int64
}

// Channel is a registered push notification channel.
type Channel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Address    string    `json:"address,omitempty"`
	Expiration time.Time `json:"-"`
}

type fileList struct {
	NextPageToken string  `json:"nextPageToken"`
	Files         []*File `json:"files"`
}

type changeList struct {
	NextPageToken     string         `json:"nextPageToken"`
	NewStartPageToken string         `json:"newStartPageToken"`
	Changes           []changeRecord `json:"changes"`
}

type changeRecord struct {
	FileID  string `json:"fileId"`
	Removed bool   `json:"removed"`
	File    *File  `json:"file"`
}

type startPageToken struct {
	StartPageToken string `json:"startPageToken"`
}

type metadataResponse struct {
	ID           string    `json:"id"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Version      string    `json:"version"`
}

func (m *metadataResponse) metadata() Metadata {
	f := File{Version: m.Version}
	return Metadata{ModifiedTime: m.ModifiedTime.UTC(), Version: f.VersionNumber()}
}

type channelRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type channelResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	// Expiration is milliseconds since epoch, as a string.
	Expiration string `json:"expiration"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func (e *errorResponse) reason() string {
	if len(e.Error.Errors) == 0 {
		return ""
	}
	return e.Error.Errors[0].Reason
}
