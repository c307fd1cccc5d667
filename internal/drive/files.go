package drive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fclairamb/kbsync/internal/store"
)

// listQuery restricts listings to non-trashed markdown files and folders.
// text/plain entries are narrowed to *.md names client side.
var listQuery = "trashed = false and (" + strings.Join([]string{
	"mimeType = '" + MimeMarkdown + "'",
	"mimeType = '" + MimeXMarkdown + "'",
	"mimeType = '" + MimePlain + "'",
	"mimeType = '" + MimeFolder + "'",
}, " or ") + ")"

func (c *Client) driveParams(collectionID string) url.Values {
	v := url.Values{}
	v.Set("supportsAllDrives", "true")
	if collectionID != "" {
		v.Set("driveId", collectionID)
		v.Set("includeItemsFromAllDrives", "true")
	}
	return v
}

// ListEntries returns one page of the markdown files and folders of a shared drive.
func (c *Client) ListEntries(ctx context.Context, cred Credential, collectionID, pageToken string) (EntryPage, error) {
	params := c.driveParams(collectionID)
	params.Set("q", listQuery)
	if collectionID != "" {
		params.Set("corpora", "drive")
	}
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("fields", "nextPageToken,files("+fileFields+")")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var list fileList
	if err := c.doJSON(ctx, cred, request{method: http.MethodGet, url: c.baseURL + "/files?" + params.Encode()}, &list); err != nil {
		return EntryPage{}, fmt.Errorf("list entries: %w", err)
	}

	page := EntryPage{NextPageToken: list.NextPageToken, Entries: make([]*store.FileRecord, 0, len(list.Files))}
	for _, f := range list.Files {
		if rec, ok := f.Record(); ok && !rec.Trashed {
			page.Entries = append(page.Entries, rec)
		}
	}

	c.logger.DebugContext(ctx, "Listed entries", "count", len(page.Entries), "has_more", page.NextPageToken != "")
	return page, nil
}

// GetChangeCursor returns the current start page token of the change feed.
func (c *Client) GetChangeCursor(ctx context.Context, cred Credential, collectionID string) (string, error) {
	params := c.driveParams(collectionID)
	params.Del("includeItemsFromAllDrives")

	var tok startPageToken
	endpoint := c.baseURL + "/changes/startPageToken?" + params.Encode()
	if err := c.doJSON(ctx, cred, request{method: http.MethodGet, url: endpoint}, &tok); err != nil {
		return "", fmt.Errorf("get change cursor: %w", err)
	}
	return tok.StartPageToken, nil
}

// ListChanges returns one page of the change feed since pageToken.
// Entries of unsupported types are reported with a nil Entry.
func (c *Client) ListChanges(ctx context.Context, cred Credential, collectionID, pageToken string) (ChangePage, error) {
	params := c.driveParams(collectionID)
	params.Set("pageToken", pageToken)
	params.Set("includeRemoved", "true")
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("fields", "nextPageToken,newStartPageToken,changes(fileId,removed,file("+fileFields+"))")

	var list changeList
	if err := c.doJSON(ctx, cred, request{method: http.MethodGet, url: c.baseURL + "/changes?" + params.Encode()}, &list); err != nil {
		return ChangePage{}, fmt.Errorf("list changes: %w", err)
	}

	page := ChangePage{
		NextPageToken:  list.NextPageToken,
		NewCursorToken: list.NewStartPageToken,
		Changes:        make([]Change, 0, len(list.Changes)),
	}
	for _, ch := range list.Changes {
		change := Change{FileID: ch.FileID, Removed: ch.Removed}
		if ch.File != nil {
			change.Trashed = ch.File.Trashed
			if rec, ok := ch.File.Record(); ok {
				change.Entry = rec
			}
		}
		page.Changes = append(page.Changes, change)
	}

	return page, nil
}

// FetchContent downloads the content of a file.
func (c *Client) FetchContent(ctx context.Context, cred Credential, id string) (string, error) {
	params := url.Values{"alt": {"media"}, "supportsAllDrives": {"true"}}
	body, err := c.do(ctx, cred, request{method: http.MethodGet, url: c.fileURL(c.baseURL, id) + "?" + params.Encode()})
	if err != nil {
		return "", fmt.Errorf("fetch content of %s: %w", id, err)
	}
	return string(body), nil
}

// FetchMetadata returns the modified time and version of a file.
func (c *Client) FetchMetadata(ctx context.Context, cred Credential, id string) (Metadata, error) {
	params := url.Values{"fields": {"id,modifiedTime,version"}, "supportsAllDrives": {"true"}}
	var meta metadataResponse
	if err := c.doJSON(ctx, cred, request{method: http.MethodGet, url: c.fileURL(c.baseURL, id) + "?" + params.Encode()}, &meta); err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata of %s: %w", id, err)
	}
	return meta.metadata(), nil
}

// WriteContent replaces the content of a file and returns its new metadata.
func (c *Client) WriteContent(ctx context.Context, cred Credential, id, content string) (Metadata, error) {
	params := url.Values{
		"uploadType":        {"media"},
		"fields":            {"id,modifiedTime,version"},
		"supportsAllDrives": {"true"},
	}
	r := request{
		method:      http.MethodPatch,
		url:         c.fileURL(c.uploadURL, id) + "?" + params.Encode(),
		body:        []byte(content),
		contentType: MimeMarkdown,
	}

	var meta metadataResponse
	if err := c.doJSON(ctx, cred, r, &meta); err != nil {
		return Metadata{}, fmt.Errorf("write content of %s: %w", id, err)
	}

	c.logger.InfoContext(ctx, "Wrote content", "file_id", id, "bytes", len(content))
	return meta.metadata(), nil
}

// CreateFile creates a markdown file under parentID and uploads its content.
func (c *Client) CreateFile(
	ctx context.Context, cred Credential, name, parentID, content string,
) (*store.FileRecord, error) {
	meta := map[string]any{"name": name, "mimeType": MimeMarkdown}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}
	params := url.Values{"fields": {fileFields}, "supportsAllDrives": {"true"}}
	r, err := jsonRequest(http.MethodPost, c.baseURL+"/files?"+params.Encode(), meta)
	if err != nil {
		return nil, err
	}

	var created File
	if err := c.doJSON(ctx, cred, r, &created); err != nil {
		return nil, fmt.Errorf("create file %s: %w", name, err)
	}

	written, err := c.WriteContent(ctx, cred, created.ID, content)
	if err != nil {
		return nil, err
	}

	rec, ok := created.Record()
	if !ok {
		rec = &store.FileRecord{ID: created.ID, Name: created.Name, ParentIDs: created.Parents}
		rec.ResourceType = store.ResourceMarkdown
	}
	rec.ModifiedTime = written.ModifiedTime
	rec.Version = written.Version
	return rec, nil
}

// TrashFile moves a file to the trash.
func (c *Client) TrashFile(ctx context.Context, cred Credential, id string) error {
	params := url.Values{"supportsAllDrives": {"true"}}
	r, err := jsonRequest(http.MethodPatch, c.fileURL(c.baseURL, id)+"?"+params.Encode(), map[string]bool{"trashed": true})
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, cred, r, nil); err != nil {
		return fmt.Errorf("trash file %s: %w", id, err)
	}
	return nil
}

func (c *Client) fileURL(base, id string) string {
	return base + "/files/" + url.PathEscape(id)
}
