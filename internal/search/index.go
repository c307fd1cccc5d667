// Package search keeps an in-memory full-text index of the live markdown files.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/store"
)

// Indexed fields and their boosts.
const (
	fieldName        = "name"
	fieldDisplayName = "displayName"
	fieldTags        = "tags"
	fieldAliases     = "aliases"
	fieldPath        = "path"

	// MaxPathDepth bounds the ancestor walk when computing a path.
	MaxPathDepth = 10

	// DefaultLimit is the result limit when none is given.
	DefaultLimit = 20
)

var fieldBoosts = []struct {
	field string
	boost float64
}{
	{fieldDisplayName, 3},
	{fieldAliases, 2},
	{fieldTags, 1.5},
	{fieldName, 1},
	{fieldPath, 0.5},
}

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Index is the search index. It is safe for concurrent use.
type Index struct {
	store  *store.Store
	logger *slog.Logger

	// wmu serializes writers so an update made during a rebuild lands in
	// the index that is swapped in.
	wmu sync.Mutex

	mu    sync.RWMutex
	index bleve.Index

	cancel func()

	afterList func()
}

// Option configures the index.
type Option func(*Index)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) {
		x.logger = l
	}
}

// New creates an empty index over st. Call Rebuild to populate it.
func New(st *store.Store, opts ...Option) (*Index, error) {
	x := &Index{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(x)
	}

	idx, err := newMemIndex()
	if err != nil {
		return nil, err
	}
	x.index = idx
	return x, nil
}

func newIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	for _, fb := range fieldBoosts {
		fm := bleve.NewTextFieldMapping()
		fm.Store = fb.field == fieldName || fb.field == fieldPath
		doc.AddFieldMappingsAt(fb.field, fm)
	}

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func newMemIndex() (bleve.Index, error) {
	idx, err := bleve.NewMemOnly(newIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return idx, nil
}

// Close detaches the index from the store and releases it.
func (x *Index) Close() error {
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, err := x.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Rebuild repopulates a fresh index from every live markdown file and swaps it in.
func (x *Index) Rebuild(ctx context.Context) error {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	all, err := x.store.ListFiles(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	if x.afterList != nil {
		x.afterList()
	}
	cursor, err := x.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	folders := make(map[string]*store.FileRecord)
	for _, f := range all {
		if f.ResourceType == store.ResourceFolder {
			folders[f.ID] = f
		}
	}
	lookup := func(_ context.Context, id string) (*store.FileRecord, error) {
		if f, ok := folders[id]; ok {
			return f, nil
		}
		return nil, apperrors.ErrNotFound
	}

	idx, err := newMemIndex()
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	count := 0
	for _, f := range all {
		if !f.IsMarkdown() {
			continue
		}
		count++
		path := folderPath(ctx, f, cursor.RootFolderID, lookup)
		if err := batch.Index(f.ID, document(f, path)); err != nil {
			_ = idx.Close()
			return fmt.Errorf("index %s: %w", f.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("index batch: %w", err)
	}

	x.mu.Lock()
	old := x.index
	x.index = idx
	x.mu.Unlock()

	if err := old.Close(); err != nil {
		x.logger.WarnContext(ctx, "Failed to close previous index", "error", err)
	}

	x.logger.DebugContext(ctx, "Rebuilt search index", "documents", count)
	return nil
}

// Upsert indexes rec, or removes it when it is not a live markdown file.
func (x *Index) Upsert(ctx context.Context, rec *store.FileRecord) error {
	if !rec.IsMarkdown() {
		return x.Remove(rec.ID)
	}

	cursor, err := x.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	path := folderPath(ctx, rec, cursor.RootFolderID, x.store.GetFile)

	x.wmu.Lock()
	defer x.wmu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(rec.ID, document(rec, path)); err != nil {
		return fmt.Errorf("index %s: %w", rec.ID, err)
	}
	return nil
}

// Remove drops id from the index. Removing an absent id is a no-op.
func (x *Index) Remove(id string) error {
	x.wmu.Lock()
	defer x.wmu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Delete(id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func document(f *store.FileRecord, path string) map[string]any {
	return map[string]any{
		fieldName:        f.Name,
		fieldDisplayName: f.DisplayName(),
		fieldTags:        strings.Join(f.Tags, " "),
		fieldAliases:     strings.Join(f.Aliases, " "),
		fieldPath:        path,
	}
}

// folderPath joins the names of the ancestor folders of f, outermost first.
// The walk stops at root, at an unknown parent, or after MaxPathDepth levels.
func folderPath(
	ctx context.Context,
	f *store.FileRecord,
	root string,
	lookup func(context.Context, string) (*store.FileRecord, error),
) string {
	var names []string
	parent := f.PrimaryParent()
	for range MaxPathDepth {
		if parent == "" || parent == root {
			break
		}
		folder, err := lookup(ctx, parent)
		if err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				slog.DebugContext(ctx, "Path lookup failed", "parent", parent, "error", err)
			}
			break
		}
		names = append(names, folder.Name)
		parent = folder.PrimaryParent()
	}

	slices.Reverse(names)
	return strings.Join(names, "/")
}
