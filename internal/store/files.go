package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const (
	fileColumns = `id, name, resource_type, modified_time, version, content_snippet, derived_version, trashed`

	sqlInsertFile = `INSERT INTO files (` + fileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertMetadata = `INSERT INTO files (` + fileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name          = excluded.name,
			resource_type = excluded.resource_type,
			modified_time = excluded.modified_time,
			version       = excluded.version,
			trashed       = excluded.trashed`

	sqlUpdateDerived = `UPDATE files SET content_snippet = ?, derived_version = version WHERE id = ?`

	sqlClearStaleDerived = `UPDATE files SET content_snippet = NULL, derived_version = 0
		WHERE id = ? AND derived_version != version AND derived_version != 0`
)

var sideTables = []string{"file_parents", "file_tags", "file_aliases"}

// GetFile returns the record with the given id, or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	recs, err := s.queryFiles(ctx, s.db, "id = ?", []any{id}, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("file %s: %w", id, apperrors.ErrNotFound)
	}
	return recs[0], nil
}

// ListFiles returns the records matching f in insertion order.
func (s *Store) ListFiles(ctx context.Context, f Filter) ([]*FileRecord, error) {
	where, args := f.clause()
	return s.queryFiles(ctx, s.db, where, args, f.Limit)
}

// CountFiles returns the number of records matching f, ignoring f.Limit.
func (s *Store) CountFiles(ctx context.Context, f Filter) (int, error) {
	where, args := f.clause()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// ListChildren returns the live records directly under parentID, folders
// first and then by name. An empty parentID lists the drive root. A parentID
// naming anything but a folder yields ErrNotFolder.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*FileRecord, error) {
	if parentID == "" {
		cursor, err := s.GetCursor(ctx)
		if err != nil {
			return nil, err
		}
		parentID = cursor.RootFolderID
		if parentID == "" {
			parentID = cursor.DriveID
		}
	} else {
		parent, err := s.GetFile(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ResourceType != ResourceFolder {
			return nil, fmt.Errorf("list %s: %w", parentID, apperrors.ErrNotFolder)
		}
	}

	var children []*FileRecord
	if parentID == "" {
		all, err := s.ListFiles(ctx, Filter{})
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if f.PrimaryParent() == "" {
				children = append(children, f)
			}
		}
	} else {
		var err error
		if children, err = s.ListFiles(ctx, Filter{ParentID: parentID}); err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(children, func(a, b *FileRecord) int {
		if a.ResourceType != b.ResourceType {
			if a.ResourceType == ResourceFolder {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return children, nil
}

// ReplaceAll clears the file collection, inserts records and writes cursor
// in a single transaction. Readers see either the old state or the new one.
// Derived fields of records that arrive without them are carried over from
// the previous record with the same id and version.
func (s *Store) ReplaceAll(ctx context.Context, records []*FileRecord, cursor SyncCursor) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		previous, err := s.queryFiles(ctx, tx, "1 = 1", nil, 0)
		if err != nil {
			return err
		}
		prevByID := make(map[string]*FileRecord, len(previous))
		for _, rec := range previous {
			prevByID[rec.ID] = rec
		}

		for _, table := range append([]string{"files"}, sideTables...) {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		for _, rec := range records {
			row := *rec
			if prev, ok := prevByID[rec.ID]; ok && !rec.HasDerived() &&
				prev.Version == rec.Version && prev.DerivedVersion == rec.Version {
				row.ContentSnippet = prev.ContentSnippet
				row.Tags = prev.Tags
				row.Aliases = prev.Aliases
				row.DerivedVersion = prev.DerivedVersion
			}
			if err := insertFile(ctx, tx, &row); err != nil {
				return err
			}
		}

		return putCursor(ctx, tx, cursor)
	})
	if err != nil {
		return fmt.Errorf("replace all: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionFiles, Op: EventReset})
	s.publish(ctx, Event{Collection: CollectionCursor, Op: EventUpsert})
	return nil
}

// UpsertFile inserts rec or updates its metadata. Existing derived fields are
// kept while the version is unchanged, unless rec carries derived fields of
// its own. A version bump without derived fields clears them.
func (s *Store) UpsertFile(ctx context.Context, rec *FileRecord) error {
	return s.BulkUpsert(ctx, []*FileRecord{rec})
}

// BulkUpsert upserts records in one transaction.
func (s *Store) BulkUpsert(ctx context.Context, records []*FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if err := upsertFile(ctx, tx, rec); err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert files: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionFiles, Op: EventUpsert, IDs: ids})
	return nil
}

// DeleteFile removes the record with the given id. Deleting a missing record
// is not an error.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	var deleted bool
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return deleteSideRows(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}

	if deleted {
		s.publish(ctx, Event{Collection: CollectionFiles, Op: EventDelete, IDs: []string{id}})
	}
	return nil
}

// ReconcileDerived stores the fields computed from the document content.
// It is the explicit write that follows a parse.
func (s *Store) ReconcileDerived(ctx context.Context, id string, d Derived) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateDerived, nullString(d.Snippet), id)
		if err != nil {
			return fmt.Errorf("update snippet: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("file %s: %w", id, apperrors.ErrNotFound)
		}
		return replaceTagsAndAliases(ctx, tx, id, d.Tags, d.Aliases)
	})
	if err != nil {
		return fmt.Errorf("reconcile derived: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionFiles, Op: EventUpsert, IDs: []string{id}})
	return nil
}

// UpdateMetadata refreshes the remote timestamp and version of one record
// after a save.
func (s *Store) UpdateMetadata(ctx context.Context, id string, modified time.Time, version int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE files SET modified_time = ?, version = ? WHERE id = ?",
		formatTime(modified), version, id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update metadata %s: %w", id, apperrors.ErrNotFound)
	}

	s.publish(ctx, Event{Collection: CollectionFiles, Op: EventUpsert, IDs: []string{id}})
	return nil
}

// PurgeTrashed removes every soft-deleted record and returns their ids.
func (s *Store) PurgeTrashed(ctx context.Context) ([]string, error) {
	trashed, err := s.ListFiles(ctx, Filter{Trashed: OnlyTrashed})
	if err != nil {
		return nil, err
	}
	if len(trashed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(trashed))
	err = s.InTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range trashed {
			if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", rec.ID); err != nil {
				return fmt.Errorf("delete file: %w", err)
			}
			if err := deleteSideRows(ctx, tx, rec.ID); err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purge trashed: %w", err)
	}

	s.publish(ctx, Event{Collection: CollectionFiles, Op: EventDelete, IDs: ids})
	return ids, nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any

	switch f.Trashed {
	case ExcludeTrashed:
		conds = append(conds, "trashed = 0")
	case OnlyTrashed:
		conds = append(conds, "trashed = 1")
	case IncludeTrashed:
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, string(f.ResourceType))
	}
	if f.ParentID != "" {
		conds = append(conds, "id IN (SELECT file_id FROM file_parents WHERE parent_id = ?)")
		args = append(args, f.ParentID)
	}
	if f.Tag != "" {
		conds = append(conds, "id IN (SELECT file_id FROM file_tags WHERE tag = ? COLLATE NOCASE)")
		args = append(args, f.Tag)
	}
	if f.Alias != "" {
		conds = append(conds, "id IN (SELECT file_id FROM file_aliases WHERE alias = ?)")
		args = append(args, normalizeAlias(f.Alias))
	}
	if f.Name != "" {
		conds = append(conds, "name = ? COLLATE NOCASE")
		args = append(args, f.Name)
	}
	if f.NamePrefix != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.NamePrefix)+"%")
	}

	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// queryFiles loads file rows and their side-table values. Rows are fully
// read before the next query since the pool has a single connection.
func (s *Store) queryFiles(ctx context.Context, q querier, where string, args []any, limit int) ([]*FileRecord, error) {
	idQuery := "SELECT id FROM files WHERE " + where + " ORDER BY rowid"
	if limit > 0 {
		idQuery += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id IN ("+idQuery+") ORDER BY rowid", args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}

	var recs []*FileRecord
	byID := make(map[string]*FileRecord)
	for rows.Next() {
		rec, scanErr := scanFile(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, scanErr
		}
		recs = append(recs, rec)
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	_ = rows.Close()

	if len(recs) == 0 {
		return nil, nil
	}

	side := []struct {
		query string
		add   func(rec *FileRecord, value string)
	}{
		{
			"SELECT file_id, parent_id FROM file_parents WHERE file_id IN (" + idQuery + ") ORDER BY file_id, position",
			func(rec *FileRecord, v string) { rec.ParentIDs = append(rec.ParentIDs, v) },
		},
		{
			"SELECT file_id, tag FROM file_tags WHERE file_id IN (" + idQuery + ") ORDER BY rowid",
			func(rec *FileRecord, v string) { rec.Tags = append(rec.Tags, v) },
		},
		{
			"SELECT file_id, alias FROM file_aliases WHERE file_id IN (" + idQuery + ") ORDER BY rowid",
			func(rec *FileRecord, v string) { rec.Aliases = append(rec.Aliases, v) },
		},
	}

	for _, st := range side {
		if err := loadSide(ctx, q, st.query, args, byID, st.add); err != nil {
			return nil, err
		}
	}

	return recs, nil
}

func loadSide(
	ctx context.Context, q querier, query string, args []any,
	byID map[string]*FileRecord, add func(*FileRecord, string),
) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query side table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return fmt.Errorf("scan side table: %w", err)
		}
		if rec, ok := byID[id]; ok {
			add(rec, value)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(sc scanner) (*FileRecord, error) {
	var (
		rec      FileRecord
		rtype    string
		modified string
		snippet  sql.NullString
		trashed  int
	)
	if err := sc.Scan(&rec.ID, &rec.Name, &rtype, &modified, &rec.Version, &snippet, &rec.DerivedVersion, &trashed); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	rec.ResourceType = ResourceType(rtype)
	rec.ContentSnippet = snippet.String
	rec.Trashed = trashed != 0

	t, err := parseTime(modified)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", rec.ID, err)
	}
	rec.ModifiedTime = t

	return &rec, nil
}

func insertFile(ctx context.Context, tx *sql.Tx, rec *FileRecord) error {
	if _, err := tx.ExecContext(ctx, sqlInsertFile, fileArgs(rec)...); err != nil {
		return fmt.Errorf("insert file %s: %w", rec.ID, err)
	}
	if err := replaceParents(ctx, tx, rec.ID, rec.ParentIDs); err != nil {
		return err
	}
	return replaceTagsAndAliases(ctx, tx, rec.ID, rec.Tags, rec.Aliases)
}

func upsertFile(ctx context.Context, tx *sql.Tx, rec *FileRecord) error {
	if !rec.ResourceType.Valid() {
		return fmt.Errorf("file %s: invalid resource type %q", rec.ID, rec.ResourceType)
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertMetadata, fileArgs(rec)...); err != nil {
		return fmt.Errorf("upsert file %s: %w", rec.ID, err)
	}
	if err := replaceParents(ctx, tx, rec.ID, rec.ParentIDs); err != nil {
		return err
	}

	if !rec.HasDerived() {
		return clearStaleDerived(ctx, tx, rec.ID)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE files SET content_snippet = ?, derived_version = ? WHERE id = ?",
		nullString(rec.ContentSnippet), derivedVersion(rec), rec.ID); err != nil {
		return fmt.Errorf("update derived %s: %w", rec.ID, err)
	}
	return replaceTagsAndAliases(ctx, tx, rec.ID, rec.Tags, rec.Aliases)
}

func clearStaleDerived(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, sqlClearStaleDerived, id)
	if err != nil {
		return fmt.Errorf("clear derived %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return replaceTagsAndAliases(ctx, tx, id, nil, nil)
}

func fileArgs(rec *FileRecord) []any {
	trashed := 0
	if rec.Trashed {
		trashed = 1
	}
	return []any{
		rec.ID,
		rec.Name,
		string(rec.ResourceType),
		formatTime(rec.ModifiedTime),
		rec.Version,
		nullString(rec.ContentSnippet),
		derivedVersion(rec),
		trashed,
	}
}

// derivedVersion defaults to the record version when derived fields are
// supplied without an explicit version.
func derivedVersion(rec *FileRecord) int64 {
	if rec.DerivedVersion == 0 && rec.HasDerived() {
		return rec.Version
	}
	return rec.DerivedVersion
}

func replaceParents(ctx context.Context, tx *sql.Tx, id string, parents []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM file_parents WHERE file_id = ?", id); err != nil {
		return fmt.Errorf("clear parents: %w", err)
	}
	for i, p := range parents {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO file_parents (file_id, position, parent_id) VALUES (?, ?, ?)", id, i, p); err != nil {
			return fmt.Errorf("insert parent: %w", err)
		}
	}
	return nil
}

func replaceTagsAndAliases(ctx context.Context, tx *sql.Tx, id string, tags, aliases []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM file_tags WHERE file_id = ?", id); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range NormalizeTags(tags) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO file_tags (file_id, tag) VALUES (?, ?)", id, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM file_aliases WHERE file_id = ?", id); err != nil {
		return fmt.Errorf("clear aliases: %w", err)
	}
	for _, alias := range NormalizeAliases(aliases) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO file_aliases (file_id, alias) VALUES (?, ?)", id, alias); err != nil {
			return fmt.Errorf("insert alias: %w", err)
		}
	}
	return nil
}

func deleteSideRows(ctx context.Context, tx *sql.Tx, id string) error {
	for _, table := range sideTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE file_id = ?", id); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

// NormalizeTags trims tags and drops empty values and exact duplicates.
func NormalizeTags(tags []string) []string {
	return dedup(tags, strings.TrimSpace)
}

// NormalizeAliases trims and lowercases aliases and drops duplicates.
func NormalizeAliases(aliases []string) []string {
	return dedup(aliases, normalizeAlias)
}

func normalizeAlias(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func dedup(values []string, norm func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
