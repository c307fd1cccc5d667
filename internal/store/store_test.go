package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTime(minute int) time.Time {
	return time.Date(2025, 3, 1, 10, minute, 0, 0, time.UTC)
}

func mdRecord(id, name string, parents ...string) *FileRecord {
	return &FileRecord{
		ID:           id,
		Name:         name,
		ParentIDs:    parents,
		ResourceType: ResourceMarkdown,
		ModifiedTime: testTime(0),
		Version:      1,
	}
}

func folderRecord(id, name string, parents ...string) *FileRecord {
	return &FileRecord{
		ID:           id,
		Name:         name,
		ParentIDs:    parents,
		ResourceType: ResourceFolder,
		ModifiedTime: testTime(0),
		Version:      1,
	}
}

func ids(recs []*FileRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestOpenSeedsCursor(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}

	cursor, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if cursor.HasToken() {
		t.Errorf("fresh cursor should have no token, got %q", cursor.NextChangeToken)
	}
	if !cursor.LastSync.IsZero() {
		t.Errorf("fresh cursor LastSync = %v, want zero", cursor.LastSync)
	}
}

func TestOpenFileReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kb.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.UpsertFile(ctx, mdRecord("a", "A.md", "root")); err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = s.Close() }()

	rec, err := s.GetFile(ctx, "a")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if rec.Name != "A.md" {
		t.Errorf("name = %q, want A.md", rec.Name)
	}
}

func TestMigrationPreservesData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := open(ctx, ":memory:", 1)
	if err != nil {
		t.Fatalf("open v1: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.UpsertFile(ctx, mdRecord("a", "A.md", "root")); err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}
	if err := s.UpdateCursorToken(ctx, "tok-1", testTime(5)); err != nil {
		t.Fatalf("UpdateCursorToken() error = %v", err)
	}
	if _, err := s.CountPending(ctx); err == nil {
		t.Fatal("expected pending_changes to be missing at schema v1")
	}

	if err := s.migrateTo(ctx, SchemaVersion); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := s.GetFile(ctx, "a"); err != nil {
		t.Errorf("file lost after migration: %v", err)
	}
	cursor, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if cursor.NextChangeToken != "tok-1" {
		t.Errorf("token = %q, want tok-1", cursor.NextChangeToken)
	}
	if n, err := s.CountPending(ctx); err != nil || n != 0 {
		t.Errorf("CountPending() = %d, %v; want 0, nil", n, err)
	}
}

func TestGetFileRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := &FileRecord{
		ID:             "f1",
		Name:           "Notes.md",
		ParentIDs:      []string{"p1", "p2"},
		ResourceType:   ResourceMarkdown,
		ModifiedTime:   testTime(3),
		Version:        7,
		ContentSnippet: "see [[Other]]",
		Tags:           []string{"Go", "go", "Go"},
		Aliases:        []string{" Jot ", "jot", "NOTE"},
	}
	if err := s.UpsertFile(ctx, in); err != nil {
		t.Fatalf("UpsertFile() error = %v", err)
	}

	got, err := s.GetFile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !reflect.DeepEqual(got.ParentIDs, []string{"p1", "p2"}) {
		t.Errorf("parents = %v", got.ParentIDs)
	}
	if !reflect.DeepEqual(got.Tags, []string{"Go", "go"}) {
		t.Errorf("tags = %v, want [Go go]", got.Tags)
	}
	if !reflect.DeepEqual(got.Aliases, []string{"jot", "note"}) {
		t.Errorf("aliases = %v, want [jot note]", got.Aliases)
	}
	if !got.ModifiedTime.Equal(testTime(3)) || got.Version != 7 {
		t.Errorf("metadata = %v/%d", got.ModifiedTime, got.Version)
	}
	if got.DerivedVersion != 7 || got.DerivedStale() {
		t.Errorf("derived version = %d, stale = %v", got.DerivedVersion, got.DerivedStale())
	}

	_, err = s.GetFile(ctx, "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetFile(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListFilesFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	alpha := mdRecord("a", "Alpha.md", "root")
	alpha.Tags = []string{"Project"}
	beta := mdRecord("b", "beta.md", "dir")
	beta.Aliases = []string{"Second"}
	gone := mdRecord("t", "Alpine.md", "root")
	gone.Trashed = true

	recs := []*FileRecord{folderRecord("dir", "Dir", "root"), alpha, beta, gone}
	if err := s.BulkUpsert(ctx, recs); err != nil {
		t.Fatalf("BulkUpsert() error = %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all live", Filter{}, []string{"dir", "a", "b"}},
		{"by parent", Filter{ParentID: "root"}, []string{"dir", "a"}},
		{"by type", Filter{ResourceType: ResourceMarkdown}, []string{"a", "b"}},
		{"by tag case-insensitive", Filter{Tag: "project"}, []string{"a"}},
		{"by alias", Filter{Alias: "SECOND"}, []string{"b"}},
		{"by name", Filter{Name: "ALPHA.MD"}, []string{"a"}},
		{"by prefix", Filter{NamePrefix: "alp", Trashed: IncludeTrashed}, []string{"a", "t"}},
		{"only trashed", Filter{Trashed: OnlyTrashed}, []string{"t"}},
		{"limit", Filter{Limit: 2}, []string{"dir", "a"}},
		{"prefix escapes wildcards", Filter{NamePrefix: "%"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListFiles(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListFiles() error = %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("ListFiles() = %v, want %v", ids(got), tt.want)
			}
		})
	}

	n, err := s.CountFiles(ctx, Filter{ResourceType: ResourceMarkdown, Trashed: IncludeTrashed})
	if err != nil || n != 3 {
		t.Errorf("CountFiles() = %d, %v; want 3", n, err)
	}
}

func TestListChildren(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*FileRecord{
		mdRecord("z", "zeta.md", "root"),
		folderRecord("dir", "Dir", "root"),
		mdRecord("a", "Alpha.md", "root"),
		mdRecord("n", "Nested.md", "dir"),
	}
	if err := s.BulkUpsert(ctx, recs); err != nil {
		t.Fatalf("BulkUpsert() error = %v", err)
	}
	if err := s.PutCursor(ctx, SyncCursor{NextChangeToken: "t", DriveID: "root"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListChildren(ctx, "")
	if err != nil {
		t.Fatalf("ListChildren(root) error = %v", err)
	}
	if want := []string{"dir", "a", "z"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("ListChildren(root) = %v, want %v", ids(got), want)
	}

	got, err = s.ListChildren(ctx, "dir")
	if err != nil || !reflect.DeepEqual(ids(got), []string{"n"}) {
		t.Errorf("ListChildren(dir) = %v, %v", ids(got), err)
	}

	if _, err := s.ListChildren(ctx, "a"); !errors.Is(err, apperrors.ErrNotFolder) {
		t.Errorf("ListChildren(file) error = %v, want ErrNotFolder", err)
	}
	if _, err := s.ListChildren(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("ListChildren(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertKeepsDerivedFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := mdRecord("a", "A.md", "root")
	if err := s.UpsertFile(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.ReconcileDerived(ctx, "a", Derived{Snippet: "[[B]]", Tags: []string{"x"}, Aliases: []string{"Ay"}}); err != nil {
		t.Fatalf("ReconcileDerived() error = %v", err)
	}

	// Same version: a rename keeps the derived fields.
	if err := s.UpsertFile(ctx, mdRecord("a", "A renamed.md", "root")); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetFile(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "A renamed.md" || got.ContentSnippet != "[[B]]" || !reflect.DeepEqual(got.Aliases, []string{"ay"}) {
		t.Errorf("after rename: %+v", got)
	}
	if got.DerivedStale() {
		t.Error("derived fields should be current at v1")
	}

	// New version without content: the old derived fields no longer apply.
	update := mdRecord("a", "A renamed.md", "root")
	update.Version = 2
	if err := s.UpsertFile(ctx, update); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetFile(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.ContentSnippet != "" || len(got.Tags) != 0 || len(got.Aliases) != 0 {
		t.Errorf("after version bump: %+v", got)
	}
	if !got.DerivedStale() {
		t.Error("derived fields should be stale at v2")
	}
	if n, _ := s.CountFiles(ctx, Filter{Alias: "ay"}); n != 0 {
		t.Errorf("alias lookup still matches %d records", n)
	}
}

func TestReplaceAllDropsDerivedOnVersionBump(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := mdRecord("a", "A.md", "root")
	old.ContentSnippet = "[[B]]"
	old.Tags = []string{"x"}
	if err := s.UpsertFile(ctx, old); err != nil {
		t.Fatal(err)
	}

	bumped := mdRecord("a", "A.md", "root")
	bumped.Version = 5
	if err := s.ReplaceAll(ctx, []*FileRecord{bumped}, SyncCursor{NextChangeToken: "tok"}); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	got, err := s.GetFile(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentSnippet != "" || len(got.Tags) != 0 || got.DerivedVersion != 0 {
		t.Errorf("stale derived fields carried over: %+v", got)
	}
}

func TestReplaceAllIsAtomicAndCarriesDerived(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := mdRecord("a", "A.md", "root")
	old.ContentSnippet = "[[B]]"
	if err := s.BulkUpsert(ctx, []*FileRecord{old, mdRecord("gone", "Gone.md", "root")}); err != nil {
		t.Fatal(err)
	}

	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	cursor := SyncCursor{NextChangeToken: "tok", LastSync: testTime(9), DriveID: "drive", RootFolderID: "drive"}
	err := s.ReplaceAll(ctx, []*FileRecord{mdRecord("a", "A.md", "root"), mdRecord("b", "B.md", "root")}, cursor)
	if err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	all, err := s.ListFiles(ctx, Filter{Trashed: IncludeTrashed})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(all), []string{"a", "b"}) {
		t.Errorf("files = %v, want [a b]", ids(all))
	}
	if all[0].ContentSnippet != "[[B]]" {
		t.Errorf("snippet not carried over: %q", all[0].ContentSnippet)
	}

	got, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextChangeToken != "tok" || got.DriveID != "drive" || got.RootFolderID != "drive" {
		t.Errorf("cursor = %+v", got)
	}
	if !got.LastSync.Equal(testTime(9)) {
		t.Errorf("last sync = %v", got.LastSync)
	}

	if len(events) == 0 || events[0].Op != EventReset {
		t.Errorf("expected a reset event first, got %+v", events)
	}
}

func TestReplaceAllRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertFile(ctx, mdRecord("a", "A.md", "root")); err != nil {
		t.Fatal(err)
	}

	bad := &FileRecord{ID: "x", Name: "x", ResourceType: "pdf", ModifiedTime: testTime(0)}
	err := s.ReplaceAll(ctx, []*FileRecord{mdRecord("b", "B.md"), bad}, SyncCursor{NextChangeToken: "tok"})
	if err == nil {
		t.Fatal("expected an error for an invalid resource type")
	}

	all, err := s.ListFiles(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(all), []string{"a"}) {
		t.Errorf("files after failed replace = %v, want [a]", ids(all))
	}
	cursor, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor.HasToken() {
		t.Error("cursor must not change when the replace fails")
	}
}

func TestDeleteFileIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := mdRecord("a", "A.md", "root")
	rec.Tags = []string{"t"}
	if err := s.UpsertFile(ctx, rec); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := s.DeleteFile(ctx, "a"); err != nil {
			t.Fatalf("DeleteFile() error = %v", err)
		}
	}

	if got, _ := s.ListFiles(ctx, Filter{Tag: "t"}); len(got) != 0 {
		t.Errorf("tag index still returns %v", ids(got))
	}
}

func TestPurgeTrashed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	trashed := mdRecord("t", "T.md", "root")
	trashed.Trashed = true
	if err := s.BulkUpsert(ctx, []*FileRecord{mdRecord("a", "A.md", "root"), trashed}); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeTrashed(ctx)
	if err != nil {
		t.Fatalf("PurgeTrashed() error = %v", err)
	}
	if !reflect.DeepEqual(purged, []string{"t"}) {
		t.Errorf("purged = %v, want [t]", purged)
	}
	if n, _ := s.CountFiles(ctx, Filter{Trashed: IncludeTrashed}); n != 1 {
		t.Errorf("remaining files = %d, want 1", n)
	}
}

func TestUpdateCursorTokenKeepsTokenWhenEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCursor(ctx, SyncCursor{NextChangeToken: "t1", DriveID: "d", RootFolderID: "d"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCursorToken(ctx, "", testTime(30)); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.NextChangeToken != "t1" || c.DriveID != "d" {
		t.Errorf("cursor = %+v", c)
	}
	if !c.LastSync.Equal(testTime(30)) {
		t.Errorf("last sync = %v, want %v", c.LastSync, testTime(30))
	}
}

func TestPendingQueue(t *testing.T) {
	t.Parallel()
	now := testTime(0)
	s, err := OpenMemory(context.Background(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	first, err := s.EnqueueChange(ctx, "a", OpUpdate, &ChangePayload{Content: "hello"})
	if err != nil {
		t.Fatalf("EnqueueChange() error = %v", err)
	}
	second, err := s.EnqueueChange(ctx, "b", OpDelete, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.LocalID <= first.LocalID {
		t.Errorf("local ids not monotonic: %d then %d", first.LocalID, second.LocalID)
	}

	if _, err := s.EnqueueChange(ctx, "c", "rename", nil); !errors.Is(err, apperrors.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}

	now = testTime(1)
	if err := s.RecordAttempt(ctx, first.LocalID, "offline"); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].RetryCount != 1 || pending[0].LastError != "offline" || !pending[0].LastAttempt.Equal(testTime(1)) {
		t.Errorf("attempt not recorded: %+v", pending[0])
	}
	if pending[0].Payload == nil || pending[0].Payload.Content != "hello" {
		t.Errorf("payload = %+v", pending[0].Payload)
	}
	if pending[1].Payload != nil {
		t.Errorf("delete payload = %+v, want nil", pending[1].Payload)
	}

	if pending[0].Conflicted() {
		t.Errorf("change conflicted before MarkConflict")
	}
	now = testTime(2)
	if err := s.MarkConflict(ctx, second.LocalID, "conflict"); err != nil {
		t.Fatalf("MarkConflict() error = %v", err)
	}
	pending, err = s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !pending[1].Conflicted() || !pending[1].ConflictedAt.Equal(testTime(2)) || pending[1].LastError != "conflict" {
		t.Errorf("conflict not recorded: %+v", pending[1])
	}
	if err := s.MarkConflict(ctx, 999, "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("MarkConflict(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.DeletePending(ctx, first.LocalID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountPending(ctx); n != 1 {
		t.Errorf("CountPending() = %d, want 1", n)
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var got []Event
	cancel := s.Subscribe(func(ev Event) { got = append(got, ev) })

	if err := s.UpsertFile(ctx, mdRecord("a", "A.md")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFile(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := s.UpsertFile(ctx, mdRecord("b", "B.md")); err != nil {
		t.Fatal(err)
	}

	want := []Event{
		{Collection: CollectionFiles, Op: EventUpsert, IDs: []string{"a"}},
		{Collection: CollectionFiles, Op: EventDelete, IDs: []string{"a"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}
