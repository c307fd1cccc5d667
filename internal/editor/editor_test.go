package editor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/vault"
)

var baseTime = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu       sync.Mutex
	content  map[string]string
	meta     map[string]drive.Metadata
	writeErr error
	fetches  int
	writes   int
	clock    time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		content: make(map[string]string),
		meta:    make(map[string]drive.Metadata),
		clock:   baseTime,
	}
}

// touch simulates an edit made elsewhere.
func (f *fakeRemote) touch(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Minute)
	f.content[id] = content
	f.meta[id] = drive.Metadata{ModifiedTime: f.clock, Version: f.meta[id].Version + 1}
}

func (f *fakeRemote) get(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[id]
}

func (f *fakeRemote) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeRemote) FetchContent(_ context.Context, _ drive.Credential, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	c, ok := f.content[id]
	if !ok {
		return "", &apperrors.RemoteAPIError{Code: 404, Message: "File not found"}
	}
	return c, nil
}

func (f *fakeRemote) FetchMetadata(_ context.Context, _ drive.Credential, id string) (drive.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meta[id]
	if !ok {
		return drive.Metadata{}, &apperrors.RemoteAPIError{Code: 404, Message: "File not found"}
	}
	return m, nil
}

func (f *fakeRemote) WriteContent(_ context.Context, _ drive.Credential, id, content string) (drive.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return drive.Metadata{}, f.writeErr
	}
	f.writes++
	f.clock = f.clock.Add(time.Minute)
	f.content[id] = content
	m := drive.Metadata{ModifiedTime: f.clock, Version: f.meta[id].Version + 1}
	f.meta[id] = m
	return m, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// setup seeds one document both remotely and in the store.
func setup(t *testing.T) (*fakeRemote, *store.Store) {
	t.Helper()

	remote := newFakeRemote()
	remote.touch("doc", "# Start\n")
	st := newTestStore(t)
	err := st.UpsertFile(context.Background(), &store.FileRecord{
		ID:           "doc",
		Name:         "Doc.md",
		ResourceType: store.ResourceMarkdown,
		ModifiedTime: baseTime,
		Version:      1,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return remote, st
}

func openSession(t *testing.T, remote *fakeRemote, st *store.Store) *Session {
	t.Helper()

	s := NewSession("doc", remote, st, "token")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	if s.State() != Clean || s.Content() != "# Start\n" {
		t.Fatalf("after open: %v %q", s.State(), s.Content())
	}

	s.Edit("---\ntags: [go]\n---\nUpdated body")
	if s.State() != Dirty {
		t.Fatalf("after edit: %v", s.State())
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if s.State() != Clean {
		t.Errorf("after save: %v", s.State())
	}
	if got := remote.get("doc"); got != "---\ntags: [go]\n---\nUpdated body" {
		t.Errorf("remote content = %q", got)
	}

	rec, err := st.GetFile(ctx, "doc")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if rec.Version != s.Baseline().Version || !rec.ModifiedTime.Equal(s.Baseline().ModifiedTime) {
		t.Errorf("store metadata = %v/%v, baseline = %+v", rec.ModifiedTime, rec.Version, s.Baseline())
	}
	if rec.ContentSnippet != "Updated body" || len(rec.Tags) != 1 || rec.Tags[0] != "go" {
		t.Errorf("derived fields = %q %v", rec.ContentSnippet, rec.Tags)
	}

	if err := s.Save(ctx); err != nil {
		t.Errorf("Save(clean) error = %v", err)
	}
}

func TestEditBackToSavedIsClean(t *testing.T) {
	t.Parallel()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	s.Edit("changed")
	s.Edit("# Start\n")
	if s.State() != Clean {
		t.Errorf("state = %v, want clean", s.State())
	}
}

func TestSaveDetectsConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)
	loadedAt := s.Baseline().ModifiedTime

	remote.touch("doc", "edited elsewhere")
	s.Edit("mine")

	err := s.Save(ctx)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Save() error = %v, want conflict", err)
	}
	var conflict *apperrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %T is not a ConflictError", err)
	}
	if !conflict.LoadedAt.Equal(loadedAt) || !conflict.RemoteAt.After(loadedAt) {
		t.Errorf("conflict = %+v", conflict)
	}
	if s.State() != ConflictDetected {
		t.Errorf("state = %v", s.State())
	}
	if got := remote.get("doc"); got != "edited elsewhere" {
		t.Errorf("remote overwritten: %q", got)
	}
	if err := s.Save(ctx); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Save() error = %v", err)
	}

	if err := s.Overwrite(ctx); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}
	if s.State() != Clean || remote.get("doc") != "mine" {
		t.Errorf("after overwrite: %v %q", s.State(), remote.get("doc"))
	}
}

func TestReloadResolvesConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	remote.touch("doc", "theirs")
	s.Edit("mine")
	if err := s.Save(ctx); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if s.State() != Clean || s.Content() != "theirs" {
		t.Errorf("after reload: %v %q", s.State(), s.Content())
	}
}

func TestSaveSameTimestampIsNotConflict(t *testing.T) {
	t.Parallel()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	s.Edit("next")
	if err := s.Save(context.Background()); err != nil {
		t.Errorf("Save() error = %v", err)
	}
}

func TestSaveOfflineQueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	remote.setWriteErr(&apperrors.TransportError{Op: "write", Err: errors.New("connection refused")})
	s.Edit("offline one")
	err := s.Save(ctx)
	if !errors.Is(err, apperrors.ErrQueuedOffline) {
		t.Fatalf("Save() error = %v, want ErrQueuedOffline", err)
	}
	if s.State() != SaveFailed || s.Content() != "offline one" {
		t.Errorf("after offline save: %v %q", s.State(), s.Content())
	}

	s.Edit("offline two")
	if err := s.Save(ctx); !errors.Is(err, apperrors.ErrQueuedOffline) {
		t.Fatalf("second Save() error = %v", err)
	}
	pending, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != store.OpUpdate || pending[0].Payload.Content != "offline two" {
		t.Fatalf("pending = %+v", pending)
	}
	if !pending[0].Payload.BaseModifiedTime.Equal(s.Baseline().ModifiedTime) {
		t.Errorf("queued base = %v, want %v", pending[0].Payload.BaseModifiedTime, s.Baseline().ModifiedTime)
	}

	remote.setWriteErr(nil)
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save() after reconnect error = %v", err)
	}
	if n, _ := st.CountPending(ctx); n != 0 {
		t.Errorf("pending after save = %d", n)
	}
}

func TestOfflineOverwriteQueuesWithoutBase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	remote.setWriteErr(&apperrors.TransportError{Op: "write", Err: errors.New("connection refused")})
	s.Edit("forced")
	if err := s.Overwrite(ctx); !errors.Is(err, apperrors.ErrQueuedOffline) {
		t.Fatalf("Overwrite() error = %v", err)
	}
	pending, err := st.ListPending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
	if !pending[0].Payload.BaseModifiedTime.IsZero() {
		t.Errorf("queued base = %v, want zero", pending[0].Payload.BaseModifiedTime)
	}
}

func TestReloadDropsQueuedChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	remote.setWriteErr(&apperrors.TransportError{Op: "write", Err: errors.New("connection refused")})
	s.Edit("offline")
	if err := s.Save(ctx); !errors.Is(err, apperrors.ErrQueuedOffline) {
		t.Fatalf("Save() error = %v", err)
	}
	remote.setWriteErr(nil)

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if n, _ := st.CountPending(ctx); n != 0 {
		t.Errorf("pending after reload = %d, want 0", n)
	}
	if s.Content() != "# Start\n" {
		t.Errorf("content = %q", s.Content())
	}
}

func TestSaveOtherFailureIsNotQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)
	s := openSession(t, remote, st)

	remote.setWriteErr(&apperrors.RemoteAPIError{Code: 403, Reason: "insufficientPermissions", Message: "forbidden"})
	s.Edit("nope")
	err := s.Save(ctx)
	if err == nil || errors.Is(err, apperrors.ErrQueuedOffline) {
		t.Fatalf("Save() error = %v", err)
	}
	if s.State() != SaveFailed || s.Err() == nil {
		t.Errorf("state = %v, err = %v", s.State(), s.Err())
	}
	if n, _ := st.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d", n)
	}
}

func TestSaveNotLoaded(t *testing.T) {
	t.Parallel()
	remote, st := setup(t)

	s := NewSession("doc", remote, st, "token")
	if err := s.Save(context.Background()); !errors.Is(err, apperrors.ErrNotLoaded) {
		t.Errorf("Save() error = %v", err)
	}
}

func TestSessionToleratesMissingRecord(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	remote.touch("elsewhere", "hello")

	s := NewSession("elsewhere", remote, newTestStore(t), "token")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Edit("bye")
	if err := s.Save(context.Background()); err != nil {
		t.Errorf("Save() error = %v", err)
	}
}

type recorder struct {
	mu    sync.Mutex
	saves []string
	done  chan string
}

func newRecorder() *recorder {
	return &recorder{done: make(chan string, 10)}
}

func (r *recorder) save(_ context.Context, docID, content string) error {
	r.mu.Lock()
	r.saves = append(r.saves, docID+"="+content)
	r.mu.Unlock()
	r.done <- content
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func TestSchedulerReplacesPending(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.save)
	defer s.Stop()

	s.Schedule("a", "first", time.Hour)
	s.Schedule("a", "second", 20*time.Millisecond)
	if got, ok := s.Pending("a"); !ok || got != "second" {
		t.Fatalf("Pending() = %q, %v", got, ok)
	}

	select {
	case got := <-rec.done:
		if got != "second" {
			t.Errorf("saved %q, want second", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled save did not run")
	}
	if _, ok := s.Pending("a"); ok {
		t.Error("task still pending after it ran")
	}
	if rec.count() != 1 {
		t.Errorf("saves = %d, want 1", rec.count())
	}
}

func TestSchedulerSaveNowCancels(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.save)
	defer s.Stop()

	s.Schedule("a", "later", time.Hour)
	if err := s.SaveNow(context.Background(), "a", "now"); err != nil {
		t.Fatalf("SaveNow() error = %v", err)
	}
	if _, ok := s.Pending("a"); ok {
		t.Error("SaveNow left the task pending")
	}
	if got := <-rec.done; got != "now" {
		t.Errorf("saved %q", got)
	}
	if s.Cancel("a") {
		t.Error("Cancel() reported a task after SaveNow")
	}
}

func TestSchedulerFlushAndStop(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.save)

	s.Schedule("a", "1", time.Hour)
	s.Schedule("b", "2", time.Hour)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("flushed saves = %d", rec.count())
	}

	s.Schedule("c", "3", time.Hour)
	s.Stop()
	if _, ok := s.Pending("c"); ok {
		t.Error("Stop left a task pending")
	}
	s.Schedule("d", "4", time.Millisecond)
	if _, ok := s.Pending("d"); ok {
		t.Error("Schedule after Stop queued a task")
	}
}

func TestWorkspaceMirrorsAndResumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)

	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vault.Open() error = %v", err)
	}

	w := NewWorkspace(ctx, remote, st, "token", WithMirror(v))
	if err := w.Save(ctx, "doc", "saved body"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	w.Close()

	doc, err := v.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("vault Get() error = %v", err)
	}
	if doc.Content != "saved body" || doc.Name != "Doc.md" {
		t.Errorf("mirrored = %+v", doc)
	}

	remote.mu.Lock()
	fetches := remote.fetches
	remote.mu.Unlock()

	w2 := NewWorkspace(ctx, remote, st, "token", WithMirror(v))
	defer w2.Close()
	s, err := w2.Session(ctx, "doc")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if s.Content() != "saved body" || s.State() != Clean {
		t.Errorf("resumed = %q %v", s.Content(), s.State())
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.fetches != fetches {
		t.Errorf("resume fetched content from remote")
	}
}

func TestWorkspaceConflictThenOverwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote, st := setup(t)

	w := NewWorkspace(ctx, remote, st, "token")
	defer w.Close()
	if _, err := w.Open(ctx, "doc"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	remote.touch("doc", "theirs")
	if err := w.Save(ctx, "doc", "mine"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Save() error = %v", err)
	}
	if err := w.Overwrite(ctx, "doc", "mine"); err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}
	if remote.get("doc") != "mine" {
		t.Errorf("remote = %q", remote.get("doc"))
	}
}
