package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/retry"
	"github.com/fclairamb/kbsync/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	modified time.Time
	writeErr error
	trashErr error
}

func (f *fakeRemote) FetchMetadata(_ context.Context, _ drive.Credential, id string) (drive.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "meta:"+id)
	return drive.Metadata{ModifiedTime: f.modified, Version: 2}, nil
}

func (f *fakeRemote) WriteContent(_ context.Context, _ drive.Credential, id, content string) (drive.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "write:"+id)
	if f.writeErr != nil {
		return drive.Metadata{}, f.writeErr
	}
	return drive.Metadata{ModifiedTime: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Version: 9}, nil
}

func (f *fakeRemote) CreateFile(_ context.Context, _ drive.Credential, name, parentID, _ string) (*store.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create:"+name)
	return &store.FileRecord{
		ID:           "remote-1",
		Name:         name,
		ParentIDs:    []string{parentID},
		ResourceType: store.ResourceMarkdown,
		ModifiedTime: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Version:      1,
	}, nil
}

func (f *fakeRemote) TrashFile(_ context.Context, _ drive.Credential, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "trash:"+id)
	return f.trashErr
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, remote Remote) (*Manager, *store.Store, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	st, err := store.OpenMemory(context.Background(), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, remote, WithClock(clock.Now)), st, clock
}

func seed(t *testing.T, st *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := st.UpsertFile(context.Background(), &store.FileRecord{
			ID:           id,
			Name:         id + ".md",
			ResourceType: store.ResourceMarkdown,
			ModifiedTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:      1,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func enqueue(t *testing.T, m *Manager, target string, op store.Operation, payload *store.ChangePayload) {
	t.Helper()
	if _, err := m.Enqueue(context.Background(), &store.PendingChange{TargetFileID: target, Operation: op, Payload: payload}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func TestReplayAppliesInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := &fakeRemote{}
	m, st, _ := newTestManager(t, remote)
	seed(t, st, "doc", "gone", "local-1")

	enqueue(t, m, "doc", store.OpUpdate, &store.ChangePayload{Content: "---\naliases: [Main]\n---\nbody"})
	enqueue(t, m, "local-1", store.OpCreate, &store.ChangePayload{Name: "New.md", ParentID: "folder", Content: "fresh"})
	enqueue(t, m, "gone", store.OpDelete, nil)

	res, err := m.Replay(ctx, "token")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Attempted != 3 || res.Replayed != 3 || res.Failed != 0 || res.Remaining != 0 {
		t.Errorf("result = %+v", res)
	}

	want := []string{"write:doc", "create:New.md", "trash:gone"}
	if len(remote.calls) != len(want) {
		t.Fatalf("calls = %v", remote.calls)
	}
	for i := range want {
		if remote.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, remote.calls[i], want[i])
		}
	}

	doc, err := st.GetFile(ctx, "doc")
	if err != nil {
		t.Fatalf("GetFile(doc) error = %v", err)
	}
	if doc.Version != 9 || doc.ContentSnippet != "body" || len(doc.Aliases) != 1 || doc.Aliases[0] != "main" {
		t.Errorf("doc = %+v", doc)
	}
	created, err := st.GetFile(ctx, "remote-1")
	if err != nil || created.ContentSnippet != "fresh" {
		t.Errorf("created = %+v, %v", created, err)
	}
	for _, id := range []string{"local-1", "gone"} {
		if _, err := st.GetFile(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("GetFile(%s) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestReplayBackoffSkipsRecentFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := &fakeRemote{writeErr: &apperrors.TransportError{Op: "write", Err: errors.New("offline")}}
	m, st, clock := newTestManager(t, remote)

	enqueue(t, m, "doc", store.OpUpdate, &store.ChangePayload{Content: "x"})

	res, err := m.Replay(ctx, "token")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Failed != 1 || res.Remaining != 1 {
		t.Fatalf("first replay = %+v", res)
	}
	pending, _ := m.List(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 1 || pending[0].LastError == "" {
		t.Fatalf("pending = %+v", pending[0])
	}

	res, err = m.Replay(ctx, "token")
	if err != nil || res.Skipped != 1 || res.Attempted != 0 {
		t.Fatalf("second replay = %+v, %v", res, err)
	}

	clock.Advance(retry.Backoff(1))
	remote.mu.Lock()
	remote.writeErr = nil
	remote.mu.Unlock()

	res, err = m.Replay(ctx, "token")
	if err != nil || res.Replayed != 1 || res.Remaining != 0 {
		t.Fatalf("third replay = %+v, %v", res, err)
	}
	if n, _ := st.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d", n)
	}
}

func TestReplayHoldsUpdateEditedRemotely(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	loaded := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	remote := &fakeRemote{modified: loaded.Add(time.Hour)}
	m, st, clock := newTestManager(t, remote)
	seed(t, st, "doc")

	enqueue(t, m, "doc", store.OpUpdate, &store.ChangePayload{Content: "local edit", BaseModifiedTime: loaded})

	res, err := m.Replay(ctx, "token")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Conflicts != 1 || res.Replayed != 0 || res.Failed != 0 || res.Remaining != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(remote.calls) != 1 || remote.calls[0] != "meta:doc" {
		t.Fatalf("calls = %v, want only a metadata check", remote.calls)
	}

	pending, err := m.List(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
	if !pending[0].Conflicted() || pending[0].LastError == "" {
		t.Errorf("pending = %+v, want a recorded conflict", pending[0])
	}

	// Held until the user decides, whatever the backoff.
	clock.Advance(time.Hour)
	res, err = m.Replay(ctx, "token")
	if err != nil || res.Conflicts != 1 || res.Attempted != 0 {
		t.Errorf("second replay = %+v, %v", res, err)
	}
	if remote.callCount() != 1 {
		t.Errorf("calls = %v", remote.calls)
	}
}

func TestReplayUpdateWithUnchangedRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	loaded := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	remote := &fakeRemote{modified: loaded}
	m, st, _ := newTestManager(t, remote)
	seed(t, st, "doc")

	enqueue(t, m, "doc", store.OpUpdate, &store.ChangePayload{Content: "local edit", BaseModifiedTime: loaded})

	res, err := m.Replay(ctx, "token")
	if err != nil || res.Replayed != 1 || res.Conflicts != 0 {
		t.Fatalf("Replay() = %+v, %v", res, err)
	}
	want := []string{"meta:doc", "write:doc"}
	if len(remote.calls) != len(want) || remote.calls[0] != want[0] || remote.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", remote.calls, want)
	}
}

func TestReplayAuthAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := &fakeRemote{writeErr: &apperrors.AuthError{Message: "token expired"}}
	m, _, _ := newTestManager(t, remote)

	enqueue(t, m, "a", store.OpUpdate, &store.ChangePayload{Content: "1"})
	enqueue(t, m, "b", store.OpUpdate, &store.ChangePayload{Content: "2"})

	res, err := m.Replay(ctx, "token")
	if !apperrors.IsAuth(err) {
		t.Fatalf("Replay() error = %v, want auth error", err)
	}
	if res.Attempted != 1 || remote.callCount() != 1 {
		t.Errorf("result = %+v, calls = %d", res, remote.callCount())
	}

	pending, _ := m.List(ctx)
	if len(pending) != 2 || pending[0].RetryCount != 0 {
		t.Errorf("pending after abort = %+v", pending)
	}
}

func TestReplayTrashOfMissingFileSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := &fakeRemote{trashErr: &apperrors.RemoteAPIError{Code: 404, Message: "File not found"}}
	m, _, _ := newTestManager(t, remote)

	enqueue(t, m, "x", store.OpDelete, nil)
	res, err := m.Replay(ctx, "token")
	if err != nil || res.Replayed != 1 {
		t.Errorf("Replay() = %+v, %v", res, err)
	}
}

func TestEnqueueRequiresTarget(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, &fakeRemote{})

	_, err := m.Enqueue(context.Background(), &store.PendingChange{Operation: store.OpUpdate})
	if !errors.Is(err, apperrors.ErrFileIDRequired) {
		t.Errorf("Enqueue() error = %v", err)
	}
	_, err = m.Enqueue(context.Background(), &store.PendingChange{TargetFileID: "a", Operation: "rename"})
	if !errors.Is(err, apperrors.ErrInvalidOperation) {
		t.Errorf("Enqueue(bad op) error = %v", err)
	}
}
