package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fclairamb/kbsync/internal/graph"
	"github.com/fclairamb/kbsync/internal/search"
	"github.com/fclairamb/kbsync/internal/store"
)

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) Notify() {
	c.calls.Add(1)
}

func newTestServer(t *testing.T, withEvents bool) (*httptest.Server, *store.Store, *countingTrigger) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	modified := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	records := []*store.FileRecord{
		{ID: "dir", Name: "Notes", ParentIDs: []string{"drive"}, ResourceType: store.ResourceFolder, ModifiedTime: modified, Version: 1},
		{
			ID: "a", Name: "Alpha.md", ParentIDs: []string{"drive"}, ResourceType: store.ResourceMarkdown,
			ModifiedTime: modified, Version: 1, ContentSnippet: "See [[Beta]] and [[Beta|again]].",
		},
		{
			ID: "b", Name: "Beta.md", ParentIDs: []string{"dir"}, ResourceType: store.ResourceMarkdown,
			ModifiedTime: modified, Version: 1, ContentSnippet: "Nothing here", Aliases: []string{"second"},
		},
	}
	if err := st.BulkUpsert(ctx, records); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.PutCursor(ctx, store.SyncCursor{NextChangeToken: "tok", DriveID: "drive"}); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	idx, err := search.New(st)
	if err != nil {
		t.Fatalf("search index: %v", err)
	}
	if err := idx.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	trigger := &countingTrigger{}
	deps := Deps{Store: st, Graph: graph.NewBuilder(st), Search: idx, Trigger: trigger}
	if withEvents {
		hub := NewHub(st)
		hub.Start()
		t.Cleanup(hub.Close)
		deps.Events = hub
	}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return srv, st, trigger
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Get(url) //nolint:gosec,noctx // test server URL
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s content type = %q", url, ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestReadRoutes(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, false)

	var root []store.FileRecord
	getJSON(t, srv.URL+"/api/files", http.StatusOK, &root)
	if len(root) != 2 || root[0].ID != "dir" || root[1].ID != "a" {
		t.Errorf("root listing = %+v", root)
	}

	var nested []store.FileRecord
	getJSON(t, srv.URL+"/api/files?parent=dir", http.StatusOK, &nested)
	if len(nested) != 1 || nested[0].ID != "b" {
		t.Errorf("nested listing = %+v", nested)
	}

	var file store.FileRecord
	getJSON(t, srv.URL+"/api/files/b", http.StatusOK, &file)
	if file.Name != "Beta.md" || len(file.Aliases) != 1 {
		t.Errorf("file = %+v", file)
	}

	var backlinks []graph.Backlink
	getJSON(t, srv.URL+"/api/files/b/backlinks", http.StatusOK, &backlinks)
	if len(backlinks) != 1 || backlinks[0].FileID != "a" {
		t.Errorf("backlinks = %+v", backlinks)
	}

	var hits []search.Hit
	getJSON(t, srv.URL+"/api/search?q=alpha", http.StatusOK, &hits)
	if len(hits) == 0 || hits[0].ID != "a" {
		t.Errorf("search hits = %+v", hits)
	}

	var g graph.Graph
	getJSON(t, srv.URL+"/api/graph", http.StatusOK, &g)
	if len(g.Nodes) != 2 || len(g.Edges) != 1 || g.Edges[0].Count != 2 {
		t.Errorf("graph = %+v", g)
	}

	var local graph.Graph
	getJSON(t, srv.URL+"/api/graph?center=b&depth=0", http.StatusOK, &local)
	if len(local.Nodes) != 1 || len(local.Edges) != 0 {
		t.Errorf("local graph = %+v", local)
	}

	var orphans []graph.Citation
	getJSON(t, srv.URL+"/api/analytics/orphans", http.StatusOK, &orphans)
	if len(orphans) != 1 || orphans[0].FileID != "a" {
		t.Errorf("orphans = %+v", orphans)
	}

	var cited []graph.Citation
	getJSON(t, srv.URL+"/api/analytics/cited?limit=1", http.StatusOK, &cited)
	if len(cited) != 1 || cited[0].FileID != "b" || cited[0].Count != 2 {
		t.Errorf("cited = %+v", cited)
	}

	var resolved store.FileRecord
	getJSON(t, srv.URL+"/api/resolve?target=second", http.StatusOK, &resolved)
	if resolved.ID != "b" {
		t.Errorf("resolved = %+v", resolved)
	}

	var status StatusResponse
	getJSON(t, srv.URL+"/api/status", http.StatusOK, &status)
	if status.Files != 2 || status.Folders != 1 || status.Pending != 0 || status.Indexed != 2 {
		t.Errorf("status = %+v", status)
	}
	if status.Cursor == nil || status.Cursor.DriveID != "drive" {
		t.Errorf("status cursor = %+v", status.Cursor)
	}
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, false)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/files/missing", http.StatusNotFound},
		{"/api/files?parent=a", http.StatusBadRequest},
		{"/api/resolve?target=", http.StatusBadRequest},
		{"/api/resolve?target=nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var body errorBody
			getJSON(t, srv.URL+tt.path, tt.status, &body)
			if body.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()
	srv, _, trigger := newTestServer(t, false)

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", strings.NewReader("{}")) //nolint:gosec,noctx // test server URL
	if err != nil {
		t.Fatalf("POST /api/sync: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if trigger.calls.Load() != 1 {
		t.Errorf("trigger calls = %d, want 1", trigger.calls.Load())
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	read := func() Message {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != MessageHello {
		t.Fatalf("first message = %+v, want hello", msg)
	}

	if err := st.DeleteFile(ctx, "b"); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}

	msg := read()
	if msg.Type != MessageChange || msg.Collection != store.CollectionFiles || msg.Op != store.EventDelete {
		t.Errorf("change message = %+v", msg)
	}
	if len(msg.IDs) != 1 || msg.IDs[0] != "b" {
		t.Errorf("change ids = %v", msg.IDs)
	}
}
