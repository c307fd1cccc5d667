package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/editor"
	"github.com/fclairamb/kbsync/internal/graph"
	"github.com/fclairamb/kbsync/internal/queue"
	"github.com/fclairamb/kbsync/internal/search"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/sync"
	"github.com/fclairamb/kbsync/internal/vault"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorOK      = lipgloss.Color("#10B981")
	colorMuted   = lipgloss.Color("#6B7280")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorFolder  = lipgloss.Color("#60A5FA")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)
	okStyle      = lipgloss.NewStyle().Foreground(colorOK)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	folderStyle  = lipgloss.NewStyle().Foreground(colorFolder).Bold(true)
)

// field prints one aligned "label: value" line.
//
//nolint:forbidigo // CLI user output function
func field(label string, value any) {
	fmt.Printf("%s %v\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// displaySyncResult displays the counts of a completed run.
//
//nolint:forbidigo // CLI user output function
func displaySyncResult(res *sync.Result) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s sync complete", res.Mode)))
	switch res.Mode {
	case sync.ModeFull:
		field("Pages", res.Pages)
		field("Entries", res.Entries)
		field("Ignored", res.Ignored)
	case sync.ModeIncremental:
		field("Changes", res.Changes)
		field("Upserted", res.Upserted)
		field("Deleted", res.Deleted)
		if res.Fetched > 0 || res.Failed > 0 {
			field("Fetched", res.Fetched)
		}
	case sync.ModeBackfill:
		field("Fetched", res.Fetched)
	}
	if res.Failed > 0 {
		field("Failed", warningStyle.Render(fmt.Sprint(res.Failed)))
	}
	field("Local files", res.LocalFiles)
	field("Duration", res.Duration.Round(time.Millisecond))
}

// displaySyncError prints the user-facing message of a failed run and the
// counts processed before the failure.
//
//nolint:forbidigo // CLI user output function
func displaySyncError(err error) {
	fmt.Println(errorStyle.Render("Sync failed: ") + apperrors.Message(err))

	var runErr *sync.RunError
	if errors.As(err, &runErr) {
		field("Phase", runErr.Phase)
		field("Pages", runErr.Pages)
		field("Entries", runErr.Entries)
		field("Changes", runErr.Changes)
	}
}

// statusInfo is what the status command reports.
type statusInfo struct {
	Cursor  *store.SyncCursor
	Files   int
	Folders int
	Trashed int
	Pending []*store.PendingChange
}

// displayStatus displays the mirror status.
//
//nolint:forbidigo // CLI user output function
func displayStatus(info *statusInfo) {
	fmt.Println(titleStyle.Render("kbsync status"))
	fmt.Println()

	drive := info.Cursor.DriveID
	if drive == "" {
		drive = mutedStyle.Render("not bound")
	}
	field("Drive", drive)
	if info.Cursor.HasToken() {
		field("Last sync", formatTimeSince(info.Cursor.LastSync))
	} else {
		field("Last sync", warningStyle.Render("never (run kbsync sync --full)"))
	}
	field("Documents", info.Files)
	field("Folders", info.Folders)
	if info.Trashed > 0 {
		field("Trashed", fmt.Sprintf("%d (kbsync purge drops them)", info.Trashed))
	}

	if len(info.Pending) == 0 {
		field("Queue", okStyle.Render("empty"))
		return
	}

	field("Queue", warningStyle.Render(fmt.Sprintf("%d pending", len(info.Pending))))
	for _, pc := range info.Pending {
		line := fmt.Sprintf("  #%d %s %s (queued %s)", pc.LocalID, pc.Operation, pc.TargetFileID, formatTimeSince(pc.QueuedAt))
		switch {
		case pc.Conflicted():
			line += errorStyle.Render(" conflict: run kbsync save --reload or --overwrite " + pc.TargetFileID)
		case pc.RetryCount > 0:
			line += fmt.Sprintf(" retries=%d last error: %s", pc.RetryCount, pc.LastError)
		}
		fmt.Println(line)
	}
}

// displayListing prints the direct children of a folder.
//
//nolint:forbidigo // CLI user output function
func displayListing(files []*store.FileRecord) {
	if len(files) == 0 {
		fmt.Println(mutedStyle.Render("(empty)"))
		return
	}

	for i, f := range files {
		branch := "├── "
		if i == len(files)-1 {
			branch = "└── "
		}
		name := f.Name
		if f.ResourceType == store.ResourceFolder {
			name = folderStyle.Render(f.Name + "/")
		}
		fmt.Printf("%s%s %s\n", labelStyle.Render(branch), name,
			mutedStyle.Render(fmt.Sprintf("%s, modified %s", f.ID, formatTimeSince(f.ModifiedTime))))
	}
}

// displayHits prints search results.
//
//nolint:forbidigo // CLI user output function
func displayHits(hits []search.Hit) {
	if len(hits) == 0 {
		fmt.Println(mutedStyle.Render("No matches"))
		return
	}
	for _, h := range hits {
		path := h.Path
		if path != "" {
			path += "/"
		}
		fmt.Printf("%s%s %s\n", labelStyle.Render(path), titleStyle.Render(h.Name),
			mutedStyle.Render(fmt.Sprintf("(%s, score %.2f)", h.ID, h.Score)))
	}
}

// displayGraph prints the nodes and edges of a graph.
//
//nolint:forbidigo // CLI user output function
func displayGraph(g *graph.Graph) {
	names := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		names[n.ID] = n.Name
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%d documents, %d links", len(g.Nodes), len(g.Edges))))
	for _, e := range g.Edges {
		fmt.Printf("  %s -> %s", names[e.Source], names[e.Target])
		if e.Count > 1 {
			fmt.Print(mutedStyle.Render(fmt.Sprintf(" x%d", e.Count)))
		}
		fmt.Println()
	}
}

// displayBacklinks prints the files linking to a document.
//
//nolint:forbidigo // CLI user output function
func displayBacklinks(links []graph.Backlink) {
	if len(links) == 0 {
		fmt.Println(mutedStyle.Render("No backlinks"))
		return
	}
	for _, l := range links {
		fmt.Printf("%s %s\n", titleStyle.Render(store.DisplayName(l.FileName)), mutedStyle.Render("("+l.FileID+")"))
		if l.Context != "" {
			fmt.Printf("    %s\n", l.Context)
		}
	}
}

// displayCitations prints orphan or most-cited lists.
//
//nolint:forbidigo // CLI user output function
func displayCitations(title string, items []graph.Citation, withCount bool) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%d)", title, len(items))))
	for _, c := range items {
		if withCount {
			fmt.Printf("  %4d  %s %s\n", c.Count, store.DisplayName(c.FileName), mutedStyle.Render(c.FileID))
			continue
		}
		fmt.Printf("  %s %s\n", store.DisplayName(c.FileName), mutedStyle.Render(c.FileID))
	}
}

// displayRecord prints one file record.
//
//nolint:forbidigo // CLI user output function
func displayRecord(f *store.FileRecord) {
	fmt.Println(titleStyle.Render(f.DisplayName()))
	field("ID", f.ID)
	field("Type", f.ResourceType)
	field("Modified", fmt.Sprintf("%s (version %d)", f.ModifiedTime.Format(time.RFC3339), f.Version))
	if len(f.Tags) > 0 {
		field("Tags", strings.Join(f.Tags, ", "))
	}
	if len(f.Aliases) > 0 {
		field("Aliases", strings.Join(f.Aliases, ", "))
	}
}

// displaySuggestions prints link completions.
//
//nolint:forbidigo // CLI user output function
func displaySuggestions(items []graph.Suggestion) {
	for _, s := range items {
		fmt.Printf("[[%s]] %s\n", s.Name, mutedStyle.Render(s.ID))
	}
}

// displayOpened prints where an opened document was mirrored.
//
//nolint:forbidigo // CLI user output function
func displayOpened(s *editor.Session, entry *vault.Entry, root string) {
	fmt.Println(okStyle.Render("Opened ") + titleStyle.Render(store.DisplayName(entry.Name)))
	field("Path", filepath.Join(root, entry.Path))
	field("Version", s.Baseline().Version)
	field("Size", fmt.Sprintf("%d bytes", len(s.Content())))
}

// displaySaveOutcome prints the result of a save. It returns the error the
// command should fail with.
//
//nolint:forbidigo // CLI user output function
func displaySaveOutcome(id string, err error) error {
	switch {
	case err == nil:
		fmt.Println(okStyle.Render("Saved ") + id)
		return nil
	case errors.Is(err, apperrors.ErrQueuedOffline):
		fmt.Println(warningStyle.Render("Offline: ") + "saved locally, will sync when connected")
		return nil
	case errors.Is(err, apperrors.ErrConflict):
		fmt.Println(errorStyle.Render("Conflict: ") + apperrors.Message(err))
		fmt.Printf("  kbsync save %s --reload      discard local edits and load the remote version\n", id)
		fmt.Printf("  kbsync save %s --overwrite   replace the remote version with yours\n", id)
		return err
	default:
		fmt.Println(errorStyle.Render("Save failed: ") + apperrors.Message(err))
		return err
	}
}

// displayReplayResult prints the outcome of a queue replay.
//
//nolint:forbidigo // CLI user output function
func displayReplayResult(res *queue.ReplayResult) {
	if res.Attempted == 0 && res.Skipped == 0 && res.Conflicts == 0 {
		fmt.Println(okStyle.Render("Queue is empty"))
		return
	}
	fmt.Println(titleStyle.Render("Queue replay"))
	field("Replayed", res.Replayed)
	if res.Failed > 0 {
		field("Failed", warningStyle.Render(fmt.Sprint(res.Failed)))
	}
	if res.Skipped > 0 {
		field("Waiting", fmt.Sprintf("%d (backoff not elapsed)", res.Skipped))
	}
	if res.Conflicts > 0 {
		field("Conflicts", errorStyle.Render(fmt.Sprintf("%d (edited remotely, see kbsync status)", res.Conflicts)))
	}
	field("Remaining", res.Remaining)
}

// displayPurged prints the purged record count.
//
//nolint:forbidigo // CLI user output function
func displayPurged(ids []string) {
	if len(ids) == 0 {
		fmt.Println(okStyle.Render("No trashed records"))
		return
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("Purged %d trashed records", len(ids))))
}

// displayPushed confirms a vault push.
//
//nolint:forbidigo // CLI user output function
func displayPushed(url string) {
	fmt.Println(okStyle.Render("Pushed vault to ") + url)
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return plural(int(duration.Minutes()), "minute")
	case duration < hoursPerDay*time.Hour:
		return plural(int(duration.Hours()), "hour")
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay), "day")
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay/daysPerWeek), "week")
	default:
		return plural(int(duration.Hours()/hoursPerDay/daysPerMonth), "month")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
