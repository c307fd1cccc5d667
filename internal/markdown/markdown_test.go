package markdown

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractWikilinks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "dedup and pipe display",
			text: "See [[Alpha]] and [[Beta|shown]] and [[Alpha]]",
			want: []string{"Alpha", "Beta"},
		},
		{
			name: "trimmed targets",
			text: "[[  Gamma ]] then [[Gamma]]",
			want: []string{"Gamma"},
		},
		{
			name: "case sensitive dedup",
			text: "[[note]] [[Note]]",
			want: []string{"note", "Note"},
		},
		{
			name: "empty and unclosed",
			text: "[[ ]] [[open and [single] text",
			want: []string{},
		},
		{
			name: "no links",
			text: "plain text",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractWikilinks(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractWikilinks(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFindWikilinksOffsets(t *testing.T) {
	t.Parallel()

	text := "ab [[X|label]] cd"
	links := FindWikilinks(text)
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	l := links[0]
	if l.Target != "X" || l.Display != "label" {
		t.Errorf("link = %+v", l)
	}
	if text[l.Offset:l.End] != "[[X|label]]" {
		t.Errorf("offsets cover %q", text[l.Offset:l.End])
	}
}

func TestParseFrontmatter(t *testing.T) {
	t.Parallel()

	raw := "---\ntitle: Hello\ntags: [Go, sync]\naliases:\n  - Hi\n  - hey\n---\n# Body\n"
	doc := Parse(raw)

	if doc.Frontmatter["title"] != "Hello" {
		t.Errorf("title = %v", doc.Frontmatter["title"])
	}
	if !reflect.DeepEqual(doc.Tags, []string{"Go", "sync"}) {
		t.Errorf("tags = %v", doc.Tags)
	}
	if !reflect.DeepEqual(doc.Aliases, []string{"Hi", "hey"}) {
		t.Errorf("aliases = %v", doc.Aliases)
	}
	if doc.Body != "# Body\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParseCommaSeparatedAndCRLF(t *testing.T) {
	t.Parallel()

	doc := Parse("---\r\ntags: a, b ,c\r\n---\r\ntext")
	if !reflect.DeepEqual(doc.Tags, []string{"a", "b", "c"}) {
		t.Errorf("tags = %v", doc.Tags)
	}
	if doc.Body != "text" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParseWithoutValidFrontmatter(t *testing.T) {
	t.Parallel()

	tests := []string{
		"no frontmatter at all",
		"---\ntags: [unclosed\n",
		"---\ntags: [unclosed\n---\nbody",
	}
	for _, raw := range tests {
		doc := Parse(raw)
		if len(doc.Tags) != 0 || len(doc.Aliases) != 0 {
			t.Errorf("Parse(%q) produced tags %v aliases %v", raw, doc.Tags, doc.Aliases)
		}
		if doc.Body != raw {
			t.Errorf("Parse(%q) body = %q, want the raw text", raw, doc.Body)
		}
	}
}

func TestDerive(t *testing.T) {
	t.Parallel()

	raw := "---\ntags: [Go, Go]\naliases: [Short Name]\n---\n\nLinks to [[Other]]"
	d := Derive(raw, 0)

	if d.Snippet != "Links to [[Other]]" {
		t.Errorf("snippet = %q", d.Snippet)
	}
	if !reflect.DeepEqual(d.Tags, []string{"Go"}) {
		t.Errorf("tags = %v", d.Tags)
	}
	if !reflect.DeepEqual(d.Aliases, []string{"short name"}) {
		t.Errorf("aliases = %v", d.Aliases)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 10) // 2 bytes each
	got := Truncate(s, 5)
	if got != "éé" {
		t.Errorf("Truncate() = %q, want %q", got, "éé")
	}
	if Truncate("short", 100) != "short" {
		t.Error("short strings must be unchanged")
	}
	if Truncate("unbounded", 0) != "unbounded" {
		t.Error("zero limit means no limit")
	}
}
