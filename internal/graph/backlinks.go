package graph

import (
	"context"
	"strings"

	"github.com/fclairamb/kbsync/internal/markdown"
)

// contextRunes is the number of characters kept on each side of a link.
const contextRunes = 50

const ellipsis = "..."

// Backlink is a file linking to another one.
type Backlink struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Context  string `json:"context"`
}

// Backlinks returns the files whose links resolve to fileID, each once, with
// the text around the first matching link.
func (b *Builder) Backlinks(ctx context.Context, fileID string) ([]Backlink, error) {
	ls, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	backlinks := []Backlink{}
	if _, ok := ls.byID[fileID]; !ok {
		return backlinks, nil
	}

	for _, f := range ls.files {
		if f.ID == fileID || f.ContentSnippet == "" {
			continue
		}
		for _, link := range markdown.FindWikilinks(f.ContentSnippet) {
			if target, ok := ls.resolver.Resolve(link.Target); !ok || target != fileID {
				continue
			}
			backlinks = append(backlinks, Backlink{
				FileID:   f.ID,
				FileName: f.DisplayName(),
				Context:  excerpt(f.ContentSnippet, link.Offset, link.End),
			})
			break
		}
	}

	return backlinks, nil
}

// excerpt returns text[start:end] with up to contextRunes characters on each
// side. Runs of whitespace are collapsed to one space.
func excerpt(text string, start, end int) string {
	before := []rune(text[:start])
	after := []rune(text[end:])

	var sb strings.Builder
	if len(before) > contextRunes {
		before = before[len(before)-contextRunes:]
		sb.WriteString(ellipsis)
	}
	sb.WriteString(string(before))
	sb.WriteString(text[start:end])
	cut := len(after) > contextRunes
	if cut {
		after = after[:contextRunes]
	}
	sb.WriteString(string(after))
	if cut {
		sb.WriteString(ellipsis)
	}

	return strings.Join(strings.Fields(sb.String()), " ")
}
