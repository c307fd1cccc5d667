// Package markdown parses the parts of a document the rest of the system
// consumes: YAML frontmatter, wikilinks and bounded content snippets.
package markdown

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/store"
)

const frontmatterDelim = "---"

// Document is the parsed form of a markdown file.
type Document struct {
	Frontmatter map[string]any
	Tags        []string
	Aliases     []string
	Body        string
}

// Parse splits raw into frontmatter and body. A document without
// frontmatter, or with frontmatter that is not valid YAML, is returned with
// an empty frontmatter and the whole text as body.
func Parse(raw string) Document {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	doc := Document{Frontmatter: map[string]any{}, Body: raw}

	lines := strings.Split(raw, "\n")
	end, err := findFrontmatterEnd(lines)
	if err != nil {
		return doc
	}

	block := strings.Join(lines[1:end], "\n")
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return doc
	}
	if fm == nil {
		fm = map[string]any{}
	}

	doc.Frontmatter = fm
	doc.Tags = stringList(fm["tags"])
	doc.Aliases = stringList(fm["aliases"])
	doc.Body = strings.Join(lines[end+1:], "\n")
	return doc
}

// findFrontmatterEnd returns the line index of the closing delimiter.
func findFrontmatterEnd(lines []string) (int, error) {
	if len(lines) < 2 || strings.TrimRight(lines[0], " \t") != frontmatterDelim {
		return -1, apperrors.ErrNoFrontmatter
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") == frontmatterDelim {
			return i, nil
		}
	}

	return -1, apperrors.ErrFrontmatterNotClosed
}

// stringList accepts a YAML list or a comma-separated string.
func stringList(v any) []string {
	var out []string
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	case []any:
		for _, item := range val {
			switch s := item.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case int, int64, float64, bool:
				b, _ := yaml.Marshal(s)
				out = append(out, strings.TrimSpace(string(b)))
			}
		}
	}
	return out
}

// Derive computes the derived store fields of raw: a snippet of at most
// maxBytes, and the frontmatter tags and aliases.
func Derive(raw string, maxBytes int) store.Derived {
	doc := Parse(raw)
	return store.Derived{
		Snippet: Snippet(raw, maxBytes),
		Tags:    store.NormalizeTags(doc.Tags),
		Aliases: store.NormalizeAliases(doc.Aliases),
	}
}
