package markdown

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// wikilinkRe matches [[target]] and [[target|display]].
var wikilinkRe = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)

// Link is one wikilink occurrence.
type Link struct {
	Target  string
	Display string
	// Offset is the byte offset of the opening brackets.
	Offset int
	// End is the byte offset just past the closing brackets.
	End int
}

// FindWikilinks returns every wikilink occurrence in text, in order.
// Targets are trimmed; links with an empty target are skipped.
func FindWikilinks(text string) []Link {
	matches := wikilinkRe.FindAllStringSubmatchIndex(text, -1)
	links := make([]Link, 0, len(matches))
	for _, m := range matches {
		target := strings.TrimSpace(text[m[2]:m[3]])
		if target == "" {
			continue
		}
		link := Link{Target: target, Offset: m[0], End: m[1]}
		if m[4] >= 0 {
			link.Display = strings.TrimSpace(text[m[4]:m[5]])
		}
		links = append(links, link)
	}
	return links
}

// ExtractWikilinks returns the distinct link targets of text in first-seen
// order. Targets are compared case-sensitively after trimming.
func ExtractWikilinks(text string) []string {
	links := FindWikilinks(text)
	seen := make(map[string]struct{}, len(links))
	targets := make([]string, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l.Target]; ok {
			continue
		}
		seen[l.Target] = struct{}{}
		targets = append(targets, l.Target)
	}
	return targets
}

// Snippet returns the document body (frontmatter stripped) cut to at most
// maxBytes on a rune boundary. maxBytes <= 0 means no limit.
func Snippet(raw string, maxBytes int) string {
	body := Parse(raw).Body
	body = strings.TrimLeft(body, "\n")
	return Truncate(body, maxBytes)
}

// Truncate cuts s to at most maxBytes without splitting a rune.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
