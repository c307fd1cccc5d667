package vault

import (
	"path/filepath"
	"strings"
)

const (
	// Filename constraints.
	maxSlugLength = 100 // Maximum slug length before truncation

	untitledSlug = "untitled"

	idSeparator = "~"
	mdExt       = ".md"
)

// SanitizeFilename makes a string safe for use as a filename.
// Only allows pattern [a-z][a-z0-9-]* (lowercase letters, numbers, hyphens).
// Must start with a letter.
func SanitizeFilename(name string) string {
	name = strings.ToLower(name)

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else if r == ' ' || r == '-' || r == '_' || r == '.' || r == '/' || r == '\\' || r == ':' || r == '|' {
			result.WriteRune('-')
		}
		// All other characters (including non-ASCII) are dropped
	}

	slug := result.String()

	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	// Ensure it starts with a letter
	for len(slug) > 0 && (slug[0] < 'a' || slug[0] > 'z') {
		slug = slug[1:]
	}

	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	slug = strings.TrimRight(slug, "-")

	if slug == "" {
		slug = untitledSlug
	}
	return slug
}

// FileName returns the vault file name of a document: <slug>~<id>.md.
// The slug is built from the display name.
func FileName(name, id string) string {
	base := name
	if strings.HasSuffix(strings.ToLower(base), mdExt) {
		base = base[:len(base)-len(mdExt)]
	}
	return SanitizeFilename(base) + idSeparator + id + mdExt
}

// ParseID extracts the document id from a vault file name.
func ParseID(filename string) (string, bool) {
	base := filepath.Base(filename)
	if !strings.HasSuffix(base, mdExt) {
		return "", false
	}
	base = strings.TrimSuffix(base, mdExt)

	i := strings.LastIndex(base, idSeparator)
	if i < 0 || i == len(base)-1 {
		return "", false
	}
	return base[i+1:], true
}
