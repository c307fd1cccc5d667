package graph

import (
	"strings"

	"github.com/fclairamb/kbsync/internal/store"
)

// Resolver maps wikilink targets to file ids. A display name match wins over
// an alias match; when two files share a key, the first one wins.
type Resolver struct {
	byName  map[string]string
	byAlias map[string]string
}

// NewResolver indexes files in the given order.
func NewResolver(files []*store.FileRecord) *Resolver {
	r := &Resolver{
		byName:  make(map[string]string, len(files)),
		byAlias: make(map[string]string),
	}
	for _, f := range files {
		key := normalizeKey(f.DisplayName())
		if _, ok := r.byName[key]; !ok && key != "" {
			r.byName[key] = f.ID
		}
		for _, alias := range f.Aliases {
			key := normalizeKey(alias)
			if _, ok := r.byAlias[key]; !ok && key != "" {
				r.byAlias[key] = f.ID
			}
		}
	}
	return r
}

// Resolve returns the id of the file target refers to.
func (r *Resolver) Resolve(target string) (string, bool) {
	key := normalizeKey(target)
	if key == "" {
		return "", false
	}
	if id, ok := r.byName[key]; ok {
		return id, true
	}
	if id, ok := r.byAlias[key]; ok {
		return id, true
	}
	return "", false
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
