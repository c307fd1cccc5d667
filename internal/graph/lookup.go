package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/store"
)

// maxSuggestions caps Complete results.
const maxSuggestions = 50

// Suggestion is a link target candidate.
type Suggestion struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolve finds the file a link target most likely refers to, trying in
// order: name plus ".md", exact name, alias, then a name containing target.
// Matching is case-insensitive. It is a lookup aid for dead links and plays
// no part in graph edges.
func (b *Builder) Resolve(ctx context.Context, target string) (*store.FileRecord, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, apperrors.ErrQueryRequired
	}

	filters := []store.Filter{
		{ResourceType: store.ResourceMarkdown, Name: target + ".md", Limit: 1},
		{ResourceType: store.ResourceMarkdown, Name: target, Limit: 1},
		{ResourceType: store.ResourceMarkdown, Alias: strings.ToLower(target), Limit: 1},
	}
	for _, f := range filters {
		files, err := b.store.ListFiles(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", target, err)
		}
		if len(files) > 0 {
			return files[0], nil
		}
	}

	files, err := b.store.ListFiles(ctx, store.Filter{ResourceType: store.ResourceMarkdown})
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", target, err)
	}
	needle := strings.ToLower(target)
	for _, f := range files {
		if strings.Contains(strings.ToLower(f.Name), needle) {
			return f, nil
		}
	}

	return nil, fmt.Errorf("resolve %q: %w", target, apperrors.ErrNotFound)
}

// Complete suggests link targets whose name contains term.
func (b *Builder) Complete(ctx context.Context, term string, limit int) ([]Suggestion, error) {
	if limit <= 0 || limit > maxSuggestions {
		limit = maxSuggestions
	}

	files, err := b.store.ListFiles(ctx, store.Filter{ResourceType: store.ResourceMarkdown})
	if err != nil {
		return nil, fmt.Errorf("complete %q: %w", term, err)
	}

	needle := strings.ToLower(strings.TrimSpace(term))
	out := []Suggestion{}
	for _, f := range files {
		if len(out) >= limit {
			break
		}
		if needle == "" || strings.Contains(strings.ToLower(f.Name), needle) {
			out = append(out, Suggestion{ID: f.ID, Name: f.DisplayName()})
		}
	}
	return out, nil
}
