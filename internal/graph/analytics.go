package graph

import (
	"context"
	"sort"
)

// Citation is a file with its resolved incoming link count.
type Citation struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Count    int    `json:"count"`
}

// Orphans returns the files no other file links to, in insertion order.
func (b *Builder) Orphans(ctx context.Context) ([]Citation, error) {
	ls, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	orphans := []Citation{}
	for _, f := range ls.files {
		if ls.incoming[f.ID] == 0 {
			orphans = append(orphans, Citation{FileID: f.ID, FileName: f.DisplayName()})
		}
	}
	return orphans, nil
}

// MostCited returns up to limit files ranked by incoming link count, highest
// first. Ties keep insertion order.
func (b *Builder) MostCited(ctx context.Context, limit int) ([]Citation, error) {
	if limit <= 0 {
		return []Citation{}, nil
	}

	ls, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	cited := []Citation{}
	for _, f := range ls.files {
		cited = append(cited, Citation{FileID: f.ID, FileName: f.DisplayName(), Count: ls.incoming[f.ID]})
	}

	sort.SliceStable(cited, func(i, j int) bool {
		return cited[i].Count > cited[j].Count
	})

	if len(cited) > limit {
		cited = cited[:limit]
	}
	return cited, nil
}
