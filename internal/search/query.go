package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Fuzziness thresholds, in runes.
const (
	fuzzyOneMinLen = 5
	fuzzyTwoMinLen = 10
)

// Search returns up to limit ranked matches for q. Each term matches exactly,
// as a prefix, or within a small edit distance. An empty query returns nothing.
func (x *Index) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	terms := strings.Fields(strings.ToLower(q))
	if len(terms) == 0 {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	termQueries := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		termQueries = append(termQueries, termQuery(term))
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(termQueries...), limit, 0, false)
	req.Fields = []string{fieldName, fieldPath}

	x.mu.RLock()
	res, err := x.index.SearchInContext(ctx, req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields[fieldName].(string); ok {
			hit.Name = v
		}
		if v, ok := h.Fields[fieldPath].(string); ok {
			hit.Path = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// termQuery matches term in every field with that field's boost.
func termQuery(term string) query.Query {
	fuzziness := 0
	switch n := utf8.RuneCountInString(term); {
	case n >= fuzzyTwoMinLen:
		fuzziness = 2
	case n >= fuzzyOneMinLen:
		fuzziness = 1
	}

	var qs []query.Query
	for _, fb := range fieldBoosts {
		match := bleve.NewMatchQuery(term)
		match.SetField(fb.field)
		match.SetBoost(fb.boost)
		qs = append(qs, match)

		prefix := bleve.NewPrefixQuery(term)
		prefix.SetField(fb.field)
		prefix.SetBoost(fb.boost)
		qs = append(qs, prefix)

		if fuzziness > 0 {
			fuzzy := bleve.NewFuzzyQuery(term)
			fuzzy.SetField(fb.field)
			fuzzy.SetFuzziness(fuzziness)
			fuzzy.SetBoost(fb.boost)
			qs = append(qs, fuzzy)
		}
	}
	return bleve.NewDisjunctionQuery(qs...)
}
