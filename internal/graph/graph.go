// Package graph derives the wikilink graph of the mirrored documents, with
// backlinks and link analytics.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fclairamb/kbsync/internal/markdown"
	"github.com/fclairamb/kbsync/internal/store"
)

// Palette is the list of node colors, assigned per parent folder.
var Palette = []string{
	"#6366f1", // indigo
	"#8b5cf6", // violet
	"#ec4899", // pink
	"#f43f5e", // rose
	"#f97316", // orange
	"#eab308", // yellow
	"#22c55e", // green
	"#14b8a6", // teal
	"#06b6d4", // cyan
	"#3b82f6", // blue
}

const rootColorKey = "root"

// Node is a document in the graph.
type Node struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Val   int    `json:"val"`
	Color string `json:"color"`
}

// Edge is a resolved link from Source to Target. Count is the number of
// link occurrences it stands for.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Count  int    `json:"count"`
}

// Graph is a set of nodes and the edges between them.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"links"`
}

// ExtractWikilinks returns the distinct link targets of text.
func ExtractWikilinks(text string) []string {
	return markdown.ExtractWikilinks(text)
}

// Builder computes graph views from the store.
type Builder struct {
	store  *store.Store
	logger *slog.Logger
}

// BuilderOption configures the builder.
type BuilderOption func(*Builder)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder creates a graph builder over st.
func NewBuilder(st *store.Store, opts ...BuilderOption) *Builder {
	b := &Builder{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// linkSet is the result of one scan: every live markdown file and the
// resolved edges between them.
type linkSet struct {
	files    []*store.FileRecord
	byID     map[string]*store.FileRecord
	resolver *Resolver
	edges    []Edge
	incoming map[string]int
}

// scan loads the live markdown files and resolves their links.
func (b *Builder) scan(ctx context.Context) (*linkSet, error) {
	files, err := b.store.ListFiles(ctx, store.Filter{ResourceType: store.ResourceMarkdown})
	if err != nil {
		return nil, fmt.Errorf("list markdown files: %w", err)
	}

	ls := &linkSet{
		files:    files,
		byID:     make(map[string]*store.FileRecord, len(files)),
		resolver: NewResolver(files),
		incoming: make(map[string]int),
	}

	edgeIndex := make(map[[2]string]int)
	for _, f := range files {
		ls.byID[f.ID] = f
		if f.ContentSnippet == "" {
			continue
		}
		for _, link := range markdown.FindWikilinks(f.ContentSnippet) {
			target, ok := ls.resolver.Resolve(link.Target)
			if !ok || target == f.ID {
				continue
			}
			ls.incoming[target]++

			key := [2]string{f.ID, target}
			if i, ok := edgeIndex[key]; ok {
				ls.edges[i].Count++
				continue
			}
			edgeIndex[key] = len(ls.edges)
			ls.edges = append(ls.edges, Edge{Source: f.ID, Target: target, Count: 1})
		}
	}

	b.logger.DebugContext(ctx, "Scanned links", "files", len(files), "edges", len(ls.edges))
	return ls, nil
}

// nodes returns the node of every file, colored per primary parent.
func (ls *linkSet) nodes() []Node {
	colors := make(map[string]string)
	nodes := make([]Node, 0, len(ls.files))
	for _, f := range ls.files {
		key := f.PrimaryParent()
		if key == "" {
			key = rootColorKey
		}
		color, ok := colors[key]
		if !ok {
			color = Palette[len(colors)%len(Palette)]
			colors[key] = color
		}
		nodes = append(nodes, Node{
			ID:    f.ID,
			Name:  f.DisplayName(),
			Val:   1 + ls.incoming[f.ID],
			Color: color,
		})
	}
	return nodes
}

// BuildGraph returns the graph of every live markdown file.
func (b *Builder) BuildGraph(ctx context.Context) (*Graph, error) {
	ls, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}
	return &Graph{Nodes: ls.nodes(), Edges: ls.edges}, nil
}

// BuildLocalGraph returns the subgraph of files within depth links of
// centerID, in either direction. An unknown center yields an empty graph.
func (b *Builder) BuildLocalGraph(ctx context.Context, centerID string, depth int) (*Graph, error) {
	ls, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	if _, ok := ls.byID[centerID]; !ok {
		return &Graph{Nodes: []Node{}, Edges: []Edge{}}, nil
	}

	included := map[string]bool{centerID: true}
	for range depth {
		frontier := make(map[string]bool, len(included))
		for id := range included {
			frontier[id] = true
		}
		for _, e := range ls.edges {
			if frontier[e.Source] {
				included[e.Target] = true
			}
			if frontier[e.Target] {
				included[e.Source] = true
			}
		}
	}

	g := &Graph{Nodes: []Node{}, Edges: []Edge{}}
	for _, n := range ls.nodes() {
		if included[n.ID] {
			g.Nodes = append(g.Nodes, n)
		}
	}
	for _, e := range ls.edges {
		if included[e.Source] && included[e.Target] {
			g.Edges = append(g.Edges, e)
		}
	}
	return g, nil
}
