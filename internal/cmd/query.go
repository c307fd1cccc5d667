package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/graph"
	"github.com/fclairamb/kbsync/internal/search"
)

const (
	defaultSearchLimit = 20
	defaultCitedLimit  = 10
)

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Print JSON",
}

// searchCommand creates the search subcommand.
func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Full-text search over names, tags, aliases and snippets",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of results",
				Value:   defaultSearchLimit,
			},
			jsonFlag,
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			q := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(q) == "" {
				return apperrors.ErrQueryRequired
			}

			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			idx, err := search.New(rt.store, search.WithLogger(rt.logger))
			if err != nil {
				return fmt.Errorf("create search index: %w", err)
			}
			defer func() { _ = idx.Close() }()
			if err := idx.Rebuild(ctx); err != nil {
				return fmt.Errorf("build search index: %w", err)
			}

			hits, err := idx.Search(ctx, q, cmd.Int("limit"))
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if cmd.Bool("json") {
				return printJSON(hits)
			}
			displayHits(hits)
			return nil
		},
	}
}

// graphCommand creates the graph subcommand.
func graphCommand() *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "Print the link graph, or the neighbourhood of one document",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "center",
				Usage: "Document ID to center a local graph on",
			},
			&cli.IntFlag{
				Name:  "depth",
				Usage: "Link distance from the center",
				Value: 1,
			},
			jsonFlag,
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			b := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger))
			var g *graph.Graph
			if center := cmd.String("center"); center != "" {
				g, err = b.BuildLocalGraph(ctx, center, cmd.Int("depth"))
			} else {
				g, err = b.BuildGraph(ctx)
			}
			if err != nil {
				return fmt.Errorf("build graph: %w", err)
			}

			if cmd.Bool("json") {
				return printJSON(g)
			}
			displayGraph(g)
			return nil
		},
	}
}

// backlinksCommand creates the backlinks subcommand.
func backlinksCommand() *cli.Command {
	return &cli.Command{
		Name:      "backlinks",
		Usage:     "List the documents linking to a document",
		ArgsUsage: "<file_id>",
		Flags:     []cli.Flag{jsonFlag, verboseFlag},
		Before:    beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return apperrors.ErrFileIDRequired
			}

			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			links, err := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)).Backlinks(ctx, id)
			if err != nil {
				return fmt.Errorf("backlinks: %w", err)
			}
			if cmd.Bool("json") {
				return printJSON(links)
			}
			displayBacklinks(links)
			return nil
		},
	}
}

// orphansCommand creates the orphans subcommand.
func orphansCommand() *cli.Command {
	return &cli.Command{
		Name:   "orphans",
		Usage:  "List documents no other document links to",
		Flags:  []cli.Flag{jsonFlag, verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)).Orphans(ctx)
			if err != nil {
				return fmt.Errorf("orphans: %w", err)
			}
			if cmd.Bool("json") {
				return printJSON(out)
			}
			displayCitations("Orphans", out, false)
			return nil
		},
	}
}

// citedCommand creates the cited subcommand.
func citedCommand() *cli.Command {
	return &cli.Command{
		Name:  "cited",
		Usage: "List the most linked-to documents",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of documents",
				Value:   defaultCitedLimit,
			},
			jsonFlag,
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)).MostCited(ctx, cmd.Int("limit"))
			if err != nil {
				return fmt.Errorf("most cited: %w", err)
			}
			if cmd.Bool("json") {
				return printJSON(out)
			}
			displayCitations("Most cited", out, true)
			return nil
		},
	}
}

// resolveCommand creates the resolve subcommand.
func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Find the document a link target refers to",
		ArgsUsage: "<target>",
		Flags:     []cli.Flag{jsonFlag, verboseFlag},
		Before:    beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target := strings.Join(cmd.Args().Slice(), " ")

			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			f, err := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)).Resolve(ctx, target)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", target, err)
			}
			if cmd.Bool("json") {
				return printJSON(f)
			}
			displayRecord(f)
			return nil
		},
	}
}

// completeCommand creates the complete subcommand.
func completeCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "Suggest link targets starting with a prefix",
		ArgsUsage: "<prefix>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of suggestions",
			},
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)).
				Complete(ctx, strings.Join(cmd.Args().Slice(), " "), cmd.Int("limit"))
			if err != nil {
				return fmt.Errorf("complete: %w", err)
			}
			displaySuggestions(out)
			return nil
		},
	}
}
