package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/editor"
	"github.com/fclairamb/kbsync/internal/vault"
	"github.com/fclairamb/kbsync/internal/watcher"
)

const flushTimeout = 30 * time.Second

// workspace opens the vault and a workspace mirroring into it.
func (r *runtime) workspace(ctx context.Context) (*editor.Workspace, *vault.Vault, error) {
	v, err := r.openVault()
	if err != nil {
		return nil, nil, err
	}
	ws := editor.NewWorkspace(ctx, r.client, r.store, r.cred,
		editor.WithMirror(v),
		editor.WithWorkspaceLogger(r.logger),
		editor.WithAutosaveDelay(r.cfg.AutosaveDelay),
		editor.WithWorkspaceSnippetSize(r.cfg.SnippetSize),
	)
	return ws, v, nil
}

// openCommand creates the open subcommand.
func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Fetch a document, refresh its links and tags, and mirror it into the vault",
		ArgsUsage: "<file_id>",
		Flags:     []cli.Flag{verboseFlag},
		Before:    beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return apperrors.ErrFileIDRequired
			}

			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ws, v, err := rt.workspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			s, err := ws.Open(ctx, id)
			if err != nil {
				return fmt.Errorf("open %s: %w", id, err)
			}
			entry, err := v.Entry(id)
			if err != nil {
				return fmt.Errorf("vault entry %s: %w", id, err)
			}
			displayOpened(s, entry, v.Root())
			return nil
		},
	}
}

// saveCommand creates the save subcommand.
func saveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Save a document, refusing to overwrite remote edits made since it was opened",
		ArgsUsage: "<file_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "file",
				Usage: "Read content from this file ('-' for stdin) instead of the vault copy",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace the remote version even if it changed",
			},
			&cli.BoolFlag{
				Name:  "reload",
				Usage: "Discard local edits and reload the remote version",
			},
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return apperrors.ErrFileIDRequired
			}
			if cmd.Bool("overwrite") && cmd.Bool("reload") {
				return errConflictingFlags
			}

			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ws, v, err := rt.workspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if cmd.Bool("reload") {
				s, err := ws.Reload(ctx, id)
				if err != nil {
					return fmt.Errorf("reload %s: %w", id, err)
				}
				entry, err := v.Entry(id)
				if err != nil {
					return fmt.Errorf("vault entry %s: %w", id, err)
				}
				displayOpened(s, entry, v.Root())
				return nil
			}

			content, err := readContent(ctx, cmd.String("file"), v, id)
			if err != nil {
				return err
			}

			if cmd.Bool("overwrite") {
				err = ws.Overwrite(ctx, id, content)
			} else {
				err = ws.Save(ctx, id, content)
			}
			return displaySaveOutcome(id, err)
		},
	}
}

var errConflictingFlags = errors.New("--overwrite and --reload are mutually exclusive")

// readContent returns the content to save: the named file, stdin for "-", or
// the vault working copy.
func readContent(ctx context.Context, path string, v *vault.Vault, id string) (string, error) {
	switch path {
	case "":
		doc, err := v.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("read vault copy of %s (run kbsync open first): %w", id, err)
		}
		return doc.Content, nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(path) //nolint:gosec // path is user provided on purpose
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return string(data), nil
	}
}

// watchCommand creates the watch subcommand.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Autosave edits made to vault files until interrupted",
		Flags:  []cli.Flag{verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ws, v, err := rt.workspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			w, err := watcher.New(v, ws, watcher.WithLogger(rt.logger))
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("start watcher: %w", err)
			}
			rt.logger.InfoContext(ctx, "Watching vault", "dir", v.Root(), "autosave_delay", rt.cfg.AutosaveDelay)

			<-ctx.Done()

			if err := w.Stop(); err != nil {
				rt.logger.Warn("Failed to stop watcher", "error", err)
			}

			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			defer cancel()
			if err := ws.Flush(flushCtx); err != nil {
				rt.logger.WarnContext(flushCtx, "Some edits were not saved", "error", err)
			}
			if _, err := v.Commit(flushCtx, fmt.Sprintf("[kbsync] local edits at %s", time.Now().Format(time.RFC3339))); err != nil {
				return fmt.Errorf("commit vault: %w", err)
			}
			return nil
		},
	}
}

// vaultCommand creates the vault subcommand.
func vaultCommand() *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "Manage the git vault",
		Commands: []*cli.Command{
			{
				Name:   "push",
				Usage:  "Commit the vault and push it to KB_GIT_URL",
				Flags:  []cli.Flag{verboseFlag},
				Before: beforeCommand,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					if !cfg.Git.HasRemote() {
						return apperrors.ErrRemoteNotConfigured
					}

					rt := &runtime{cfg: cfg, logger: slog.Default()}
					v, err := rt.openVault()
					if err != nil {
						return err
					}
					if _, err := v.Commit(ctx, fmt.Sprintf("[kbsync] vault push at %s", time.Now().Format(time.RFC3339))); err != nil {
						return fmt.Errorf("commit vault: %w", err)
					}
					if err := v.Push(ctx); err != nil {
						return fmt.Errorf("push vault: %w", err)
					}
					displayPushed(cfg.Git.URL)
					return nil
				},
			},
		},
	}
}
