// Package cmd provides the CLI commands for kbsync.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fclairamb/kbsync/internal/apperrors"
	"github.com/fclairamb/kbsync/internal/config"
	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/queue"
	"github.com/fclairamb/kbsync/internal/retry"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/sync"
	"github.com/fclairamb/kbsync/internal/vault"
	"github.com/fclairamb/kbsync/internal/version"
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// parseLogFormat maps KB_LOG_FORMAT to a format. Unknown values fall back to text.
func parseLogFormat(val string) (LogFormat, bool) {
	switch LogFormat(val) {
	case LogFormatJSON:
		return LogFormatJSON, true
	case LogFormatText, "":
		return LogFormatText, true
	default:
		return LogFormatText, false
	}
}

// newLogHandler builds the slog handler described by cfg.
func newLogHandler(cfg config.LogConfig, level slog.Level, stderr io.Writer) slog.Handler {
	var out io.Writer = stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	format, _ := parseLogFormat(cfg.Format)
	if format == LogFormatJSON {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// setupLogging configures the global logger based on the verbose flag and KB_LOG_*.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = config.Default()
	}

	slog.SetDefault(slog.New(newLogHandler(cfg.Log, level, os.Stderr)))

	// Warn about invalid settings after logger is set up
	if cfgErr != nil {
		slog.Warn("Invalid KB_* configuration, using defaults", "error", cfgErr)
	}
	if _, ok := parseLogFormat(cfg.Log.Format); !ok {
		slog.Warn("Invalid KB_LOG_FORMAT value, using text format", "value", cfg.Log.Format)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// beforeCommand is the Before hook shared by every subcommand.
func beforeCommand(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	setupLogging(cmd)
	return ctx, nil
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "kbsync",
		Usage:   "Mirror a Drive knowledge base locally, explore its links and edit it safely",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Drive OAuth bearer token",
				Sources: cli.EnvVars("KB_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "drive",
				Usage:   "Shared drive ID to mirror",
				Sources: cli.EnvVars("KB_DRIVE_ID"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the SQLite database",
				Sources: cli.EnvVars("KB_DB"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Path to the git vault",
				Sources: cli.EnvVars("KB_VAULT_DIR"),
			},
			verboseFlag,
		},
		Commands: []*cli.Command{
			syncCommand(),
			statusCommand(),
			lsCommand(),
			searchCommand(),
			graphCommand(),
			backlinksCommand(),
			orphansCommand(),
			citedCommand(),
			resolveCommand(),
			completeCommand(),
			openCommand(),
			saveCommand(),
			replayCommand(),
			backfillCommand(),
			purgeCommand(),
			watchCommand(),
			serveCommand(),
			vaultCommand(),
		},
	}
}

// loadConfig reads KB_* and applies the global flags on top.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := cmd.String("token"); v != "" {
		cfg.Token = v
	}
	if v := cmd.String("drive"); v != "" {
		cfg.DriveID = v
	}
	if v := cmd.String("db"); v != "" {
		cfg.DBPath = v
	}
	if v := cmd.String("vault"); v != "" {
		cfg.VaultDir = v
	}
	return cfg, nil
}

// runtime holds what a command works with.
type runtime struct {
	cfg    *config.Config
	client *drive.Client
	store  *store.Store
	cred   drive.Credential
	logger *slog.Logger
}

// setup loads the configuration and opens the store. needToken makes a
// missing token an error; read-only commands work offline without one.
func setup(ctx context.Context, cmd *cli.Command, needToken bool) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if needToken && cfg.Token == "" {
		return nil, apperrors.ErrTokenRequired
	}

	logger := slog.Default()
	st, err := store.Open(ctx, cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := drive.NewClient(
		drive.WithLogger(logger),
		drive.WithBaseURL(cfg.APIURL),
		drive.WithUploadURL(cfg.UploadURL),
		drive.WithPageSize(cfg.PageSize),
		drive.WithRateLimit(cfg.RateLimit),
	)

	return &runtime{
		cfg:    cfg,
		client: client,
		store:  st,
		cred:   drive.Credential(cfg.Token),
		logger: logger,
	}, nil
}

// Close closes the store.
func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("Failed to close store", "error", err)
	}
}

func (r *runtime) engine() *sync.Engine {
	return sync.NewEngine(r.client, r.store,
		sync.WithLogger(r.logger),
		sync.WithFetchContent(r.cfg.SyncFetchContent),
		sync.WithSnippetSize(r.cfg.SnippetSize),
	)
}

func (r *runtime) queue() *queue.Manager {
	return queue.NewManager(r.store, r.client,
		queue.WithLogger(r.logger),
		queue.WithSnippetSize(r.cfg.SnippetSize),
	)
}

func (r *runtime) openVault() (*vault.Vault, error) {
	v, err := vault.Open(r.cfg.VaultDir, vault.WithLogger(r.logger), vault.WithRemote(&vault.RemoteConfig{
		URL:      r.cfg.Git.URL,
		Password: r.cfg.Git.Pass,
		Branch:   r.cfg.Git.Branch,
		User:     r.cfg.Git.User,
		Email:    r.cfg.Git.Email,
	}))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

func (r *runtime) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Logger = r.logger
	return p
}

// syncCommand creates the sync subcommand.
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Mirror the remote listing: full on first run or with --full, incremental otherwise",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "full",
				Aliases: []string{"f"},
				Usage:   "Force a full sync",
			},
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "Replay the pending queue after syncing",
				Value: true,
			},
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			engine := rt.engine()
			var res *sync.Result
			err = retry.Do(ctx, rt.retryPolicy(), func(ctx context.Context) error {
				var err error
				res, err = engine.Sync(ctx, rt.cred, rt.cfg.DriveID, cmd.Bool("full"))
				return err
			})
			if err != nil {
				displaySyncError(err)
				return fmt.Errorf("sync: %w", err)
			}
			displaySyncResult(res)

			if !cmd.Bool("replay") {
				return nil
			}
			rr, err := rt.queue().Replay(ctx, rt.cred)
			if err != nil {
				return fmt.Errorf("replay queue: %w", err)
			}
			if rr.Attempted > 0 {
				displayReplayResult(rr)
			}
			return nil
		},
	}
}

// statusCommand creates the status subcommand.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sync cursor, record counts and pending queue",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print JSON",
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

			info, err := loadStatus(ctx, rt.store)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(info)
			}
			displayStatus(info)
			return nil
		},
	}
}

func loadStatus(ctx context.Context, st *store.Store) (*statusInfo, error) {
	info := &statusInfo{}

	var err error
	if info.Cursor, err = st.GetCursor(ctx); err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if info.Files, err = st.CountFiles(ctx, store.Filter{ResourceType: store.ResourceMarkdown}); err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	if info.Folders, err = st.CountFiles(ctx, store.Filter{ResourceType: store.ResourceFolder}); err != nil {
		return nil, fmt.Errorf("count folders: %w", err)
	}
	if info.Trashed, err = st.CountFiles(ctx, store.Filter{Trashed: store.OnlyTrashed}); err != nil {
		return nil, fmt.Errorf("count trashed: %w", err)
	}
	if info.Pending, err = st.ListPending(ctx); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return info, nil
}

// lsCommand creates the ls subcommand.
func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List the children of a folder, the drive root by default",
		ArgsUsage: "[folder_id]",
		Flags:     []cli.Flag{verboseFlag},
		Before:    beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			files, err := rt.store.ListChildren(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			displayListing(files)
			return nil
		},
	}
}

// replayCommand creates the replay subcommand.
func replayCommand() *cli.Command {
	return &cli.Command{
		Name:   "replay",
		Usage:  "Replay writes queued while offline",
		Flags:  []cli.Flag{verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.queue().Replay(ctx, rt.cred)
			if err != nil {
				return fmt.Errorf("replay queue: %w", err)
			}
			displayReplayResult(res)
			return nil
		},
	}
}

// backfillCommand creates the backfill subcommand.
func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Download content for documents whose snippet is missing or stale",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Refresh every document, not only stale ones",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of documents to fetch (0 = unlimited)",
			},
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine().Backfill(ctx, rt.cred, sync.BackfillOptions{
				All:   cmd.Bool("all"),
				Limit: cmd.Int("limit"),
			}, func(p sync.Progress) {
				rt.logger.DebugContext(ctx, "Backfill progress", "entries", p.Entries, "done", p.Done)
			})
			if err != nil {
				displaySyncError(err)
				return fmt.Errorf("backfill: %w", err)
			}
			displaySyncResult(res)
			return nil
		},
	}
}

// purgeCommand creates the purge subcommand.
func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:   "purge",
		Usage:  "Drop trashed records and their vault copies",
		Flags:  []cli.Flag{verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids, err := rt.store.PurgeTrashed(ctx)
			if err != nil {
				return fmt.Errorf("purge trashed: %w", err)
			}
			if len(ids) > 0 {
				if err := removeFromVault(ctx, rt, ids); err != nil {
					return err
				}
			}
			displayPurged(ids)
			return nil
		},
	}
}

// removeFromVault drops purged documents from the vault and commits.
func removeFromVault(ctx context.Context, rt *runtime, ids []string) error {
	if _, err := os.Stat(rt.cfg.VaultDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v, err := rt.openVault()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := v.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove %s from vault: %w", id, err)
		}
	}
	if _, err := v.Commit(ctx, fmt.Sprintf("[kbsync] purge %d trashed documents", len(ids))); err != nil {
		return fmt.Errorf("commit vault: %w", err)
	}
	return nil
}
