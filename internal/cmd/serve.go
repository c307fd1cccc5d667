package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/kbsync/internal/api"
	"github.com/fclairamb/kbsync/internal/graph"
	"github.com/fclairamb/kbsync/internal/search"
	"github.com/fclairamb/kbsync/internal/webhook"
)

var errInvalidServerConfig = errors.New("invalid server configuration")

// serveCommand creates the serve subcommand for the push server and API.
//
//nolint:funlen // CLI command wiring every background component
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Receive Drive push notifications, sync on a schedule and serve the read API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port to listen on",
				Sources: cli.EnvVars("KB_WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:    "path",
				Usage:   "Push notification endpoint path",
				Sources: cli.EnvVars("KB_WEBHOOK_PATH"),
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "Channel token expected on push notifications (optional)",
				Sources: cli.EnvVars("KB_WEBHOOK_SECRET"),
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "Public base URL to register as the push channel address (optional)",
				Sources: cli.EnvVars("KB_WEBHOOK_ADDRESS"),
			},
			&cli.DurationFlag{
				Name:    "sync-delay",
				Usage:   "Delay before syncing after a notification (debounce)",
				Sources: cli.EnvVars("KB_SYNC_DELAY"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron spec of periodic syncs (empty disables)",
				Sources: cli.EnvVars("KB_SYNC_SCHEDULE"),
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

			cfg := webhook.NewServerConfig(rt.cfg)
			applyServeFlags(cmd, cfg)
			if !cfg.IsValid() {
				return fmt.Errorf("%w: port %d path %q", errInvalidServerConfig, cfg.Port, cfg.Path)
			}
			if cfg.Secret == "" {
				rt.logger.WarnContext(ctx, "webhook secret not configured - channel token verification disabled (set --secret or KB_WEBHOOK_SECRET)")
			}

			v, err := rt.openVault()
			if err != nil {
				return err
			}

			idx, err := search.New(rt.store, search.WithLogger(rt.logger))
			if err != nil {
				return fmt.Errorf("create search index: %w", err)
			}
			defer func() { _ = idx.Close() }()
			if err := idx.Attach(ctx); err != nil {
				return fmt.Errorf("build search index: %w", err)
			}

			hub := api.NewHub(rt.store, api.WithHubLogger(rt.logger))
			hub.Start()
			defer hub.Close()

			engine := rt.engine()
			worker := webhook.NewSyncWorker(engine, rt.cred,
				webhook.WithSyncDelay(cfg.SyncDelay),
				webhook.WithSchedule(cfg.Schedule),
				webhook.WithReplayer(rt.queue()),
				webhook.WithVault(v, rt.cfg.Git.HasRemote()),
				webhook.WithDriveID(rt.cfg.DriveID),
				webhook.WithRetryPolicy(rt.retryPolicy()),
				webhook.WithWorkerLogger(rt.logger),
			)

			router := api.NewRouter(api.Deps{
				Store:   rt.store,
				Graph:   graph.NewBuilder(rt.store, graph.WithLogger(rt.logger)),
				Search:  idx,
				Trigger: worker,
				Engine:  engine,
				Events:  hub,
				Logger:  rt.logger,
			})

			server := webhook.NewServer(cfg, router, worker, rt.logger,
				webhook.WithChannels(rt.client, rt.store, rt.cred))
			return server.Start(ctx)
		},
	}
}

// applyServeFlags overrides the environment with flags given on the command line.
func applyServeFlags(cmd *cli.Command, cfg *webhook.ServerConfig) {
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}
	if cmd.IsSet("path") {
		cfg.Path = cmd.String("path")
	}
	if cmd.IsSet("secret") {
		cfg.Secret = cmd.String("secret")
	}
	if cmd.IsSet("address") {
		cfg.Address = cmd.String("address")
	}
	if cmd.IsSet("sync-delay") {
		cfg.SyncDelay = cmd.Duration("sync-delay")
	}
	if cmd.IsSet("schedule") {
		cfg.Schedule = cmd.String("schedule")
	}
}
