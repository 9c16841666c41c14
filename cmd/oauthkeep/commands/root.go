package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/oauthkeep/internal/app"
	"github.com/florianilch/oauthkeep/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "oauthkeep",
		Usage: "OAuth sign-in and encrypted token storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file merged under the process environment",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "observability--otlp-protocol",
				Usage: "exporter for --log-format otel (stdout|http|grpc)",
				Value: string(app.DefaultConfigOTLPProtocol),
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory holding keys, tokens and provider configs",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			loginServerCommand(),
			onboardCommand(),
			tokenCommand(),
			logoutCommand(),
			statusCommand(),
			migrateCommand(),
			keyCommand(),
			providersCommand(),
			serversCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// appAction is a command body running against a fully wired App.
type appAction func(ctx context.Context, cmd *cli.Command, a *app.App) error

// withApp loads the config, sets up logging and builds the App before fn runs.
func withApp(fn appAction, opts ...app.Option) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd.String("config"), cmd.String("env-file"), cmd, os.Environ)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Set up observability before creating app
		shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), string(cfg.Observability.OTLPProtocol))
		if err != nil {
			return fmt.Errorf("failed to set up observability layer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				fmt.Fprintln(os.Stderr, "flushing logs:", err)
			}
		}()

		application, err := app.New(ctx, cfg, opts...)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		return fn(ctx, cmd, application)
	}
}

// interactive reports whether stdout is attached to a terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
