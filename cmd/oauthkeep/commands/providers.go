package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/oauthkeep/internal/app"
	"github.com/florianilch/oauthkeep/internal/providers"
)

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "manage directly configured OAuth providers",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list configured providers",
				Flags: []cli.Flag{jsonFlag},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					all, err := a.Providers().ListAll(ctx)
					if err != nil {
						return err
					}
					if cmd.Bool("json") {
						// Client secrets stay out of the output
						out := make([]*providers.Config, 0, len(all))
						for _, c := range all {
							c := c.Clone()
							c.ClientSecret = ""
							out = append(out, c)
						}
						return writeJSON(cmd.Root().Writer, out)
					}
					tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tPKCE\tREADY")
					for _, c := range all {
						fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", c.ID, c.DisplayName(), c.PKCE, c.Configured())
					}
					return tw.Flush()
				}),
			},
			{
				Name:      "add",
				Usage:     "add or replace a provider",
				ArgsUsage: "<provider-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "authorization-endpoint", Required: true},
					&cli.StringFlag{Name: "token-endpoint", Required: true},
					&cli.StringFlag{Name: "user-info-endpoint"},
					&cli.StringSliceFlag{Name: "scope", Usage: "requested scope, repeatable"},
					&cli.BoolFlag{Name: "pkce", Usage: "use PKCE (S256)", Value: true},
					&cli.StringFlag{Name: "client-id", Required: true},
					&cli.StringFlag{Name: "client-secret"},
					&cli.StringFlag{Name: "redirect-uri", Usage: "loopback redirect URI", Value: app.DefaultConfigCallbackURL},
					&cli.StringFlag{Name: "profile", Usage: "user-info format (github|google|microsoft|oidc)"},
					&cli.StringMapFlag{Name: "param", Usage: "extra authorization parameter key=value, repeatable"},
					&cli.BoolFlag{Name: "json-token-requests", Usage: "send token requests as JSON"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("missing provider id")
					}
					return a.Providers().Save(ctx, &providers.Config{
						ID:                    id,
						Name:                  cmd.String("name"),
						AuthorizationEndpoint: cmd.String("authorization-endpoint"),
						TokenEndpoint:         cmd.String("token-endpoint"),
						UserInfoEndpoint:      cmd.String("user-info-endpoint"),
						Scopes:                cmd.StringSlice("scope"),
						PKCE:                  cmd.Bool("pkce"),
						ClientID:              cmd.String("client-id"),
						ClientSecret:          cmd.String("client-secret"),
						RedirectURI:           cmd.String("redirect-uri"),
						Profile:               cmd.String("profile"),
						ExtraParams:           cmd.StringMap("param"),
						JSONTokenRequests:     cmd.Bool("json-token-requests"),
					})
				}),
			},
			{
				Name:      "remove",
				Usage:     "remove a provider and its stored tokens",
				ArgsUsage: "<provider-id>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("missing provider id")
					}
					if err := a.Logout(ctx, id); err != nil {
						return err
					}
					return a.Providers().Remove(ctx, id)
				}),
			},
		},
	}
}

func serversCommand() *cli.Command {
	return &cli.Command{
		Name:  "servers",
		Usage: "manage proxy servers for server-proxied sign-in",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list proxy servers",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					all, err := a.Providers().ListServers(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tBASE URL")
					for _, s := range all {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.BaseURL)
					}
					return tw.Flush()
				}),
			},
			{
				Name:      "add",
				Usage:     "add or replace a proxy server",
				ArgsUsage: "<server-id> <base-url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display name"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					if cmd.NArg() != 2 {
						return fmt.Errorf("want <server-id> <base-url>")
					}
					return a.Providers().SaveServer(ctx, &providers.ServerDescriptor{
						ID:      cmd.Args().Get(0),
						Name:    cmd.String("name"),
						BaseURL: cmd.Args().Get(1),
					})
				}),
			},
		},
	}
}
