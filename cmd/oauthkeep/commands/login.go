package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/oauthkeep/internal/app"
)

var noBrowserFlag = &cli.BoolFlag{
	Name:  "no-browser",
	Usage: "print the authorization URL instead of opening a browser",
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "sign in to a configured provider",
		ArgsUsage: "<provider-id>",
		Flags:     []cli.Flag{noBrowserFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("missing provider id")
			}
			return withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
				res, err := a.Login(ctx, id, printURL(cmd))
				if err != nil {
					return err
				}
				return reportLogin(cmd, res)
			}, browserOptions(cmd)...)(ctx, cmd)
		},
	}
}

func loginServerCommand() *cli.Command {
	return &cli.Command{
		Name:      "login-server",
		Usage:     "sign in to a provider through a proxy server",
		ArgsUsage: "<server-id> <provider>",
		Flags:     []cli.Flag{noBrowserFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return fmt.Errorf("want <server-id> <provider>")
			}
			serverID, provider := cmd.Args().Get(0), cmd.Args().Get(1)
			return withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
				res, err := a.LoginServer(ctx, serverID, provider, printURL(cmd))
				if err != nil {
					return err
				}
				return reportLogin(cmd, res)
			}, browserOptions(cmd)...)(ctx, cmd)
		},
	}
}

func onboardCommand() *cli.Command {
	return &cli.Command{
		Name:  "onboard",
		Usage: "run the onboarding sign-in and create the configured forks",
		Flags: []cli.Flag{noBrowserFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
				res, err := a.Onboard(ctx, printURL(cmd))
				if err != nil {
					return err
				}
				if res.ForkErr != nil {
					fmt.Fprintln(cmd.Root().ErrWriter, "warning: some forks failed:", res.ForkErr)
				}
				return reportLogin(cmd, res)
			}, browserOptions(cmd)...)(ctx, cmd)
		},
	}
}

func browserOptions(cmd *cli.Command) []app.Option {
	if cmd.Bool("no-browser") || !interactive() {
		return []app.Option{app.WithBrowser(nil)}
	}
	return nil
}

func printURL(cmd *cli.Command) func(string) {
	return func(u string) {
		fmt.Fprintf(cmd.Root().ErrWriter, "Open this URL to continue:\n\n  %s\n\n", u)
	}
}

func reportLogin(cmd *cli.Command, res *app.LoginResult) error {
	who := ""
	if u := res.Record.User; u != nil {
		who = u.Email
		if who == "" {
			who = u.Name
		}
	}
	if who != "" {
		_, err := fmt.Fprintf(cmd.Root().Writer, "signed in to %s as %s\n", res.Record.ProviderID, who)
		return err
	}
	_, err := fmt.Fprintf(cmd.Root().Writer, "signed in to %s\n", res.Record.ProviderID)
	return err
}
