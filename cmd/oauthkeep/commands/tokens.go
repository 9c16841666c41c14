package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/oauthkeep/internal/app"
)

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "print JSON",
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "print a live access token, refreshing it if needed",
		ArgsUsage: "<provider-id>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("missing provider id")
			}
			tok, err := a.ValidAccessToken(ctx, id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, tok)
			return err
		}),
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "logout",
		Usage:     "remove the stored tokens of a provider",
		ArgsUsage: "<provider-id>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("missing provider id")
			}
			return a.Logout(ctx, id)
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "list stored tokens without refreshing them",
		Flags: []cli.Flag{jsonFlag},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			statuses, err := a.Status(ctx)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return writeJSON(cmd.Root().Writer, statuses)
			}
			return writeStatusTable(cmd.Root().Writer, statuses)
		}),
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "copy tokens from the legacy single-file store",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
			report, err := a.Migrate(ctx)
			if report != nil {
				for _, id := range report.Migrated {
					fmt.Fprintf(cmd.Root().Writer, "migrated %s\n", id)
				}
				for id, reason := range report.Skipped {
					fmt.Fprintf(cmd.Root().Writer, "skipped %s: %s\n", id, reason)
				}
			}
			return err
		}),
	}
}

func writeStatusTable(w io.Writer, statuses []app.ProviderStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATE\tUSER\tEXPIRES\tUPDATED")
	for _, st := range statuses {
		state := "signed out"
		switch {
		case st.Authenticated && st.Expired:
			state = "expired"
		case st.Authenticated:
			state = "valid"
		}
		user := "-"
		if st.User != nil {
			user = st.User.Email
			if user == "" {
				user = st.User.Name
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.ProviderID, state, user, formatTime(st.ExpiresAt), formatTime(st.UpdatedAt))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
