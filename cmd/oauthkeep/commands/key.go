package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/oauthkeep/internal/app"
)

func keyCommand() *cli.Command {
	return &cli.Command{
		Name:  "key",
		Usage: "manage the token encryption key",
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "describe the active key",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					return writeJSON(cmd.Root().Writer, a.KeyInfo())
				}),
			},
			{
				Name:  "rotate",
				Usage: "generate a new key and re-encrypt stored tokens",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					report, err := a.RotateKey(ctx)
					if report != nil {
						if werr := writeJSON(cmd.Root().Writer, report); werr != nil {
							return werr
						}
					}
					return err
				}),
			},
			{
				Name:  "pin",
				Usage: "store an operator key (64 hex characters, read from stdin) in the OS keyring",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app.App) error {
					key, err := readSecret(cmd)
					if err != nil {
						return err
					}
					if err := a.PinKey(ctx, key); err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().ErrWriter, "key pinned; it is used from the next start on")
					return nil
				}),
			},
		},
	}
}

func readSecret(cmd *cli.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.Root().ErrWriter, "key: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.Root().ErrWriter)
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
