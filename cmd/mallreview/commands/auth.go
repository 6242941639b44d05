package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

func (r *runner) loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authorize in the browser and store the tokens",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "oauth--callback-port",
				Usage: "port the redirect listener binds, if it differs from the redirect URI",
			},
			&cli.DurationFlag{
				Name:  "oauth--login-timeout",
				Usage: "how long to wait for the browser redirect",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			fmt.Fprintln(r.out, "Opening the browser to authorize. Waiting for the redirect...")
			record, err := application.Authority.Login(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(r.out, "Logged in. Access token valid until %s.\n", record.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
}

func (r *runner) logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "delete the stored tokens",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := r.setup(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer flush()

			if err := application.Authority.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "Logged out.")
			return nil
		},
	}
}

func (r *runner) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the login state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "call the API with the stored token",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			verify := cmd.Bool("verify")
			application, flush, err := r.setup(ctx, cmd, verify)
			if err != nil {
				return err
			}
			defer flush()

			status, verifyErr := application.Status(ctx, verify)
			if status == nil {
				return verifyErr
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(r.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
				return verifyErr
			}

			fmt.Fprintf(r.out, "Mall:       %s\n", status.MallID)
			fmt.Fprintf(r.out, "State:      %s\n", status.Projection)
			fmt.Fprintf(r.out, "Token file: %s\n", status.TokenFile)
			if status.ExpiresAt != nil {
				fmt.Fprintf(r.out, "Expires:    %s\n", status.ExpiresAt.Local().Format(time.DateTime))
				fmt.Fprintf(r.out, "Encrypted:  %t\n", status.Encrypted)
			}
			if status.Scope != "" {
				fmt.Fprintf(r.out, "Scope:      %s\n", status.Scope)
			}
			if status.Shop != nil {
				fmt.Fprintf(r.out, "Shop:       %s\n", status.Shop.ShopName)
			}
			return verifyErr
		},
	}
}

func (r *runner) tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token, refreshing it if needed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			record, err := application.Authority.GetValidToken(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(r.out, record.AccessToken)
			return nil
		},
	}
}

func (r *runner) refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "exchange the refresh token for a new access token now",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			record, err := application.Authority.Refresh(ctx, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "Refreshed. Access token valid until %s.\n", record.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
}
