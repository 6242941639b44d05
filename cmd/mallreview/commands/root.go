package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/mallreview/internal/app"
	"github.com/florianilch/mallreview/internal/observability"
)

// version is set at build time via -ldflags.
var version = "dev"

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand(os.Stdout, os.Environ, terminalPrompt(os.Stderr)).Run(ctx, args)
}

func newRootCommand(out io.Writer, environ func() []string, prompt secretPrompt) *cli.Command {
	r := &runner{out: out, environ: environ, prompt: prompt}

	return &cli.Command{
		Name:    "mallreview",
		Usage:   "Log in to a merchant admin API and submit product reviews",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-export",
				Usage: "OpenTelemetry log export (none|stdout|otlp-grpc|otlp-http)",
				Value: string(app.DefaultConfigLogExport),
			},
			&cli.StringFlag{
				Name:  "mall--id",
				Usage: "mall identifier",
			},
			&cli.StringFlag{
				Name:  "oauth--client-id",
				Usage: "OAuth client ID",
			},
			&cli.StringFlag{
				Name:  "oauth--redirect-uri",
				Usage: "registered redirect URI",
				Value: app.DefaultConfigRedirectURI,
			},
			&cli.StringFlag{
				Name:  "storage--file",
				Usage: "token file path",
			},
		},
		Commands: []*cli.Command{
			r.loginCommand(),
			r.logoutCommand(),
			r.statusCommand(),
			r.tokenCommand(),
			r.refreshCommand(),
			r.reviewCommand(),
		},
	}
}

// runner builds the application for each command invocation.
type runner struct {
	out     io.Writer
	environ func() []string
	prompt  secretPrompt
}

// setup loads configuration, installs logging and creates the app. The returned
// function flushes log export and must be called before exiting.
func (r *runner) setup(ctx context.Context, cmd *cli.Command, requireSecret bool) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, r.environ, requireSecret, r.prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:   cfg.LogLevel,
		Format:  string(cfg.LogFormat),
		Export:  cfg.LogExport,
		Version: version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	flush := func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintln(os.Stderr, "log export shutdown failed:", err)
		}
	}

	application, err := app.New(cfg)
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, flush, nil
}
