package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/mallreview/internal/cafe24"
)

func (r *runner) reviewCommand() *cli.Command {
	return &cli.Command{
		Name:  "review",
		Usage: "submit product reviews",
		Commands: []*cli.Command{
			r.reviewSubmitCommand(),
			r.reviewUploadCommand(),
			r.reviewImportCommand(),
		},
	}
}

func (r *runner) reviewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "submit a single review",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "product", Usage: "product number", Required: true},
			&cli.IntFlag{Name: "score", Usage: "rating from 1 to 5", Required: true},
			&cli.StringFlag{Name: "text", Usage: "review text", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			entry, err := application.Reviews.SubmitReview(ctx, cafe24.Review{
				ProductID: cmd.String("product"),
				Score:     int(cmd.Int("score")),
				Text:      cmd.String("text"),
			})
			if err != nil {
				return err
			}
			r.printHistory(entry)
			return nil
		},
	}
}

func (r *runner) reviewUploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "upload a review file through the bulk endpoint",
		ArgsUsage: "FILE",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("review file argument is required")
			}

			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			result, entry, err := application.UploadFile(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "%s: %d succeeded, %d failed\n", result.FileName, result.SuccessCount, result.FailureCount)
			r.printHistory(entry)
			return nil
		},
	}
}

func (r *runner) reviewImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "submit every review of a product_id,score,text CSV file",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.FloatFlag{
				Name:  "api--rate-limit",
				Usage: "submissions per second",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("review file argument is required")
			}

			application, flush, err := r.setup(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer flush()

			results, err := application.ImportFile(ctx, path)
			for _, res := range results {
				if res.Err != nil {
					fmt.Fprintf(r.out, "line %d: %s\n", res.Line, Describe(res.Err))
					continue
				}
				fmt.Fprintf(r.out, "line %d: product %s %s\n", res.Line, res.Review.ProductID, res.Entry.Status)
			}
			return err
		},
	}
}

func (r *runner) printHistory(entry *cafe24.HistoryEntry) {
	fmt.Fprintf(r.out, "[%s] %s: %s\n", entry.Timestamp.Local().Format(time.DateTime), entry.Kind, entry.Status)
}
