package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/florianilch/mallreview/cmd/mallreview/commands"
)

func main() {
	// A missing .env file is fine; variables may come from the environment
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", commands.Describe(err))
		stop()
		os.Exit(commands.ExitCode(err))
	}
}
