package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/stagerunner/internal/app"
	"github.com/vk/stagerunner/internal/cli"
	"github.com/vk/stagerunner/internal/pipeline"
)

// main is the entrypoint for the stagerunner application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) error {
	config, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	runnerApp, err := app.NewApp(outW, config)
	if err != nil {
		return &cli.ExitError{Code: 2, Message: err.Error()}
	}

	// An interrupt cancels the run; in-flight work reports Canceled and the
	// report is still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runnerApp.Run(ctx)
	if err != nil {
		return err
	}
	switch result.Status {
	case pipeline.Succeeded:
		return nil
	case pipeline.Canceled:
		return &cli.ExitError{Code: 130, Message: "run canceled"}
	default:
		return &cli.ExitError{Code: 1, Message: "run failed"}
	}
}
