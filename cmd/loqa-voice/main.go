// Command loqa-voice clones voices and renders speech without the daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	verbose    bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "loqa-voice",
		Short:         "Clone voices and generate speech locally",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults are used when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	cmd.AddCommand(
		newGenerateCommand(opts),
		newChunkCommand(),
		newVoicesCommand(opts),
		newJobsCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *options) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// pipeline loads the configuration and builds the in-process pipeline.
func (o *options) pipeline(cmd *cobra.Command) (*runtime.Pipeline, config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, cfg, err
	}
	p, err := runtime.BuildPipeline(cmd.Context(), cfg, o.logger(cmd.ErrOrStderr()))
	if err != nil {
		return nil, cfg, err
	}
	return p, cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loqa-voice %s\n", version)
		},
	}
}
