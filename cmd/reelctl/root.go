package main

import (
	"os"
	"time"

	"github.com/bobarin/reelforge/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// commandContext carries the persistent flags shared by every subcommand.
type commandContext struct {
	databaseURL string
	redisURL    string
	logLevel    string
	jsonOutput  bool
}

// logger writes to stderr so command output stays parseable.
func (c *commandContext) logger() zerolog.Logger {
	return logging.New(c.logLevel, "development").
		Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "reelctl",
		Short:         "Operate a reelforge deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if ctx.databaseURL == "" {
				ctx.databaseURL = os.Getenv("DATABASE_URL")
			}
			if ctx.redisURL == "" {
				ctx.redisURL = os.Getenv("REDIS_URL")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.databaseURL, "database-url", "", "Postgres URL (default $DATABASE_URL)")
	flags.StringVar(&ctx.redisURL, "redis-url", "", "Redis URL (default $REDIS_URL)")
	flags.StringVar(&ctx.logLevel, "log-level", "warn", "Log level")
	flags.BoolVar(&ctx.jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newPresetsCommand(ctx))
	rootCmd.AddCommand(newStitchCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newLedgerCommand(ctx))
	rootCmd.AddCommand(newQueuesCommand(ctx))

	return rootCmd
}
