// Command stepmachine defines, runs and inspects step chains stored in a
// local libSQL database, and serves them to agents over MCP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/stepmachine/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/stepmachine/
var version = "dev"

// cli carries the flags and configuration shared by every subcommand.
type cli struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string

	settings Settings
	logger   *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "stepmachine",
		Short:         "Resumable step-chain state machines",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.configure(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", settingsPath(), "Settings file")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "Database path (overrides settings)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format: text, json")

	root.AddCommand(
		validateCmd(c),
		graphCmd(c),
		defineCmd(c),
		runCmd(c),
		resumeCmd(c),
		cancelCmd(c),
		statusCmd(c),
		eventsCmd(c),
		snapshotCmd(c),
		listCmd(c),
		scheduleCmd(c),
		unscheduleCmd(c),
		serveCmd(c),
		installCmd(c),
	)
	return root
}

// configure loads settings, applies flag overrides and installs the logger.
func (c *cli) configure(cmd *cobra.Command) error {
	settings, err := loadSettings(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		settings.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		settings.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		settings.LogFormat = c.logFormat
	}

	logger, err := logging.Configure(cmd.ErrOrStderr(), settings.LogLevel, settings.LogFormat)
	if err != nil {
		return err
	}
	c.settings = settings
	c.logger = logger
	return nil
}
