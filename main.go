package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sustainbench-ee/internal/config"
	"sustainbench-ee/internal/logging"
)

// cli carries state from the root command into subcommands
type cli struct {
	app       *App
	settings  *config.UserSettings
	log       logging.Logger
	startTime time.Time

	// persistent flags
	backend  string
	project  string
	logLevel string
	verbose  bool
	plain    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:     "sbexport",
		Short:   "Build Landsat and nightlights patch exports for survey points",
		Version: AppVersion,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.startTime = time.Now()
			return c.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if c.app == nil {
				return
			}
			c.log.Debug(cmd.Context(), "command finished",
				logging.String("command", cmd.Name()),
				logging.Any("seconds", time.Since(c.startTime).Seconds()),
			)
			c.app.Shutdown(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&c.backend, "backend", "", "compute backend: earthengine or offline")
	root.PersistentFlags().StringVar(&c.project, "project", "", "Earth Engine cloud project")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "verbose output (same as --log-level debug)")
	root.PersistentFlags().BoolVar(&c.plain, "plain", false, "print one line per finished export instead of a progress bar")

	root.AddCommand(
		newExportCmd(c),
		newWaitCmd(c),
		newNightlightsCmd(c),
		newPreviewCmd(c),
		newSettingsCmd(c),
	)
	return root
}

// init loads .env, the settings file, SB_* variables and flags, in
// increasing precedence, then builds the logger and App.
func (c *cli) init(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if err := settings.ApplyEnv(); err != nil {
		return err
	}
	if c.backend != "" {
		settings.Backend = c.backend
	}
	if c.project != "" {
		settings.Project = c.project
	}
	if c.logLevel != "" {
		settings.LogLevel = c.logLevel
	}
	if c.verbose {
		settings.LogLevel = "debug"
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	c.settings = settings

	c.log = logging.New(logging.Config{Level: settings.LogLevel, Format: settings.LogFormat})
	ctx := logging.ContextWithLogger(cmd.Context(), c.log)
	cmd.SetContext(ctx)

	app, err := NewApp(ctx, settings, c.log)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
