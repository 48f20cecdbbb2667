package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"sustainbench-ee/internal/config"
)

// ===================
// Settings Management
// ===================

func newSettingsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the effective settings (file, SB_* variables and flags combined)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(c.settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.GetSettingsPath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write the effective settings to the settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.settings.Validate(); err != nil {
				return err
			}
			if err := config.SaveSettings(c.settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings saved to %s\n", config.GetSettingsPath())
			return nil
		},
	})
	return cmd
}
