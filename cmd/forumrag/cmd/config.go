package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forumrag/forumrag/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the user/global configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/forumrag/config.yaml)
  3. Project config (forumrag.yaml in the working directory)
  4. Environment variables (FORUMRAG_*)

API keys are read from the environment only and are never written to
config files.`,
		Example: `  # Create a user config with the defaults
  forumrag config init

  # Show the effective configuration (merged from all sources)
  forumrag config show

  # Print the user config file path
  forumrag config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupsCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the user configuration file",
		Long: `Write the default configuration to the user config path. An existing
config is backed up first; use --force to overwrite without asking.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()

			if config.UserConfigExists() && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			if backup, err := config.BackupUserConfig(); err != nil {
				return err
			} else if backup != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Backed up existing config to %s\n", backup)
			}

			if err := os.MkdirAll(config.GetUserConfigDir(), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.NewConfig().WriteYAML(path); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// API keys carry yaml:"-" tags, so nothing secret is printed.
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the user config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}

	return cmd
}

func newConfigBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List user config backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
				return nil
			}
			for _, b := range backups {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}

	return cmd
}

func newConfigRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <backup-path>",
		Short: "Restore the user config from a backup",
		Long: `Restore the user config from a backup file. The current config, if
any, is backed up before it is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n",
				config.GetUserConfigPath(), args[0])
			return nil
		},
	}

	return cmd
}
