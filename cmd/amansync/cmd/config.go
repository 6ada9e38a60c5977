package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amansync/configs"
	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage project configuration",
		Long: `Manage the project configuration file.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. User config (~/.config/amansync/config.yaml)
  3. Project config (.amansync.yaml)
  4. .env in the project root
  5. Environment variables (AMANSYNC_*)`,
		Example: `  # Create .amansync.yaml from the template
  amansync config init

  # Show the effective configuration
  amansync config show --json`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .amansync.yaml in the project root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			root, err = filepath.Abs(root)
			if err != nil {
				return err
			}
			path := filepath.Join(root, config.ProjectFileName)
			out := output.New(cmd.OutOrStdout())

			if _, err := os.Stat(path); err == nil && !force {
				out.Warning("Project configuration already exists")
				out.Statusf("", "Location: %s", path)
				out.Status("", "Use --force to overwrite it with the template")
				return nil
			}

			if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			out.Success("Created project configuration")
			out.Statusf("", "Location: %s", path)
			out.Newline()
			out.Status("", "Next steps:")
			out.Status("", "  1. Point source.path at your documents")
			out.Status("", "  2. Run 'amansync sync --dry-run' to preview the first run")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file paths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			out.KeyValues([][2]string{
				{"User", config.GetUserConfigPath()},
				{"Project", filepath.Join(root, config.ProjectFileName)},
				{"Data", config.DataDir(root)},
			})
			return nil
		},
	}
}
