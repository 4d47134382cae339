package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/aide/pkg/aide/config"
)

// newConfigCmd creates the `aide config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
		Long: `Manage aide configuration.

Examples:
  aide config init
  aide config show
  aide config validate`,
	}
	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			target := "config.yaml"
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("config.yaml already exists. Remove it first or edit it directly")
			}
			if err := config.SaveToFile(config.DefaultConfig(), target); err != nil {
				return err
			}
			fmt.Printf("Created %s with default configuration.\n", target)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Edit config.yaml and set channels.whatsapp.owner")
			fmt.Println("  2. Run: aide serve")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("  Name:       %s\n", cfg.Name)
			fmt.Printf("  Data dir:   %s\n", cfg.DataDir)
			fmt.Printf("  LLM:        %s (model %q)\n", cfg.LLM.Command, cfg.LLM.Model)
			fmt.Printf("  WhatsApp:   %v (owner %q)\n", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.Owner)
			fmt.Printf("  Quiet:      %02d:00-%02d:00\n", cfg.Cron.Quiet.Start, cfg.Cron.Quiet.End)
			fmt.Printf("  Tools:      %d\n", len(cfg.Tools))

			if cfg.Cron.Timezone != "" {
				if _, err := time.LoadLocation(cfg.Cron.Timezone); err != nil {
					return fmt.Errorf("cron timezone: %w", err)
				}
			}
			fmt.Println("\nConfiguration is valid.")
			return nil
		},
	}
}
