package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafMesh/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with keys masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return writeIndented(cmd.OutOrStdout(), maskedConfig(cfg))
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.DefaultConfig()
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.EnsureDir(loaded.Paths.StateDir); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", mark(true), path)
		fmt.Fprintf(cmd.OutOrStdout(), "%s State in %s\n", mark(true), loaded.Paths.StateDir)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd)
}

// maskedConfig returns a copy of cfg safe to print.
func maskedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Providers.OpenAI.APIKey = maskKey(out.Providers.OpenAI.APIKey)
	out.Providers.Anthropic.APIKey = maskKey(out.Providers.Anthropic.APIKey)
	return out
}

func maskKey(k string) string {
	if k == "" {
		return ""
	}
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}
