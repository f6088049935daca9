package cli

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/KafMesh/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _  __       __ __  __           _\n" +
		" | |/ /__ _  / _|  \\/  | ___  ___| |__\n" +
		" | ' // _` || |_| |\\/| |/ _ \\/ __| '_ \\\n" +
		" | . \\ (_| ||  _| |  | |  __/\\__ \\ | | |\n" +
		" |_|\\_\\__,_||_| |_|  |_|\\___||___/_| |_|\n"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "kafmesh",
	Short: "KafMesh - LLM-orchestrated agent mesh",
	Long:  color.CyanString(logo) + "\nA planner-driven mesh of agents whose topology is edited by a tool loop.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(typesCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func printHeader(title string) {
	color.Cyan(logo)
	if title != "" {
		color.New(color.Bold).Println(title)
		color.New(color.FgHiBlack).Println("─────────────────────")
	}
}

func mark(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}
