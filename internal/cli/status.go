package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafMesh/internal/config"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/runs"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kafmesh %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("📊 KafMesh Status")
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		w := cmd.OutOrStdout()
		printConfigStatus(w, cfg)

		base := cfg.GatewayURL()
		if gatewayURL != "" {
			base = gatewayURL
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		printGatewayStatus(ctx, w, c, base)
		return nil
	},
}

type gatewayStatus struct {
	Mesh     orchestrator.Status `json:"mesh"`
	Planner  bool                `json:"planner"`
	Runs     map[runs.Status]int `json:"runs"`
	Sessions int                 `json:"sessions"`
}

func printConfigStatus(w io.Writer, cfg *config.Config) {
	path, _ := config.ConfigPath()
	_, statErr := os.Stat(path)
	fmt.Fprintf(w, "Config:    %s %s\n", path, mark(statErr == nil))
	for _, f := range config.LoadedEnvFiles() {
		fmt.Fprintf(w, "Env file:  %s\n", f)
	}

	key := cfg.Providers.OpenAI.APIKey
	if cfg.Model.Provider == "anthropic" {
		key = cfg.Providers.Anthropic.APIKey
	}
	fmt.Fprintf(w, "Provider:  %s (%s) key %s\n", cfg.Model.Provider, cfg.Model.Name, mark(key != ""))
	fmt.Fprintf(w, "Kafka:     %s\n", mark(cfg.Group.Enabled))
	fmt.Fprintf(w, "Timeline:  %s\n", mark(cfg.Timeline.Enabled))
}

func printGatewayStatus(ctx context.Context, w io.Writer, c *client, base string) {
	var st gatewayStatus
	if err := c.get(ctx, "/status", &st); err != nil {
		fmt.Fprintf(w, "Gateway:   %s %s (%v)\n", base, mark(false), err)
		return
	}
	fmt.Fprintf(w, "Gateway:   %s %s\n", base, mark(true))
	fmt.Fprintf(w, "Agents:    %d (%d registered, %d pending)\n", st.Mesh.Nodes, st.Mesh.Registered, st.Mesh.Pending)
	fmt.Fprintf(w, "Edges:     %d\n", st.Mesh.Edges)
	fmt.Fprintf(w, "Planner:   %s\n", mark(st.Planner))
	if st.Planner {
		fmt.Fprintf(w, "Runs:      %d queued, %d running, %d done, %d error\n",
			st.Runs[runs.StatusQueued], st.Runs[runs.StatusRunning], st.Runs[runs.StatusDone], st.Runs[runs.StatusError])
		fmt.Fprintf(w, "Sessions:  %d\n", st.Sessions)
	}
}
