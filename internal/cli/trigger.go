package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafMesh/internal/agent"
	"github.com/KafClaw/KafMesh/internal/runs"
)

var (
	triggerSession    string
	triggerNoTopology bool
	triggerNoWait     bool
	triggerTimeout    time.Duration
	triggerPoll       = 500 * time.Millisecond
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <prompt>",
	Short: "Queue a planner run on the gateway and wait for its reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), triggerTimeout)
		defer cancel()
		return runTrigger(ctx, c, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func init() {
	triggerCmd.Flags().StringVarP(&triggerSession, "session", "s", agent.DefaultSessionID, "Session ID")
	triggerCmd.Flags().BoolVar(&triggerNoTopology, "no-topology", false, "Do not embed the live topology in the prompt")
	triggerCmd.Flags().BoolVar(&triggerNoWait, "no-wait", false, "Print the run id and return immediately")
	triggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 10*time.Minute, "How long to wait for the run")
}

func runTrigger(ctx context.Context, c *client, w io.Writer, prompt string) error {
	include := !triggerNoTopology
	var queued struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	err := c.post(ctx, "/llm/trigger", agent.TriggerRequest{
		Prompt:          prompt,
		SessionID:       triggerSession,
		IncludeTopology: &include,
	}, &queued)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	fmt.Fprintf(w, "Run:     %s (%s)\n", queued.RunID, queued.Status)
	if triggerNoWait {
		return nil
	}

	ticker := time.NewTicker(triggerPoll)
	defer ticker.Stop()
	for {
		var run runs.Run
		if err := c.get(ctx, "/llm/runs/"+queued.RunID, &run); err != nil {
			return fmt.Errorf("run status: %w", err)
		}
		if run.Status.Terminal() {
			return printRun(w, run)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("run %s still %s: %w", run.RunID, run.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printRun(w io.Writer, run runs.Run) error {
	fmt.Fprintf(w, "Status:  %s\n", run.Status)
	if run.Outcome != "" {
		fmt.Fprintf(w, "Outcome: %s (%d steps)\n", run.Outcome, run.Steps)
	}
	if run.WallSeconds != nil {
		fmt.Fprintf(w, "Wall:    %.2fs\n", *run.WallSeconds)
	}
	if run.ToolTrace != nil {
		for _, tc := range run.ToolTrace.LastTools {
			fmt.Fprintf(w, "  %s %s\n", color.CyanString(tc.Name), tc.Preview)
		}
	}
	if run.Status == runs.StatusError {
		return fmt.Errorf("run failed: %s", run.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, run.Reply)
	return nil
}
