package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafMesh/internal/config"
	"github.com/KafClaw/KafMesh/internal/timeline"
)

var (
	historySession string
	historyTarget  string
	historySender  string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the local timeline database",
}

var historyRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded planner runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTimeline(func(tl *timeline.TimelineService) error {
			return listRuns(cmd.OutOrStdout(), tl, historySession, historyLimit)
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run with the topology mutations it made",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTimeline(func(tl *timeline.TimelineService) error {
			return showRun(cmd.OutOrStdout(), tl, args[0])
		})
	},
}

var historyMessagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List dispatched bus messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTimeline(func(tl *timeline.TimelineService) error {
			return listMessages(cmd.OutOrStdout(), tl, timeline.FilterArgs{
				Target: historyTarget,
				Sender: historySender,
				Limit:  historyLimit,
			})
		})
	},
}

func init() {
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows to show")
	historyRunsCmd.Flags().StringVarP(&historySession, "session", "s", "", "Only runs of this session")
	historyMessagesCmd.Flags().StringVar(&historyTarget, "target", "", "Only messages to this agent")
	historyMessagesCmd.Flags().StringVar(&historySender, "sender", "", "Only messages from this agent")
	historyCmd.AddCommand(historyRunsCmd, historyShowCmd, historyMessagesCmd)
}

func withTimeline(fn func(*timeline.TimelineService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tl, err := timeline.NewTimelineService(cfg.Timeline.DBPath)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}
	defer tl.Close()
	return fn(tl)
}

func listRuns(w io.Writer, tl *timeline.TimelineService, session string, limit int) error {
	list, err := tl.ListRuns(session, limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range list {
		fmt.Fprintf(w, "%s  %-8s %-10s %-12s %s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Status, r.SessionID, r.Outcome, r.RunID)
	}
	return nil
}

func showRun(w io.Writer, tl *timeline.TimelineService, runID string) error {
	run, err := tl.GetRun(runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Run:     %s\n", run.RunID)
	fmt.Fprintf(w, "Session: %s\n", run.SessionID)
	fmt.Fprintf(w, "Created: %s\n", run.CreatedAt.Local().Format(time.DateTime))
	runErr := printRun(w, *run)

	muts, err := tl.ListMutations(runID, 0)
	if err != nil {
		return err
	}
	if len(muts) > 0 {
		fmt.Fprintf(w, "\nMutations (%d)\n", len(muts))
	}
	for _, m := range muts {
		line := fmt.Sprintf("  %s %-15s %s", mark(m.OK), m.Kind, m.Subject)
		if m.ErrorText != "" {
			line += "  " + color.RedString(m.ErrorText)
		}
		fmt.Fprintln(w, line)
	}
	return runErr
}

func listMessages(w io.Writer, tl *timeline.TimelineService, filter timeline.FilterArgs) error {
	msgs, err := tl.GetMessages(filter)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages recorded.")
		return nil
	}
	for _, m := range msgs {
		from := m.From
		if from == "" {
			from = "(external)"
		}
		line := fmt.Sprintf("%s %s %s -> %s: %s",
			m.Timestamp.Local().Format(time.DateTime), mark(m.Delivered), from, m.To, m.Content)
		if m.Reason != "" {
			line += "  [" + m.Reason + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
