package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

var inspectJSON bool

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Show agents and edges of the running mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return showTopology(cmd.Context(), c, cmd.OutOrStdout())
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List instantiable agent types",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return showTypes(cmd.Context(), c, cmd.OutOrStdout())
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the planner tool catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return showTools(cmd.Context(), c, cmd.OutOrStdout())
	},
}

var callCmd = &cobra.Command{
	Use:   "call <tool> [key=value ...]",
	Short: "Invoke a catalog tool against the gateway",
	Long:  "Invoke a catalog tool. Values that parse as JSON are sent as JSON, anything else as a string.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		toolArgs, err := parseToolArgs(args[1:])
		if err != nil {
			return err
		}
		out, err := c.tools.Execute(cmd.Context(), args[0], toolArgs)
		if text := out.Flatten(); text != "" {
			fmt.Fprintln(cmd.OutOrStdout(), text)
		}
		return err
	},
}

func init() {
	for _, cmd := range []*cobra.Command{topologyCmd, typesCmd, toolsCmd} {
		cmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the raw JSON response")
	}
}

func showTopology(ctx context.Context, c *client, w io.Writer) error {
	var snap topology.Snapshot
	if err := c.get(ctx, "/topology", &snap); err != nil {
		return err
	}
	if inspectJSON {
		return writeIndented(w, snap)
	}
	fmt.Fprintf(w, "Agents (%d)\n", len(snap.Nodes))
	for _, n := range snap.Nodes {
		fmt.Fprintf(w, "  %3d  %-24s %-18s %s\n", n.ID, n.Name, n.Type, stateLabel(n.State))
	}
	fmt.Fprintf(w, "Edges (%d)\n", len(snap.Edges))
	for _, e := range snap.Edges {
		fmt.Fprintf(w, "  %s -> %s  %s\n", e.From, e.To, stateLabel(e.State))
	}
	return nil
}

func showTypes(ctx context.Context, c *client, w io.Writer) error {
	var resp struct {
		Version    int              `json:"version"`
		AgentTypes []agenttype.Spec `json:"agent_types"`
	}
	if err := c.get(ctx, "/agent_types", &resp); err != nil {
		return err
	}
	if inspectJSON {
		return writeIndented(w, resp)
	}
	fmt.Fprintf(w, "Agent types (catalog v%d)\n", resp.Version)
	for _, s := range resp.AgentTypes {
		fmt.Fprintf(w, "  %-18s %s\n", color.CyanString(s.Type), s.Label)
		fmt.Fprintf(w, "  %-18s %s\n", "", strings.Join(s.Capabilities, ", "))
	}
	return nil
}

func showTools(ctx context.Context, c *client, w io.Writer) error {
	var resp struct {
		Tools []tools.Definition `json:"tools"`
	}
	if err := c.get(ctx, "/tools", &resp); err != nil {
		return err
	}
	if inspectJSON {
		return writeIndented(w, resp)
	}
	for _, d := range resp.Tools {
		fmt.Fprintf(w, "%s  %s %s\n", color.CyanString(d.Name), d.Method, d.Path)
		fmt.Fprintf(w, "    %s\n", d.Description)
		keys := make([]string, 0, len(d.ArgsSchema))
		for k := range d.ArgsSchema {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    - %s: %s\n", k, d.ArgsSchema[k])
		}
	}
	return nil
}

func parseToolArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			args[k] = decoded
		} else {
			args[k] = v
		}
	}
	return args, nil
}

func stateLabel(s topology.State) string {
	switch s {
	case topology.StateNormal:
		return color.GreenString(string(s))
	case topology.StateBroken:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
