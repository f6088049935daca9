package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/KafMesh/internal/config"
	"github.com/KafClaw/KafMesh/internal/telemetry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the mesh gateway (HTTP API, planner, MCP, Kafka bridge)",
	RunE:  runGateway,
}

var (
	gatewayHost string
	gatewayPort int
)

func init() {
	gatewayCmd.Flags().StringVar(&gatewayHost, "host", "", "Listen host (overrides gateway.host)")
	gatewayCmd.Flags().IntVar(&gatewayPort, "port", 0, "Listen port (overrides gateway.port)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	printHeader("🕸️ KafMesh Gateway")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if gatewayHost != "" {
		cfg.Gateway.Host = gatewayHost
	}
	if gatewayPort > 0 {
		cfg.Gateway.Port = gatewayPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveGateway(ctx, cfg, meshOptions{})
}

// serveGateway runs the gateway until ctx is cancelled or a component fails.
func serveGateway(ctx context.Context, cfg *config.Config, opts meshOptions) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Telemetry shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	m, err := newMesh(gctx, cfg, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Printf("Gateway:  %s\n", addr)
	fmt.Printf("Planner:  %s\n", mark(m.runner != nil))
	fmt.Printf("Critical: %s\n", mark(m.critical != nil))
	fmt.Printf("Kafka:    %s\n", mark(m.bridge != nil))
	fmt.Printf("Timeline: %s\n", mark(m.timeline != nil))

	g.Go(func() error { return m.runtime.Run(gctx) })
	g.Go(func() error { return m.gateway.Serve(gctx, addr) })
	if m.bridge != nil {
		g.Go(func() error { return m.bridge.Run(gctx) })
	}

	err = g.Wait()
	m.Wait()
	st := m.orch.Status()
	slog.Info("Gateway shut down", "nodes", st.Nodes, "edges", st.Edges, "pending", st.Pending)
	return err
}
