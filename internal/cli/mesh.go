package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/KafClaw/KafMesh/internal/agent"
	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/config"
	"github.com/KafClaw/KafMesh/internal/gateway"
	"github.com/KafClaw/KafMesh/internal/group"
	"github.com/KafClaw/KafMesh/internal/mcp"
	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/provider"
	"github.com/KafClaw/KafMesh/internal/runs"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/timeline"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
	"github.com/KafClaw/KafMesh/internal/trigger"
)

// mesh is one fully wired gateway process.
type mesh struct {
	cfg      *config.Config
	runtime  *bus.Runtime
	orch     *orchestrator.Orchestrator
	tools    *tools.Registry
	runner   *agent.Runner
	critical *trigger.Critical
	timeline *timeline.TimelineService
	bridge   *group.Bridge
	gateway  *gateway.Server
}

// meshOptions overrides parts of the wiring, mainly for tests.
type meshOptions struct {
	// Oracle replaces the provider-backed oracle.
	Oracle agent.Oracle
	// Consumer and Producer replace the Kafka clients of the group bridge.
	Consumer group.Consumer
	Producer group.Producer
}

// newMesh builds every component from cfg. ctx bounds background runs.
func newMesh(ctx context.Context, cfg *config.Config, opts meshOptions) (*mesh, error) {
	m := &mesh{cfg: cfg}

	if cfg.Timeline.Enabled {
		tl, err := timeline.NewTimelineService(cfg.Timeline.DBPath)
		if err != nil {
			return nil, err
		}
		m.timeline = tl
	}

	reg, err := agenttype.DefaultRegistry()
	if err != nil {
		m.Close()
		return nil, err
	}
	store := topology.NewStore()
	m.runtime = bus.NewRuntime(store, 0)

	orchOpts := orchestrator.Options{Store: store, Registry: reg, Runtime: m.runtime}
	trackerOpts := []runs.Option{runs.WithMaxRuns(cfg.Loop.MaxRetainedRuns)}
	if m.timeline != nil {
		orchOpts.Audit = m.timeline
		trackerOpts = append(trackerOpts, runs.WithRecorder(m.timeline))
		m.runtime.Subscribe(timelineTap(m.timeline))
	}
	m.orch = orchestrator.New(orchOpts)

	inv := &tools.HandlerInvoker{}
	m.tools = tools.NewDefaultRegistry(inv)

	oracle := opts.Oracle
	if oracle == nil {
		prov, err := provider.Resolve(cfg)
		if err != nil {
			slog.Warn("Planner disabled", "error", err)
		} else {
			oracle = agent.NewLLMOracle(agent.LLMOracleOptions{
				Provider:      provider.WithTracing(prov),
				Model:         cfg.Model.Name,
				MaxTokens:     cfg.Model.MaxTokens,
				Temperature:   cfg.Model.Temperature,
				PromptBullets: cfg.Notepad.PromptBullets,
			})
		}
	}
	if oracle != nil {
		ctrl := agent.NewController(agent.ControllerOptions{
			Oracle:        oracle,
			Topology:      store,
			Mutator:       m.orch,
			Tools:         m.tools,
			MaxSteps:      cfg.Loop.MaxSteps,
			OracleTimeout: cfg.Loop.OracleTimeout,
			ToolTimeout:   cfg.Loop.ToolTimeout,
		})
		m.runner = agent.NewRunner(ctx, agent.RunnerOptions{
			Controller: ctrl,
			Tracker:    runs.NewTracker(trackerOpts...),
			Notepads: notepad.NewStore(
				notepad.WithMaxItems(cfg.Notepad.MaxItems),
				notepad.WithMaxTraceTools(cfg.Notepad.MaxTraceTools),
			),
			Sessions:      session.NewManager(filepath.Join(cfg.Paths.StateDir, "sessions")),
			HistoryTurns:  cfg.Loop.HistoryTurns,
			MaxConcurrent: cfg.Loop.MaxConcurrentRuns,
			MaxTraceTools: cfg.Notepad.MaxTraceTools,
			RunTimeout:    cfg.Loop.RunTimeout,
		})
	}

	withCritical := cfg.Critical.Enabled && m.runner != nil
	if withCritical {
		m.critical = trigger.New(ctx, m.runner, trigger.Config{
			Keywords:  cfg.Critical.Keywords,
			Cooldown:  cfg.Critical.Cooldown,
			SessionID: cfg.Critical.SessionID,
		})
		m.orch.SetCriticalHook(m.critical.OnMessage)
	}
	if err := m.orch.Seed(ctx, withCritical); err != nil {
		m.Close()
		return nil, err
	}

	if cfg.Group.Enabled || opts.Consumer != nil || opts.Producer != nil {
		consumer, producer := opts.Consumer, opts.Producer
		topics := group.Topics(cfg.Group)
		if consumer == nil {
			consumer = group.NewKafkaConsumer(cfg.Group.KafkaBrokers, cfg.Group.ConsumerGroup, []string{topics.Inbound})
		}
		if producer == nil {
			p, err := group.NewKafkaProducer(cfg.Group.KafkaBrokers)
			if err != nil {
				m.Close()
				return nil, err
			}
			producer = p
		}
		m.bridge = group.NewBridge(group.BridgeOptions{
			Sender:   m.orch,
			Consumer: consumer,
			Producer: producer,
			Topics:   topics,
			NodeID:   cfg.Group.ConsumerGroup,
		})
		m.runtime.Subscribe(m.bridge.Tap)
	}

	mcpSrv := mcp.New(m.tools, store, version)
	m.gateway = gateway.New(gateway.Options{
		Orchestrator: m.orch,
		Runner:       m.runner,
		Tools:        m.tools,
		MCP:          mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer()),
	})
	inv.Handler = m.gateway.Handler()
	return m, nil
}

// Wait blocks until background planner runs have finished.
func (m *mesh) Wait() {
	if m.critical != nil {
		m.critical.Wait()
	}
	if m.runner != nil {
		m.runner.Wait()
	}
}

// Close releases the timeline database.
func (m *mesh) Close() error {
	if m.timeline == nil {
		return nil
	}
	return m.timeline.Close()
}

// timelineTap records every dispatched message in the timeline.
func timelineTap(tl *timeline.TimelineService) bus.Tap {
	return func(d bus.Delivery) {
		if d.Message == nil {
			return
		}
		evt := &timeline.MessageEvent{
			EventID:   d.Message.ID,
			Timestamp: d.Message.Timestamp,
			From:      d.Message.From,
			To:        d.Message.To,
			Content:   d.Message.Content,
			Delivered: d.Delivered,
			Reason:    d.Reason,
		}
		if len(d.Message.Metadata) > 0 {
			if b, err := json.Marshal(d.Message.Metadata); err == nil {
				evt.Metadata = string(b)
			}
		}
		if err := tl.AddMessage(evt); err != nil {
			slog.Warn("Failed to record message", "message_id", d.Message.ID, "error", err)
		}
	}
}
