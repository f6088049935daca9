// Package mcp exposes the mesh tool catalog as a Model Context Protocol server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// TopologyURI is the resource that serves the live topology.
const TopologyURI = "kafmesh://topology"

// Exporter returns the current topology.
type Exporter interface {
	Export() topology.Snapshot
}

// Server wraps an mcp-go server whose tools are the registry's catalog.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *tools.Registry
	topology  Exporter
}

// New builds a server exposing every catalog definition in registry.
// topo may be nil, in which case no topology resource is registered.
func New(registry *tools.Registry, topo Exporter, version string) *Server {
	s := &Server{registry: registry, topology: topo}
	s.mcpServer = mcpserver.NewMCPServer(
		"kafmesh",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	if topo != nil {
		s.registerResources()
	}
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the protocol on the given streams until ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	for _, def := range s.registry.Catalog() {
		s.mcpServer.AddTool(toolFor(def), s.handler(def.Name))
	}
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			TopologyURI,
			"Mesh Topology",
			mcplib.WithResourceDescription("All agents and directed edges with their states"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTopology,
	)
}

// toolFor maps a catalog definition onto an MCP tool. The first word of each
// constraint string picks the property type.
func toolFor(def tools.Definition) mcplib.Tool {
	desc := def.Description
	if len(def.NameRules) > 0 {
		desc += "\n\nName rules:\n- " + strings.Join(def.NameRules, "\n- ")
	}
	opts := []mcplib.ToolOption{mcplib.WithDescription(desc)}
	if def.Method == "GET" {
		opts = append(opts, mcplib.WithReadOnlyHintAnnotation(true))
	}

	fields := make([]string, 0, len(def.ArgsSchema))
	for f := range def.ArgsSchema {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		constraint := def.ArgsSchema[f]
		props := []mcplib.PropertyOption{mcplib.Description(constraint)}
		if strings.Contains(constraint, "required") {
			props = append(props, mcplib.Required())
		}
		head := strings.ToLower(strings.TrimSpace(strings.SplitN(constraint, ",", 2)[0]))
		switch {
		case strings.HasPrefix(head, "array"):
			opts = append(opts, mcplib.WithArray(f, append(props, mcplib.WithStringItems())...))
		case strings.HasPrefix(head, "boolean"):
			opts = append(opts, mcplib.WithBoolean(f, props...))
		case strings.HasPrefix(head, "integer"):
			opts = append(opts, mcplib.WithNumber(f, props...))
		case strings.HasPrefix(head, "object"):
			opts = append(opts, mcplib.WithObject(f, props...))
		default:
			opts = append(opts, mcplib.WithString(f, props...))
		}
	}
	return mcplib.NewTool(def.Name, opts...)
}

func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		out, err := s.registry.Execute(ctx, name, args)
		if err != nil {
			slog.Warn("MCP tool call failed", "tool", name, "error", err)
			text := err.Error()
			var se *tools.StatusError
			if errors.As(err, &se) {
				text = fmt.Sprintf("%s failed with status %d: %s", name, se.Code, se.Body)
			}
			return &mcplib.CallToolResult{
				Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: text}},
				IsError: true,
			}, nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: out.Flatten()}},
		}, nil
	}
}

func (s *Server) handleTopology(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.topology.Export(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal topology: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      TopologyURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
