package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/KafMesh/internal/provider"
	"github.com/KafClaw/KafMesh/internal/tools"
)

// Oracle chooses the next decision. It returns the raw model output; the
// loop parses it.
type Oracle interface {
	Decide(ctx context.Context, req *DecisionRequest) (string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req *DecisionRequest) (string, error)

func (f OracleFunc) Decide(ctx context.Context, req *DecisionRequest) (string, error) {
	return f(ctx, req)
}

// LLMOracle asks a chat provider for decisions.
type LLMOracle struct {
	provider    provider.LLMProvider
	builder     *ContextBuilder
	model       string
	maxTokens   int
	temperature float64
}

// LLMOracleOptions configures an LLMOracle.
type LLMOracleOptions struct {
	Provider      provider.LLMProvider
	Model         string
	MaxTokens     int
	Temperature   float64
	Instructions  string
	PromptBullets int
}

// NewLLMOracle creates an oracle backed by opts.Provider.
func NewLLMOracle(opts LLMOracleOptions) *LLMOracle {
	model := opts.Model
	if model == "" && opts.Provider != nil {
		model = opts.Provider.DefaultModel()
	}
	return &LLMOracle{
		provider:    opts.Provider,
		builder:     NewContextBuilder(opts.Instructions, opts.PromptBullets),
		model:       model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
}

// Decide renders the context and returns the JSON part of the reply.
func (o *LLMOracle) Decide(ctx context.Context, req *DecisionRequest) (string, error) {
	resp, err := o.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    o.builder.BuildMessages(req),
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		JSONMode:    true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: oracle: %v", tools.ErrTransport, err)
	}
	slog.Debug("Oracle replied", "session", req.SessionID, "step", req.Step,
		"finish_reason", resp.FinishReason, "completion_tokens", resp.Usage.CompletionTokens)
	return ExtractJSON(resp.Content), nil
}

// ExtractJSON strips markdown fences and surrounding prose from a model reply,
// returning the outermost {...} span when one exists.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
