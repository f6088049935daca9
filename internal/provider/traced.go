package provider

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/KafClaw/KafMesh/internal/provider")

// Traced wraps an LLMProvider with one client span per Chat call.
type Traced struct {
	next LLMProvider
	name string
}

// WithTracing returns p wrapped in a Traced provider.
func WithTracing(p LLMProvider) *Traced {
	name := "custom"
	switch p.(type) {
	case *OpenAIProvider:
		name = "openai"
	case *AnthropicProvider:
		name = "anthropic"
	}
	return &Traced{next: p, name: name}
}

func (t *Traced) DefaultModel() string { return t.next.DefaultModel() }

// Unwrap returns the underlying provider.
func (t *Traced) Unwrap() LLMProvider { return t.next }

func (t *Traced) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = t.next.DefaultModel()
	}
	ctx, span := tracer.Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", t.name),
			attribute.String("llm.model", model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Bool("llm.json_mode", req.JSONMode),
		),
	)
	defer span.End()

	resp, err := t.next.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}
