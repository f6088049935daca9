package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements LLMProvider on the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a provider. An empty apiBase uses the SDK default.
func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// DefaultModel returns the configured default model.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends the conversation to the Messages API. System messages are
// lifted into the request's system blocks; consecutive turns of the same
// role are merged because the API requires alternation.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	system, turns := splitSystem(req.Messages)
	if req.JSONMode {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages:    buildAnthropicMessages(turns),
	}
	for _, s := range system {
		params.System = append(params.System, anthropic.TextBlockParam{Text: s})
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &ChatResponse{
		Content:      text.String(),
		FinishReason: finishReason,
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

func splitSystem(msgs []Message) ([]string, []Message) {
	var system []string
	var turns []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, Message{Role: role, Content: m.Content})
	}
	// The API requires the first turn to come from the user.
	if len(turns) > 0 && turns[0].Role == RoleAssistant {
		turns = append([]Message{{Role: RoleUser, Content: "(conversation resumed)"}}, turns...)
	}
	return system, turns
}

func buildAnthropicMessages(turns []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
