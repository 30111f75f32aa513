package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Ananth-NQI/cakepe-backend/internal/config"
)

// AnthropicModel adapts the Anthropic Messages API to Model.
type AnthropicModel struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewAnthropicModel creates a model client. Retries are left to the
// orchestrator's turn timeout, so the SDK's own retry count is kept low.
func NewAnthropicModel(apiKey string, cfg config.AgentConfig) *AnthropicModel {
	return &AnthropicModel{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(1),
		),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (m *AnthropicModel) Converse(ctx context.Context, req Request) (Reply, error) {
	params := anthropic.MessageNewParams{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
		Messages:    toAnthropicMessages(req.Messages),
		Tools:       toAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var reply Reply
	var text []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	reply.Text = strings.Join(text, "\n")
	return reply, nil
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, c := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, c.Input, c.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: s.Properties,
				Required:   s.Required,
			},
		}})
	}
	return tools
}
