package agent

import (
	"context"
	"encoding/json"
)

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a model conversation. An assistant message may
// carry tool calls; the user message that follows carries their results.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolSpec declares a tool with a JSON schema for its input object.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Reply is one model response. No tool calls means the model is done.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Model is a chat model with tool use.
type Model interface {
	Converse(ctx context.Context, req Request) (Reply, error)
}
