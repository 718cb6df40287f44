// Package proto defines the conversation types exchanged between the engine,
// its backends and its collaborators.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

// Roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Function is the function part of a tool call.
//
// Arguments is the raw JSON text the model produced. It is passed through to
// the tool server untouched.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type,omitempty"`
	Function Function `json:"function"`
}

// Message is a single entry in a conversation log.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`
}

// ToolDescriptor describes a tool exposed to the model.
//
// ID is the encoded name the model sees; Name is the server's own name for it.
type ToolDescriptor struct {
	ID          string         `json:"id"`
	ServerID    string         `json:"server_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// Parameters returns the JSON schema object for the tool's arguments.
func (t ToolDescriptor) Parameters() map[string]any {
	props := t.Properties
	if props == nil {
		props = map[string]any{}
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(t.Required) > 0 {
		params["required"] = t.Required
	}
	return params
}

// Conversation is an ordered message log plus the per-turn loop state.
//
// A conversation has at most one turn in flight; the goroutine running that
// turn is the only writer.
type Conversation struct {
	ID               string     `json:"id"`
	AgentID          string     `json:"agent_id"`
	Title            string     `json:"title,omitempty"`
	Messages         []Message  `json:"messages"`
	ToolRounds       int        `json:"tool_rounds"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`

	serialized json.RawMessage
}

// NewConversation returns an empty conversation bound to an agent.
func NewConversation(id, agentID string) *Conversation {
	return &Conversation{ID: id, AgentID: agentID}
}

// Append adds messages to the log, stamping them when needed.
func (c *Conversation) Append(msgs ...Message) {
	now := time.Now().UTC()
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		c.Messages = append(c.Messages, msg)
	}
	c.serialized = nil
}

// Serialized returns the message log in chat completions form, cached until
// the next Append.
func (c *Conversation) Serialized() (json.RawMessage, error) {
	if c.serialized != nil {
		return c.serialized, nil
	}
	bts, err := EncodeMessages(c.Messages)
	if err != nil {
		return nil, fmt.Errorf("serialize conversation %s: %w", c.ID, err)
	}
	c.serialized = bts
	return bts, nil
}

type wireMessage struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// EncodeMessages encodes msgs the way chat completions endpoints expect them.
// Timestamps and error flags stay local.
func EncodeMessages(msgs []Message) (json.RawMessage, error) {
	wire := make([]wireMessage, 0, len(msgs))
	for _, msg := range msgs {
		wm := wireMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: call.ID, Type: "function", Function: call.Function})
		}
		wire = append(wire, wm)
	}
	bts, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return bts, nil
}

// Last returns the most recent message, if any.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// LastPrompt returns the content of the last non-empty user message.
func (c *Conversation) LastPrompt() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser && c.Messages[i].Content != "" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// String renders the conversation as a markdown transcript.
func (c *Conversation) String() string {
	return Transcript(c.Messages).String()
}

// Transcript renders a message log for humans.
type Transcript []Message

func (t Transcript) String() string {
	var sb strings.Builder
	for _, msg := range t {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleUser:
			sb.WriteString("**Prompt**:\n")
			sb.WriteString(msg.Content)
		case RoleAssistant:
			parts := make([]string, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, "**Assistant**:\n"+msg.Content)
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, fmt.Sprintf("> Calling `%s`", call.Function.Name))
			}
			sb.WriteString(strings.Join(parts, "\n"))
		case RoleTool:
			if msg.IsError {
				fmt.Fprintf(&sb, "> Tool `%s` failed: %s", msg.ToolCallID, msg.Content)
			} else {
				fmt.Fprintf(&sb, "> Tool `%s` returned %d bytes", msg.ToolCallID, len(msg.Content))
			}
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}
