package pipeline

import (
	"encoding/json"

	"github.com/dotcommander/yagent/internal/proto"
)

type requestBody struct {
	Model       string          `json:"model"`
	MaxTokens   int64           `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TopP        *float64        `json:"top_p,omitempty"`
	Messages    json.RawMessage `json:"messages"`
	Tools       []wireTool      `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// newRequestBody builds the chat completions body. tools and tool_choice
// are only sent when the agent has tools.
func newRequestBody(req Request) (requestBody, error) {
	messages := req.Serialized
	if messages == nil {
		encoded, err := proto.EncodeMessages(req.Messages)
		if err != nil {
			return requestBody{}, err
		}
		messages = encoded
	}
	body := requestBody{
		Model:       req.Endpoint.Model,
		MaxTokens:   req.Agent.MaxTokens,
		Temperature: req.Agent.Temperature,
		TopP:        req.Agent.TopP,
		Messages:    messages,
	}

	if len(req.Tools) == 0 {
		return body, nil
	}
	body.Tools = make([]wireTool, 0, len(req.Tools))
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, toWireTool(tool))
	}
	body.ToolChoice = "auto"
	return body, nil
}

func toWireTool(tool proto.ToolDescriptor) wireTool {
	return wireTool{
		Type: "function",
		Function: wireToolFunction{
			Name:        tool.ID,
			Description: tool.Description,
			Parameters:  tool.Parameters(),
		},
	}
}
