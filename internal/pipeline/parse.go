package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/proto"
)

var errMalformed = errors.New("malformed response")

// parseResponse extracts choices[0].message from a chat completions
// response.
//
// Tool call arguments are kept as raw JSON text: providers send either a
// JSON-encoded string or an object, and both end up as the same text.
func parseResponse(body []byte) (proto.Message, error) {
	if !gjson.ValidBytes(body) {
		return proto.Message{}, parseError("response is not valid JSON")
	}
	msg := gjson.GetBytes(body, "choices.0.message")
	if !msg.IsObject() {
		return proto.Message{}, parseError("response has no choices[0].message")
	}

	out := proto.Message{
		Role:    proto.RoleAssistant,
		Content: msg.Get("content").String(),
	}
	for i, call := range msg.Get("tool_calls").Array() {
		name := call.Get("function.name").String()
		if name == "" {
			return proto.Message{}, parseError(fmt.Sprintf("tool_calls[%d] has no function name", i))
		}

		id := call.Get("id").String()
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		args := call.Get("function.arguments")
		var raw string
		switch args.Type {
		case gjson.Null:
			raw = "{}"
		case gjson.String:
			raw = args.String()
		default:
			raw = args.Raw
		}

		out.ToolCalls = append(out.ToolCalls, proto.ToolCall{
			ID:   id,
			Type: "function",
			Function: proto.Function{
				Name:      name,
				Arguments: raw,
			},
		})
	}
	return out, nil
}

func parseError(detail string) error {
	return errs.New(errs.Parse, fmt.Errorf("%w: %s", errMalformed, detail), "The model endpoint sent a response that could not be read.")
}
