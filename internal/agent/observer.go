package agent

import (
	"github.com/dotcommander/yagent/internal/dispatch"
	"github.com/dotcommander/yagent/internal/proto"
)

// Observer is told about turn progress. Calls happen on the goroutine running
// the turn, so implementations must not block.
type Observer interface {
	ToolCallStarted(conversationID string, call proto.ToolCall)
	ToolCallResult(conversationID string, call proto.ToolCall, result dispatch.Result)
	TurnCompleted(conversationID string, reply proto.Message)
	TurnFailed(conversationID string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ToolCallStarted(string, proto.ToolCall)                 {}
func (NopObserver) ToolCallResult(string, proto.ToolCall, dispatch.Result) {}
func (NopObserver) TurnCompleted(string, proto.Message)                    {}
func (NopObserver) TurnFailed(string, error)                               {}
