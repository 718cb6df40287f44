// Package dispatch runs tool calls requested by the model.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/mcp"
)

// Tools resolves tool ids to callable bindings.
type Tools interface {
	Bind(toolID string) (*mcp.Binding, error)
}

// Result is the outcome of one tool call. Exactly one of Content and Err is
// meaningful.
type Result struct {
	ConversationID string
	CallID         string
	ToolID         string
	Content        string
	Err            error
}

// Dispatcher issues tool calls and tracks which call ids were already issued
// for each conversation.
type Dispatcher struct {
	tools  Tools
	logger *zap.Logger

	mu     sync.Mutex
	issued map[string]map[string]struct{}
}

// New returns a Dispatcher backed by tools.
func New(tools Tools, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tools:  tools,
		logger: logger.Named("dispatch"),
		issued: map[string]map[string]struct{}{},
	}
}

// CallTool starts the call and returns a channel that delivers exactly one
// Result.
//
// Unknown tools, servers that are not ready and repeated call ids fail
// immediately without touching the network. Arguments are forwarded
// untouched.
func (d *Dispatcher) CallTool(ctx context.Context, conversationID, callID, toolID, args string) <-chan Result {
	out := make(chan Result, 1)
	result := func(content string, err error) Result {
		return Result{ConversationID: conversationID, CallID: callID, ToolID: toolID, Content: content, Err: err}
	}

	if err := d.claim(conversationID, callID); err != nil {
		out <- result("", err)
		close(out)
		return out
	}

	binding, err := d.tools.Bind(toolID)
	if err != nil {
		d.logger.Debug("tool call rejected",
			zap.String("conversation", conversationID),
			zap.String("call_id", callID),
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
		out <- result("", fmt.Errorf("call %s: %w", callID, err))
		close(out)
		return out
	}

	go func() {
		defer close(out)
		content, err := binding.Call(ctx, args)
		if err != nil {
			d.logger.Debug("tool call failed",
				zap.String("conversation", conversationID),
				zap.String("call_id", callID),
				zap.String("tool", binding.Tool.Name),
				zap.String("server", binding.Server.Name),
				zap.Error(err),
			)
			out <- result("", err)
			return
		}
		out <- result(content, nil)
	}()
	return out
}

func (d *Dispatcher) claim(conversationID, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls, ok := d.issued[conversationID]
	if !ok {
		calls = map[string]struct{}{}
		d.issued[conversationID] = calls
	}
	if _, dup := calls[callID]; dup {
		return errs.Newf(errs.Protocol, "The model repeated a tool call id.", "call %s was already issued in conversation %s", callID, conversationID)
	}
	calls[callID] = struct{}{}
	return nil
}

// Forget drops the issued call ids of a conversation. The orchestrator calls
// it when a turn ends, so ids only need to be unique within a turn.
func (d *Dispatcher) Forget(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.issued, conversationID)
}
