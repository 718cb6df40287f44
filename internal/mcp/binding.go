package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/proto"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

type breaker = gobreaker.CircuitBreaker[*mcp.CallToolResult]

func (m *Manager) newBreaker(server config.MCPServer) *breaker {
	maxFailures := m.breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := m.breaker.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := m.breaker.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	gauge := m.metrics.BreakerState.WithLabelValues(server.Name)
	gauge.Set(0)
	return gobreaker.NewCircuitBreaker[*mcp.CallToolResult](gobreaker.Settings{
		Name:        "mcp:" + server.Name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gauge.Set(float64(to))
			m.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Binding is a resolved tool ready to be called.
type Binding struct {
	Tool   proto.ToolDescriptor
	Server config.MCPServer

	client  Client
	breaker *breaker
	m       *Manager
}

// Bind resolves toolID to the connection that serves it.
//
// It fails with errs.ToolNotFound when no server registered the id and with
// errs.ServerNotReady when the owning connection is not ready.
func (m *Manager) Bind(toolID string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.tools[toolID]
	if !ok {
		return nil, errs.Newf(errs.ToolNotFound, "The model asked for a tool that does not exist.", "tool %q is not registered", toolID)
	}
	c, ok := m.conns[d.ServerID]
	if !ok || c.state != Ready {
		return nil, errs.Newf(errs.ServerNotReady, "The tool's server is not connected.", "tool %q: server %s is not ready", toolID, d.ServerID)
	}
	return &Binding{Tool: d, Server: c.server, client: c.client, breaker: c.breaker, m: m}, nil
}

// Call invokes the tool with the model's raw JSON arguments and returns the
// text content of the result.
//
// Arguments are forwarded as-is. A result flagged as an error by the server
// is returned as an error carrying the server's text.
func (b *Binding) Call(ctx context.Context, args string) (string, error) {
	if b.Server.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Server.Timeout)
		defer cancel()
	}

	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		b.record("invalid_args")
		return "", errs.Newf(errs.Parse, "The model sent malformed tool arguments.", "arguments for %s are not valid JSON: %s", b.Tool.Name, args)
	}
	request := mcp.CallToolRequest{}
	request.Params.Name = b.Tool.Name
	request.Params.Arguments = raw

	start := time.Now()
	result, err := b.breaker.Execute(func() (*mcp.CallToolResult, error) {
		return b.client.CallTool(ctx, request)
	})
	b.m.metrics.ToolDuration.WithLabelValues(b.Server.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.record("breaker_open")
			return "", errs.New(errs.ServerNotReady, fmt.Errorf("server %s circuit open: %w", b.Server.Name, err), "The tool's server keeps failing; calls are paused.")
		}
		b.record("failed")
		return "", errs.New(errs.Transport, fmt.Errorf("mcp: %s: %w", b.Tool.Name, err), "The tool call did not complete.")
	}

	if result == nil {
		result = &mcp.CallToolResult{}
	}
	text := flatten(result)
	if result.IsError {
		b.record("tool_error")
		return "", errs.Wrap(errors.New(text), "The tool reported an error.")
	}
	b.record("ok")
	return text, nil
}

func (b *Binding) record(outcome string) {
	b.m.metrics.ToolCalls.WithLabelValues(b.Server.Name, outcome).Inc()
}

func flatten(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		switch content := content.(type) {
		case mcp.TextContent:
			sb.WriteString(content.Text)
		default:
			sb.WriteString("[Non-text content]")
		}
	}
	return sb.String()
}
