// Package mcptest provides in-memory MCP clients for tests.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/mcp"
)

// Handler answers a tool call. args is the raw JSON the caller sent.
type Handler func(ctx context.Context, name, args string) (*mcpgo.CallToolResult, error)

// Client is a fake MCP session.
type Client struct {
	Tools   []mcpgo.Tool
	ListErr error
	Handler Handler

	mu     sync.Mutex
	calls  []Call
	closed bool
}

// Call records one CallTool invocation.
type Call struct {
	Name string
	Args string
}

var _ mcp.Client = (*Client)(nil)

// NewClient returns a client exposing tools named names, each echoing its
// arguments.
func NewClient(names ...string) *Client {
	c := &Client{}
	for _, name := range names {
		c.Tools = append(c.Tools, mcpgo.Tool{
			Name:        name,
			Description: "fake " + name,
			InputSchema: mcpgo.ToolInputSchema{Type: "object", Properties: map[string]any{}},
		})
	}
	return c
}

// ListTools implements mcp.Client.
func (c *Client) ListTools(_ context.Context, _ mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return &mcpgo.ListToolsResult{Tools: c.Tools}, nil
}

// CallTool implements mcp.Client.
func (c *Client) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args := rawArgs(req.Params.Arguments)
	c.mu.Lock()
	c.calls = append(c.calls, Call{Name: req.Params.Name, Args: args})
	c.mu.Unlock()

	if c.Handler != nil {
		return c.Handler(ctx, req.Params.Name, args)
	}
	return mcpgo.NewToolResultText(args), nil
}

// Close implements mcp.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Calls returns the recorded tool calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func rawArgs(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case json.RawMessage:
		return string(v)
	case string:
		return v
	default:
		bts, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bts)
	}
}

// Dialer hands out fake clients by server name.
type Dialer struct {
	// Gate, when set, blocks every dial until it is closed.
	Gate chan struct{}

	mu      sync.Mutex
	clients map[string]*Client
	errs    map[string]error
	dials   atomic.Int32
}

// NewDialer returns a Dialer with no servers.
func NewDialer() *Dialer {
	return &Dialer{clients: map[string]*Client{}, errs: map[string]error{}}
}

// Add serves cli for the server named name.
func (d *Dialer) Add(name string, cli *Client) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[name] = cli
	return d
}

// Fail makes dialing the server named name return err.
func (d *Dialer) Fail(name string, err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[name] = err
	return d
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// Dial implements mcp.Dialer.
func (d *Dialer) Dial(ctx context.Context, server config.MCPServer) (mcp.Client, error) {
	d.dials.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[server.Name]; err != nil {
		return nil, err
	}
	cli, ok := d.clients[server.Name]
	if !ok {
		return nil, fmt.Errorf("mcptest: no server named %q", server.Name)
	}
	return cli, nil
}

// Server returns a descriptor for a stdio server with a deterministic id.
func Server(name string) config.MCPServer {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
	return config.MCPServer{ID: id, Name: name, Type: "stdio", Command: name}
}
