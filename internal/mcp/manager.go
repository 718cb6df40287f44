// Package mcp manages connections to MCP servers and the registry of the
// tools they expose.
package mcp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/toolid"
)

// State is the lifecycle state of a server connection.
type State uint8

// Connection states.
const (
	Connecting State = iota
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "closed"
	}
}

// ServerStatus is a snapshot of one connection.
type ServerStatus struct {
	ID    string
	Name  string
	Type  string
	State State
	Tools int
	Err   error
}

type connection struct {
	server  config.MCPServer
	state   State
	client  Client
	tools   []string
	err     error
	breaker *breaker
}

// Manager owns one connection per server id and the tool registry built
// from them.
//
// The connection map and the registry share one lock. Readers get copies.
type Manager struct {
	dial    Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics
	breaker config.Breaker

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*connection
	tools map[string]proto.ToolDescriptor
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records connection and tool call metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithBreaker sets the circuit breaker applied to each server's tool calls.
func WithBreaker(b config.Breaker) Option {
	return func(mgr *Manager) { mgr.breaker = b }
}

// New returns a Manager that opens connections with dial.
func New(dial Dialer, logger *zap.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dial:   dial,
		logger: logger.Named("mcp"),
		ctx:    ctx,
		cancel: cancel,
		conns:  map[string]*connection{},
		tools:  map[string]proto.ToolDescriptor{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// RegisterServer connects to server in the background.
//
// The returned channel yields the connection error, if any, and is then
// closed. Registering a server that is already connecting or ready is a
// no-op and returns a closed channel. A failed server is retried only by
// calling RegisterServer again.
func (m *Manager) RegisterServer(server config.MCPServer) <-chan error {
	done := make(chan error, 1)

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		done <- errs.Newf(errs.ServerNotReady, "The tool manager is shut down.", "mcp: manager closed, cannot register %s", server.Name)
		close(done)
		return done
	}
	if c, ok := m.conns[server.ID]; ok && (c.state == Connecting || c.state == Ready) {
		m.mu.Unlock()
		close(done)
		return done
	}
	c := &connection{server: server, state: Connecting}
	m.conns[server.ID] = c
	m.mu.Unlock()

	m.metrics.SetServerState(server.Name, Connecting.String())
	m.logger.Debug("connecting", zap.String("server", server.Name), zap.String("type", server.Type))

	go func() {
		defer close(done)
		if err := m.connect(c); err != nil {
			done <- err
		}
	}()
	return done
}

func (m *Manager) connect(c *connection) error {
	ctx := m.ctx
	if c.server.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.server.Timeout)
		defer cancel()
	}

	cli, err := m.dial(ctx, c.server)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			err = errs.New(errs.Transport, err, "transport unreachable")
		}
		return m.fail(c, err)
	}

	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close() //nolint:errcheck,gosec
		return m.fail(c, errs.New(errs.Protocol, fmt.Errorf("failed to list tools: %w", err), "protocol error"))
	}

	descs := make([]proto.ToolDescriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		descs = append(descs, descriptor(c.server.ID, tool))
	}

	m.mu.Lock()
	if m.conns[c.server.ID] != c {
		m.mu.Unlock()
		cli.Close() //nolint:errcheck,gosec
		return errs.Newf(errs.ServerNotReady, "Server was removed while connecting.", "mcp: %s unregistered during handshake", c.server.Name)
	}
	for _, d := range descs {
		if prev, ok := m.tools[d.ID]; ok {
			m.logger.Warn("tool id collision, later registration wins",
				zap.String("tool_id", d.ID),
				zap.String("previous_server", prev.ServerID),
				zap.String("previous_tool", prev.Name),
				zap.String("server", c.server.ID),
				zap.String("tool", d.Name),
			)
		}
		m.tools[d.ID] = d
		c.tools = append(c.tools, d.ID)
	}
	c.client = cli
	c.breaker = m.newBreaker(c.server)
	c.state = Ready
	m.mu.Unlock()

	m.metrics.SetServerState(c.server.Name, Ready.String())
	m.logger.Info("server ready", zap.String("server", c.server.Name), zap.Int("tools", len(descs)))
	return nil
}

func (m *Manager) fail(c *connection, err error) error {
	err = fmt.Errorf("mcp server %s: %w", c.server.Name, err)

	m.mu.Lock()
	current := m.conns[c.server.ID] == c
	if current {
		c.state = Failed
		c.err = err
	}
	m.mu.Unlock()

	if current {
		m.metrics.SetServerState(c.server.Name, Failed.String())
	}
	m.logger.Warn("server failed", zap.String("server", c.server.Name), zap.Error(err))
	return err
}

func descriptor(serverID string, tool mcp.Tool) proto.ToolDescriptor {
	return proto.ToolDescriptor{
		ID:          toolid.Encode(serverID, tool.Name),
		ServerID:    serverID,
		Name:        tool.Name,
		Description: tool.Description,
		Properties:  tool.InputSchema.Properties,
		Required:    tool.InputSchema.Required,
	}
}

// UnregisterServer removes a server and the tools it owns, then closes its
// transport. Unknown ids are ignored.
func (m *Manager) UnregisterServer(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, id)
	for _, tid := range c.tools {
		if d, ok := m.tools[tid]; ok && d.ServerID == id {
			delete(m.tools, tid)
		}
	}
	c.state = Closed
	cli := c.client
	m.mu.Unlock()

	m.metrics.ForgetServer(c.server.Name)
	m.logger.Debug("server removed", zap.String("server", c.server.Name))
	if cli == nil {
		return nil
	}
	if err := cli.Close(); err != nil {
		return fmt.Errorf("mcp: close %s: %w", c.server.Name, err)
	}
	return nil
}

// ToolsForServer returns the tools registered by one server, sorted by id.
func (m *Manager) ToolsForServer(id string) []proto.ToolDescriptor {
	return m.ToolsForServers([]string{id})
}

// ToolsForServers returns the union of the tools registered by the given
// servers, without duplicates, sorted by id.
func (m *Manager) ToolsForServers(ids []string) []proto.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]struct{}{}
	var tools []proto.ToolDescriptor
	for _, id := range ids {
		c, ok := m.conns[id]
		if !ok {
			continue
		}
		for _, tid := range c.tools {
			if _, dup := seen[tid]; dup {
				continue
			}
			d, ok := m.tools[tid]
			if !ok || d.ServerID != id {
				continue
			}
			seen[tid] = struct{}{}
			tools = append(tools, d)
		}
	}
	sortTools(tools)
	return tools
}

// AllTools returns every registered tool, sorted by id.
func (m *Manager) AllTools() []proto.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := make([]proto.ToolDescriptor, 0, len(m.tools))
	for _, d := range m.tools {
		tools = append(tools, d)
	}
	sortTools(tools)
	return tools
}

func sortTools(tools []proto.ToolDescriptor) {
	slices.SortFunc(tools, func(a, b proto.ToolDescriptor) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

// Resolve returns the descriptor registered under toolID.
func (m *Manager) Resolve(toolID string) (proto.ToolDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.tools[toolID]
	return d, ok
}

// Servers returns a status snapshot of every known server, sorted by name.
func (m *Manager) Servers() []ServerStatus {
	m.mu.RLock()
	statuses := make([]ServerStatus, 0, len(m.conns))
	for _, c := range m.conns {
		statuses = append(statuses, ServerStatus{
			ID:    c.server.ID,
			Name:  c.server.Name,
			Type:  c.server.Type,
			State: c.state,
			Tools: len(c.tools),
			Err:   c.err,
		})
	}
	m.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b ServerStatus) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return statuses
}

// RegisterAll registers every server and waits for all of them to settle.
// The returned error joins every failure; servers that connected stay
// registered.
func (m *Manager) RegisterAll(ctx context.Context, servers []config.MCPServer) error {
	var mu sync.Mutex
	var failures []error
	var wg errgroup.Group
	for _, server := range servers {
		done := m.RegisterServer(server)
		wg.Go(func() error {
			select {
			case err := <-done:
				if err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
				return nil
			case <-ctx.Done():
				return fmt.Errorf("mcp: waiting for %s: %w", server.Name, ctx.Err())
			}
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// Close unregisters every server and stops pending handshakes.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.cancel()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var closeErrs []error
	for _, id := range ids {
		if err := m.UnregisterServer(id); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	return errors.Join(closeErrs...)
}
