// Package engine wires the configured services together: MCP servers, the
// request backends, the turn orchestrator and the conversation store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/dispatch"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/fantasybridge"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
)

// Options overrides the production collaborators.
type Options struct {
	Version  string
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Observer agent.Observer

	// Dial and Backend replace the real MCP transports and model backends.
	Dial    mcp.Dialer
	Backend agent.Backend
}

// Engine is a running yagent instance.
type Engine struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Servers  *mcp.Manager
	Agent    *agent.Service
	Store    *storage.Store

	mu   sync.Mutex
	live map[string]*proto.Conversation
}

// New builds an Engine from cfg. Servers are not connected until Connect.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	dial := opts.Dial
	if dial == nil {
		dial = mcp.Dial(!cfg.MCPNoInheritEnv, opts.Version)
	}
	servers := mcp.New(dial, logger, mcp.WithMetrics(m), mcp.WithBreaker(cfg.Breaker))

	backend := opts.Backend
	if backend == nil {
		client, err := pipeline.NewHTTPClient(cfg.HTTPProxy, cfg.ConnectTimeout, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		backend = agent.Router{
			HTTP: pipeline.New(pipeline.Options{
				Client:     client,
				RetryDelay: cfg.RetryDelay,
				Logger:     logger,
				Metrics:    m,
			}),
			Native: fantasybridge.New(fantasybridge.Options{
				HTTPClient: client,
				RetryDelay: cfg.RetryDelay,
				Logger:     logger,
				Metrics:    m,
			}),
		}
	}

	e := &Engine{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  m,
		Servers:  servers,
		live:     map[string]*proto.Conversation{},
	}
	svc, err := agent.New(agent.Options{
		Catalog:       cfg,
		Tools:         servers,
		Dispatcher:    dispatch.New(servers, logger),
		Backend:       backend,
		MaxToolRounds: cfg.MaxToolRounds,
		MaxRetries:    cfg.MaxRetries,
		Logger:        logger,
		Metrics:       m,
		Observer:      opts.Observer,
		AfterTurn:     e.persist,
	})
	if err != nil {
		_ = servers.Close()
		return nil, err
	}
	e.Agent = svc

	if !cfg.NoCache && cfg.CachePath != "" {
		store, err := storage.OpenStore(cfg.CachePath)
		if err != nil {
			_ = servers.Close()
			return nil, errs.Wrap(err, "Could not open the conversation store.")
		}
		e.Store = store
	}
	return e, nil
}

// Connect registers servers and waits for them. A nil list connects every
// active server. Failed servers are logged and reported in the joined error;
// the others stay usable.
func (e *Engine) Connect(ctx context.Context, servers []config.MCPServer) error {
	if servers == nil {
		servers = e.Config.ActiveServers()
	}
	if e.Config.MCPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.MCPTimeout)
		defer cancel()
	}
	err := e.Servers.RegisterAll(ctx, servers)
	if err != nil {
		e.Logger.Warn("some mcp servers failed to connect", zap.Error(err))
	}
	return err
}

// ConnectAgent connects the active servers mounted by the agent.
func (e *Engine) ConnectAgent(ctx context.Context, agentID string) error {
	a, err := e.Config.Agent(agentID)
	if err != nil {
		return err
	}
	servers := e.Config.ServersFor(a)
	if len(servers) == 0 {
		return nil
	}
	return e.Connect(ctx, servers)
}

// Conversation returns the conversation with the given id: live, stored or
// new. An empty id starts a new conversation. Ids are matched exactly.
func (e *Engine) Conversation(id, agentID string) (*proto.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == "" {
		id = storage.NewConversationID()
	}
	if conv, ok := e.live[id]; ok {
		return conv, nil
	}

	var conv *proto.Conversation
	if e.Store != nil {
		stored, err := e.Store.Get(id)
		switch {
		case err == nil:
			conv = stored
		case errors.Is(err, storage.ErrNoMatches):
		default:
			return nil, errs.Wrapf(err, "Could not load conversation %s.", id)
		}
	}
	if conv == nil {
		a, err := e.Config.Agent(agentID)
		if err != nil {
			return nil, err
		}
		conv = proto.NewConversation(id, a.ID)
	}
	e.live[id] = conv
	return conv, nil
}

// Live reports how many conversations are held in memory.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Turn runs one turn. A completed turn is saved before the conversation is
// released.
func (e *Engine) Turn(ctx context.Context, conv *proto.Conversation, text string) (string, error) {
	return e.Agent.Submit(ctx, conv, text) //nolint:wrapcheck
}

// persist saves a completed turn. Saved conversations leave the live map and
// are read back from the store next time; without a store they stay live.
func (e *Engine) persist(conv *proto.Conversation) error {
	if e.Store == nil {
		return nil
	}
	if err := e.Store.Save(conv, e.model(conv.AgentID)); err != nil {
		return errs.Wrap(err, "There was a problem saving the conversation. Use --no-cache / NO_CACHE to disable it.")
	}

	e.mu.Lock()
	if e.live[conv.ID] == conv {
		delete(e.live, conv.ID)
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) model(agentID string) string {
	a, err := e.Config.Agent(agentID)
	if err != nil {
		return ""
	}
	ep, err := e.Config.Endpoint(a.Endpoint)
	if err != nil {
		return ""
	}
	return ep.Model
}

// Stop cancels the conversation's running turn.
func (e *Engine) Stop(conversationID string) bool {
	return e.Agent.Stop(conversationID)
}

// Tools returns every registered tool.
func (e *Engine) Tools() []proto.ToolDescriptor {
	return e.Servers.AllTools()
}

// ServerStatus returns a snapshot of every server connection.
func (e *Engine) ServerStatus() []mcp.ServerStatus {
	return e.Servers.Servers()
}

// Close disconnects every server and closes the store.
func (e *Engine) Close() error {
	var closeErrs []error
	if err := e.Servers.Close(); err != nil {
		closeErrs = append(closeErrs, fmt.Errorf("close mcp servers: %w", err))
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(closeErrs...)
}
