package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/engine"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/mcp/mcptest"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
	"github.com/dotcommander/yagent/internal/toolid"
)

type echoBackend struct{}

func (echoBackend) Submit(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == proto.RoleUser && last.Content == "use the tool" && len(req.Tools) > 0 {
		return pipeline.Outcome{Message: proto.Message{ToolCalls: []proto.ToolCall{{
			ID:       "call_1",
			Function: proto.Function{Name: req.Tools[0].ID, Arguments: `{"q":"x"}`},
		}}}}, nil
	}
	return pipeline.Outcome{Message: proto.Message{Content: "echo: " + last.Content}}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	search := mcptest.Server("search")
	broken := mcptest.Server("broken")
	return &config.Config{Settings: config.Settings{
		DefaultAgent:  "helper",
		MaxToolRounds: 3,
		CachePath:     t.TempDir(),
		Endpoints:     config.Endpoints{{ID: "local", Model: "tiny"}},
		Agents: map[string]config.Agent{
			"helper": {ID: "helper", Endpoint: "local", Servers: []string{"search"}},
		},
		MCPServers: map[string]config.MCPServer{"search": search, "broken": broken},
	}}
}

func newEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	dialer := mcptest.NewDialer().
		Add("search", mcptest.NewClient("lookup")).
		Fail("broken", errors.New("connection refused"))
	e, err := engine.New(cfg, engine.Options{
		Logger:  zaptest.NewLogger(t),
		Dial:    dialer.Dial,
		Backend: echoBackend{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestNewRequiresToolRounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxToolRounds = 0
	_, err := engine.New(cfg, engine.Options{Backend: echoBackend{}})
	require.ErrorContains(t, err, "max-tool-rounds")
}

func TestConnect(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)

	err := e.Connect(t.Context(), nil)
	require.ErrorContains(t, err, "connection refused")

	statuses := e.ServerStatus()
	require.Len(t, statuses, 2)
	require.Equal(t, "broken", statuses[0].Name)
	require.Equal(t, mcp.Failed, statuses[0].State)
	require.Equal(t, "search", statuses[1].Name)
	require.Equal(t, mcp.Ready, statuses[1].State)

	tools := e.Tools()
	require.Len(t, tools, 1)
	require.Equal(t, toolid.Encode(cfg.MCPServers["search"].ID, "lookup"), tools[0].ID)
}

func TestConnectAgent(t *testing.T) {
	e := newEngine(t, testConfig(t))
	require.NoError(t, e.ConnectAgent(t.Context(), "helper"))
	require.Len(t, e.ServerStatus(), 1)

	require.Error(t, e.ConnectAgent(t.Context(), "nobody"))
}

func TestTurnPersists(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	require.NoError(t, e.ConnectAgent(t.Context(), ""))

	conv, err := e.Conversation("", "")
	require.NoError(t, err)
	require.Len(t, conv.ID, 32)
	require.Equal(t, "helper", conv.AgentID)

	same, err := e.Conversation(conv.ID, "")
	require.NoError(t, err)
	require.Same(t, conv, same)

	reply, err := e.Turn(t.Context(), conv, "use the tool")
	require.NoError(t, err)
	require.Equal(t, `echo: {"q":"x"}`, reply)

	// A second engine on the same cache path finds the saved conversation.
	other := newEngine(t, cfg)
	loaded, err := other.Conversation(conv.ID, "")
	require.NoError(t, err)
	require.NotSame(t, conv, loaded)
	require.Equal(t, "use the tool", loaded.Title)
	require.Len(t, loaded.Messages, 4)
	require.Equal(t, proto.RoleTool, loaded.Messages[2].Role)
}

func TestNoCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.NoCache = true
	e := newEngine(t, cfg)
	require.Nil(t, e.Store)

	conv, err := e.Conversation("fixed", "")
	require.NoError(t, err)
	_, err = e.Turn(t.Context(), conv, "hello")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
}

func TestUnknownAgent(t *testing.T) {
	e := newEngine(t, testConfig(t))
	_, err := e.Conversation("", "nobody")
	require.ErrorContains(t, err, "Available agents are: helper")
}

func TestConcurrentTurnsOnOneConversation(t *testing.T) {
	e := newEngine(t, testConfig(t))
	conv, err := e.Conversation("", "")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := e.Turn(t.Context(), conv, "hello")
				if errors.Is(err, agent.ErrTurnInProgress) {
					continue
				}
				if !assertNoError(t, err) {
					return
				}
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Positive(t, completed)
	require.Len(t, conv.Messages, 2*completed)

	stored, err := e.Store.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, len(conv.Messages))
}

// assertNoError reports err from a goroutine other than the test's.
func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("turn: %v", err)
		return false
	}
	return true
}

func TestConversationMatchesExactID(t *testing.T) {
	e := newEngine(t, testConfig(t))
	first, err := e.Conversation("", "")
	require.NoError(t, err)
	_, err = e.Turn(t.Context(), first, "weather")
	require.NoError(t, err)
	require.Equal(t, "weather", first.Title)

	for _, id := range []string{"weather", first.ID[:storage.IDMinLen], first.ID[:storage.IDShort]} {
		conv, err := e.Conversation(id, "")
		require.NoError(t, err)
		require.Equal(t, id, conv.ID)
		require.Empty(t, conv.Messages)
	}

	again, err := e.Conversation(first.ID, "")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, again.Messages, 2)
}

func TestSavedConversationsLeaveMemory(t *testing.T) {
	e := newEngine(t, testConfig(t))
	conv, err := e.Conversation("c1", "")
	require.NoError(t, err)
	require.Equal(t, 1, e.Live())

	_, err = e.Turn(t.Context(), conv, "hello")
	require.NoError(t, err)
	require.Zero(t, e.Live())

	reloaded, err := e.Conversation("c1", "")
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 2)
	require.Equal(t, 1, e.Live())
}

func TestUnsavedConversationsStayLive(t *testing.T) {
	cfg := testConfig(t)
	cfg.NoCache = true
	e := newEngine(t, cfg)
	conv, err := e.Conversation("c1", "")
	require.NoError(t, err)
	_, err = e.Turn(t.Context(), conv, "hello")
	require.NoError(t, err)

	same, err := e.Conversation("c1", "")
	require.NoError(t, err)
	require.Same(t, conv, same)
	require.Equal(t, 1, e.Live())
}
