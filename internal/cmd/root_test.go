package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/engine"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/mcp/mcptest"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/server"
	"github.com/dotcommander/yagent/internal/storage"
)

// echoBackend echoes the last message; asked to use the tool, it calls the
// first tool it was given.
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

func testRuntime(t *testing.T) *runtime {
	t.Helper()
	search := mcptest.Server("search")
	broken := mcptest.Server("broken")
	dialer := mcptest.NewDialer().
		Add("search", mcptest.NewClient("lookup")).
		Fail("broken", errors.New("connection refused"))

	return &runtime{
		build: BuildInfo{Version: "test"},
		cfg: config.Config{
			Settings: config.Settings{
				DefaultAgent:  "helper",
				MaxToolRounds: 3,
				CachePath:     t.TempDir(),
				WordWrap:      80,
				Endpoints:     config.Endpoints{{ID: "local", Model: "tiny"}},
				Agents: map[string]config.Agent{
					"helper": {ID: "helper", Endpoint: "local", Servers: []string{"search"}},
					"other":  {ID: "other", Endpoint: "local"},
				},
				MCPServers: map[string]config.MCPServer{"search": search, "broken": broken},
			},
			Runtime: config.Runtime{SettingsPath: "/tmp/yagent/yagent.yml"},
		},
		engineOptions: engine.Options{
			Logger:  zaptest.NewLogger(t),
			Dial:    dialer.Dial,
			Backend: echoBackend{},
		},
	}
}

// again returns a fresh runtime sharing rt's conversation cache.
func again(t *testing.T, rt *runtime) *runtime {
	t.Helper()
	next := testRuntime(t)
	next.cfg.CachePath = rt.cfg.CachePath
	return next
}

func run(t *testing.T, rt *runtime, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd(rt)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var e errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, reason, e.Reason)
}

func TestRunTurn(t *testing.T) {
	rt := testRuntime(t)
	out, errOut, err := run(t, rt, "--raw", "hello", "there")
	require.NoError(t, err)
	require.Equal(t, "echo: hello there\n", out)
	require.Contains(t, errOut, "Conversation saved:")
	require.Contains(t, errOut, "hello there")

	store, err := storage.OpenStore(rt.cfg.CachePath)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	conv, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, "helper", conv.AgentID)
	require.Len(t, conv.Messages, 2)
}

func TestRunTurnQuiet(t *testing.T) {
	out, errOut, err := run(t, testRuntime(t), "--raw", "-q", "hello")
	require.NoError(t, err)
	require.Equal(t, "echo: hello\n", out)
	require.Empty(t, errOut)
}

func TestRunTurnWithTools(t *testing.T) {
	out, errOut, err := run(t, testRuntime(t), "--raw", "use the tool")
	require.NoError(t, err)
	require.Equal(t, "echo: {\"q\":\"x\"}\n", out)
	require.Contains(t, errOut, "→")
	require.Contains(t, errOut, "lookup")
}

func TestRunTurnNoPrompt(t *testing.T) {
	_, _, err := run(t, testRuntime(t), "--raw")
	requireReason(t, err, "You haven't provided any prompt input.")
}

func TestRunTurnUnknownAgent(t *testing.T) {
	_, _, err := run(t, testRuntime(t), "--raw", "--agent", "nobody", "hi")
	require.ErrorContains(t, err, "Available agents are: helper, other")
}

func TestRunTurnConfigError(t *testing.T) {
	rt := testRuntime(t)
	rt.cfgErr = errs.Wrap(errors.New("yaml: line 3"), "Could not parse settings file.")
	_, _, err := run(t, rt, "hi")
	requireReason(t, err, "Could not parse settings file.")
}

func TestContinue(t *testing.T) {
	rt := testRuntime(t)
	_, _, err := run(t, rt, "--raw", "-q", "first")
	require.NoError(t, err)

	t.Run("last", func(t *testing.T) {
		next := again(t, rt)
		out, _, err := run(t, next, "--raw", "-q", "-C", "second")
		require.NoError(t, err)
		require.Equal(t, "echo: second\n", out)

		store, err := storage.OpenStore(rt.cfg.CachePath)
		require.NoError(t, err)
		defer store.Close() //nolint:errcheck
		conv, err := store.Latest()
		require.NoError(t, err)
		require.Len(t, conv.Messages, 4)
		require.Equal(t, "first", conv.Title)
	})

	t.Run("unknown title starts a named conversation", func(t *testing.T) {
		next := again(t, rt)
		_, _, err := run(t, next, "--raw", "-q", "-c", "notes", "third")
		require.NoError(t, err)

		store, err := storage.OpenStore(rt.cfg.CachePath)
		require.NoError(t, err)
		defer store.Close() //nolint:errcheck
		conv, err := store.Load("notes")
		require.NoError(t, err)
		require.Len(t, conv.Messages, 2)
	})

	t.Run("switch agent", func(t *testing.T) {
		next := again(t, rt)
		_, _, err := run(t, next, "--raw", "-q", "-c", "notes", "--agent", "other", "fourth")
		require.NoError(t, err)

		store, err := storage.OpenStore(rt.cfg.CachePath)
		require.NoError(t, err)
		defer store.Close() //nolint:errcheck
		conv, err := store.Load("notes")
		require.NoError(t, err)
		require.Equal(t, "other", conv.AgentID)
		require.Len(t, conv.Messages, 4)
	})

	t.Run("unknown id", func(t *testing.T) {
		next := again(t, rt)
		_, _, err := run(t, next, "--raw", "-q", "-c", strings.Repeat("f", 32), "fifth")
		requireReason(t, err, "Could not find the conversation.")
	})

	t.Run("exclusive flags", func(t *testing.T) {
		_, _, err := run(t, again(t, rt), "-c", "notes", "-C", "x")
		require.Error(t, err)
	})
}

func TestNoCache(t *testing.T) {
	rt := testRuntime(t)
	_, errOut, err := run(t, rt, "--raw", "--no-cache", "hello")
	require.NoError(t, err)
	require.Contains(t, errOut, "was not saved")

	_, _, err = run(t, again(t, rt), "--raw", "--no-cache", "-C", "hello")
	requireReason(t, err, "Cannot continue a conversation with --no-cache.")
}

func TestHistory(t *testing.T) {
	rt := testRuntime(t)
	_, _, err := run(t, rt, "--raw", "-q", "--title", "greeting", "hello")
	require.NoError(t, err)

	out, _, err := run(t, again(t, rt), "history", "list", "--raw")
	require.NoError(t, err)
	require.Contains(t, out, "greeting")
	require.Contains(t, out, "helper")

	out, _, err = run(t, again(t, rt), "history", "show", "--last", "--raw")
	require.NoError(t, err)
	require.Contains(t, out, "hello")
	require.Contains(t, out, "echo: hello")

	out, _, err = run(t, again(t, rt), "history", "show", "greeting", "--raw")
	require.NoError(t, err)
	require.Contains(t, out, "echo: hello")

	_, _, err = run(t, again(t, rt), "history", "show", "--raw")
	requireReason(t, err, "Which conversation?")

	_, _, err = run(t, again(t, rt), "history", "prune")
	requireReason(t, err, "Could not delete old conversations.")

	_, errOut, err := run(t, again(t, rt), "history", "prune", "--older-than", "1d")
	require.NoError(t, err)
	require.Contains(t, errOut, "No conversations found.")

	_, errOut, err = run(t, again(t, rt), "history", "delete", "greeting")
	require.NoError(t, err)
	require.Contains(t, errOut, "Conversation deleted:")

	_, errOut, err = run(t, again(t, rt), "history", "list", "--raw")
	require.NoError(t, err)
	require.Contains(t, errOut, "No conversations found.")

	_, _, err = run(t, again(t, rt), "history", "delete", "greeting")
	requireReason(t, err, "Couldn't find conversation to delete.")
}

func TestAgentsCmd(t *testing.T) {
	out, _, err := run(t, testRuntime(t), "agents")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "helper")
	require.Contains(t, lines[0], "local/tiny")
	require.Contains(t, lines[0], "search")
	require.Contains(t, lines[0], "(default)")
	require.Contains(t, lines[1], "other")
	require.NotContains(t, lines[1], "(default)")
}

func TestMCPCmd(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		rt := testRuntime(t)
		rt.cfg.MCPDisable = []string{"broken"}
		out, _, err := run(t, rt, "mcp", "list")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		require.Contains(t, lines[0], "broken")
		require.NotContains(t, lines[0], "(enabled)")
		require.Contains(t, lines[1], "search")
		require.Contains(t, lines[1], "(enabled)")
	})

	t.Run("tools", func(t *testing.T) {
		out, _, err := run(t, testRuntime(t), "mcp", "tools")
		require.NoError(t, err)
		require.Contains(t, out, "broken > ")
		require.Contains(t, out, "connection refused")
		require.Contains(t, out, "search > ")
		require.Contains(t, out, "lookup")
	})
}

func TestConfigCmd(t *testing.T) {
	rt := testRuntime(t)
	out, _, err := run(t, rt, "config", "dirs", "cache")
	require.NoError(t, err)
	require.Equal(t, rt.cfg.CachePath+"\n", out)

	out, _, err = run(t, testRuntime(t), "config", "dirs", "config")
	require.NoError(t, err)
	require.Equal(t, "/tmp/yagent\n", out)

	_, _, err = run(t, testRuntime(t), "config", "dirs", "nope")
	require.Error(t, err)

	out, _, err = run(t, testRuntime(t), "config", "check")
	require.NoError(t, err)
	require.Contains(t, out, "agents: 2 (default: helper)")
	require.Contains(t, out, "mcp servers: 2 (2 active)")
	require.Contains(t, out, "max tool rounds: 3")
}

func TestServe(t *testing.T) {
	rt := testRuntime(t)
	e, err := rt.newEngine(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, ln, server.New(e, e.Registry, e.Logger), e.Logger)
	}()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+ln.Addr().String()+"/health", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestManCmd(t *testing.T) {
	out, _, err := run(t, testRuntime(t), "man")
	require.NoError(t, err)
	require.Contains(t, out, "yagent")
	require.Contains(t, strings.ToUpper(out), "TOOLS")
}

func TestHandleError(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want []string
	}{
		"flag": {
			err:  newFlagParseError(errors.New("unknown flag: --nope")),
			want: []string{"yagent -h", "--nope", "is missing"},
		},
		"reason": {
			err:  errs.Wrap(errors.New("disk full"), "Could not save."),
			want: []string{"ERROR", "Could not save.", "disk full"},
		},
		"plain": {
			err:  errors.New("boom"),
			want: []string{"boom"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			handleError(&buf, tc.err)
			for _, want := range tc.want {
				require.Contains(t, buf.String(), want)
			}
		})
	}
}
