package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/mcp/mcptest"
	"github.com/dotcommander/yagent/internal/toolid"
)

func receive(tb testing.TB, ch <-chan Result) Result {
	tb.Helper()
	select {
	case res, ok := <-ch:
		require.True(tb, ok, "channel closed without a result")
		_, more := <-ch
		require.False(tb, more, "more than one result")
		return res
	case <-time.After(5 * time.Second):
		tb.Fatal("no result")
		return Result{}
	}
}

func setup(tb testing.TB, cli *mcptest.Client) (*Dispatcher, *mcptest.Client, string) {
	tb.Helper()
	srv := mcptest.Server("fs")
	m := mcp.New(mcptest.NewDialer().Add("fs", cli).Dial, zaptest.NewLogger(tb))
	tb.Cleanup(func() { _ = m.Close() })
	require.NoError(tb, <-m.RegisterServer(srv))
	return New(m, zaptest.NewLogger(tb)), cli, srv.ID
}

func TestCallTool(t *testing.T) {
	d, cli, serverID := setup(t, mcptest.NewClient("read_file"))

	res := receive(t, d.CallTool(context.Background(), "c1", "call_1", toolid.Encode(serverID, "read_file"), `{"path":"go.mod"}`))
	require.NoError(t, res.Err)
	require.Equal(t, "c1", res.ConversationID)
	require.Equal(t, "call_1", res.CallID)
	require.JSONEq(t, `{"path":"go.mod"}`, res.Content)
	require.Len(t, cli.Calls(), 1)
}

func TestCallToolUnknownTool(t *testing.T) {
	d, cli, _ := setup(t, mcptest.NewClient("read_file"))

	res := receive(t, d.CallTool(context.Background(), "c1", "call_1", "tmissing-tool", "{}"))
	require.ErrorIs(t, res.Err, errs.ToolNotFound)
	require.ErrorContains(t, res.Err, "call_1")
	require.ErrorContains(t, res.Err, "tmissing-tool")
	require.Equal(t, "tmissing-tool", res.ToolID)
	require.Equal(t, "c1", res.ConversationID)
	require.Empty(t, cli.Calls())
}

func TestCallToolDuplicateCallID(t *testing.T) {
	d, cli, serverID := setup(t, mcptest.NewClient("read_file"))
	id := toolid.Encode(serverID, "read_file")

	require.NoError(t, receive(t, d.CallTool(context.Background(), "c1", "call_1", id, "{}")).Err)

	dup := receive(t, d.CallTool(context.Background(), "c1", "call_1", id, "{}"))
	require.ErrorIs(t, dup.Err, errs.Protocol)
	require.Equal(t, "c1", dup.ConversationID)
	require.Len(t, cli.Calls(), 1)

	// ids are scoped per conversation
	require.NoError(t, receive(t, d.CallTool(context.Background(), "c2", "call_1", id, "{}")).Err)

	d.Forget("c1")
	require.NoError(t, receive(t, d.CallTool(context.Background(), "c1", "call_1", id, "{}")).Err)
	require.Len(t, cli.Calls(), 3)
}

func TestCallToolFailureIsDelivered(t *testing.T) {
	cli := mcptest.NewClient("flaky")
	cli.Handler = func(context.Context, string, string) (*mcpgo.CallToolResult, error) {
		return nil, errors.New("broken pipe")
	}
	d, _, serverID := setup(t, cli)

	res := receive(t, d.CallTool(context.Background(), "c1", "call_1", toolid.Encode(serverID, "flaky"), "{}"))
	require.ErrorIs(t, res.Err, errs.Transport)
	require.ErrorContains(t, res.Err, "broken pipe")
	require.Empty(t, res.Content)
}

func TestCallToolRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	cli := mcptest.NewClient("slow")
	cli.Handler = func(_ context.Context, _, args string) (*mcpgo.CallToolResult, error) {
		started.Done()
		<-release
		return mcpgo.NewToolResultText(args), nil
	}
	d, _, serverID := setup(t, cli)
	id := toolid.Encode(serverID, "slow")

	chans := []<-chan Result{
		d.CallTool(context.Background(), "c1", "a", id, `"1"`),
		d.CallTool(context.Background(), "c1", "b", id, `"2"`),
		d.CallTool(context.Background(), "c1", "c", id, `"3"`),
	}
	started.Wait()
	close(release)

	for i, want := range []string{`"1"`, `"2"`, `"3"`} {
		require.Equal(t, want, receive(t, chans[i]).Content)
	}
}
