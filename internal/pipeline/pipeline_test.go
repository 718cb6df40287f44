package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/proto"
)

const okReply = `{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`

// recorder is an LLM endpoint that answers with a scripted list of
// responses and records every body it receives.
type recorder struct {
	mu      sync.Mutex
	bodies  []string
	headers []http.Header
	replies []reply
}

type reply struct {
	status int
	body   string
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bts, _ := io.ReadAll(r.Body)
	rec.mu.Lock()
	rec.bodies = append(rec.bodies, string(bts))
	rec.headers = append(rec.headers, r.Header.Clone())
	next := rec.replies[min(len(rec.bodies), len(rec.replies))-1]
	rec.mu.Unlock()

	w.WriteHeader(next.status)
	_, _ = io.WriteString(w, next.body)
}

func (rec *recorder) posts() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.bodies...)
}

func (rec *recorder) header(i int) http.Header {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.headers[i]
}

func serve(tb testing.TB, replies ...reply) (*recorder, config.Endpoint) {
	tb.Helper()
	rec := &recorder{replies: replies}
	srv := httptest.NewServer(rec)
	tb.Cleanup(srv.Close)
	return rec, config.Endpoint{ID: "local", Model: "test-model", BaseURL: srv.URL + "/v1"}
}

func newPipeline(tb testing.TB, m *metrics.Metrics) *Pipeline {
	tb.Helper()
	return New(Options{Logger: zaptest.NewLogger(tb), Metrics: m})
}

func request(ep config.Endpoint, maxRetries int) Request {
	return Request{
		Endpoint:   ep,
		APIKey:     "secret",
		Agent:      config.Agent{ID: "a", MaxTokens: 256, Temperature: 0.3},
		Messages:   []proto.Message{{Role: proto.RoleUser, Content: "hi"}},
		MaxRetries: maxRetries,
	}
}

func TestSubmit(t *testing.T) {
	rec, ep := serve(t, reply{http.StatusOK, okReply})

	out, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 2))
	require.NoError(t, err)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, proto.RoleAssistant, out.Message.Role)
	require.Equal(t, "hello", out.Message.Content)
	require.Empty(t, out.Message.ToolCalls)

	require.Len(t, rec.posts(), 1)
	require.Equal(t, "Bearer secret", rec.header(0).Get("Authorization"))
	require.Equal(t, "application/json", rec.header(0).Get("Content-Type"))
}

func TestSubmitRetriesUntilExhausted(t *testing.T) {
	rec, ep := serve(t, reply{http.StatusInternalServerError, "upstream exploded"})
	m := metrics.New(nil)

	out, err := newPipeline(t, m).Submit(context.Background(), request(ep, 2))
	require.ErrorIs(t, err, errs.RetryExhausted)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, http.StatusInternalServerError, out.StatusCode)

	posts := rec.posts()
	require.Len(t, posts, 3)
	require.Equal(t, posts[0], posts[1])
	require.Equal(t, posts[0], posts[2])

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "local", exhausted.Endpoint)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, http.StatusInternalServerError, exhausted.StatusCode)
	require.Equal(t, "upstream exploded", exhausted.Body)
	require.ErrorContains(t, err, "gave up after 3 attempts")

	require.InDelta(t, 3, testutil.ToFloat64(m.Attempts.WithLabelValues("local", "http_500")), 0)
}

func TestSubmitZeroRetriesIsOneAttempt(t *testing.T) {
	rec, ep := serve(t, reply{http.StatusBadGateway, ""})

	out, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 0))
	require.ErrorIs(t, err, errs.RetryExhausted)
	require.Equal(t, 1, out.Attempts)
	require.Len(t, rec.posts(), 1)
}

func TestSubmitRecovers(t *testing.T) {
	rec, ep := serve(t,
		reply{http.StatusServiceUnavailable, "busy"},
		reply{http.StatusTooManyRequests, "slow down"},
		reply{http.StatusOK, okReply},
	)

	out, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 3))
	require.NoError(t, err)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, "hello", out.Message.Content)
	require.Len(t, rec.posts(), 3)
}

func TestSubmitTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ep := config.Endpoint{ID: "gone", Model: "m", BaseURL: url}
	out, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 1))
	require.ErrorIs(t, err, errs.RetryExhausted)
	require.Equal(t, 2, out.Attempts)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Error(t, exhausted.Err)
	require.Zero(t, exhausted.StatusCode)

	var e errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "Could not reach the gone endpoint.", e.ReasonText())
}

func TestSubmitParseErrorIsTerminal(t *testing.T) {
	for name, body := range map[string]string{
		"not json":    "<html>oops</html>",
		"no choices":  `{"choices":[]}`,
		"nameless fn": `{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"arguments":"{}"}}]}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, ep := serve(t, reply{http.StatusOK, body})

			out, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 3))
			require.ErrorIs(t, err, errs.Parse)
			require.Equal(t, 1, out.Attempts)
			require.Len(t, rec.posts(), 1)
		})
	}
}

func TestSubmitCanceled(t *testing.T) {
	_, ep := serve(t, reply{http.StatusInternalServerError, ""})
	p := New(Options{RetryDelay: time.Hour, Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := p.Submit(ctx, request(ep, 5))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, out.Attempts)
}

func TestRequestBody(t *testing.T) {
	t.Run("without tools", func(t *testing.T) {
		rec, ep := serve(t, reply{http.StatusOK, okReply})
		_, err := newPipeline(t, nil).Submit(context.Background(), request(ep, 0))
		require.NoError(t, err)

		body := rec.posts()[0]
		require.Equal(t, "test-model", gjson.Get(body, "model").String())
		require.EqualValues(t, 256, gjson.Get(body, "max_tokens").Int())
		require.InDelta(t, 0.3, gjson.Get(body, "temperature").Float(), 0.0001)
		require.Equal(t, "user", gjson.Get(body, "messages.0.role").String())
		require.Equal(t, "hi", gjson.Get(body, "messages.0.content").String())
		require.False(t, gjson.Get(body, "tools").Exists())
		require.False(t, gjson.Get(body, "tool_choice").Exists())
		require.False(t, gjson.Get(body, "top_p").Exists())
	})

	t.Run("with tools and history", func(t *testing.T) {
		rec, ep := serve(t, reply{http.StatusOK, okReply})
		topP := 0.9
		req := request(ep, 0)
		req.Agent.TopP = &topP
		req.Tools = []proto.ToolDescriptor{{
			ID:          "tabc-read_file",
			Name:        "read_file",
			Description: "Read a file",
			Properties:  map[string]any{"path": map[string]any{"type": "string"}},
			Required:    []string{"path"},
		}}
		req.Messages = append(req.Messages,
			proto.Message{Role: proto.RoleAssistant, ToolCalls: []proto.ToolCall{{
				ID:       "call_1",
				Function: proto.Function{Name: "tabc-read_file", Arguments: `{"path":"a"}`},
			}}},
			proto.Message{Role: proto.RoleTool, ToolCallID: "call_1", Content: "data", IsError: true},
		)

		_, err := newPipeline(t, nil).Submit(context.Background(), req)
		require.NoError(t, err)

		body := rec.posts()[0]
		require.InDelta(t, 0.9, gjson.Get(body, "top_p").Float(), 0.0001)
		require.Equal(t, "auto", gjson.Get(body, "tool_choice").String())
		require.Equal(t, "function", gjson.Get(body, "tools.0.type").String())
		require.Equal(t, "tabc-read_file", gjson.Get(body, "tools.0.function.name").String())
		require.Equal(t, "Read a file", gjson.Get(body, "tools.0.function.description").String())
		require.Equal(t, "object", gjson.Get(body, "tools.0.function.parameters.type").String())
		require.Equal(t, "path", gjson.Get(body, "tools.0.function.parameters.required.0").String())

		require.Equal(t, "function", gjson.Get(body, "messages.1.tool_calls.0.type").String())
		require.Equal(t, `{"path":"a"}`, gjson.Get(body, "messages.1.tool_calls.0.function.arguments").String())
		require.Equal(t, "call_1", gjson.Get(body, "messages.2.tool_call_id").String())
		require.False(t, gjson.Get(body, "messages.2.is_error").Exists())
		require.False(t, gjson.Get(body, "messages.0.timestamp").Exists())
	})

	t.Run("pre-encoded messages", func(t *testing.T) {
		rec, ep := serve(t, reply{http.StatusOK, okReply})
		req := request(ep, 0)
		req.Serialized = []byte(`[{"role":"user","content":"from the log"}]`)

		_, err := newPipeline(t, nil).Submit(context.Background(), req)
		require.NoError(t, err)

		body := rec.posts()[0]
		require.Equal(t, "from the log", gjson.Get(body, "messages.0.content").String())
		require.EqualValues(t, 1, gjson.Get(body, "messages.#").Int())
	})
}

func TestParseResponseToolCalls(t *testing.T) {
	msg, err := parseResponse([]byte(`{"choices":[{"message":{
		"role":"assistant",
		"content":null,
		"tool_calls":[
			{"id":"call_a","type":"function","function":{"name":"tx-one","arguments":"{\"q\":\"go\"}"}},
			{"id":"call_b","type":"function","function":{"name":"tx-two","arguments":{"n":2}}},
			{"type":"function","function":{"name":"tx-three"}}
		]}}]}`))
	require.NoError(t, err)
	require.Empty(t, msg.Content)
	require.Len(t, msg.ToolCalls, 3)

	require.Equal(t, "call_a", msg.ToolCalls[0].ID)
	require.JSONEq(t, `{"q":"go"}`, msg.ToolCalls[0].Function.Arguments)

	require.Equal(t, "tx-two", msg.ToolCalls[1].Function.Name)
	require.JSONEq(t, `{"n":2}`, msg.ToolCalls[1].Function.Arguments)

	require.True(t, strings.HasPrefix(msg.ToolCalls[2].ID, "call_"))
	require.Equal(t, "{}", msg.ToolCalls[2].Function.Arguments)
}

func TestExhaustedReasons(t *testing.T) {
	overflow := attemptFailure{status: http.StatusBadRequest, body: []byte(`{"error":{"code":"context_length_exceeded"}}`)}
	require.Equal(t, "Maximum prompt size exceeded.", reasonFor("ep", overflow))

	refused := attemptFailure{err: errors.New("connection refused")}
	require.Equal(t, "Could not reach the ep endpoint.", reasonFor("ep", refused))

	require.NotEmpty(t, reasonFor("ep", attemptFailure{status: http.StatusUnauthorized}))

	long := attemptFailure{status: http.StatusInternalServerError, body: []byte(strings.Repeat("x", 2*maxBodyInError))}
	var exhaustedErr *ExhaustedError
	require.ErrorAs(t, exhausted("ep", 1, long), &exhaustedErr)
	require.Len(t, []rune(exhaustedErr.Body), maxBodyInError+1)
}

func TestLimiterPerEndpoint(t *testing.T) {
	p := New(Options{})
	limited := p.limiter(config.Endpoint{ID: "slow", RateLimit: 2})
	require.Equal(t, rate.Limit(2), limited.Limit())
	require.Same(t, limited, p.limiter(config.Endpoint{ID: "slow", RateLimit: 2}))
	require.Equal(t, rate.Inf, p.limiter(config.Endpoint{ID: "fast"}).Limit())
}
