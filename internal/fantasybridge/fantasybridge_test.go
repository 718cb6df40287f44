package fantasybridge

import (
	"errors"
	"fmt"
	"testing"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/google"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
)

func parts(ps ...fantasy.StreamPart) func(yield func(fantasy.StreamPart) bool) {
	return func(yield func(fantasy.StreamPart) bool) {
		for _, p := range ps {
			if !yield(p) {
				return
			}
		}
	}
}

func TestBuildCall(t *testing.T) {
	t.Run("google thinking budget", func(t *testing.T) {
		call := buildCall(pipeline.Request{
			Endpoint: config.Endpoint{Provider: "google", ThinkingBudget: 256},
		})

		v, ok := call.ProviderOptions[google.Name]
		require.True(t, ok)
		opts, ok := v.(*google.ProviderOptions)
		require.True(t, ok)
		require.NotNil(t, opts.ThinkingConfig)
		require.NotNil(t, opts.ThinkingConfig.ThinkingBudget)
		require.EqualValues(t, 256, *opts.ThinkingConfig.ThinkingBudget)
	})

	t.Run("other providers ignore the budget", func(t *testing.T) {
		call := buildCall(pipeline.Request{
			Endpoint: config.Endpoint{Provider: "openai", ThinkingBudget: 512},
		})
		require.Empty(t, call.ProviderOptions)
	})

	t.Run("sampling", func(t *testing.T) {
		topP := 0.9
		call := buildCall(pipeline.Request{
			Agent: config.Agent{Temperature: 0.3, TopP: &topP, MaxTokens: 100},
		})
		require.NotNil(t, call.Temperature)
		require.InDelta(t, 0.3, *call.Temperature, 1e-9)
		require.Equal(t, &topP, call.TopP)
		require.NotNil(t, call.MaxOutputTokens)
		require.EqualValues(t, 100, *call.MaxOutputTokens)
		require.Empty(t, call.Tools)
	})

	t.Run("no max tokens", func(t *testing.T) {
		call := buildCall(pipeline.Request{})
		require.Nil(t, call.MaxOutputTokens)
	})

	t.Run("tools", func(t *testing.T) {
		call := buildCall(pipeline.Request{
			Messages: []proto.Message{{Role: proto.RoleUser, Content: "hi"}},
			Tools:    []proto.ToolDescriptor{{ID: "fs_read", Name: "read"}},
		})
		require.Len(t, call.Prompt, 1)
		require.Len(t, call.Tools, 1)
		fn, ok := call.Tools[0].(fantasy.FunctionTool)
		require.True(t, ok)
		require.Equal(t, "fs_read", fn.Name)
	})
}

func TestCollect(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		msg, err := collect(parts(
			fantasy.StreamPart{Type: fantasy.StreamPartTypeTextDelta, Delta: "Hello, "},
			fantasy.StreamPart{Type: fantasy.StreamPartTypeTextDelta, Delta: "world"},
		))
		require.NoError(t, err)
		require.Equal(t, proto.RoleAssistant, msg.Role)
		require.Equal(t, "Hello, world", msg.Content)
		require.Empty(t, msg.ToolCalls)
	})

	t.Run("tool calls", func(t *testing.T) {
		msg, err := collect(parts(
			fantasy.StreamPart{Type: fantasy.StreamPartTypeToolCall, ID: "a", ToolCallName: "fs_read", ToolCallInput: `{"path":"x"}`},
			fantasy.StreamPart{Type: fantasy.StreamPartTypeToolCall, ID: "a", ToolCallName: "fs_read", ToolCallInput: `{"path":"x"}`},
			fantasy.StreamPart{Type: fantasy.StreamPartTypeToolCall, ID: "web", ToolCallName: "search", ProviderExecuted: true},
			fantasy.StreamPart{Type: fantasy.StreamPartTypeToolCall, ToolCallName: "fs_list"},
		))
		require.NoError(t, err)
		require.Len(t, msg.ToolCalls, 2)

		require.Equal(t, "a", msg.ToolCalls[0].ID)
		require.Equal(t, "function", msg.ToolCalls[0].Type)
		require.Equal(t, "fs_read", msg.ToolCalls[0].Function.Name)
		require.JSONEq(t, `{"path":"x"}`, msg.ToolCalls[0].Function.Arguments)

		require.Regexp(t, `^call_[0-9a-f]{32}$`, msg.ToolCalls[1].ID)
		require.Equal(t, "fs_list", msg.ToolCalls[1].Function.Name)
		require.Equal(t, "{}", msg.ToolCalls[1].Function.Arguments)
	})

	t.Run("error part", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := collect(parts(
			fantasy.StreamPart{Type: fantasy.StreamPartTypeTextDelta, Delta: "partial"},
			fantasy.StreamPart{Type: fantasy.StreamPartTypeError, Error: boom},
		))
		require.ErrorIs(t, err, boom)
	})
}

func TestOutcomeLabel(t *testing.T) {
	require.Equal(t, "transport", outcomeLabel(errors.New("dial tcp: refused")))

	err := fmt.Errorf("stream: %w", &fantasy.ProviderError{StatusCode: 429, ResponseBody: []byte("slow down")})
	require.Equal(t, "http_429", outcomeLabel(err))
	status, body := providerStatus(err)
	require.Equal(t, 429, status)
	require.Equal(t, "slow down", string(body))
}

func TestProviderCache(t *testing.T) {
	b := New(Options{})
	var built []Config
	b.newProvider = func(cfg Config) (fantasy.Provider, error) {
		built = append(built, cfg)
		return newProvider(cfg)
	}

	ep := config.Endpoint{ID: "openai", Provider: "openai", BaseURL: "https://api.example.com/v1"}

	first, err := b.provider(ep, "k1")
	require.NoError(t, err)
	again, err := b.provider(ep, "k1")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Len(t, built, 1)

	_, err = b.provider(ep, "k2")
	require.NoError(t, err)
	require.Len(t, built, 2)
	require.Equal(t, "k2", built[1].APIKey)
	require.Equal(t, "https://api.example.com/v1", built[1].BaseURL)
}

func TestProviderError(t *testing.T) {
	b := New(Options{})
	b.newProvider = func(Config) (fantasy.Provider, error) {
		return nil, errors.New("no credentials")
	}
	_, err := b.Submit(t.Context(), pipeline.Request{Endpoint: config.Endpoint{ID: "bedrock"}})
	require.EqualError(t, err, "bedrock: no credentials")
}

func TestNewAzureADProviderAlias(t *testing.T) {
	client, err := newProvider(Config{
		API:     "azure-ad",
		APIKey:  "token",
		BaseURL: "https://example.openai.azure.com",
	})
	require.NoError(t, err)
	require.NotNil(t, client)
}
