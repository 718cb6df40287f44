// Package fantasybridge submits conversations to providers with native
// SDKs through charm.land/fantasy.
package fantasybridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"charm.land/fantasy"
	fgoogle "charm.land/fantasy/providers/google"
	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
)

// Options configures a Backend.
type Options struct {
	HTTPClient *http.Client
	RetryDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Backend submits requests through fantasy providers. It has the same retry
// semantics as pipeline.Pipeline.
type Backend struct {
	client  *http.Client
	delay   time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	providers map[string]cachedProvider

	// newProvider is swapped in tests.
	newProvider func(Config) (fantasy.Provider, error)
}

type cachedProvider struct {
	key      string
	provider fantasy.Provider
}

// New returns a Backend.
func New(opts Options) *Backend {
	b := &Backend{
		client:      opts.HTTPClient,
		delay:       opts.RetryDelay,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		providers:   map[string]cachedProvider{},
		newProvider: newProvider,
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}
	b.logger = b.logger.Named("fantasy")
	return b
}

func (b *Backend) provider(ep config.Endpoint, key string) (fantasy.Provider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cached, ok := b.providers[ep.ID]; ok && cached.key == key {
		return cached.provider, nil
	}
	p, err := b.newProvider(Config{
		API:            ep.Provider,
		BaseURL:        ep.BaseURL,
		APIKey:         key,
		HTTPClient:     b.client,
		ThinkingBudget: ep.ThinkingBudget,
	})
	if err != nil {
		return nil, err
	}
	b.providers[ep.ID] = cachedProvider{key: key, provider: p}
	return p, nil
}

// Submit sends the conversation and collects the streamed reply into one
// assistant message.
func (b *Backend) Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	provider, err := b.provider(req.Endpoint, req.APIKey)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("%s: %w", req.Endpoint.ID, err)
	}
	model, err := provider.LanguageModel(ctx, req.Endpoint.Model)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("fantasy language model: %w", err)
	}

	call := buildCall(req)
	start := time.Now()
	defer func() {
		b.metrics.RequestDuration.WithLabelValues(req.Endpoint.ID).Observe(time.Since(start).Seconds())
	}()

	var (
		attempts int
		lastErr  error
		outcome  pipeline.Outcome
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(max(req.MaxRetries, 0))+1), //nolint:gosec
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			return b.delay
		}),
	)
	err = r.Do(func() error {
		attempts++
		seq, err := model.Stream(ctx, call)
		if err == nil {
			var msg proto.Message
			msg, err = collect(seq)
			if err == nil {
				b.attempt(req.Endpoint, "ok")
				outcome = pipeline.Outcome{Message: msg, Attempts: attempts, StatusCode: http.StatusOK}
				return nil
			}
		}
		lastErr = err
		b.attempt(req.Endpoint, outcomeLabel(err))
		b.logger.Debug("attempt failed",
			zap.String("endpoint", req.Endpoint.ID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	})

	switch {
	case err == nil:
		return outcome, nil
	case ctx.Err() != nil:
		return pipeline.Outcome{Attempts: attempts}, fmt.Errorf("fantasy: %s: %w", req.Endpoint.ID, ctx.Err())
	default:
		status, body := providerStatus(lastErr)
		return pipeline.Outcome{Attempts: attempts, StatusCode: status}, pipeline.Exhausted(req.Endpoint.ID, attempts, status, body, lastErr)
	}
}

func (b *Backend) attempt(ep config.Endpoint, outcome string) {
	b.metrics.Attempts.WithLabelValues(ep.ID, outcome).Inc()
}

func providerStatus(err error) (int, []byte) {
	var providerErr *fantasy.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode, providerErr.ResponseBody
	}
	return 0, nil
}

func outcomeLabel(err error) string {
	if status, _ := providerStatus(err); status != 0 {
		return fmt.Sprintf("http_%d", status)
	}
	return "transport"
}

func buildCall(req pipeline.Request) fantasy.Call {
	call := fantasy.Call{
		Prompt:          toFantasyPrompt(req.Messages),
		Temperature:     fantasy.Opt(req.Agent.Temperature),
		TopP:            req.Agent.TopP,
		Tools:           toFantasyTools(req.Tools),
		ToolChoice:      toolChoice(req.Tools),
		ProviderOptions: fantasy.ProviderOptions{},
	}
	if req.Agent.MaxTokens > 0 {
		call.MaxOutputTokens = fantasy.Opt(req.Agent.MaxTokens)
	}

	if req.Endpoint.Provider == apiGoogle && req.Endpoint.ThinkingBudget > 0 {
		call.ProviderOptions[fgoogle.Name] = &fgoogle.ProviderOptions{
			ThinkingConfig: &fgoogle.ThinkingConfig{
				ThinkingBudget: fantasy.Opt(int64(req.Endpoint.ThinkingBudget)),
			},
		}
	}
	return call
}

// collect drains a stream into one assistant message. The first error part
// fails the whole attempt.
func collect(seq func(yield func(fantasy.StreamPart) bool)) (proto.Message, error) {
	var text strings.Builder
	var calls []proto.ToolCall
	seen := map[string]struct{}{}

	for part := range seq {
		switch part.Type {
		case fantasy.StreamPartTypeTextDelta:
			text.WriteString(part.Delta)
		case fantasy.StreamPartTypeToolCall:
			if part.ProviderExecuted {
				continue
			}
			id := part.ID
			if id == "" {
				id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			args := part.ToolCallInput
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			calls = append(calls, proto.ToolCall{
				ID:       id,
				Type:     "function",
				Function: proto.Function{Name: part.ToolCallName, Arguments: args},
			})
		case fantasy.StreamPartTypeError:
			if part.Error != nil {
				return proto.Message{}, part.Error
			}
		}
	}

	return proto.Message{
		Role:      proto.RoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
	}, nil
}
