// Package pipeline sends chat completion requests to OpenAI-compatible
// endpoints with bounded retries.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/proto"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 16 << 20

// Request is one model submission.
type Request struct {
	Endpoint config.Endpoint
	APIKey   string
	Agent    config.Agent
	Messages []proto.Message
	Tools    []proto.ToolDescriptor

	// Serialized, when set, is sent as the messages array instead of
	// encoding Messages again.
	Serialized json.RawMessage

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
}

// Outcome is the parsed reply of a successful submission.
type Outcome struct {
	Message    proto.Message
	Attempts   int
	StatusCode int
}

// Options configures a Pipeline.
type Options struct {
	Client     *http.Client
	RetryDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Pipeline posts requests and parses replies.
type Pipeline struct {
	client  *http.Client
	delay   time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Pipeline. Zero options get usable defaults.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		client:   opts.Client,
		delay:    opts.RetryDelay,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		limiters: map[string]*rate.Limiter{},
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	p.logger = p.logger.Named("pipeline")
	return p
}

// Submit posts the request, retrying up to req.MaxRetries additional times
// on transport failures and non-200 statuses. Every attempt sends the same
// body.
//
// A 200 whose body cannot be parsed is not retried. When every attempt
// fails the error is an errs.RetryExhausted wrapping an *ExhaustedError.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Outcome, error) {
	reqBody, err := newRequestBody(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: encode request: %w", err)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: encode request: %w", err)
	}

	url := req.Endpoint.URL()
	limiter := p.limiter(req.Endpoint)
	start := time.Now()
	defer func() {
		p.metrics.RequestDuration.WithLabelValues(req.Endpoint.ID).Observe(time.Since(start).Seconds())
	}()

	var (
		attempts int
		last     attemptFailure
		outcome  Outcome
		terminal error
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(max(req.MaxRetries, 0))+1), //nolint:gosec
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration {
			return p.delay
		}),
	)
	err = r.Do(func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		attempts++

		status, respBody, err := p.post(ctx, url, req.APIKey, body)
		if err != nil {
			last = attemptFailure{err: err}
			p.attempt(req.Endpoint, "transport")
			p.logger.Debug("attempt failed",
				zap.String("endpoint", req.Endpoint.ID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
		if status != http.StatusOK {
			last = attemptFailure{status: status, body: respBody}
			p.attempt(req.Endpoint, "http_"+strconv.Itoa(status))
			p.logger.Debug("attempt rejected",
				zap.String("endpoint", req.Endpoint.ID),
				zap.Int("attempt", attempts),
				zap.Int("status", status),
			)
			return fmt.Errorf("unexpected status %d", status)
		}

		msg, err := parseResponse(respBody)
		if err != nil {
			p.attempt(req.Endpoint, "parse")
			terminal = err
			return nil
		}
		p.attempt(req.Endpoint, "ok")
		outcome = Outcome{Message: msg, Attempts: attempts, StatusCode: status}
		return nil
	})

	switch {
	case terminal != nil:
		return Outcome{Attempts: attempts, StatusCode: http.StatusOK}, fmt.Errorf("%s: %w", req.Endpoint.ID, terminal)
	case err == nil:
		return outcome, nil
	case ctx.Err() != nil:
		return Outcome{Attempts: attempts}, fmt.Errorf("pipeline: %s: %w", req.Endpoint.ID, ctx.Err())
	default:
		return Outcome{Attempts: attempts, StatusCode: last.status}, exhausted(req.Endpoint.ID, attempts, last)
	}
}

func (p *Pipeline) post(ctx context.Context, url, key string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, nil, err //nolint:wrapcheck
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (p *Pipeline) attempt(ep config.Endpoint, outcome string) {
	p.metrics.Attempts.WithLabelValues(ep.ID, outcome).Inc()
}

func (p *Pipeline) limiter(ep config.Endpoint) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[ep.ID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if ep.RateLimit > 0 {
		l = rate.NewLimiter(rate.Limit(ep.RateLimit), 1)
	}
	p.limiters[ep.ID] = l
	return l
}
