package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/dispatch"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/metrics"
	"github.com/dotcommander/yagent/internal/pipeline"
	"github.com/dotcommander/yagent/internal/proto"
)

// CeilingNotice is appended as the final assistant message when a turn hits
// the tool round ceiling.
const CeilingNotice = "Stopped after %d tool rounds: the tools kept failing or being requested again without a final answer."

// Catalog resolves agents and endpoints.
type Catalog interface {
	Agent(id string) (config.Agent, error)
	Endpoint(id string) (config.Endpoint, error)
	ServerIDs(a config.Agent) []string
}

// Tools lists the descriptors offered to the model.
type Tools interface {
	ToolsForServers(ids []string) []proto.ToolDescriptor
}

// Dispatcher runs tool calls.
type Dispatcher interface {
	CallTool(ctx context.Context, conversationID, callID, toolID, args string) <-chan dispatch.Result
	Forget(conversationID string)
}

// Options configures a Service.
type Options struct {
	Catalog    Catalog
	Tools      Tools
	Dispatcher Dispatcher
	Backend    Backend

	// MaxToolRounds is the tool round ceiling. It has no default.
	MaxToolRounds int
	MaxRetries    int

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Observer Observer

	// AfterTurn runs on the turn's goroutine after a completed turn, before
	// the conversation is released to the next Submit.
	AfterTurn func(conv *proto.Conversation) error
}

// Service runs conversation turns.
//
// Each turn runs on the caller's goroutine, which is the only writer of the
// conversation while the turn lasts.
type Service struct {
	catalog    Catalog
	tools      Tools
	dispatcher Dispatcher
	backend    Backend
	maxRounds  int
	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics
	observer   Observer
	afterTurn  func(*proto.Conversation) error

	mu    sync.Mutex
	turns map[string]context.CancelCauseFunc
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.MaxToolRounds <= 0 {
		return nil, errs.Wrap(
			errs.UserErrorf("max-tool-rounds must be greater than zero, got %d", opts.MaxToolRounds),
			"Set max-tool-rounds in the settings file.",
		)
	}
	if opts.Catalog == nil || opts.Tools == nil || opts.Dispatcher == nil || opts.Backend == nil {
		return nil, errors.New("agent: catalog, tools, dispatcher and backend are required")
	}
	s := &Service{
		catalog:    opts.Catalog,
		tools:      opts.Tools,
		dispatcher: opts.Dispatcher,
		backend:    opts.Backend,
		maxRounds:  opts.MaxToolRounds,
		maxRetries: max(opts.MaxRetries, 0),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		observer:   opts.Observer,
		afterTurn:  opts.AfterTurn,
		turns:      map[string]context.CancelCauseFunc{},
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	s.logger = s.logger.Named("agent")
	return s, nil
}

// Busy reports whether the conversation has a turn in flight.
func (s *Service) Busy(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.turns[conversationID]
	return ok
}

// Stop cancels the turn in flight for the conversation. No further request is
// made for that turn. It reports whether a turn was running.
func (s *Service) Stop(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.turns[conversationID]
	if ok {
		cancel(ErrStopped)
	}
	return ok
}

func (s *Service) begin(ctx context.Context, conversationID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.turns[conversationID]; busy {
		return nil, nil, ErrTurnInProgress
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s.turns[conversationID] = cancel
	return ctx, func() {
		s.mu.Lock()
		delete(s.turns, conversationID)
		s.mu.Unlock()
		cancel(nil)
		s.dispatcher.Forget(conversationID)
	}, nil
}

// Submit appends the user message and runs the turn to completion. It
// returns the content of the final assistant message.
//
// A failed submission ends the turn without appending anything after the
// last message that was already logged. A stopped turn returns ErrStopped.
// When AfterTurn fails the reply is returned together with its error.
func (s *Service) Submit(ctx context.Context, conv *proto.Conversation, text string) (string, error) {
	ctx, done, err := s.begin(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	defer done()

	reply, err := s.run(ctx, conv, text)
	switch {
	case err == nil:
		s.metrics.Turns.WithLabelValues(outcomeFor(conv, s.maxRounds)).Inc()
		s.observer.TurnCompleted(conv.ID, reply)
		if s.afterTurn != nil {
			if err := s.afterTurn(conv); err != nil {
				return reply.Content, err
			}
		}
		return reply.Content, nil
	case errors.Is(err, ErrStopped):
		s.metrics.Turns.WithLabelValues("stopped").Inc()
	default:
		s.metrics.Turns.WithLabelValues("failed").Inc()
	}
	s.logger.Debug("turn ended", zap.String("conversation", conv.ID), zap.Error(err))
	s.observer.TurnFailed(conv.ID, err)
	return "", err
}

func outcomeFor(conv *proto.Conversation, ceiling int) string {
	if conv.ToolRounds >= ceiling {
		return "ceiling"
	}
	return "completed"
}

func (s *Service) run(ctx context.Context, conv *proto.Conversation, text string) (proto.Message, error) {
	a, err := s.catalog.Agent(conv.AgentID)
	if err != nil {
		return proto.Message{}, err
	}
	if conv.AgentID == "" {
		conv.AgentID = a.ID
	}
	ep, err := s.catalog.Endpoint(a.Endpoint)
	if err != nil {
		return proto.Message{}, err
	}
	key, err := ep.ResolveKey(ctx)
	if err != nil {
		return proto.Message{}, err
	}

	if len(conv.Messages) == 0 && a.SystemPrompt != "" {
		prompt, err := config.LoadPrompt(ctx, a.SystemPrompt)
		if err != nil {
			return proto.Message{}, errs.Wrapf(err, "Could not load the system prompt of agent %q.", a.ID)
		}
		conv.Append(proto.Message{Role: proto.RoleSystem, Content: prompt})
	}
	conv.Append(proto.Message{Role: proto.RoleUser, Content: text})
	conv.ToolRounds = 0
	conv.PendingToolCalls = nil

	tools := s.tools.ToolsForServers(s.catalog.ServerIDs(a))

	for {
		serialized, err := conv.Serialized()
		if err != nil {
			return proto.Message{}, &TurnError{ConversationID: conv.ID, Endpoint: ep.ID, Round: conv.ToolRounds, Err: err}
		}
		outcome, err := s.backend.Submit(ctx, pipeline.Request{
			Endpoint:   ep,
			APIKey:     key,
			Agent:      a,
			Messages:   slices.Clone(conv.Messages),
			Serialized: serialized,
			Tools:      tools,
			MaxRetries: s.maxRetries,
		})
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrStopped) {
				return proto.Message{}, ErrStopped
			}
			return proto.Message{}, &TurnError{ConversationID: conv.ID, Endpoint: ep.ID, Round: conv.ToolRounds, Err: err}
		}

		reply := outcome.Message
		reply.Role = proto.RoleAssistant
		conv.Append(reply)
		if len(reply.ToolCalls) == 0 {
			return reply, nil
		}

		conv.PendingToolCalls = reply.ToolCalls
		conv.Append(s.runTools(ctx, conv.ID, reply.ToolCalls)...)
		conv.PendingToolCalls = nil
		conv.ToolRounds++

		if errors.Is(context.Cause(ctx), ErrStopped) {
			return proto.Message{}, ErrStopped
		}
		if conv.ToolRounds >= s.maxRounds {
			notice := proto.Message{Role: proto.RoleAssistant, Content: fmt.Sprintf(CeilingNotice, conv.ToolRounds)}
			conv.Append(notice)
			s.logger.Warn("tool round ceiling reached",
				zap.String("conversation", conv.ID),
				zap.Int("rounds", conv.ToolRounds),
			)
			return notice, nil
		}
	}
}

// runTools issues every call before waiting on any of them and returns the
// tool messages in issue order. Failed calls become error messages.
func (s *Service) runTools(ctx context.Context, conversationID string, calls []proto.ToolCall) []proto.Message {
	pending := make([]<-chan dispatch.Result, len(calls))
	for i, call := range calls {
		s.observer.ToolCallStarted(conversationID, call)
		pending[i] = s.dispatcher.CallTool(ctx, conversationID, call.ID, call.Function.Name, call.Function.Arguments)
	}

	msgs := make([]proto.Message, 0, len(calls))
	for i, call := range calls {
		res := <-pending[i]
		s.observer.ToolCallResult(conversationID, call, res)

		msg := proto.Message{Role: proto.RoleTool, ToolCallID: call.ID, Content: res.Content}
		if res.Err != nil {
			msg.Content = res.Err.Error()
			msg.IsError = true
			s.logger.Debug("tool call failed",
				zap.String("conversation", conversationID),
				zap.String("call", call.ID),
				zap.String("tool", call.Function.Name),
				zap.Error(res.Err),
			)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
