// Package server exposes conversations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/proto"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Engine is what the API drives.
type Engine interface {
	Conversation(id, agentID string) (*proto.Conversation, error)
	Turn(ctx context.Context, conv *proto.Conversation, text string) (string, error)
	Stop(conversationID string) bool
	Tools() []proto.ToolDescriptor
	ServerStatus() []mcp.ServerStatus
}

// Server routes API requests to an Engine.
type Server struct {
	router   *chi.Mux
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// New returns the API handler. Metrics are served from gatherer.
func New(engine Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		engine:   engine,
		gatherer: gatherer,
		logger:   logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tools", s.listTools)
		r.Get("/servers", s.listServers)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/messages", s.postMessage)
			r.Delete("/turn", s.stopTurn)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type messageRequest struct {
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

type messageResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type serverResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
	Tools int    `json:"tools"`
	Error string `json:"error,omitempty"`
}

// postMessage runs a turn with the posted user message.
// POST /v1/conversations/{id}/messages
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errs.Wrap(err, "Invalid request body."))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, errs.Wrap(errs.UserErrorf("content is required"), "Empty message."))
		return
	}

	conv, err := s.engine.Conversation(id, req.Agent)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	reply, err := s.engine.Turn(r.Context(), conv, req.Content)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ConversationID: conv.ID, Reply: reply})
}

// stopTurn cancels the conversation's running turn.
// DELETE /v1/conversations/{id}/turn
func (s *Server) stopTurn(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Stop(chi.URLParam(r, "id")) {
		s.writeError(w, http.StatusNotFound, errs.Wrap(errs.UserErrorf("no turn in progress"), "Nothing to stop."))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/tools
func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tools())
}

// GET /v1/servers
func (s *Server) listServers(w http.ResponseWriter, _ *http.Request) {
	statuses := s.engine.ServerStatus()
	out := make([]serverResponse, 0, len(statuses))
	for _, st := range statuses {
		resp := serverResponse{
			ID:    st.ID,
			Name:  st.Name,
			Type:  st.Type,
			State: st.State.String(),
			Tools: st.Tools,
		}
		if st.Err != nil {
			resp.Error = st.Err.Error()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrTurnInProgress), errors.Is(err, agent.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.RetryExhausted, errs.Transport, errs.Protocol, errs.Parse:
		return http.StatusBadGateway
	case errs.ServerNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var e errs.Error
	if errors.As(err, &e) {
		resp.Reason = e.ReasonText()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
