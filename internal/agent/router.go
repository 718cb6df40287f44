package agent

import (
	"context"

	"github.com/dotcommander/yagent/internal/pipeline"
)

// Backend submits one request to a model endpoint.
type Backend interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Router sends OpenAI-compatible endpoints to HTTP and endpoints with a
// native provider to Native.
type Router struct {
	HTTP   Backend
	Native Backend
}

// Submit implements Backend.
func (r Router) Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	if req.Endpoint.Native() && r.Native != nil {
		return r.Native.Submit(ctx, req)
	}
	return r.HTTP.Submit(ctx, req)
}
