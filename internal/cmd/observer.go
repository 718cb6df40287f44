package cmd

import (
	"fmt"
	"io"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/dispatch"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
)

// toolObserver prints tool activity while a turn runs.
type toolObserver struct {
	agent.NopObserver

	w       io.Writer
	styles  present.Styles
	resolve func(toolID string) (proto.ToolDescriptor, bool)
}

func newToolObserver(w io.Writer) *toolObserver {
	return &toolObserver{w: w, styles: present.StderrStyles()}
}

func (o *toolObserver) ToolCallStarted(_ string, call proto.ToolCall) {
	fmt.Fprintf(o.w, "%s %s\n", o.styles.ToolCall.Render("→"), o.name(call.Function.Name))
}

func (o *toolObserver) ToolCallResult(_ string, call proto.ToolCall, result dispatch.Result) {
	if result.Err == nil {
		return
	}
	fmt.Fprintf(
		o.w,
		"%s %s %s\n",
		o.styles.ToolError.Render("✗"),
		o.name(call.Function.Name),
		o.styles.Comment.Render(result.Err.Error()),
	)
}

func (o *toolObserver) name(toolID string) string {
	if o.resolve == nil {
		return toolID
	}
	if desc, ok := o.resolve(toolID); ok {
		return desc.Name
	}
	return toolID
}
