package present

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// stream is a standard file with its terminal check, renderer and styles
// resolved on first use.
type stream struct {
	tty      func() bool
	renderer func() *lipgloss.Renderer
	styles   func() Styles
}

func newStream(f *os.File, renderer func() *lipgloss.Renderer) stream {
	renderer = sync.OnceValue(renderer)
	return stream{
		tty:      sync.OnceValue(func() bool { return isatty.IsTerminal(f.Fd()) }),
		renderer: renderer,
		styles:   sync.OnceValue(func() Styles { return MakeStyles(renderer()) }),
	}
}

var (
	stdin  = newStream(os.Stdin, lipgloss.DefaultRenderer)
	stdout = newStream(os.Stdout, lipgloss.DefaultRenderer)
	stderr = newStream(os.Stderr, func() *lipgloss.Renderer {
		return lipgloss.NewRenderer(os.Stderr, termenv.WithColorCache(true))
	})
)

// IsInputTTY reports whether stdin is a terminal.
func IsInputTTY() bool { return stdin.tty() }

// IsOutputTTY reports whether stdout is a terminal.
func IsOutputTTY() bool { return stdout.tty() }

// StdoutRenderer returns the renderer replies and lists are drawn with.
func StdoutRenderer() *lipgloss.Renderer { return stdout.renderer() }

// StdoutStyles returns the styles bound to stdout.
func StdoutStyles() Styles { return stdout.styles() }

// StderrStyles returns the styles bound to stderr, used for progress and
// errors.
func StderrStyles() Styles { return stderr.styles() }
