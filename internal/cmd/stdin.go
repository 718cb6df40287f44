package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dotcommander/yagent/internal/present"
)

// maxStdinSize caps how much piped input becomes part of the prompt.
const maxStdinSize = 4 << 20

func drainStdin() {
	if present.IsInputTTY() {
		return
	}
	_, _ = io.Copy(io.Discard, os.Stdin)
}

// readStdin returns piped input, or nothing when stdin is a terminal.
func readStdin(r io.Reader) (string, error) {
	if present.IsInputTTY() {
		return "", nil
	}
	bts, err := io.ReadAll(io.LimitReader(r, maxStdinSize))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(bts)), nil
}

// composePrompt joins the prompt arguments and piped input.
func composePrompt(prefix, input string) string {
	prefix = strings.TrimSpace(prefix)
	switch {
	case prefix == "":
		return input
	case input == "":
		return prefix
	default:
		return prefix + "\n\n" + input
	}
}
