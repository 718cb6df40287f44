package cmd

import (
	"math/rand/v2"
	"regexp"

	"github.com/dotcommander/yagent/internal/present"
)

var examples = map[string]string{
	"Ask an agent with tools":       `yagent --agent researcher "which open issues mention the cache?"`,
	"Review a diff":                 `git diff | yagent --agent reviewer "point out risky changes" | glow`,
	"Pick up where you left off":    `yagent -C "now write the tests for it"`,
	"Keep a named conversation":     `yagent --title release-notes "draft notes from this changelog" < CHANGELOG.md`,
	"Serve conversations over HTTP": `yagent serve --addr 127.0.0.1:8484`,
}

var (
	quoteRe = regexp.MustCompile(`"([^"\\]|\\.)*"`)
	pipeRe  = regexp.MustCompile(`\||<`)
)

func randomExample() string {
	keys := make([]string, 0, len(examples))
	for k := range examples {
		keys = append(keys, k)
	}
	return keys[rand.IntN(len(keys))] //nolint:gosec
}

func cheapHighlighting(s present.Styles, code string) string {
	code = quoteRe.ReplaceAllStringFunc(code, func(x string) string {
		return s.Quote.Render(x)
	})
	return pipeRe.ReplaceAllStringFunc(code, func(x string) string {
		return s.Pipe.Render(x)
	})
}
