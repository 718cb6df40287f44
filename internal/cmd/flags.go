package cmd

import (
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/duration"
)

var helpText = map[string]string{
	"agent":         "Agent to talk to",
	"continue":      "Continue from a conversation by id or title",
	"continue-last": "Continue the last conversation",
	"title":         "Save the conversation with this title",
	"editor":        "Write the prompt in $EDITOR",
	"raw":           "Print the reply without markdown rendering",
	"quiet":         "Only print the reply",
	"no-cache":      "Don't save the conversation",
	"max-retries":   "Additional attempts for a failed model request",
	"tool-rounds":   "Maximum tool rounds per message",
	"mcp-disable":   "Disable an MCP server for this run, * disables all",
	"http-proxy":    "HTTP proxy for model requests",
	"word-wrap":     "Wrap rendered output at this width",
	"help":          "Show help and exit",
	"version":       "Show version and exit",
}

type flagParseError struct {
	err    error
	reason string
	flag   string
}

func (f flagParseError) Error() string {
	return f.err.Error()
}

func (f flagParseError) ReasonFormat() string {
	return f.reason
}

func (f flagParseError) Flag() string {
	return f.flag
}

var (
	shorthandRe  = regexp.MustCompile(`unknown shorthand flag: '.*' in (-\w)`)
	invalidArgRe = regexp.MustCompile(`invalid argument ".*" for "(.*)" flag: .*`)
)

func newFlagParseError(err error) flagParseError {
	var reason, flag string
	s := err.Error()
	switch {
	case strings.HasPrefix(s, "flag needs an argument:"):
		reason = "Flag %s needs an argument."
		ps := strings.Split(s, "-")
		switch len(ps) {
		case 2: //nolint:mnd
			flag = "-" + ps[len(ps)-1]
		case 3: //nolint:mnd
			flag = "--" + ps[len(ps)-1]
		}
	case strings.HasPrefix(s, "unknown flag:"):
		reason = "Flag %s is missing."
		flag = strings.TrimPrefix(s, "unknown flag: ")
	case strings.HasPrefix(s, "unknown shorthand flag:"):
		reason = "Short flag %s is missing."
		if parts := shorthandRe.FindStringSubmatch(s); len(parts) > 1 {
			flag = parts[1]
		}
	case strings.HasPrefix(s, "invalid argument"):
		reason = "Flag %s have an invalid argument."
		if parts := invalidArgRe.FindStringSubmatch(s); len(parts) > 1 {
			flag = parts[1]
		}
	default:
		reason = s
	}
	return flagParseError{err: err, reason: reason, flag: flag}
}

// durationFlag accepts day and week units on top of time.ParseDuration.
type durationFlag time.Duration

func newDurationFlag(val time.Duration, p *time.Duration) *durationFlag {
	*p = val
	return (*durationFlag)(p)
}

func (d *durationFlag) Set(s string) error {
	v, err := duration.Parse(s)
	*d = durationFlag(v)
	//nolint:wrapcheck
	return err
}

func (d *durationFlag) String() string {
	return time.Duration(*d).String()
}

func (*durationFlag) Type() string {
	return "duration"
}
