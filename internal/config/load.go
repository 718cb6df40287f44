package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	promptFetchTimeout = 10 * time.Second
	maxRemotePrompt    = 2 << 20
	maxErrorBody       = 8 << 10
)

var errFrontmatter = errors.New("invalid markdown frontmatter")

// LoadPrompt resolves an agent's system-prompt setting. Values starting with
// http:// or https:// are fetched, file:// values are read from disk, and
// anything else is the prompt itself. Markdown files lose their YAML
// frontmatter.
func LoadPrompt(ctx context.Context, setting string) (string, error) {
	switch {
	case strings.HasPrefix(setting, "http://"), strings.HasPrefix(setting, "https://"):
		return fetchPrompt(ctx, setting)
	case strings.HasPrefix(setting, "file://"):
		return readPrompt(strings.TrimPrefix(setting, "file://"))
	default:
		return setting, nil
	}
}

func fetchPrompt(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, promptFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch system prompt: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch system prompt: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("fetch system prompt: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemotePrompt+1))
	if err != nil {
		return "", fmt.Errorf("fetch system prompt: %w", err)
	}
	if len(body) > maxRemotePrompt {
		return "", fmt.Errorf("fetch system prompt: larger than %d bytes", maxRemotePrompt)
	}
	return string(body), nil
}

func readPrompt(path string) (string, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".md") {
		return string(bts), nil
	}
	body, err := StripYAMLFrontmatter(string(bts))
	if err != nil {
		return "", fmt.Errorf("read system prompt %s: %w", path, err)
	}
	return body, nil
}

// StripYAMLFrontmatter drops a leading "---" delimited YAML block. The block
// must parse; content without one is returned as is.
func StripYAMLFrontmatter(content string) (string, error) {
	first, rest, _ := strings.Cut(content, "\n")
	if strings.TrimSpace(first) != "---" {
		return content, nil
	}

	var front []string
	for {
		line, tail, more := strings.Cut(rest, "\n")
		if strings.TrimSpace(line) == "---" {
			rest = tail
			break
		}
		if !more {
			return "", fmt.Errorf("%w: missing closing delimiter", errFrontmatter)
		}
		front = append(front, line)
		rest = tail
	}

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(strings.Join(front, "\n")), &meta); err != nil {
		return "", fmt.Errorf("%w: %w", errFrontmatter, err)
	}
	return strings.TrimLeft(rest, "\r\n"), nil
}
