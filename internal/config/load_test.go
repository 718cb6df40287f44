package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPrompt(t *testing.T) {
	const content = "just text"
	ctx := context.Background()

	t.Run("normal msg", func(t *testing.T) {
		msg, err := LoadPrompt(ctx, content)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "foo.txt")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		msg, err := LoadPrompt(ctx, "file://"+path)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("markdown file strips yaml frontmatter", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reviewer.md")
		md := "---\nname: helper\nstyle: calm\n---\nYou are concise and direct.\n"
		require.NoError(t, os.WriteFile(path, []byte(md), 0o644))

		msg, err := LoadPrompt(ctx, "file://"+path)
		require.NoError(t, err)
		require.Equal(t, "You are concise and direct.\n", msg)
	})

	t.Run("markdown file with invalid frontmatter errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reviewer.md")
		md := "---\nname: [broken\n---\ncontent"
		require.NoError(t, os.WriteFile(path, []byte(md), 0o644))

		_, err := LoadPrompt(ctx, "file://"+path)
		require.ErrorIs(t, err, errFrontmatter)
	})

	t.Run("markdown file without closing delimiter errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reviewer.md")
		require.NoError(t, os.WriteFile(path, []byte("---\nname: helper\ncontent"), 0o644))

		_, err := LoadPrompt(ctx, "file://"+path)
		require.ErrorIs(t, err, errFrontmatter)
		require.ErrorContains(t, err, "missing closing delimiter")
	})

	t.Run("markdown file without frontmatter", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.md")
		require.NoError(t, os.WriteFile(path, []byte("# Helper\nBe brief.\n"), 0o644))

		msg, err := LoadPrompt(ctx, "file://"+path)
		require.NoError(t, err)
		require.Equal(t, "# Helper\nBe brief.\n", msg)
	})

	t.Run("url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(content))
		}))
		t.Cleanup(srv.Close)

		msg, err := LoadPrompt(ctx, srv.URL)
		require.NoError(t, err)
		require.Equal(t, content, msg)
	})

	t.Run("url error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		t.Cleanup(srv.Close)

		_, err := LoadPrompt(ctx, srv.URL)
		require.ErrorContains(t, err, "HTTP 403")
	})
}
