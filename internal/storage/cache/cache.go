// Package cache stores conversation payloads as files, one per id.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Type names a cache directory.
type Type string

// ConversationCache holds full conversations, sharded by id prefix.
const ConversationCache Type = "conversations"

const (
	fileExt  = ".json"
	shardLen = 2
)

var errInvalidID = errors.New("invalid id")

// Cache stores JSON encoded values of type T, one file per id, under
// baseDir/<type>/<id[:2]>/<id>.json.
type Cache[T any] struct {
	dir string
}

// New creates the cache directory for cacheType under baseDir.
func New[T any](baseDir string, cacheType Type) (*Cache[T], error) {
	dir := filepath.Join(baseDir, string(cacheType))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache[T]{dir: dir}, nil
}

func (c *Cache[T]) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id[0] == '.' {
		return "", fmt.Errorf("%w: %q", errInvalidID, id)
	}
	if len(id) < shardLen {
		return filepath.Join(c.dir, id+fileExt), nil
	}
	return filepath.Join(c.dir, id[:shardLen], id+fileExt), nil
}

// Get decodes the value stored for id. A missing entry wraps os.ErrNotExist.
func (c *Cache[T]) Get(id string) (*T, error) {
	path, err := c.path(id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	var v T
	if err := json.Unmarshal(bts, &v); err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &v, nil
}

// Put replaces the value stored for id. The file is written next to its
// destination and renamed into place.
func (c *Cache[T]) Put(id string, v *T) error {
	path, err := c.path(id)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	bts, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("put %s: %w", id, err)
	}
	if err := writeAtomic(path, bts); err != nil {
		return fmt.Errorf("put %s: %w", id, err)
	}
	return nil
}

// Delete removes the value stored for id.
func (c *Cache[T]) Delete(id string) error {
	path, err := c.path(id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err //nolint:wrapcheck
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err //nolint:wrapcheck
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err //nolint:wrapcheck
	}
	if err := tmp.Close(); err != nil {
		return err //nolint:wrapcheck
	}
	return os.Rename(tmp.Name(), path) //nolint:wrapcheck
}
