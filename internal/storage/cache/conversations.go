package cache

import (
	"errors"
	"fmt"
	"os"

	"github.com/dotcommander/yagent/internal/proto"
)

// ErrNotFound is returned when no payload is stored for an id.
var ErrNotFound = errors.New("conversation not cached")

// Conversations stores full conversations keyed by id.
type Conversations struct {
	cache *Cache[proto.Conversation]
}

// NewConversations opens the conversation cache under baseDir.
func NewConversations(baseDir string) (*Conversations, error) {
	c, err := New[proto.Conversation](baseDir, ConversationCache)
	if err != nil {
		return nil, err
	}
	return &Conversations{cache: c}, nil
}

// Read loads the conversation stored under id.
func (c *Conversations) Read(id string) (*proto.Conversation, error) {
	conv, err := c.cache.Get(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return conv, nil
}

// Write stores conv under its id.
func (c *Conversations) Write(conv *proto.Conversation) error {
	return c.cache.Put(conv.ID, conv)
}

// Delete removes the conversation stored under id.
func (c *Conversations) Delete(id string) error {
	return c.cache.Delete(id)
}
