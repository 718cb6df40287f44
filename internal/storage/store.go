package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage/cache"
)

// maxTitleLen caps titles derived from prompts.
const maxTitleLen = 80

// Store persists conversations: the index in a DB, the payloads in a cache.
type Store struct {
	DB    *DB
	Cache *cache.Conversations

	// mu serializes Save and Delete so index and payload stay in step.
	mu sync.Mutex
}

// OpenStore opens the index and payload cache under dir.
func OpenStore(dir string) (*Store, error) {
	convoCache, err := cache.NewConversations(dir)
	if err != nil {
		return nil, fmt.Errorf("open conversation cache: %w", err)
	}
	db, err := Open(filepath.Join(dir, string(cache.ConversationCache)))
	if err != nil {
		return nil, fmt.Errorf("open conversation index: %w", err)
	}
	return &Store{DB: db, Cache: convoCache}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Save writes the payload and then the index record. A conversation without
// a title is titled after its last prompt.
func (s *Store) Save(conv *proto.Conversation, model string) error {
	if conv.ID == "" {
		return fmt.Errorf("save conversation: %w", errEmptyID)
	}
	if strings.TrimSpace(conv.Title) == "" || IDRegexp.MatchString(conv.Title) {
		conv.Title = Title(conv.LastPrompt())
	}
	if conv.Title == "" {
		conv.Title = ShortID(conv.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Cache.Write(conv); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	err := s.DB.Save(Conversation{
		ID:       conv.ID,
		Title:    conv.Title,
		AgentID:  conv.AgentID,
		Model:    model,
		Messages: len(conv.Messages),
	})
	if err != nil {
		_ = s.Cache.Delete(conv.ID)
		return err
	}
	return nil
}

// Load resolves in as an id prefix or title and reads the conversation.
func (s *Store) Load(in string) (*proto.Conversation, error) {
	rec, err := s.DB.Find(in)
	if err != nil {
		return nil, err
	}
	return s.read(rec)
}

// Get reads the conversation with exactly this id.
func (s *Store) Get(id string) (*proto.Conversation, error) {
	rec, err := s.DB.Get(id)
	if err != nil {
		return nil, err
	}
	return s.read(rec)
}

// Latest reads the most recently updated conversation.
func (s *Store) Latest() (*proto.Conversation, error) {
	rec, err := s.DB.Latest()
	if err != nil {
		return nil, err
	}
	return s.read(rec)
}

func (s *Store) read(rec *Conversation) (*proto.Conversation, error) {
	conv, err := s.Cache.Read(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", rec.ID, err)
	}
	if conv.Title == "" {
		conv.Title = rec.Title
	}
	return conv, nil
}

// Delete removes the conversation's index record and payload. A payload that
// is already gone is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.DB.Delete(id); err != nil {
		return err
	}
	if err := s.Cache.Delete(id); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// Title derives a conversation title from a prompt: its first line, capped.
func Title(prompt string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	first = strings.TrimSpace(first)
	if r := []rune(first); len(r) > maxTitleLen {
		first = string(r[:maxTitleLen-1]) + "…"
	}
	return first
}
