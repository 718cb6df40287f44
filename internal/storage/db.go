package storage

import (
	"bufio"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrNoMatches is returned when no conversations match the query.
	ErrNoMatches = errors.New("no conversations found")
	// ErrManyMatches is returned when multiple conversations match the query.
	ErrManyMatches = errors.New("multiple conversations matched the input")

	errEmptyID    = errors.New("empty id")
	errEmptyTitle = errors.New("empty title")
)

const (
	indexFileName = "index.jsonl"
	lockFileName  = "index.lock"

	// The index is rewritten once it holds this many events and at least
	// compactRatio events per live record.
	compactMinEvents = 256
	compactRatio     = 4

	maxIndexLine = 10 << 20
)

const (
	opPut    = "put"
	opDelete = "delete"
)

// indexEvent is one line of the index file.
type indexEvent struct {
	Op     string        `json:"op"`
	ID     string        `json:"id,omitempty"`
	Record *Conversation `json:"record,omitempty"`
}

// Conversation is the index record of a stored conversation. The message log
// itself lives in the payload cache.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AgentID   string    `json:"agent_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Messages  int       `json:"messages,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DB is an append-only JSONL conversation index. A file lock serializes
// writers across processes; the records are replayed into memory on Open.
type DB struct {
	mu      sync.RWMutex
	path    string
	lock    *flock.Flock
	records map[string]Conversation
	events  int
	tempDir string
}

// Open loads the index stored in dir. The special value ":memory:" uses a
// temporary directory that Close removes.
func Open(dir string) (*DB, error) {
	db := &DB{records: map[string]Conversation{}}
	if dir == ":memory:" {
		tmp, err := os.MkdirTemp("", "yagent-conversations-*")
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		dir, db.tempDir = tmp, tmp
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.path = filepath.Join(dir, indexFileName)
	db.lock = flock.New(filepath.Join(dir, lockFileName))

	if err := db.locked(db.replay); err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases temporary resources.
func (db *DB) Close() error {
	if db.tempDir == "" {
		return nil
	}
	if err := os.RemoveAll(db.tempDir); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

// Save upserts a record and stamps its update time.
func (db *DB) Save(rec Conversation) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("save: %w", errEmptyID)
	}
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("save %s: %w", rec.ID, errEmptyTitle)
	}
	rec.UpdatedAt = time.Now().UTC()

	db.mu.Lock()
	defer db.mu.Unlock()

	db.records[rec.ID] = rec
	if err := db.write(indexEvent{Op: opPut, Record: &rec}); err != nil {
		return fmt.Errorf("save %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record. Unknown ids are ignored.
func (db *DB) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("delete: %w", errEmptyID)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.records[id]; !ok {
		return nil
	}
	delete(db.records, id)
	if err := db.write(indexEvent{Op: opDelete, ID: id}); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Get returns the record with exactly this id.
func (db *DB) Get(id string) (*Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rec, ok := db.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, id)
	}
	return &rec, nil
}

// Find resolves in as a full id, an id prefix of at least IDMinLen
// characters, or an exact title.
func (db *DB) Find(in string) (*Conversation, error) {
	if rec, err := db.Get(in); err == nil {
		return rec, nil
	}

	matches := db.filter(func(rec Conversation) bool {
		return rec.Title == in || (len(in) >= IDMinLen && strings.HasPrefix(rec.ID, in))
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, in)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrManyMatches, in)
	}
}

// Latest returns the most recently updated record.
func (db *DB) Latest() (*Conversation, error) {
	list := db.List()
	if len(list) == 0 {
		return nil, fmt.Errorf("latest: %w", ErrNoMatches)
	}
	return &list[0], nil
}

// List returns every record, most recently updated first.
func (db *DB) List() []Conversation {
	return db.filter(func(Conversation) bool { return true })
}

// ListOlderThan returns the records not updated within d.
func (db *DB) ListOlderThan(d time.Duration) []Conversation {
	cutoff := time.Now().Add(-d)
	return db.filter(func(rec Conversation) bool {
		return rec.UpdatedAt.Before(cutoff)
	})
}

func (db *DB) filter(keep func(Conversation) bool) []Conversation {
	db.mu.RLock()
	out := make([]Conversation, 0, len(db.records))
	for _, rec := range db.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	db.mu.RUnlock()

	slices.SortFunc(out, newestFirst)
	return out
}

func newestFirst(a, b Conversation) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// locked runs fn holding the cross-process index lock.
func (db *DB) locked(fn func() error) error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer func() { _ = db.lock.Unlock() }()
	return fn()
}

func (db *DB) replay() error {
	f, err := os.Open(db.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, maxIndexLine)
	for line := 1; scanner.Scan(); line++ {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var evt indexEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return fmt.Errorf("index line %d: %w", line, err)
		}
		if err := db.apply(evt); err != nil {
			return fmt.Errorf("index line %d: %w", line, err)
		}
		db.events++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	return nil
}

func (db *DB) apply(evt indexEvent) error {
	switch evt.Op {
	case opPut:
		if evt.Record == nil || strings.TrimSpace(evt.Record.ID) == "" {
			return errors.New("put without a record id")
		}
		db.records[evt.Record.ID] = *evt.Record
	case opDelete:
		if strings.TrimSpace(evt.ID) == "" {
			return errors.New("delete without an id")
		}
		delete(db.records, evt.ID)
	default:
		return fmt.Errorf("unknown op %q", evt.Op)
	}
	return nil
}

// write appends evt and compacts the index when it has grown too much.
// Callers hold db.mu.
func (db *DB) write(evt indexEvent) error {
	return db.locked(func() error {
		if err := appendLine(db.path, evt); err != nil {
			return err
		}
		db.events++
		if db.events < compactMinEvents || db.events < len(db.records)*compactRatio {
			return nil
		}
		return db.compact()
	})
}

func appendLine(path string, evt indexEvent) error {
	bts, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode index event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if _, err := f.Write(append(bts, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append index: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}

// compact rewrites the index with one put per live record, oldest first, and
// swaps it in with a rename.
func (db *DB) compact() error {
	recs := make([]Conversation, 0, len(db.records))
	for _, rec := range db.records {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b Conversation) int { return newestFirst(b, a) })

	tmp := db.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("compact index: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range recs {
		if err := enc.Encode(indexEvent{Op: opPut, Record: &recs[i]}); err != nil {
			_ = f.Close()
			return fmt.Errorf("compact index: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("compact index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compact index: %w", err)
	}
	if err := os.Rename(tmp, db.path); err != nil {
		return fmt.Errorf("compact index: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(db.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	db.events = len(recs)
	return nil
}
