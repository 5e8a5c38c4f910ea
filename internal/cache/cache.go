// Package cache keeps recent conversation history on local disk so a client
// can resume a chat without refetching it. Entries expire a fixed TTL after
// their last save.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/kingrea/council/internal/conversation"
)

// DefaultTTL is how long a saved entry stays readable.
const DefaultTTL = 24 * time.Hour

// sharedParticipant stands in for an empty participant ID, which keys the
// whole group chat.
const sharedParticipant = "_group"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Key identifies one cached history.
type Key struct {
	ConversationID string
	ParticipantID  string
}

// Store is the get/set/expire contract.
type Store interface {
	Get(Key) ([]conversation.Message, bool, error)
	Set(Key, []conversation.Message) error
	Expire(Key) error
}

type entry struct {
	ConversationID string                 `json:"conversation_id"`
	ParticipantID  string                 `json:"participant_id,omitempty"`
	SavedAt        time.Time              `json:"saved_at"`
	Messages       []conversation.Message `json:"messages"`
}

// FileStore keeps one JSON file per key under dir.
type FileStore struct {
	dir string
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// Option customizes a FileStore.
type Option func(*FileStore)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *FileStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects the clock used for saving and expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(s *FileStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewFileStore roots a store at dir, typically .council/cache.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: directory is required")
	}
	s := &FileStore{dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Get returns the cached messages for key. Expired entries are deleted and
// reported as missing.
func (s *FileStore) Get(key Key) ([]conversation.Message, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: read %s: %w", path, err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// unreadable entries are treated like expired ones
		_ = os.Remove(path)
		return nil, false, nil
	}
	if !s.now().Before(e.SavedAt.Add(s.ttl)) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("cache: expire %s: %w", path, err)
		}
		return nil, false, nil
	}
	return e.Messages, true, nil
}

// Set saves messages for key and restarts its TTL.
func (s *FileStore) Set(key Key, messages []conversation.Message) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(entry{
		ConversationID: key.ConversationID,
		ParticipantID:  key.ParticipantID,
		SavedAt:        s.now().UTC(),
		Messages:       messages,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: commit %s: %w", path, err)
	}
	return nil
}

// Expire deletes the entry for key. Missing entries are not an error.
func (s *FileStore) Expire(key Key) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: expire %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) path(key Key) (string, error) {
	conv := sanitize(key.ConversationID)
	if conv == "" {
		return "", fmt.Errorf("cache: conversation id is required")
	}
	participant := sanitize(key.ParticipantID)
	if participant == "" {
		participant = sharedParticipant
	}
	return filepath.Join(s.dir, conv, participant+".json"), nil
}

func sanitize(id string) string {
	cleaned := unsafeChars.ReplaceAllString(id, "_")
	if cleaned == "." || cleaned == ".." {
		return ""
	}
	return cleaned
}
