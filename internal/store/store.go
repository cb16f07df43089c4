// Package store keeps the on-disk nickname registry: short names for
// variant ids plus an optional default, persisted as a small JSON file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type fileFormat struct {
	DefaultGPT string            `json:"default_gpt,omitempty"`
	GPTs       map[string]string `json:"gpts"`
}

// Entry is one nickname binding.
type Entry struct {
	Nickname  string `json:"nickname"`
	VariantID string `json:"variant_id"`
	IsDefault bool   `json:"is_default"`
}

// Store is safe for concurrent use. The file is read lazily on first
// access and rewritten whole on every mutation.
type Store struct {
	path string
	log  *log.Logger

	mu     sync.Mutex
	loaded bool
	data   fileFormat
}

func New(path string, logger *log.Logger) *Store {
	return &Store{path: path, log: logger}
}

func (s *Store) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.data.GPTs = make(map[string]string)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read nickname store", "path", s.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.log.Warn("nickname store is corrupt, starting empty", "path", s.path, "error", err)
		s.data = fileFormat{GPTs: make(map[string]string)}
		return
	}
	if s.data.GPTs == nil {
		s.data.GPTs = make(map[string]string)
	}
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write nickname store: %w", err)
	}
	return nil
}

// Star binds nickname to a variant id.
func (s *Store) Star(nickname, variantID string) error {
	if nickname == "" || variantID == "" {
		return fmt.Errorf("nickname and variant id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.data.GPTs[nickname] = variantID
	return s.persist()
}

// Unstar removes a nickname. Removing the nickname behind the default
// clears the default too.
func (s *Store) Unstar(nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	id, ok := s.data.GPTs[nickname]
	if !ok {
		return fmt.Errorf("unknown nickname %q", nickname)
	}
	delete(s.data.GPTs, nickname)
	if s.data.DefaultGPT == id || s.data.DefaultGPT == nickname {
		s.data.DefaultGPT = ""
	}
	return s.persist()
}

// SetDefault names the variant used when a request carries no model at
// all. Accepts a nickname or a raw variant id.
func (s *Store) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	if id, ok := s.data.GPTs[name]; ok {
		s.data.DefaultGPT = id
	} else {
		s.data.DefaultGPT = name
	}
	return s.persist()
}

// Resolve maps a requested model name to a variant id. Raw variant ids
// pass through, nicknames resolve through the registry, anything else
// falls back to the default; "" means the base assistant.
func (s *Store) Resolve(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	if strings.HasPrefix(name, "g-") {
		return name
	}
	if id, ok := s.data.GPTs[name]; ok {
		return id
	}
	return s.data.DefaultGPT
}

// List returns all bindings sorted by nickname.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	out := make([]Entry, 0, len(s.data.GPTs))
	for nick, id := range s.data.GPTs {
		out = append(out, Entry{
			Nickname:  nick,
			VariantID: id,
			IsDefault: s.data.DefaultGPT == id || s.data.DefaultGPT == nick,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}
