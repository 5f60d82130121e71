package livesync

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Storage is the durable local key-value collaborator. Each namespace holds
// a list of opaque JSON entries; Set replaces the whole list.
type Storage interface {
	Get(ctx context.Context, namespace string) ([]json.RawMessage, error)
	Set(ctx context.Context, namespace string, entries []json.RawMessage) error
	// Namespaces lists the stored namespaces that start with prefix.
	Namespaces(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage. Contents are lost on
// process exit; use it for tests and ephemeral sessions.
type MemoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string][]json.RawMessage
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{namespaces: make(map[string][]json.RawMessage)}
}

func (s *MemoryStorage) Get(_ context.Context, namespace string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.namespaces[namespace]), nil
}

func (s *MemoryStorage) Set(_ context.Context, namespace string, entries []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		delete(s.namespaces, namespace)
		return nil
	}
	s.namespaces[namespace] = cloneEntries(entries)
	return nil
}

func (s *MemoryStorage) Namespaces(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for ns := range s.namespaces {
		if strings.HasPrefix(ns, prefix) {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }

func cloneEntries(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return nil
	}
	out := make([]json.RawMessage, len(in))
	for i, e := range in {
		out[i] = append(json.RawMessage(nil), e...)
	}
	return out
}
