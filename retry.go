package livesync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryEntry is the durable form of a failed record.
type RetryEntry struct {
	ClientID       string    `json:"clientId"`
	ConversationID string    `json:"conversationId"`
	AuthorID       string    `json:"authorId"`
	Body           string    `json:"body,omitempty"`
	AttachmentRef  string    `json:"attachmentRef,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	FailedAt       time.Time `json:"failedAt"`
	Error          string    `json:"error,omitempty"`
}

func (e RetryEntry) valid() bool {
	return e.ClientID != "" && (e.Body != "" || e.AttachmentRef != "")
}

// Message returns the failed record the entry stands for.
func (e RetryEntry) Message() Message {
	return Message{
		ClientID:       e.ClientID,
		ConversationID: e.ConversationID,
		AuthorID:       e.AuthorID,
		Body:           e.Body,
		AttachmentRef:  e.AttachmentRef,
		CreatedAt:      e.CreatedAt,
		State:          StateFailed,
		Error:          e.Error,
	}
}

func retryEntryFor(m Message, failedAt time.Time) RetryEntry {
	return RetryEntry{
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		AttachmentRef:  m.AttachmentRef,
		CreatedAt:      m.CreatedAt,
		FailedAt:       failedAt,
		Error:          m.Error,
	}
}

// RetryQueue keeps failed records of one actor in Storage, one namespace
// per conversation. It never retries on its own.
type RetryQueue struct {
	store   Storage
	actorID string
	log     Logger

	// mu serializes read-modify-write cycles of this process.
	mu sync.Mutex
}

// NewRetryQueue returns the retry queue of actorID on store.
func NewRetryQueue(store Storage, actorID string, log Logger) *RetryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryQueue{store: store, actorID: actorID, log: log}
}

func (q *RetryQueue) prefix() string {
	return "retry/" + q.actorID + "/"
}

func (q *RetryQueue) namespace(conversationID string) string {
	return q.prefix() + conversationID
}

// Load returns the entries of a conversation, deduplicated by client id.
// Malformed entries are dropped with a warning and the cleaned list is
// written back.
func (q *RetryQueue) Load(ctx context.Context, conversationID string) ([]RetryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, dirty, err := q.loadLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := q.storeLocked(ctx, conversationID, entries); err != nil {
			q.log.Warn("rewrite retry queue failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}
	return entries, nil
}

// Put inserts entry or replaces the entry with the same client id.
func (q *RetryQueue) Put(ctx context.Context, entry RetryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, _, err := q.loadLocked(ctx, entry.ConversationID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].ClientID == entry.ClientID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return q.storeLocked(ctx, entry.ConversationID, entries)
}

// Remove deletes the entry with clientID. It reports whether one existed.
func (q *RetryQueue) Remove(ctx context.Context, conversationID, clientID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, _, err := q.loadLocked(ctx, conversationID)
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ClientID != clientID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return false, nil
	}
	return true, q.storeLocked(ctx, conversationID, kept)
}

// Conversations lists the conversations that have stored entries.
func (q *RetryQueue) Conversations(ctx context.Context) ([]string, error) {
	namespaces, err := q.store.Namespaces(ctx, q.prefix())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, strings.TrimPrefix(ns, q.prefix()))
	}
	return out, nil
}

func (q *RetryQueue) loadLocked(ctx context.Context, conversationID string) (entries []RetryEntry, dirty bool, err error) {
	ns := q.namespace(conversationID)
	raw, err := q.store.Get(ctx, ns)
	if err != nil {
		return nil, false, err
	}
	seen := make(map[string]struct{}, len(raw))
	for i, r := range raw {
		var e RetryEntry
		if err := json.Unmarshal(r, &e); err != nil || !e.valid() {
			q.log.Warn("dropping malformed retry entry",
				zap.String("namespace", ns),
				zap.Int("index", i),
				zap.Error(err),
			)
			dirty = true
			continue
		}
		if _, dup := seen[e.ClientID]; dup {
			dirty = true
			continue
		}
		seen[e.ClientID] = struct{}{}
		if e.ConversationID == "" {
			e.ConversationID = conversationID
		}
		entries = append(entries, e)
	}
	return entries, dirty, nil
}

func (q *RetryQueue) storeLocked(ctx context.Context, conversationID string, entries []RetryEntry) error {
	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}
	return q.store.Set(ctx, q.namespace(conversationID), raw)
}
