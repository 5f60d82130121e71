package livesync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the remote store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Identity is the signed-in actor as reported by the identity provider.
type Identity struct {
	ActorID      string `json:"actorId"`
	DisplayName  string `json:"displayName"`
	IsPrivileged bool   `json:"isPrivileged"`
}

// ============================================================================
// Message Types
// ============================================================================

// MessageState is the lifecycle state of a conversation record.
type MessageState string

const (
	StateDraft     MessageState = "draft"
	StatePending   MessageState = "pending"
	StateConfirmed MessageState = "confirmed"
	StateFailed    MessageState = "failed"
)

// Message is a conversation record as shown to the local view.
//
// ID is empty until the remote store acknowledges the write. ClientID is the
// idempotency key assigned when the record is authored.
type Message struct {
	ID             string       `json:"id,omitempty"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	AuthorID       string       `json:"authorId"`
	Body           string       `json:"body,omitempty"`
	AttachmentRef  string       `json:"attachmentRef,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitzero"`
	Deleted        bool         `json:"deleted,omitempty"`
	State          MessageState `json:"state,omitempty"`
	Error          string       `json:"error,omitempty"`

	// Seq is the local insertion order, used to break CreatedAt ties.
	Seq int64 `json:"-"`
}

// Timestamp returns the time used for last-write-wins comparisons.
func (m Message) Timestamp() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// Member is a participant of an organization or conversation.
type Member struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// SendOptions carries optional fields for Thread.Send.
type SendOptions struct {
	AttachmentRef string
}

// ============================================================================
// Remote Store Types
// ============================================================================

// Ack is the remote store's acknowledgment of a write.
type Ack struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// RawDelta is a push from the remote store, keyed by document identity.
type RawDelta struct {
	StreamKey string            `json:"streamKey"`
	Added     []json.RawMessage `json:"added,omitempty"`
	Modified  []json.RawMessage `json:"modified,omitempty"`
	Removed   []string          `json:"removed,omitempty"`
}

// Delta is a decoded push for a cached collection.
type Delta[T any] struct {
	Added    []T
	Modified []T
	Removed  []string
}

// Empty reports whether the delta carries no changes.
func (d Delta[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// writePayload is the document sent to the remote store for a new message.
type writePayload struct {
	ClientID      string    `json:"clientId"`
	AuthorID      string    `json:"authorId"`
	Body          string    `json:"body,omitempty"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
