package livesync

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// RemoteStore is the managed real-time document store.
type RemoteStore interface {
	// Subscribe opens a live stream. onDelta and onError may be called from
	// any goroutine until the subscription is cancelled.
	Subscribe(ctx context.Context, streamKey string, onDelta func(RawDelta), onError func(error)) (Subscription, error)
	// Write appends a document to the collection at path.
	Write(ctx context.Context, collectionPath string, payload any) (*Ack, error)
	// Update merges partial into the document at path.
	Update(ctx context.Context, path string, partial map[string]any) error
}

// IdentityProvider reports the signed-in actor.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// StaticIdentity is an IdentityProvider that always returns itself.
type StaticIdentity Identity

func (s StaticIdentity) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}

// StreamSource returns a Source that subscribes to streamKey on remote and
// decodes every document as T. Documents that fail to decode are skipped.
func StreamSource[T any](remote RemoteStore, streamKey string, log Logger) Source[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return Source[T]{
		Subscribe: func(ctx context.Context, push func(Delta[T]), fail func(error)) (Subscription, error) {
			return remote.Subscribe(ctx, streamKey, func(raw RawDelta) {
				push(Delta[T]{
					Added:    decodeDocs[T](log, streamKey, raw.Added),
					Modified: decodeDocs[T](log, streamKey, raw.Modified),
					Removed:  raw.Removed,
				})
			}, fail)
		},
	}
}

func decodeDocs[T any](log Logger, streamKey string, docs []json.RawMessage) []T {
	if len(docs) == 0 {
		return nil
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			log.Warn("skipping undecodable document", zap.String("stream", streamKey), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

// MessagesStreamKey is the stream and cache key of a conversation's records.
func MessagesStreamKey(conversationID string) string {
	return "messages:" + conversationID
}

// MembersStreamKey is the stream and cache key of an organization's members.
func MembersStreamKey(orgID string) string {
	return "members:" + orgID
}

func messagesPath(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

func messagePath(conversationID, id string) string {
	return messagesPath(conversationID) + "/" + id
}
