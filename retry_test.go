package livesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRetryQueue(t *testing.T) {
	ctx := context.Background()
	failedAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	entry := func(clientID, body string) RetryEntry {
		return RetryEntry{ClientID: clientID, ConversationID: "conv-1", AuthorID: "me", Body: body, FailedAt: failedAt, Error: "timeout"}
	}

	t.Run("put upserts by client id", func(t *testing.T) {
		q := NewRetryQueue(NewMemoryStorage(), "me", nil)
		q.Put(ctx, entry("c1", "first"))
		q.Put(ctx, entry("c2", "second"))
		q.Put(ctx, entry("c1", "edited"))

		got, err := q.Load(ctx, "conv-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].Body != "edited" || got[1].ClientID != "c2" {
			t.Fatalf("entries = %+v", got)
		}
	})

	t.Run("remove", func(t *testing.T) {
		q := NewRetryQueue(NewMemoryStorage(), "me", nil)
		q.Put(ctx, entry("c1", "first"))

		if ok, err := q.Remove(ctx, "conv-1", "missing"); ok || err != nil {
			t.Fatalf("Remove missing = %v, %v", ok, err)
		}
		if ok, err := q.Remove(ctx, "conv-1", "c1"); !ok || err != nil {
			t.Fatalf("Remove = %v, %v", ok, err)
		}
		if got, _ := q.Load(ctx, "conv-1"); len(got) != 0 {
			t.Fatalf("entries = %+v", got)
		}
	})

	t.Run("malformed and duplicate entries are dropped", func(t *testing.T) {
		store := NewMemoryStorage()
		good, _ := json.Marshal(entry("c1", "hello"))
		dup, _ := json.Marshal(entry("c1", "again"))
		store.Set(ctx, "retry/me/conv-1", []json.RawMessage{
			json.RawMessage(`not json`),
			good,
			json.RawMessage(`{"clientId":"c9"}`),
			json.RawMessage(`{"body":"no client id"}`),
			dup,
		})
		q := NewRetryQueue(store, "me", nil)

		got, err := q.Load(ctx, "conv-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ClientID != "c1" || got[0].Body != "hello" {
			t.Fatalf("entries = %+v", got)
		}
		stored, _ := store.Get(ctx, "retry/me/conv-1")
		if len(stored) != 1 {
			t.Fatalf("cleaned list not written back: %s", stored)
		}
	})

	t.Run("conversations are scoped to the actor", func(t *testing.T) {
		store := NewMemoryStorage()
		mine := NewRetryQueue(store, "me", nil)
		theirs := NewRetryQueue(store, "other", nil)
		mine.Put(ctx, entry("c1", "a"))
		e := entry("c2", "b")
		e.ConversationID = "conv-2"
		mine.Put(ctx, e)
		theirs.Put(ctx, entry("c3", "c"))

		got, err := mine.Conversations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0] != "conv-1" || got[1] != "conv-2" {
			t.Fatalf("Conversations = %v", got)
		}
		if got, _ := theirs.Load(ctx, "conv-2"); len(got) != 0 {
			t.Fatalf("other actor sees %+v", got)
		}
	})

	t.Run("entry round trip to message", func(t *testing.T) {
		m := Message{ClientID: "c1", ConversationID: "conv-1", AuthorID: "me", Body: "hi", State: StateFailed, Error: "timeout"}
		back := retryEntryFor(m, failedAt).Message()
		if back.ClientID != "c1" || back.State != StateFailed || back.Error != "timeout" || back.Body != "hi" {
			t.Fatalf("message = %+v", back)
		}
	})
}
