package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type identityFunc func(ctx context.Context) (Identity, error)

func (f identityFunc) Identity(ctx context.Context) (Identity, error) { return f(ctx) }

// gatedStorage blocks reads until gate is closed.
type gatedStorage struct {
	*MemoryStorage
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStorage) Get(ctx context.Context, namespace string) ([]json.RawMessage, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.gate
	return s.MemoryStorage.Get(ctx, namespace)
}

func newTestClient(t *testing.T, remote *fakeRemote, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithSweepSpec("-")}, opts...)
	c, err := New(remote, StaticIdentity{ActorID: "me", DisplayName: "Me"}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Teardown)
	return c
}

func TestNew(t *testing.T) {
	t.Run("requires collaborators", func(t *testing.T) {
		if _, err := New(nil, StaticIdentity{ActorID: "me"}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
		if _, err := New(newFakeRemote(), nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("rejects bad options", func(t *testing.T) {
		if _, err := New(newFakeRemote(), StaticIdentity{ActorID: "me"}, WithSweepSpec("every now and then")); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
		if _, err := New(newFakeRemote(), StaticIdentity{ActorID: "me"}, WithSendTimeout(-time.Second)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("accepts six field sweep spec", func(t *testing.T) {
		if _, err := New(newFakeRemote(), StaticIdentity{ActorID: "me"}, WithSweepSpec("*/30 * * * * *")); err != nil {
			t.Fatalf("New: %v", err)
		}
	})
}

func TestClientInit(t *testing.T) {
	t.Run("lazy and idempotent", func(t *testing.T) {
		calls := 0
		c, err := New(newFakeRemote(), identityFunc(func(context.Context) (Identity, error) {
			calls++
			return Identity{ActorID: "me"}, nil
		}), WithSweepSpec("-"))
		if err != nil {
			t.Fatal(err)
		}
		defer c.Teardown()

		if s := c.Stats(); s.Actor != "" {
			t.Fatalf("stats before init = %+v", s)
		}
		for i := 0; i < 3; i++ {
			if err := c.Init(context.Background()); err != nil {
				t.Fatalf("Init: %v", err)
			}
		}
		if calls != 1 {
			t.Fatalf("identity resolved %d times, want 1", calls)
		}
		if s := c.Stats(); s.Actor != "me" {
			t.Fatalf("Actor = %q", s.Actor)
		}
	})

	t.Run("identity errors", func(t *testing.T) {
		boom := errors.New("signed out")
		c, _ := New(newFakeRemote(), identityFunc(func(context.Context) (Identity, error) {
			return Identity{}, boom
		}), WithSweepSpec("-"))
		if err := c.Init(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		if _, err := c.Thread(context.Background(), "conv-1"); !errors.Is(err, boom) {
			t.Fatalf("Thread err = %v", err)
		}
	})

	t.Run("empty actor", func(t *testing.T) {
		c, _ := New(newFakeRemote(), StaticIdentity{}, WithSweepSpec("-"))
		if err := c.Init(context.Background()); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestClientThread(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	th, err := c.Thread(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	again, _ := c.Thread(ctx, "conv-1")
	if again != th {
		t.Fatal("Thread returned a second pipeline for the same conversation")
	}

	key := MessagesStreamKey("conv-1")
	waitFor(t, "subscription", func() bool { return remote.subscribed(key) })
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	remote.push(t, key, confirmedRecord("m100", "alice", "hi there", created))

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := c.WaitMessages(wctx, "conv-1")
	if err != nil {
		t.Fatalf("WaitMessages: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].ID != "m100" {
		t.Fatalf("snapshot = %+v", snap.Items)
	}
	waitFor(t, "reconciled record", func() bool {
		m, ok := th.Find("m100")
		return ok && m.State == StateConfirmed
	})

	waitFor(t, "live stream", func() bool {
		s := c.Stats()
		return s.Threads == 1 && s.Messages.Live == 1 && s.Messages.InFlight == 0
	})
}

func TestClientThreadConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	err := NewRetryQueue(mem, "me", nil).Put(ctx, RetryEntry{
		ClientID:       "c-old",
		ConversationID: "conv-1",
		AuthorID:       "me",
		Body:           "unsent",
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	store := &gatedStorage{MemoryStorage: mem, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	c := newTestClient(t, newFakeRemote(), WithStorage(store))

	type result struct {
		th  *Thread
		err error
	}
	first := make(chan result, 1)
	go func() {
		th, err := c.Thread(ctx, "conv-1")
		first <- result{th, err}
	}()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first caller never loaded the retry queue")
	}

	second := make(chan result, 1)
	go func() {
		th, err := c.Thread(ctx, "conv-1")
		second <- result{th, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second caller returned before restore finished: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.gate)
	r1, r2 := <-first, <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("Thread errors: %v, %v", r1.err, r2.err)
	}
	if r1.th != r2.th {
		t.Fatal("concurrent callers got different pipelines")
	}
	if m, ok := r2.th.Find("c-old"); !ok || m.State != StateFailed {
		t.Fatalf("restored record = %+v, %v", m, ok)
	}
}

func TestClientWaitMessagesUnknown(t *testing.T) {
	c := newTestClient(t, newFakeRemote())
	if _, err := c.WaitMessages(context.Background(), "conv-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("before init: err = %v, want ErrClosed", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.WaitMessages(context.Background(), "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unopened: err = %v, want ErrNotFound", err)
	}
}

func TestClientMembers(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	changes := make(chan Change[Member], 8)
	snap, h, err := c.Members(ctx, "org-1", func(ch Change[Member]) { changes <- ch })
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	defer h.Release()
	if !snap.Loading {
		t.Fatalf("first request should be loading: %+v", snap)
	}

	key := MembersStreamKey("org-1")
	waitFor(t, "members subscription", func() bool { return remote.subscribed(key) })
	remote.push(t, key, Member{ID: "alice", DisplayName: "Alice"}, Member{ID: "bob", DisplayName: "Bob"})

	select {
	case ch := <-changes:
		if len(ch.Items) != 2 {
			t.Fatalf("items = %+v", ch.Items)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for members")
	}

	second, h2, _ := c.Members(ctx, "org-1", nil)
	defer h2.Release()
	if second.Loading || len(second.Items) != 2 {
		t.Fatalf("second request = %+v", second)
	}
	if s := c.Stats(); s.Members.Opens != 1 {
		t.Fatalf("Opens = %d, want 1", s.Members.Opens)
	}
}

func TestClientRetryQueue(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failBodies["nope"] = errors.New("rejected")
	c := newTestClient(t, remote)

	th, err := c.Thread(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	events := collect(th, EventMessageFailed)
	if _, err := th.Send(ctx, "nope", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	nextEvent(t, events)

	q, err := c.RetryQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	convs, err := q.Conversations(ctx)
	if err != nil || len(convs) != 1 || convs[0] != "conv-1" {
		t.Fatalf("Conversations = %v, %v", convs, err)
	}
	entries, _ := q.Load(ctx, "conv-1")
	if len(entries) != 1 || entries[0].Body != "nope" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestClientTeardown(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, err := New(remote, StaticIdentity{ActorID: "me"})
	if err != nil {
		t.Fatal(err)
	}

	th, err := c.Thread(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	key := MessagesStreamKey("conv-1")
	waitFor(t, "subscription", func() bool { return remote.subscribed(key) })

	c.Teardown()
	c.Teardown()

	if remote.subscribed(key) {
		t.Fatal("subscription still open after Teardown")
	}
	if _, err := th.Send(ctx, "late", SendOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Teardown: err = %v, want ErrClosed", err)
	}
	if s := c.Stats(); s != (ClientStats{}) {
		t.Fatalf("stats after Teardown = %+v", s)
	}

	// A new sign-in starts from scratch.
	th2, err := c.Thread(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Thread after Teardown: %v", err)
	}
	defer c.Teardown()
	if th2 == th {
		t.Fatal("Teardown kept the old pipeline")
	}
	waitFor(t, "resubscription", func() bool { return remote.subscribed(key) })
}

func TestClientSweep(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote, WithEviction(EvictionPolicy{MaxKeys: 1}))

	if got := c.Sweep(); got != 0 {
		t.Fatalf("Sweep before init = %d", got)
	}
	for _, org := range []string{"org-1", "org-2"} {
		_, h, err := c.Members(ctx, org, nil)
		if err != nil {
			t.Fatal(err)
		}
		h.Release()
	}
	waitFor(t, "both subscriptions", func() bool {
		s := c.Stats().Members
		return s.Live == 2 && s.InFlight == 0
	})
	if got := c.Sweep(); got != 1 {
		t.Fatalf("Sweep = %d, want 1", got)
	}
	if s := c.Stats(); s.Members.Keys != 1 {
		t.Fatalf("Keys = %d, want 1", s.Members.Keys)
	}
}
