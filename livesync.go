// Package livesync is a client-side synchronization core for chat-style
// applications backed by a real-time document store.
//
// It has two parts: a SubscriptionCache that deduplicates live
// subscriptions by key, and a Thread pipeline that shows locally authored
// messages immediately and reconciles them with the store.
//
// Example:
//
//	remote := livesync.NewWSRemote("https://sync.example.com", livesync.WithToken(token))
//	client, _ := livesync.New(remote, livesync.StaticIdentity{ActorID: "u1"},
//		livesync.WithStorage(store),
//	)
//	defer client.Teardown()
//
//	thread, _ := client.Thread(ctx, "conv-1")
//	thread.On(livesync.EventMessageFailed, func(ev livesync.ThreadEvent) { ... })
//	thread.Send(ctx, "Hello!", livesync.SendOptions{})
package livesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSendTimeout = 15 * time.Second
	DefaultSweepSpec   = "@every 1m"
)

// sweepParser accepts six-field specs with seconds as well as descriptors.
var sweepParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ============================================================================
// Options
// ============================================================================

// Options configures a Client.
type Options struct {
	// Members and Messages configure the two caches.
	Members  CacheOptions
	Messages CacheOptions
	// default: 15 * time.Second
	SendTimeout time.Duration
	// SweepSpec is the cron schedule of the eviction sweep. "-" disables it.
	// default: "@every 1m"
	SweepSpec string

	Logger     Logger
	Storage    Storage
	Notifier   Notifier
	Recipients RecipientsFunc
}

func (o *Options) defaults() {
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.SweepSpec == "" {
		o.SweepSpec = DefaultSweepSpec
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Storage == nil {
		o.Storage = NewMemoryStorage()
	}
}

// Validate checks the options after defaults are applied.
func (o *Options) Validate() error {
	if o.SendTimeout < 0 {
		return ErrInvalidDuration("send timeout", o.SendTimeout)
	}
	if o.SweepSpec != "-" {
		if _, err := sweepParser.Parse(o.SweepSpec); err != nil {
			return fmt.Errorf("%w: sweep spec %q: %v", ErrInvalidConfig, o.SweepSpec, err)
		}
	}
	return nil
}

// ClientOption configures a Client.
type ClientOption func(*Options)

func WithLogger(log Logger) ClientOption {
	return func(o *Options) { o.Logger = log }
}

func WithStorage(s Storage) ClientOption {
	return func(o *Options) { o.Storage = s }
}

func WithNotifier(n Notifier) ClientOption {
	return func(o *Options) { o.Notifier = n }
}

func WithRecipients(fn RecipientsFunc) ClientOption {
	return func(o *Options) { o.Recipients = fn }
}

func WithSendTimeout(d time.Duration) ClientOption {
	return func(o *Options) { o.SendTimeout = d }
}

func WithSweepSpec(spec string) ClientOption {
	return func(o *Options) { o.SweepSpec = spec }
}

// WithCacheOptions applies the same cache options to both caches.
func WithCacheOptions(opts CacheOptions) ClientOption {
	return func(o *Options) {
		o.Members = opts
		o.Messages = opts
	}
}

// WithEviction sets the eviction policy of both caches.
func WithEviction(p EvictionPolicy) ClientOption {
	return func(o *Options) {
		o.Members.Eviction = p
		o.Messages.Eviction = p
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is the process-wide synchronization service of one signed-in
// actor. It is initialized lazily on first use and cleared by Teardown.
type Client struct {
	remote   RemoteStore
	identity IdentityProvider
	opts     Options
	log      Logger

	mu       sync.Mutex
	ready    bool
	actor    Identity
	members  *SubscriptionCache[Member]
	messages *SubscriptionCache[Message]
	retry    *RetryQueue
	threads  map[string]*threadSlot
	sched    *cron.Cron
}

// ClientStats is a point-in-time view of a client.
type ClientStats struct {
	Actor    string
	Members  CacheStats
	Messages CacheStats
	Threads  int
}

// New creates a client. Nothing is opened until Init or first use.
func New(remote RemoteStore, identity IdentityProvider, opts ...ClientOption) (*Client, error) {
	if remote == nil || identity == nil {
		return nil, fmt.Errorf("%w: remote store and identity provider are required", ErrInvalidConfig)
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &Client{remote: remote, identity: identity, opts: o, log: o.Logger}, nil
}

// Init resolves the signed-in actor and builds the caches. It is a no-op
// when the client is already initialized.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx)
}

func (c *Client) initLocked(ctx context.Context) error {
	if c.ready {
		return nil
	}
	actor, err := c.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("livesync: resolve identity: %w", err)
	}
	if actor.ActorID == "" {
		return fmt.Errorf("%w: identity has no actor id", ErrInvalidConfig)
	}

	members, err := NewSubscriptionCache("members", c.log, memberID, memberEqual, c.opts.Members)
	if err != nil {
		return err
	}
	messages, err := NewSubscriptionCache("messages", c.log, messageKey, messageEqual, c.opts.Messages)
	if err != nil {
		members.Teardown()
		return err
	}

	var sched *cron.Cron
	if c.opts.SweepSpec != "-" {
		sched = cron.New(cron.WithParser(sweepParser))
		if _, err := sched.AddFunc(c.opts.SweepSpec, func() { c.Sweep() }); err != nil {
			members.Teardown()
			messages.Teardown()
			return fmt.Errorf("%w: sweep spec %q: %v", ErrInvalidConfig, c.opts.SweepSpec, err)
		}
		sched.Start()
	}

	c.actor = actor
	c.members = members
	c.messages = messages
	c.retry = NewRetryQueue(c.opts.Storage, actor.ActorID, c.log)
	c.threads = make(map[string]*threadSlot)
	c.sched = sched
	c.ready = true
	c.log.Info("livesync initialized", zap.String("actor_id", actor.ActorID))
	return nil
}

// Identity returns the signed-in actor.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(ctx); err != nil {
		return Identity{}, err
	}
	return c.actor, nil
}

// Members requests the member list of an organization. consumer may be nil.
func (c *Client) Members(ctx context.Context, orgID string, consumer Consumer[Member]) (Snapshot[Member], *Handle, error) {
	cache, err := c.memberCache(ctx)
	if err != nil {
		return Snapshot[Member]{}, nil, err
	}
	key := MembersStreamKey(orgID)
	snap, h := cache.Request(ctx, key, StreamSource[Member](c.remote, key, c.log), consumer)
	return snap, h, nil
}

// RefreshMembers forces a refetch of an organization's members, subject to
// the cooldown window.
func (c *Client) RefreshMembers(ctx context.Context, orgID string) (Snapshot[Member], bool, error) {
	cache, err := c.memberCache(ctx)
	if err != nil {
		return Snapshot[Member]{}, false, err
	}
	key := MembersStreamKey(orgID)
	snap, refetched := cache.Refresh(ctx, key, StreamSource[Member](c.remote, key, c.log))
	return snap, refetched, nil
}

// threadSlot publishes a thread once its retry entries are restored and it
// is bound to the live stream.
type threadSlot struct {
	thread *Thread
	ready  chan struct{}
	err    error
}

// Thread returns the pipeline of a conversation, creating it on first use.
// A new thread restores its durable failed records and binds to the live
// record stream; concurrent callers wait until that is done.
func (c *Client) Thread(ctx context.Context, conversationID string) (*Thread, error) {
	c.mu.Lock()
	if err := c.initLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if slot, ok := c.threads[conversationID]; ok {
		c.mu.Unlock()
		select {
		case <-slot.ready:
			return slot.thread, slot.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t, err := NewThread(ThreadConfig{
		ConversationID: conversationID,
		Identity:       c.actor,
		Remote:         c.remote,
		Retry:          c.retry,
		Notifier:       c.opts.Notifier,
		Recipients:     c.opts.Recipients,
		Log:            c.log,
		SendTimeout:    c.opts.SendTimeout,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	slot := &threadSlot{thread: t, ready: make(chan struct{})}
	c.threads[conversationID] = slot
	messages := c.messages
	c.mu.Unlock()
	defer close(slot.ready)

	if _, err := t.Load(ctx); err != nil {
		c.log.Warn("load retry queue failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
	key := MessagesStreamKey(conversationID)
	slot.err = t.Bind(ctx, messages, StreamSource[Message](c.remote, key, c.log))
	return t, slot.err
}

// WaitMessages blocks until the live record stream of a conversation has
// delivered its first value or error. The thread must have been opened.
func (c *Client) WaitMessages(ctx context.Context, conversationID string) (Snapshot[Message], error) {
	c.mu.Lock()
	messages := c.messages
	c.mu.Unlock()
	if messages == nil {
		return Snapshot[Message]{}, ErrClosed
	}
	return messages.Wait(ctx, MessagesStreamKey(conversationID))
}

// RetryQueue returns the durable retry queue of the signed-in actor.
func (c *Client) RetryQueue(ctx context.Context) (*RetryQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(ctx); err != nil {
		return nil, err
	}
	return c.retry, nil
}

// Sweep applies the eviction policy to both caches.
func (c *Client) Sweep() int {
	c.mu.Lock()
	members, messages := c.members, c.messages
	c.mu.Unlock()
	if members == nil {
		return 0
	}
	n := members.Sweep() + messages.Sweep()
	if n > 0 {
		c.log.Debug("sweep evicted subscriptions", zap.Int("count", n))
	}
	return n
}

// Stats returns counters of both caches.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return ClientStats{}
	}
	return ClientStats{
		Actor:    c.actor.ActorID,
		Members:  c.members.Stats(),
		Messages: c.messages.Stats(),
		Threads:  len(c.threads),
	}
}

// Teardown closes every thread, cancels every live subscription, clears
// both caches and drops the retry queue reference of the signed-out actor.
// The client can be initialized again afterwards.
func (c *Client) Teardown() {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return
	}
	threads := c.threads
	members, messages, sched := c.members, c.messages, c.sched
	actor := c.actor.ActorID
	c.threads = nil
	c.members, c.messages, c.retry, c.sched = nil, nil, nil, nil
	c.actor = Identity{}
	c.ready = false
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	for _, slot := range threads {
		slot.thread.Close()
	}
	members.Teardown()
	messages.Teardown()
	c.log.Info("livesync torn down", zap.String("actor_id", actor), zap.Int("threads", len(threads)))
}

func (c *Client) memberCache(ctx context.Context) (*SubscriptionCache[Member], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.initLocked(ctx); err != nil {
		return nil, err
	}
	return c.members, nil
}

// ── identity & equality ──────────────────────────────────

func memberID(m Member) string { return m.ID }

func memberEqual(a, b Member) bool {
	return a.DisplayName == b.DisplayName && a.Role == b.Role && a.UpdatedAt.Equal(b.UpdatedAt)
}

// messageKey identifies a stream record by server id, falling back to the
// client id for documents that have none yet.
func messageKey(m Message) string {
	if m.ID != "" {
		return m.ID
	}
	return "client:" + m.ClientID
}

func messageEqual(a, b Message) bool {
	return a.Body == b.Body &&
		a.AttachmentRef == b.AttachmentRef &&
		a.Deleted == b.Deleted &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
