package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

// RecipientsFunc returns who should be notified about a confirmed record.
type RecipientsFunc func(ctx context.Context, conversationID string) ([]string, error)

// ThreadConfig configures a Thread.
type ThreadConfig struct {
	ConversationID string
	Identity       Identity
	Remote         RemoteStore
	// Retry persists failed records. nil keeps failures in memory only.
	Retry *RetryQueue
	// Notifier receives confirmed records. nil disables fan-out.
	Notifier Notifier
	// Recipients overrides the default recipient set, which is every other
	// author seen in the conversation.
	Recipients RecipientsFunc
	Log        Logger

	// SendTimeout bounds one remote write; a write that does not finish in
	// time leaves the record Failed.
	// default: 15 * time.Second
	SendTimeout time.Duration
	// NotifyTimeout bounds one fan-out call.
	// default: 10 * time.Second
	NotifyTimeout time.Duration
	// Now and NewClientID override the clock and id source; tests only.
	Now         func() time.Time
	NewClientID func() string
}

func (c *ThreadConfig) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewClientID == nil {
		c.NewClientID = uuid.NewString
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

func (c *ThreadConfig) validate() error {
	switch {
	case c.ConversationID == "":
		return fmt.Errorf("%w: conversation id is required", ErrInvalidConfig)
	case c.Identity.ActorID == "":
		return fmt.Errorf("%w: actor id is required", ErrInvalidConfig)
	case c.Remote == nil:
		return fmt.Errorf("%w: remote store is required", ErrInvalidConfig)
	case c.SendTimeout < 0:
		return ErrInvalidDuration("send timeout", c.SendTimeout)
	}
	return nil
}

// Thread is the optimistic mutation pipeline of one conversation. Local
// mutations show up immediately; remote writes leave one at a time in
// submission order.
type Thread struct {
	cfg    ThreadConfig
	log    Logger
	run    *runner
	events *emitter
	writes *chanx.UnboundedChan[Message]

	// pmu serializes state changes that must be mirrored in the retry queue.
	// Lock order: pmu, then mu.
	pmu sync.Mutex

	mu          sync.Mutex
	state       ThreadState
	version     uint64
	watchers    map[uint64]func([]Message)
	nextWatcher uint64
	binding     *Handle
	closed      bool

	// nmu orders watcher delivery; a view older than the last delivered one
	// is dropped.
	nmu       sync.Mutex
	delivered uint64
}

// NewThread creates a thread and starts its writer.
func NewThread(cfg ThreadConfig) (*Thread, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	t := &Thread{
		cfg:      cfg,
		log:      log,
		run:      newRunner(log),
		events:   newEmitter(log),
		writes:   chanx.NewUnboundedChan[Message](context.Background(), 16),
		state:    ThreadState{ConversationID: cfg.ConversationID},
		watchers: make(map[uint64]func([]Message)),
	}
	t.run.goNamed("writer:"+cfg.ConversationID, t.writeLoop)
	return t, nil
}

// ID returns the conversation id.
func (t *Thread) ID() string { return t.cfg.ConversationID }

// On registers a handler for a thread event type.
func (t *Thread) On(event string, handler ThreadEventHandler) {
	t.events.On(event, handler)
}

// Messages returns the current ordered view.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.state.Messages...)
}

// Find returns the record with the given id or client id.
func (t *Thread) Find(idOrClientID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Find(idOrClientID)
}

// Watch calls fn with the full view after changes. Views are delivered in
// order and a superseded view may be skipped. fn must not call back into
// methods that change the thread. The returned function stops the watch.
func (t *Thread) Watch(fn func([]Message)) (stop func()) {
	t.mu.Lock()
	t.nextWatcher++
	id := t.nextWatcher
	t.watchers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

// Send inserts a pending record and queues its remote write. The pending
// copy is returned immediately; the outcome arrives as EventMessageConfirmed
// or EventMessageFailed.
func (t *Thread) Send(ctx context.Context, body string, opts SendOptions) (Message, error) {
	if strings.TrimSpace(body) == "" && opts.AttachmentRef == "" {
		return Message{}, ErrEmptyBody
	}
	m, err := t.submit(Message{Body: body, AttachmentRef: opts.AttachmentRef})
	if err != nil {
		return Message{}, err
	}
	t.events.emit(ThreadEvent{Type: EventMessageLocal, ConversationID: t.ID(), Message: m})
	return m, nil
}

// Resend moves a failed record back to pending under a new client id. The
// old local record and its durable entry are removed first.
func (t *Thread) Resend(ctx context.Context, clientID string) (Message, error) {
	old, err := t.dropFailed(ctx, clientID)
	if err != nil {
		return Message{}, err
	}
	m, err := t.submit(Message{Body: old.Body, AttachmentRef: old.AttachmentRef})
	if err != nil {
		return Message{}, err
	}
	t.log.Info("resending message",
		zap.String("conversation_id", t.ID()),
		zap.String("previous_client_id", clientID),
		zap.String("client_id", m.ClientID),
	)
	t.events.emit(ThreadEvent{Type: EventMessageResent, ConversationID: t.ID(), Message: m, PreviousClientID: clientID})
	return m, nil
}

// Discard removes a failed record and its durable entry.
func (t *Thread) Discard(ctx context.Context, clientID string) error {
	old, err := t.dropFailed(ctx, clientID)
	if err != nil {
		return err
	}
	t.events.emit(ThreadEvent{Type: EventMessageDiscarded, ConversationID: t.ID(), Message: old})
	return nil
}

// Edit replaces the body of a confirmed record. The local copy changes
// immediately and is restored if the remote update fails.
func (t *Thread) Edit(ctx context.Context, id, body string) (Message, error) {
	t.mu.Lock()
	prev, ok := t.state.Find(id)
	switch {
	case !ok:
		t.mu.Unlock()
		return Message{}, ErrNotFound
	case prev.State != StateConfirmed || prev.ID == "":
		t.mu.Unlock()
		return Message{}, ErrNotConfirmed
	case !t.mayModify(prev):
		t.mu.Unlock()
		return Message{}, ErrNotPermitted
	case strings.TrimSpace(body) == "" && prev.AttachmentRef == "":
		t.mu.Unlock()
		return Message{}, ErrEmptyBody
	}
	now := t.cfg.Now()
	t.state = Apply(t.state, Edited{ID: prev.ID, Body: body, UpdatedAt: now})
	edited, _ := t.state.Find(prev.ID)
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	t.notifyWatchers(watchers)

	path := messagePath(t.ID(), prev.ID)
	if err := t.cfg.Remote.Update(ctx, path, map[string]any{"body": body, "updatedAt": now}); err != nil {
		t.mu.Lock()
		// Only revert if nothing newer replaced the edit meanwhile.
		if cur, ok := t.state.Find(prev.ID); ok && cur.UpdatedAt.Equal(now) {
			t.state = Apply(t.state, Replaced{Message: prev})
		}
		watchers := t.snapshotLocked()
		t.mu.Unlock()
		t.notifyWatchers(watchers)
		t.log.Warn("edit failed, restored previous copy",
			zap.String("conversation_id", t.ID()),
			zap.String("id", prev.ID),
			zap.Error(err),
		)
		return prev, ErrUpdate(path, err)
	}

	t.events.emit(ThreadEvent{Type: EventMessageEdited, ConversationID: t.ID(), Message: edited})
	return edited, nil
}

// Delete removes a record. A confirmed record is soft-deleted remotely and
// restored locally if that fails; a failed record is discarded; a pending
// record cannot be cancelled.
func (t *Thread) Delete(ctx context.Context, idOrClientID string) error {
	t.mu.Lock()
	prev, ok := t.state.Find(idOrClientID)
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	switch prev.State {
	case StatePending, StateDraft:
		t.mu.Unlock()
		return ErrPendingMutation
	case StateFailed:
		t.mu.Unlock()
		return t.Discard(ctx, prev.ClientID)
	}
	if !t.mayModify(prev) {
		t.mu.Unlock()
		return ErrNotPermitted
	}
	now := t.cfg.Now()
	t.state = Apply(t.state, Removed{ID: prev.ID})
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	t.notifyWatchers(watchers)

	path := messagePath(t.ID(), prev.ID)
	if err := t.cfg.Remote.Update(ctx, path, map[string]any{"deleted": true, "updatedAt": now}); err != nil {
		t.mu.Lock()
		t.state = Apply(t.state, RemotePushed{Upserts: []Message{prev}})
		watchers := t.snapshotLocked()
		t.mu.Unlock()
		t.notifyWatchers(watchers)
		t.log.Warn("delete failed, restored record",
			zap.String("conversation_id", t.ID()),
			zap.String("id", prev.ID),
			zap.Error(err),
		)
		return ErrUpdate(path, err)
	}

	prev.Deleted = true
	prev.UpdatedAt = now
	t.events.emit(ThreadEvent{Type: EventMessageDeleted, ConversationID: t.ID(), Message: prev})
	return nil
}

// Load merges the durable retry entries of this conversation into the view
// as failed records and returns how many were restored.
func (t *Thread) Load(ctx context.Context) (int, error) {
	if t.cfg.Retry == nil {
		return 0, nil
	}
	entries, err := t.cfg.Retry.Load(ctx, t.ID())
	if err != nil {
		return 0, err
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message())
	}

	t.mu.Lock()
	before := t.state
	t.state = Apply(t.state, Restored{Messages: msgs})
	var restored []Message
	for _, m := range msgs {
		if _, existed := before.Find(m.ClientID); existed {
			continue
		}
		if cur, ok := t.state.Find(m.ClientID); ok {
			restored = append(restored, cur)
		}
	}
	watchers := t.snapshotLocked()
	t.mu.Unlock()

	if len(restored) > 0 {
		t.notifyWatchers(watchers)
		t.log.Info("restored failed messages",
			zap.String("conversation_id", t.ID()),
			zap.Int("count", len(restored)),
		)
	}
	for _, m := range restored {
		t.events.emit(ThreadEvent{Type: EventRetryRestored, ConversationID: t.ID(), Message: m})
	}
	return len(restored), nil
}

// Bind attaches the thread to the live record stream of its conversation
// through cache. Every change is reconciled into the view. The cached
// snapshot is merged before any later change is.
func (t *Thread) Bind(ctx context.Context, cache *SubscriptionCache[Message], src Source[Message]) error {
	// Changes delivered after Request block in reconcile until the
	// snapshot below is merged.
	t.pmu.Lock()
	snap, h := cache.Request(ctx, MessagesStreamKey(t.ID()), src, t.reconcile)
	if snap.Err != nil && h == nil {
		t.pmu.Unlock()
		return snap.Err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.pmu.Unlock()
		h.Release()
		return ErrClosed
	}
	old := t.binding
	t.binding = h
	t.mu.Unlock()

	var promoted []Message
	if len(snap.Items) > 0 {
		promoted = t.mergeLocked(snap.Items, nil)
	}
	t.pmu.Unlock()

	old.Release()
	for _, m := range promoted {
		t.events.emit(ThreadEvent{Type: EventMessageConfirmed, ConversationID: t.ID(), Message: m})
	}
	return nil
}

// Close stops the writer. A write already on the wire completes; queued
// writes that have not started are failed and persisted for a later resend.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	binding := t.binding
	t.binding = nil
	t.mu.Unlock()

	binding.Release()
	close(t.writes.In)
	t.run.wait()
	t.events.removeAll()
}

// ── internals ────────────────────────────────────────────

func (t *Thread) mayModify(m Message) bool {
	return m.AuthorID == t.cfg.Identity.ActorID || t.cfg.Identity.IsPrivileged
}

// submit inserts a pending record and queues it. The queue is fed under mu
// so writes leave in the order records were inserted.
func (t *Thread) submit(m Message) (Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Message{}, ErrClosed
	}
	m.ClientID = t.cfg.NewClientID()
	m.ConversationID = t.ID()
	m.AuthorID = t.cfg.Identity.ActorID
	m.CreatedAt = t.cfg.Now()
	t.state = Apply(t.state, Submitted{Message: m})
	pending, ok := t.state.Find(m.ClientID)
	if !ok {
		t.mu.Unlock()
		return Message{}, fmt.Errorf("livesync: duplicate client id %q", m.ClientID)
	}
	t.writes.In <- pending
	watchers := t.snapshotLocked()
	t.mu.Unlock()

	t.notifyWatchers(watchers)
	return pending, nil
}

// dropFailed removes a failed record and its durable entry.
func (t *Thread) dropFailed(ctx context.Context, clientID string) (Message, error) {
	t.pmu.Lock()
	defer t.pmu.Unlock()

	t.mu.Lock()
	old, ok := t.state.Find(clientID)
	switch {
	case !ok:
		t.mu.Unlock()
		return Message{}, ErrNotFound
	case old.State != StateFailed:
		t.mu.Unlock()
		return Message{}, ErrNotFailed
	}
	t.state = Apply(t.state, Discarded{ClientID: old.ClientID})
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	t.notifyWatchers(watchers)

	t.removeEntry(ctx, old.ClientID)
	return old, nil
}

func (t *Thread) removeEntry(ctx context.Context, clientID string) {
	if t.cfg.Retry == nil {
		return
	}
	if _, err := t.cfg.Retry.Remove(ctx, t.ID(), clientID); err != nil {
		t.log.Warn("remove retry entry failed",
			zap.String("conversation_id", t.ID()),
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}

func (t *Thread) writeLoop() {
	for m := range t.writes.Out {
		t.commit(m)
	}
}

// commit performs one remote write. Every call ends with the record either
// Confirmed or Failed.
func (t *Thread) commit(m Message) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		t.reject(m, ErrClosed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()

	ack, err := t.write(ctx, m)
	if err != nil {
		t.reject(m, err)
		return
	}
	t.confirm(m, *ack)
}

func (t *Thread) write(ctx context.Context, m Message) (*Ack, error) {
	path := messagesPath(t.ID())
	payload := writePayload{
		ClientID:      m.ClientID,
		AuthorID:      m.AuthorID,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt,
	}

	type result struct {
		ack *Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		safeCall(t.log, "write:"+m.ClientID, func() {
			r.ack, r.err = t.cfg.Remote.Write(ctx, path, payload)
		})
		if r.err == nil && (r.ack == nil || r.ack.ID == "") {
			r.err = errors.New("empty acknowledgment")
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, ErrSendTimeout
		}
		if r.err != nil {
			return nil, ErrWrite(path, r.err)
		}
		return r.ack, nil
	case <-ctx.Done():
		return nil, ErrSendTimeout
	}
}

func (t *Thread) confirm(m Message, ack Ack) {
	t.mu.Lock()
	t.state = Apply(t.state, Acknowledged{ClientID: m.ClientID, Ack: ack})
	confirmed, ok := t.state.Find(m.ClientID)
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	if !ok {
		return
	}
	t.notifyWatchers(watchers)

	t.log.Debug("message confirmed",
		zap.String("conversation_id", t.ID()),
		zap.String("client_id", m.ClientID),
		zap.String("id", confirmed.ID),
	)
	t.events.emit(ThreadEvent{Type: EventMessageConfirmed, ConversationID: t.ID(), Message: confirmed})
	t.fanout(confirmed)
}

func (t *Thread) reject(m Message, cause error) {
	out, ok := t.fail(m, cause)
	if !ok {
		return
	}
	if out.State == StateConfirmed {
		t.events.emit(ThreadEvent{Type: EventMessageConfirmed, ConversationID: t.ID(), Message: out})
		t.fanout(out)
		return
	}
	t.events.emit(ThreadEvent{Type: EventMessageFailed, ConversationID: t.ID(), Message: out, Err: cause})
}

// fail marks a pending record Failed and mirrors it into the retry queue.
// When the stream already delivered the record, it is confirmed instead and
// nothing is persisted.
func (t *Thread) fail(m Message, cause error) (Message, bool) {
	t.pmu.Lock()
	defer t.pmu.Unlock()

	t.mu.Lock()
	before, _ := t.state.Find(m.ClientID)
	t.state = Apply(t.state, Rejected{ClientID: m.ClientID, Reason: cause.Error()})
	failed, ok := t.state.Find(m.ClientID)
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	if before.State != StatePending {
		return Message{}, false
	}
	t.notifyWatchers(watchers)
	if !ok {
		t.log.Info("message landed and was removed before its ack",
			zap.String("conversation_id", t.ID()),
			zap.String("client_id", m.ClientID),
		)
		return Message{}, false
	}
	if failed.State == StateConfirmed {
		t.log.Info("ack lost, message found on server",
			zap.String("conversation_id", t.ID()),
			zap.String("client_id", m.ClientID),
			zap.String("id", failed.ID),
			zap.Error(cause),
		)
		return failed, true
	}

	t.log.Warn("message send failed",
		zap.String("conversation_id", t.ID()),
		zap.String("client_id", m.ClientID),
		zap.Error(cause),
	)
	if t.cfg.Retry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
		err := t.cfg.Retry.Put(ctx, retryEntryFor(failed, t.cfg.Now()))
		cancel()
		if err != nil {
			t.log.Error("persist retry entry failed",
				zap.String("conversation_id", t.ID()),
				zap.String("client_id", m.ClientID),
				zap.Error(err),
			)
		}
	}
	return failed, true
}

// reconcile merges a change of the conversation's live stream.
func (t *Thread) reconcile(change Change[Message]) {
	if change.Err != nil && change.Empty() {
		t.log.Debug("stream error, keeping local view",
			zap.String("conversation_id", t.ID()),
			zap.Error(change.Err),
		)
		return
	}
	upserts := make([]Message, 0, len(change.Added)+len(change.Modified))
	upserts = append(upserts, change.Added...)
	upserts = append(upserts, change.Modified...)

	for _, m := range t.merge(upserts, change.Removed) {
		t.events.emit(ThreadEvent{Type: EventMessageConfirmed, ConversationID: t.ID(), Message: m})
	}
}

// merge applies a stream push and returns the failed records it promoted.
// Their durable entries are removed before pmu is released.
func (t *Thread) merge(upserts []Message, removed []string) []Message {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	return t.mergeLocked(upserts, removed)
}

// mergeLocked is merge with pmu held.
func (t *Thread) mergeLocked(upserts []Message, removed []string) []Message {
	t.mu.Lock()
	failed := make(map[string]struct{})
	for _, m := range t.state.Messages {
		if m.State == StateFailed {
			failed[m.ClientID] = struct{}{}
		}
	}
	t.state = Apply(t.state, RemotePushed{Upserts: upserts, Removed: removed})
	var promoted []Message
	for _, m := range t.state.Messages {
		if _, was := failed[m.ClientID]; was && m.State == StateConfirmed {
			promoted = append(promoted, m)
		}
	}
	watchers := t.snapshotLocked()
	t.mu.Unlock()
	t.notifyWatchers(watchers)

	for _, m := range promoted {
		t.log.Info("failed message found on server, confirming",
			zap.String("conversation_id", t.ID()),
			zap.String("client_id", m.ClientID),
			zap.String("id", m.ID),
		)
		t.removeEntry(context.Background(), m.ClientID)
	}
	return promoted
}

func (t *Thread) fanout(m Message) {
	if t.cfg.Notifier == nil {
		return
	}
	t.run.goNamed("notify:"+m.ClientID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.NotifyTimeout)
		defer cancel()

		recipients, err := t.recipients(ctx)
		if err != nil {
			t.log.Warn("resolve recipients failed", zap.String("conversation_id", t.ID()), zap.Error(err))
			return
		}
		if len(recipients) == 0 {
			return
		}
		if err := t.cfg.Notifier.Notify(ctx, recipients, m); err != nil {
			t.log.Warn("notification failed",
				zap.String("conversation_id", t.ID()),
				zap.String("id", m.ID),
				zap.Error(err),
			)
		}
	})
}

// recipients returns the participants other than the sender.
func (t *Thread) recipients(ctx context.Context) ([]string, error) {
	self := t.cfg.Identity.ActorID
	var ids []string
	if t.cfg.Recipients != nil {
		all, err := t.cfg.Recipients(ctx, t.ID())
		if err != nil {
			return nil, err
		}
		ids = all
	} else {
		t.mu.Lock()
		for _, m := range t.state.Messages {
			if m.State == StateConfirmed {
				ids = append(ids, m.AuthorID)
			}
		}
		t.mu.Unlock()
	}

	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type watchBatch struct {
	version uint64
	fns     []func([]Message)
	view    []Message
}

func (t *Thread) snapshotLocked() watchBatch {
	t.version++
	if len(t.watchers) == 0 {
		return watchBatch{version: t.version}
	}
	ids := make([]uint64, 0, len(t.watchers))
	for id := range t.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	b := watchBatch{version: t.version, view: append([]Message(nil), t.state.Messages...)}
	for _, id := range ids {
		b.fns = append(b.fns, t.watchers[id])
	}
	return b
}

func (t *Thread) notifyWatchers(b watchBatch) {
	t.nmu.Lock()
	defer t.nmu.Unlock()
	if b.version <= t.delivered {
		return
	}
	t.delivered = b.version
	for _, fn := range b.fns {
		safeCall(t.log, "watch:"+t.ID(), func() { fn(b.view) })
	}
}
