package livesync

import "sync"

// Thread lifecycle events.
const (
	EventMessageLocal     = "message.local"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventMessageResent    = "message.resent"
	EventMessageDiscarded = "message.discarded"
	EventMessageEdited    = "message.edited"
	EventMessageDeleted   = "message.deleted"
	EventRetryRestored    = "retry.restored"
)

// ThreadEvent is the payload passed to thread event handlers.
type ThreadEvent struct {
	Type           string
	ConversationID string
	Message        Message
	// PreviousClientID is set on EventMessageResent.
	PreviousClientID string
	Err              error
}

// ThreadEventHandler handles thread lifecycle events.
type ThreadEventHandler func(ev ThreadEvent)

type emitter struct {
	log       Logger
	mu        sync.RWMutex
	listeners map[string][]ThreadEventHandler
}

func newEmitter(log Logger) *emitter {
	return &emitter{log: log, listeners: make(map[string][]ThreadEventHandler)}
}

// On registers a handler for the given event type.
func (e *emitter) On(event string, handler ThreadEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(ev ThreadEvent) {
	e.mu.RLock()
	handlers := append([]ThreadEventHandler(nil), e.listeners[ev.Type]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		safeCall(e.log, ev.Type, func() { h(ev) })
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]ThreadEventHandler)
}
