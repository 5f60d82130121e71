package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Protocol
// ============================================================================

// Command and event types of the WebSocket protocol.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdWrite       = "write"
	CmdUpdate      = "update"
	CmdPing        = "ping"

	EvtAuthenticated = "authenticated"
	EvtDelta         = "delta"
	EvtAck           = "ack"
	EvtPong          = "pong"
	EvtError         = "error"
)

// Envelope is the wire format of every frame in both directions. Replies
// carry the RequestID of the command they answer.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatedPayload is the first frame the server sends.
type AuthenticatedPayload struct {
	ActorID string `json:"actorId"`
}

// StreamRequest is the payload of subscribe and unsubscribe.
type StreamRequest struct {
	StreamKey string `json:"streamKey"`
}

// WriteRequest is the payload of write.
type WriteRequest struct {
	Path     string          `json:"path"`
	Document json.RawMessage `json:"document"`
}

// UpdateRequest is the payload of update.
type UpdateRequest struct {
	Path    string         `json:"path"`
	Partial map[string]any `json:"partial"`
}

// ErrorPayload is the payload of error. StreamKey is set for stream errors.
type ErrorPayload struct {
	StreamKey string `json:"streamKey,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSRemote.
type WSConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// RequestTimeout bounds the wait for a reply when the caller's context
	// has no deadline.
	RequestTimeout time.Duration
	Log            Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

// WSOption configures a WSRemote.
type WSOption func(*WSConfig)

func WithToken(token string) WSOption {
	return func(c *WSConfig) { c.Token = token }
}

func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSConfig) { c.AutoReconnect = enabled }
}

func WithReconnectDelays(base, maxDelay time.Duration) WSOption {
	return func(c *WSConfig) {
		c.ReconnectBaseDelay = base
		c.ReconnectMaxDelay = maxDelay
	}
}

func WithHeartbeat(interval time.Duration) WSOption {
	return func(c *WSConfig) { c.HeartbeatInterval = interval }
}

func WithRequestTimeout(d time.Duration) WSOption {
	return func(c *WSConfig) { c.RequestTimeout = d }
}

func WithWSLogger(log Logger) WSOption {
	return func(c *WSConfig) { c.Log = log }
}

// ConnState represents the connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSRemote
// ============================================================================

type wsListener struct {
	onDelta func(RawDelta)
	onError func(error)
}

// WSRemote is a RemoteStore over one WebSocket connection with request
// correlation, heartbeat and auto-reconnect. Every open stream is
// resubscribed after a reconnect.
type WSRemote struct {
	baseURL string
	cfg     WSConfig
	log     Logger
	run     *runner

	// dialMu makes concurrent Connect calls share one dial.
	dialMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	reconnecting     bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	done             chan struct{}
	closeOnce        sync.Once

	counter   atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	streamsMu sync.Mutex
	streams   map[string]map[uint64]wsListener
	nextID    uint64
}

// NewWSRemote creates a remote for baseURL (http, https, ws or wss).
// Nothing is dialed until Connect or the first call that needs a connection.
func NewWSRemote(baseURL string, opts ...WSOption) *WSRemote {
	var cfg WSConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()
	return &WSRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		log:     cfg.Log,
		run:     newRunner(cfg.Log),
		state:   ConnDisconnected,
		recon:   newReconnector(&cfg),
		done:    make(chan struct{}),
		pending: make(map[string]chan Envelope),
		streams: make(map[string]map[uint64]wsListener),
	}
}

// State returns the current connection state.
func (ws *WSRemote) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server and waits for the authenticated frame. The
// connection outlives ctx.
func (ws *WSRemote) Connect(ctx context.Context) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}

	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.Lock()
	if ws.state == ConnConnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = ConnConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, auth, err := ws.dial(ctx)
	if err != nil {
		ws.setState(ConnDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = ConnConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info("websocket connected", zap.String("url", ws.baseURL), zap.String("actor_id", auth.ActorID))

	ws.run.goNamedWithContext(connCtx, "ws:read", func(ctx context.Context) { ws.readLoop(ctx, conn) })
	ws.run.goNamedWithContext(connCtx, "ws:heartbeat", ws.heartbeatLoop)
	return nil
}

func (ws *WSRemote) dial(ctx context.Context) (*websocket.Conn, AuthenticatedPayload, error) {
	var auth AuthenticatedPayload
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"
	if ws.cfg.Token != "" {
		wsURL += "?token=" + url.QueryEscape(ws.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, auth, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, auth, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EvtAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == EvtError {
			return nil, auth, decodeError(env.Payload)
		}
		return nil, auth, fmt.Errorf("expected '%s', got '%s'", EvtAuthenticated, env.Type)
	}
	_ = json.Unmarshal(env.Payload, &auth)
	return conn, auth, nil
}

// Close shuts the connection down for good. Pending requests fail with
// ErrClosed; stream listeners are dropped.
func (ws *WSRemote) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		err = ws.disconnect()
		ws.streamsMu.Lock()
		ws.streams = make(map[string]map[uint64]wsListener)
		ws.streamsMu.Unlock()
		ws.run.wait()
	})
	return err
}

func (ws *WSRemote) disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = ConnDisconnected
	ws.mu.Unlock()

	ws.failPending(ErrClosed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe opens streamKey. Several subscribers of the same key share one
// server-side subscription.
func (ws *WSRemote) Subscribe(ctx context.Context, streamKey string, onDelta func(RawDelta), onError func(error)) (Subscription, error) {
	if err := ws.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ws.streamsMu.Lock()
	ws.nextID++
	id := ws.nextID
	listeners, open := ws.streams[streamKey]
	if !open {
		listeners = make(map[uint64]wsListener)
		ws.streams[streamKey] = listeners
	}
	listeners[id] = wsListener{onDelta: onDelta, onError: onError}
	ws.streamsMu.Unlock()

	if !open {
		if _, err := ws.request(ctx, CmdSubscribe, StreamRequest{StreamKey: streamKey}); err != nil {
			ws.removeListener(streamKey, id)
			return nil, err
		}
		ws.log.Debug("stream subscribed", zap.String("stream", streamKey))
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			if !ws.removeListener(streamKey, id) {
				return
			}
			ws.run.goNamed("ws:unsubscribe", func() {
				ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.RequestTimeout)
				defer cancel()
				if _, err := ws.request(ctx, CmdUnsubscribe, StreamRequest{StreamKey: streamKey}); err != nil {
					ws.log.Debug("unsubscribe failed", zap.String("stream", streamKey), zap.Error(err))
				}
			})
		})
	}), nil
}

// removeListener reports whether the stream has no listeners left.
func (ws *WSRemote) removeListener(streamKey string, id uint64) bool {
	ws.streamsMu.Lock()
	defer ws.streamsMu.Unlock()
	listeners, ok := ws.streams[streamKey]
	if !ok {
		return false
	}
	delete(listeners, id)
	if len(listeners) == 0 {
		delete(ws.streams, streamKey)
		return true
	}
	return false
}

// Write sends a document and returns the server ack.
func (ws *WSRemote) Write(ctx context.Context, collectionPath string, payload any) (*Ack, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := ws.ensureConnected(ctx); err != nil {
		return nil, err
	}
	reply, err := ws.request(ctx, CmdWrite, WriteRequest{Path: collectionPath, Document: doc})
	if err != nil {
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ack: %w", err)
	}
	return &ack, nil
}

// Update merges partial into the document at path.
func (ws *WSRemote) Update(ctx context.Context, path string, partial map[string]any) error {
	if err := ws.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := ws.request(ctx, CmdUpdate, UpdateRequest{Path: path, Partial: partial})
	return err
}

// Ping sends a ping and waits for the pong.
func (ws *WSRemote) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := ws.request(ctx, CmdPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (ws *WSRemote) ensureConnected(ctx context.Context) error {
	switch ws.State() {
	case ConnConnected:
		return nil
	case ConnReconnecting:
		return ErrNotConnected
	}
	return ws.Connect(ctx)
}

// request sends a command and waits for the reply with the same request id.
// An error reply is returned as *APIError.
func (ws *WSRemote) request(ctx context.Context, typ string, payload any) (Envelope, error) {
	requestID := typ + "-" + strconv.FormatUint(ws.counter.Add(1), 10)
	ch := make(chan Envelope, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.cfg.RequestTimeout)
		defer cancel()
	}

	if err := ws.send(ctx, typ, requestID, payload); err != nil {
		return Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, ErrNotConnected
		}
		if reply.Type == EvtError {
			return Envelope{}, decodeError(reply.Payload)
		}
		return reply, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%s %s: %w", typ, requestID, ctx.Err())
	}
}

func (ws *WSRemote) send(ctx context.Context, typ, requestID string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := Envelope{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSRemote) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.handleDrop(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *WSRemote) dispatch(env Envelope) {
	if env.RequestID != "" {
		ws.pendingMu.Lock()
		ch, ok := ws.pending[env.RequestID]
		if ok {
			delete(ws.pending, env.RequestID)
		}
		ws.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	switch env.Type {
	case EvtDelta:
		var d RawDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil || d.StreamKey == "" {
			ws.log.Warn("dropping malformed delta", zap.Error(err))
			return
		}
		for _, l := range ws.listeners(d.StreamKey) {
			safeCall(ws.log, "delta:"+d.StreamKey, func() { l.onDelta(d) })
		}
	case EvtError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.StreamKey == "" {
			ws.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
			return
		}
		err := &APIError{Code: p.Code, Message: p.Message}
		for _, l := range ws.listeners(p.StreamKey) {
			if l.onError != nil {
				safeCall(ws.log, "error:"+p.StreamKey, func() { l.onError(err) })
			}
		}
	}
}

func (ws *WSRemote) listeners(streamKey string) []wsListener {
	ws.streamsMu.Lock()
	defer ws.streamsMu.Unlock()
	out := make([]wsListener, 0, len(ws.streams[streamKey]))
	for _, l := range ws.streams[streamKey] {
		out = append(out, l)
	}
	return out
}

// handleDrop runs when the read loop ends. Unless the close was intentional
// every stream is told about the outage and a reconnect is scheduled.
func (ws *WSRemote) handleDrop(cause error) {
	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		return
	}
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.conn = nil
	ws.state = ConnDisconnected
	reconnect := ws.cfg.AutoReconnect && !ws.reconnecting
	if reconnect {
		ws.reconnecting = true
		ws.state = ConnReconnecting
	}
	ws.mu.Unlock()

	ws.log.Warn("websocket disconnected", zap.Error(cause))
	ws.failPending(ErrNotConnected)
	ws.streamsMu.Lock()
	var all []wsListener
	for _, listeners := range ws.streams {
		for _, l := range listeners {
			all = append(all, l)
		}
	}
	ws.streamsMu.Unlock()
	for _, l := range all {
		if l.onError != nil {
			safeCall(ws.log, "disconnect", func() { l.onError(ErrNotConnected) })
		}
	}

	if reconnect {
		ws.run.goNamed("ws:reconnect", ws.reconnectLoop)
	}
}

func (ws *WSRemote) reconnectLoop() {
	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		if ws.state == ConnReconnecting {
			ws.state = ConnDisconnected
		}
		ws.mu.Unlock()
	}()

	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.log.Info("websocket reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))
		select {
		case <-ws.done:
			return
		case <-time.After(delay):
		}

		ws.mu.Lock()
		ws.state = ConnDisconnected
		ws.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.RequestTimeout)
		err := ws.Connect(ctx)
		cancel()
		if err != nil {
			ws.log.Warn("reconnect failed", zap.Error(err))
			ws.setState(ConnReconnecting)
			continue
		}
		ws.recon.reset()
		ws.recon.markConnected()
		ws.resubscribe()
		return
	}
	ws.log.Error("giving up reconnect", zap.Int("attempts", ws.recon.attempt))
}

func (ws *WSRemote) resubscribe() {
	ws.streamsMu.Lock()
	keys := make([]string, 0, len(ws.streams))
	for k := range ws.streams {
		keys = append(keys, k)
	}
	ws.streamsMu.Unlock()

	for _, key := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.RequestTimeout)
		_, err := ws.request(ctx, CmdSubscribe, StreamRequest{StreamKey: key})
		cancel()
		if err != nil {
			ws.log.Warn("resubscribe failed", zap.String("stream", key), zap.Error(err))
			for _, l := range ws.listeners(key) {
				if l.onError != nil {
					safeCall(ws.log, "resubscribe:"+key, func() { l.onError(err) })
				}
			}
		}
	}
}

func (ws *WSRemote) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != ConnConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed; closing makes the read loop reconnect.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSRemote) failPending(err error) {
	ws.pendingMu.Lock()
	defer ws.pendingMu.Unlock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	if !errors.Is(err, ErrClosed) {
		ws.log.Debug("failed pending requests", zap.Error(err))
	}
}

func (ws *WSRemote) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func decodeError(raw json.RawMessage) error {
	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil || (p.Code == "" && p.Message == "") {
		return &APIError{Code: "UNKNOWN", Message: "unknown server error"}
	}
	return &APIError{Code: p.Code, Message: p.Message}
}
