package enjambre

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Collections addressable by a subscription.
const (
	collectionPins          = "pins"
	collectionConversations = "conversations"
	collectionMessages      = "messages"
)

// wsCommand is a client-to-server frame.
type wsCommand struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsEvent is a server-to-client frame. Type is "snapshot" or "error".
type wsEvent struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type subscribeRequest struct {
	Collection     string `json:"collection"`
	OwnerID        string `json:"ownerId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	PinID          string `json:"pinId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	UnreadOnly     bool   `json:"unreadOnly,omitempty"`
}

// remoteError is the error body of REST responses and error frames.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// restEnvelope wraps every REST response.
type restEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *remoteError    `json:"error,omitempty"`
}

func (e *remoteError) toSyncError(op string) *SyncError {
	kind := KindTransient
	switch e.Code {
	case "failed-precondition":
		kind = KindPrecondition
	case "not-found":
		kind = KindNotFound
	case "invalid-argument":
		kind = KindInvalid
	case "already-exists":
		kind = KindIntegrity
	}
	return newSyncError(kind, op, e.Message)
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the state of the realtime connection.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// WSRemoteConfig configures NewWSRemote.
type WSRemoteConfig struct {
	BaseURL              string
	Token                string
	HTTPClient           *http.Client
	Timeout              time.Duration
	NoReconnect          bool
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *WSRemoteConfig) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

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

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter; a connection that lived longer than a
// minute resets the attempt counter.
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

// ============================================================================
// WSRemote
// ============================================================================

// WSRemote is a RemoteStore speaking JSON over HTTP for writes and a single
// WebSocket for subscriptions. Subscriptions survive reconnects: every active
// subscription is re-sent once the socket is back.
type WSRemote struct {
	cfg    WSRemoteConfig
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     ConnState
	closed    bool
	cancelFn  context.CancelFunc
	baseCtx   context.Context
	recon     *reconnector
	subs      map[string]*wsSub
	nextSubID int

	states emitter[bool]
}

type wsSub struct {
	id      string
	req     subscribeRequest
	onPins  func([]Pin)
	onConvs func(ConversationSnapshot)
	onMsgs  func([]Message)
	onError func(error)

	convLast map[string]Conversation
	started  bool
}

// NewWSRemote creates a client. Call Connect to open the realtime socket.
func NewWSRemote(cfg WSRemoteConfig) *WSRemote {
	cfg.defaults()
	return &WSRemote{
		cfg:    cfg,
		logger: orNop(cfg.Logger).Named("remote"),
		state:  ConnDisconnected,
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		subs: make(map[string]*wsSub),
	}
}

// State returns the connection state.
func (w *WSRemote) State() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnConnectionChange registers h for socket up/down transitions. It can feed
// a Connectivity signal.
func (w *WSRemote) OnConnectionChange(h func(connected bool)) Unsubscribe {
	return w.states.on(h)
}

func (w *WSRemote) wsURL() string {
	u := strings.Replace(w.cfg.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if w.cfg.Token != "" {
		u += "?token=" + url.QueryEscape(w.cfg.Token)
	}
	return u
}

// Connect opens the realtime socket and re-sends active subscriptions.
// ctx bounds the lifetime of the connection and its reconnects.
func (w *WSRemote) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrPrecondition("remote.connect", "client closed")
	}
	if w.state == ConnConnected || w.state == ConnConnecting {
		w.mu.Unlock()
		return nil
	}
	if w.baseCtx == nil {
		w.baseCtx = ctx
	}
	w.state = ConnConnecting
	w.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, w.cfg.Timeout)
	conn, _, err := websocket.Dial(dialCtx, w.wsURL(), nil)
	cancelDial()
	if err != nil {
		w.mu.Lock()
		w.state = ConnDisconnected
		w.mu.Unlock()
		return ErrTransient("remote.connect", "websocket dial failed").WithCause(err)
	}
	conn.SetReadLimit(8 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.conn = conn
	w.state = ConnConnected
	w.cancelFn = cancel
	w.recon.markConnected()
	subs := make([]*wsSub, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	w.logger.Info("realtime connected", zap.Int("subscriptions", len(subs)))
	for _, s := range subs {
		if err := w.send(connCtx, wsCommand{Type: "subscribe", ID: s.id, Payload: s.req}); err != nil {
			w.logger.Warn("resubscribe failed", zap.String("sub", s.id), zap.Error(err))
		}
	}

	go w.readLoop(connCtx, conn)
	go w.heartbeatLoop(connCtx, conn)
	w.states.emit(true)
	return nil
}

// Close closes the socket and stops reconnecting.
func (w *WSRemote) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.cancelFn != nil {
		w.cancelFn()
		w.cancelFn = nil
	}
	conn := w.conn
	w.conn = nil
	wasConnected := w.state == ConnConnected
	w.state = ConnDisconnected
	w.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		w.states.emit(false)
	}
	return nil
}

func (w *WSRemote) send(ctx context.Context, cmd wsCommand) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrTransient("remote.send", "not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (w *WSRemote) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.mu.Lock()
			if w.closed || w.conn != conn {
				w.mu.Unlock()
				return
			}
			w.conn = nil
			w.state = ConnDisconnected
			if w.cancelFn != nil {
				w.cancelFn()
				w.cancelFn = nil
			}
			base := w.baseCtx
			reconnect := !w.cfg.NoReconnect && w.recon.shouldReconnect()
			w.mu.Unlock()

			w.logger.Warn("realtime connection lost", zap.Error(err))
			w.states.emit(false)
			if reconnect {
				w.reconnectLoop(base)
			}
			return
		}

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			w.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		w.dispatch(ev)
	}
}

func (w *WSRemote) reconnectLoop(ctx context.Context) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		delay := w.recon.nextDelay()
		w.state = ConnReconnecting
		attempt := w.recon.attempt
		w.mu.Unlock()

		w.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := w.Connect(ctx)
		if err == nil {
			return
		}
		w.mu.Lock()
		giveUp := !w.recon.shouldReconnect()
		if giveUp {
			w.state = ConnDisconnected
		}
		w.mu.Unlock()
		if giveUp {
			w.logger.Error("giving up reconnecting", zap.Error(err))
			return
		}
	}
}

func (w *WSRemote) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// dispatch delivers ev to its subscription on the read goroutine, so
// snapshots of one connection arrive in order.
func (w *WSRemote) dispatch(ev wsEvent) {
	w.mu.Lock()
	s, ok := w.subs[ev.ID]
	w.mu.Unlock()
	if !ok {
		return
	}

	if ev.Type == "error" {
		var re remoteError
		if err := json.Unmarshal(ev.Payload, &re); err != nil {
			re = remoteError{Code: "unknown", Message: string(ev.Payload)}
		}
		if s.onError != nil {
			s.onError(re.toSyncError("remote.subscribe." + s.req.Collection))
		}
		return
	}
	if ev.Type != "snapshot" {
		return
	}

	switch s.req.Collection {
	case collectionPins:
		var pins []Pin
		if err := json.Unmarshal(ev.Payload, &pins); err != nil {
			w.logger.Warn("bad pin snapshot", zap.Error(err))
			return
		}
		s.onPins(pins)
	case collectionConversations:
		var convs []Conversation
		if err := json.Unmarshal(ev.Payload, &convs); err != nil {
			w.logger.Warn("bad conversation snapshot", zap.Error(err))
			return
		}
		w.mu.Lock()
		changes, next := diffConversations(s.convLast, convs)
		snap := ConversationSnapshot{Conversations: convs, Changes: changes, Initial: !s.started}
		s.convLast = next
		s.started = true
		w.mu.Unlock()
		if !snap.Initial && len(snap.Changes) == 0 {
			return
		}
		s.onConvs(snap)
	case collectionMessages:
		var msgs []Message
		if err := json.Unmarshal(ev.Payload, &msgs); err != nil {
			w.logger.Warn("bad message snapshot", zap.Error(err))
			return
		}
		SortMessages(msgs)
		s.onMsgs(msgs)
	}
}

func (w *WSRemote) subscribe(s *wsSub) (Unsubscribe, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrPrecondition("remote.subscribe", "client closed")
	}
	w.nextSubID++
	s.id = "sub-" + strconv.Itoa(w.nextSubID)
	w.subs[s.id] = s
	connected := w.state == ConnConnected
	w.mu.Unlock()

	if connected {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		err := w.send(ctx, wsCommand{Type: "subscribe", ID: s.id, Payload: s.req})
		cancel()
		if err != nil {
			// Re-sent on the next connect.
			w.logger.Debug("subscribe deferred", zap.String("sub", s.id), zap.Error(err))
		}
	}

	return once(func() {
		w.mu.Lock()
		delete(w.subs, s.id)
		w.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		w.send(ctx, wsCommand{Type: "unsubscribe", ID: s.id})
	}), nil
}

// ── REST ─────────────────────────────────────────────────

func (w *WSRemote) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return ErrTransient(op, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrTransient(op, "reading response failed").WithCause(err)
	}
	var env restEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrTransient(op, fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode)).WithCause(err)
	}
	if !env.OK {
		if env.Error == nil {
			env.Error = &remoteError{Code: "unknown", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		return env.Error.toSyncError(op)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

func pinPath(pinID string) string {
	return "/api/pins/" + url.PathEscape(pinID)
}

func convPath(pinID, convID string) string {
	return pinPath(pinID) + "/conversations/" + url.PathEscape(convID)
}

func (w *WSRemote) SubscribePins(q PinQuery, onSnapshot func([]Pin), onError func(error)) (Unsubscribe, error) {
	return w.subscribe(&wsSub{
		req:     subscribeRequest{Collection: collectionPins, OwnerID: q.OwnerID, Limit: q.limit()},
		onPins:  onSnapshot,
		onError: onError,
	})
}

func (w *WSRemote) GetPin(ctx context.Context, pinID string) (*Pin, error) {
	var p Pin
	if err := w.do(ctx, "remote.pin.get", http.MethodGet, pinPath(pinID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *WSRemote) CreatePin(ctx context.Context, draft PinDraft, ownerID string) (*Pin, error) {
	var p Pin
	body := createPinPayload{Draft: draft, OwnerID: ownerID}
	if err := w.do(ctx, "remote.pin.create", http.MethodPost, "/api/pins", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *WSRemote) ResolvePin(ctx context.Context, pinID string) error {
	return w.do(ctx, "remote.pin.resolve", http.MethodPost, pinPath(pinID)+"/resolve", nil, nil)
}

func (w *WSRemote) AddAttendee(ctx context.Context, pinID, userID string) error {
	body := map[string]string{"userId": userID}
	return w.do(ctx, "remote.pin.attend", http.MethodPost, pinPath(pinID)+"/attendees", body, nil)
}

func (w *WSRemote) ListConversations(ctx context.Context, pinID string) ([]Conversation, error) {
	var convs []Conversation
	if err := w.do(ctx, "remote.conv.list", http.MethodGet, pinPath(pinID)+"/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (w *WSRemote) CreateConversation(ctx context.Context, pinID, participantID, alias string) (*Conversation, error) {
	var c Conversation
	body := map[string]string{"participantId": participantID, "participantAlias": alias}
	if err := w.do(ctx, "remote.conv.create", http.MethodPost, pinPath(pinID)+"/conversations", body, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (w *WSRemote) SubscribeConversations(pinID string, unreadOnly bool, onSnapshot func(ConversationSnapshot), onError func(error)) (Unsubscribe, error) {
	return w.subscribe(&wsSub{
		req:     subscribeRequest{Collection: collectionConversations, PinID: pinID, UnreadOnly: unreadOnly},
		onConvs: onSnapshot,
		onError: onError,
	})
}

func (w *WSRemote) MarkConversationRead(ctx context.Context, pinID, convID string) error {
	return w.do(ctx, "remote.conv.read", http.MethodPost, convPath(pinID, convID)+"/read", nil, nil)
}

func (w *WSRemote) AddMessage(ctx context.Context, pinID, convID string, msg MessageDraft) (*Message, error) {
	var m Message
	if err := w.do(ctx, "remote.msg.add", http.MethodPost, convPath(pinID, convID)+"/messages", msg, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (w *WSRemote) SubscribeMessages(pinID, convID string, onSnapshot func([]Message), onError func(error)) (Unsubscribe, error) {
	return w.subscribe(&wsSub{
		req:     subscribeRequest{Collection: collectionMessages, PinID: pinID, ConversationID: convID},
		onMsgs:  onSnapshot,
		onError: onError,
	})
}

var _ RemoteStore = (*WSRemote)(nil)
