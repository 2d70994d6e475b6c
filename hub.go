package enjambre

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// HubOptions configures NewHub.
type HubOptions struct {
	// Token, when set, must be presented as a bearer token or ?token= query.
	Token        string
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

func (o *HubOptions) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Hub serves a RemoteStore over the REST + WebSocket protocol spoken by
// WSRemote. Backed by a MemoryRemote it is a self-contained board server.
type Hub struct {
	remote RemoteStore
	opts   HubOptions
	logger *zap.Logger
	router chi.Router

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

// NewHub creates a hub over remote.
func NewHub(remote RemoteStore, opts *HubOptions) *Hub {
	var o HubOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	h := &Hub{
		remote: remote,
		opts:   o,
		logger: orNop(o.Logger).Named("hub"),
		conns:  make(map[*hubConn]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/ws", h.handleWS)
		r.Route("/api/pins", func(r chi.Router) {
			r.Post("/", h.createPin)
			r.Route("/{pinID}", func(r chi.Router) {
				r.Get("/", h.getPin)
				r.Post("/resolve", h.resolvePin)
				r.Post("/attendees", h.addAttendee)
				r.Get("/conversations", h.listConversations)
				r.Post("/conversations", h.createConversation)
				r.Post("/conversations/{convID}/read", h.markRead)
				r.Post("/conversations/{convID}/messages", h.addMessage)
			})
		})
	})
	h.router = r
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Connections returns the number of open realtime connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every realtime connection. Clients reconnect on their own.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			tok = auth[7:]
		}
		if tok != h.opts.Token {
			writeEnvelope(w, http.StatusUnauthorized, nil, &remoteError{Code: "unauthenticated", Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// REST
// ============================================================================

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, rerr *remoteError) {
	env := restEnvelope{OK: rerr == nil, Error: rerr}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			env = restEnvelope{Error: &remoteError{Code: "internal", Message: err.Error()}}
		} else {
			env.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// wireError maps err onto the protocol's error codes.
func wireError(err error) (int, *remoteError) {
	msg := err.Error()
	switch KindOf(err) {
	case KindPrecondition:
		return http.StatusPreconditionFailed, &remoteError{Code: "failed-precondition", Message: msg}
	case KindNotFound:
		return http.StatusNotFound, &remoteError{Code: "not-found", Message: msg}
	case KindInvalid:
		return http.StatusBadRequest, &remoteError{Code: "invalid-argument", Message: msg}
	case KindIntegrity:
		return http.StatusConflict, &remoteError{Code: "already-exists", Message: msg}
	case KindTransient:
		return http.StatusServiceUnavailable, &remoteError{Code: "unavailable", Message: msg}
	}
	return http.StatusInternalServerError, &remoteError{Code: "internal", Message: msg}
}

func (h *Hub) reply(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err != nil {
		status, rerr := wireError(err)
		if status >= 500 {
			h.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeEnvelope(w, status, nil, rerr)
		return
	}
	writeEnvelope(w, http.StatusOK, data, nil)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalid("hub.decode", "malformed request body").WithCause(err)
	}
	return nil
}

func (h *Hub) createPin(w http.ResponseWriter, r *http.Request) {
	var body createPinPayload
	if err := decodeBody(r, &body); err != nil {
		h.reply(w, r, nil, err)
		return
	}
	if err := body.Draft.Validate(); err != nil {
		h.reply(w, r, nil, err)
		return
	}
	if body.OwnerID == "" {
		h.reply(w, r, nil, ErrInvalid("hub.pin.create", "owner id is required"))
		return
	}
	p, err := h.remote.CreatePin(r.Context(), body.Draft, body.OwnerID)
	h.reply(w, r, p, err)
}

func (h *Hub) getPin(w http.ResponseWriter, r *http.Request) {
	p, err := h.remote.GetPin(r.Context(), chi.URLParam(r, "pinID"))
	h.reply(w, r, p, err)
}

func (h *Hub) resolvePin(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, nil, h.remote.ResolvePin(r.Context(), chi.URLParam(r, "pinID")))
}

func (h *Hub) addAttendee(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.reply(w, r, nil, err)
		return
	}
	h.reply(w, r, nil, h.remote.AddAttendee(r.Context(), chi.URLParam(r, "pinID"), body.UserID))
}

func (h *Hub) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.remote.ListConversations(r.Context(), chi.URLParam(r, "pinID"))
	h.reply(w, r, convs, err)
}

func (h *Hub) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParticipantID    string `json:"participantId"`
		ParticipantAlias string `json:"participantAlias"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.reply(w, r, nil, err)
		return
	}
	c, err := h.remote.CreateConversation(r.Context(), chi.URLParam(r, "pinID"), body.ParticipantID, body.ParticipantAlias)
	h.reply(w, r, c, err)
}

func (h *Hub) markRead(w http.ResponseWriter, r *http.Request) {
	err := h.remote.MarkConversationRead(r.Context(), chi.URLParam(r, "pinID"), chi.URLParam(r, "convID"))
	h.reply(w, r, nil, err)
}

func (h *Hub) addMessage(w http.ResponseWriter, r *http.Request) {
	var body MessageDraft
	if err := decodeBody(r, &body); err != nil {
		h.reply(w, r, nil, err)
		return
	}
	m, err := h.remote.AddMessage(r.Context(), chi.URLParam(r, "pinID"), chi.URLParam(r, "convID"), body)
	h.reply(w, r, m, err)
}

// ============================================================================
// Realtime
// ============================================================================

type hubConn struct {
	hub *Hub
	ws  *websocket.Conn
	ctx context.Context

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]Unsubscribe
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	c := &hubConn{hub: h, ws: ws, ctx: ctx, subs: make(map[string]Unsubscribe)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("realtime client connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		cancel()
		c.closeSubs()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("realtime client disconnected", zap.String("remote_addr", r.RemoteAddr))
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string           `json:"type"`
			ID      string           `json:"id"`
			Payload subscribeRequest `json:"payload"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("dropping malformed command", zap.Error(err))
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.subscribe(cmd.ID, cmd.Payload)
		case "unsubscribe":
			c.unsubscribe(cmd.ID)
		}
	}
}

func (c *hubConn) send(ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil && !errors.Is(err, context.Canceled) {
		c.hub.logger.Debug("frame write failed", zap.String("sub", ev.ID), zap.Error(err))
	}
}

func (c *hubConn) snapshot(id string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.send(wsEvent{Type: "snapshot", ID: id, Payload: raw})
}

func (c *hubConn) fail(id string, err error) {
	_, rerr := wireError(err)
	raw, _ := json.Marshal(rerr)
	c.send(wsEvent{Type: "error", ID: id, Payload: raw})
}

func (c *hubConn) subscribe(id string, req subscribeRequest) {
	if id == "" {
		return
	}
	c.unsubscribe(id)
	onError := func(err error) { c.fail(id, err) }

	var (
		cancel Unsubscribe
		err    error
	)
	switch req.Collection {
	case collectionPins:
		cancel, err = c.hub.remote.SubscribePins(PinQuery{OwnerID: req.OwnerID, Limit: req.Limit},
			func(pins []Pin) { c.snapshot(id, pins) }, onError)
	case collectionConversations:
		cancel, err = c.hub.remote.SubscribeConversations(req.PinID, req.UnreadOnly,
			func(s ConversationSnapshot) { c.snapshot(id, s.Conversations) }, onError)
	case collectionMessages:
		cancel, err = c.hub.remote.SubscribeMessages(req.PinID, req.ConversationID,
			func(msgs []Message) { c.snapshot(id, msgs) }, onError)
	default:
		err = ErrInvalid("hub.subscribe", "unknown collection "+req.Collection)
	}
	if err != nil {
		c.fail(id, err)
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.subs[id] = cancel
	c.mu.Unlock()
}

func (c *hubConn) unsubscribe(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *hubConn) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]Unsubscribe)
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}
