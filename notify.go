package enjambre

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification announces a conversation that became unread for the owner.
type Notification struct {
	PinID            string   `json:"pinId"`
	ConversationID   string   `json:"conversationId"`
	ParticipantAlias string   `json:"participantAlias"`
	Category         Category `json:"category"`
	LastMessage      string   `json:"lastMessage,omitempty"`
}

// FanoutOptions configures NewNotificationFanout.
type FanoutOptions struct {
	// RefreshInterval re-queries unread counts as a fallback for missed events.
	RefreshInterval time.Duration
	// RefreshTimeout bounds one fallback query.
	RefreshTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

func (o *FanoutOptions) defaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 10 * time.Second
	}
}

// NotificationFanout keeps one conversation subscription per unresolved pin
// of an owner and folds them into notifications and an unread count.
type NotificationFanout struct {
	remote  RemoteStore
	opts    FanoutOptions
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	openPin  string
	openConv string
	sessions map[int]*fanoutSession
	nextID   int
}

// NewNotificationFanout creates a fanout over remote.
func NewNotificationFanout(remote RemoteStore, opts *FanoutOptions) *NotificationFanout {
	var o FanoutOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &NotificationFanout{
		remote:   remote,
		opts:     o,
		logger:   orNop(o.Logger).Named("fanout"),
		metrics:  o.Metrics,
		sessions: make(map[int]*fanoutSession),
	}
}

// SetOpenConversation records the conversation currently on screen; events
// for exactly that pair are not notified.
func (f *NotificationFanout) SetOpenConversation(pinID, convID string) {
	f.mu.Lock()
	f.openPin, f.openConv = pinID, convID
	f.mu.Unlock()
}

// ClearOpenConversation forgets the open conversation.
func (f *NotificationFanout) ClearOpenConversation() {
	f.SetOpenConversation("", "")
}

func (f *NotificationFanout) isOpen(pinID, convID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPin != "" && f.openPin == pinID && f.openConv == convID
}

// MarkRead clears the unread flag of a conversation. It is idempotent.
func (f *NotificationFanout) MarkRead(ctx context.Context, pinID, convID string) error {
	if err := f.remote.MarkConversationRead(ctx, pinID, convID); err != nil {
		f.logger.Warn("mark read failed", zap.String("pin_id", pinID), zap.String("conversation_id", convID), zap.Error(err))
		return err
	}
	return nil
}

// UnreadCount sums the unread conversations of every active subscription.
func (f *NotificationFanout) UnreadCount() int {
	f.mu.Lock()
	sessions := make([]*fanoutSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	n := 0
	for _, s := range sessions {
		n += s.count()
	}
	return n
}

// TrackedPins returns the pin ids with an open conversation subscription for
// ownerID's sessions.
func (f *NotificationFanout) TrackedPins(ownerID string) []string {
	f.mu.Lock()
	var out []string
	for _, s := range f.sessions {
		if s.ownerID == ownerID {
			out = append(out, s.convs.Keys()...)
		}
	}
	f.mu.Unlock()
	return out
}

// Subscribe tracks ownerID's unresolved pins. onNotification receives each
// conversation that becomes unread, except the open one; onUnreadCount
// receives the unread total whenever it changes and on every refresh tick.
func (f *NotificationFanout) Subscribe(ownerID string, onNotification func(Notification), onUnreadCount func(int)) (Unsubscribe, error) {
	if ownerID == "" {
		return nil, ErrInvalid("fanout.subscribe", "owner id is required")
	}
	stop := make(chan struct{})
	s := &fanoutSession{
		f:         f,
		ownerID:   ownerID,
		notify:    onNotification,
		onCount:   onUnreadCount,
		root:      NewSubscriptionNode("fanout:"+ownerID, func() { close(stop) }),
		convs:     NewSubscriptionNode("conversations", nil),
		pins:      make(map[string]Pin),
		unread:    make(map[string]map[string]Conversation),
		lastCount: -1,
	}
	s.root.Attach("conversations", s.convs)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.sessions[id] = s
	f.mu.Unlock()

	primary := NewSubscriptionNode("pins", nil)
	s.root.Attach("pins", primary)
	cancel, err := f.remote.SubscribePins(PinQuery{OwnerID: ownerID, Limit: MaxPageSize}, s.onPins, s.onPinsError)
	if err != nil {
		s.root.Dispose()
		f.removeSession(id)
		return nil, err
	}
	primary.SetCancel(cancel)

	go s.refreshLoop(stop)
	f.logger.Debug("fanout subscribed", zap.String("owner_id", ownerID))

	return once(func() {
		s.root.Dispose()
		f.removeSession(id)
	}), nil
}

// Close tears down every session.
func (f *NotificationFanout) Close() {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[int]*fanoutSession)
	f.mu.Unlock()
	for _, s := range sessions {
		s.root.Dispose()
	}
}

func (f *NotificationFanout) removeSession(id int) {
	f.mu.Lock()
	delete(f.sessions, id)
	f.mu.Unlock()
}

// ============================================================================
// Session
// ============================================================================

type fanoutSession struct {
	f       *NotificationFanout
	ownerID string
	notify  func(Notification)
	onCount func(int)
	root    *SubscriptionNode
	convs   *SubscriptionNode

	mu        sync.Mutex
	pins      map[string]Pin
	unread    map[string]map[string]Conversation
	lastCount int
}

// onPins reconciles the secondary subscriptions with the owner's pins: new
// pins get one, pins that left the set lose theirs.
func (s *fanoutSession) onPins(pins []Pin) {
	if s.root.Disposed() {
		return
	}
	s.mu.Lock()
	next := make(map[string]Pin, len(pins))
	var added, removed []string
	for _, p := range pins {
		if p.Resolved || p.OwnerID != s.ownerID {
			continue
		}
		next[p.ID] = p
		if _, ok := s.pins[p.ID]; !ok {
			added = append(added, p.ID)
		}
	}
	for id := range s.pins {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
			delete(s.unread, id)
		}
	}
	s.pins = next
	s.mu.Unlock()

	for _, id := range removed {
		s.convs.Detach(id)
	}
	for _, id := range added {
		s.track(id)
	}
	s.f.metrics.setSubscriptions(s.convs.Len())
	if len(added) > 0 || len(removed) > 0 {
		s.f.logger.Debug("fanout reconciled",
			zap.String("owner_id", s.ownerID), zap.Int("added", len(added)), zap.Int("removed", len(removed)),
			zap.Int("tracked", s.convs.Len()))
	}
	s.pushCount(false)
}

func (s *fanoutSession) onPinsError(err error) {
	if !IsPrecondition(err) {
		s.f.logger.Warn("owner pin stream error", zap.Error(err))
		return
	}
	s.f.logger.Warn("owner pin query rejected, tracking nothing", zap.Error(err))
	s.onPins(nil)
}

// track opens the secondary subscription of pinID. It runs without the
// session lock because the remote may deliver the first snapshot inline.
func (s *fanoutSession) track(pinID string) {
	node := NewSubscriptionNode(pinID, nil)
	s.convs.Attach(pinID, node)
	cancel, err := s.f.remote.SubscribeConversations(pinID, true,
		func(snap ConversationSnapshot) { s.onConversations(pinID, node, snap) },
		func(err error) {
			s.f.logger.Warn("conversation stream error", zap.String("pin_id", pinID), zap.Error(err))
		})
	if err != nil {
		s.f.logger.Warn("conversation subscribe failed", zap.String("pin_id", pinID), zap.Error(err))
		s.convs.Detach(pinID)
		return
	}
	node.SetCancel(cancel)
}

func (s *fanoutSession) onConversations(pinID string, node *SubscriptionNode, snap ConversationSnapshot) {
	if node.Disposed() {
		return
	}
	s.mu.Lock()
	pin, tracked := s.pins[pinID]
	if !tracked {
		s.mu.Unlock()
		return
	}
	unread := make(map[string]Conversation, len(snap.Conversations))
	for _, c := range snap.Conversations {
		if c.UnreadByOwner {
			unread[c.ID] = c
		}
	}
	s.unread[pinID] = unread

	var out []Notification
	if !snap.Initial {
		for _, ch := range snap.Changes {
			if ch.Type == ChangeRemoved || !ch.Conversation.UnreadByOwner {
				continue
			}
			if s.f.isOpen(pinID, ch.Conversation.ID) {
				s.f.metrics.notification("suppressed")
				continue
			}
			s.f.metrics.notification("emitted")
			out = append(out, Notification{
				PinID:            pinID,
				ConversationID:   ch.Conversation.ID,
				ParticipantAlias: ch.Conversation.ParticipantAlias,
				Category:         pin.Category,
				LastMessage:      ch.Conversation.LastMessageText,
			})
		}
	}
	s.mu.Unlock()

	if s.notify != nil {
		for _, n := range out {
			s.notify(n)
		}
	}
	s.pushCount(false)
}

func (s *fanoutSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, convs := range s.unread {
		if _, ok := s.pins[id]; ok {
			n += len(convs)
		}
	}
	return n
}

// pushCount reports the unread total when it changed, or always when forced.
func (s *fanoutSession) pushCount(force bool) {
	n := s.count()
	s.mu.Lock()
	changed := n != s.lastCount
	s.lastCount = n
	s.mu.Unlock()

	s.f.metrics.setUnread(n)
	if (changed || force) && s.onCount != nil && !s.root.Disposed() {
		s.onCount(n)
	}
}

func (s *fanoutSession) refreshLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.f.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh re-reads the unread conversations of every tracked pin from the
// remote store and pushes the count unconditionally.
func (s *fanoutSession) refresh() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pins))
	for id := range s.pins {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), s.f.opts.RefreshTimeout)
		convs, err := s.f.remote.ListConversations(ctx, id)
		cancel()
		if err != nil {
			s.f.logger.Debug("unread refresh failed", zap.String("pin_id", id), zap.Error(err))
			continue
		}
		unread := make(map[string]Conversation)
		for _, c := range convs {
			if c.UnreadByOwner {
				unread[c.ID] = c
			}
		}
		s.mu.Lock()
		if _, ok := s.pins[id]; ok {
			s.unread[id] = unread
		}
		s.mu.Unlock()
	}
	s.pushCount(true)
}
