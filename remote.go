package enjambre

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Remote store contract
// ============================================================================

// MaxPageSize caps pin subscriptions.
const MaxPageSize = 100

// PinQuery selects unresolved pins, newest first.
type PinQuery struct {
	// OwnerID restricts the result to one owner when set.
	OwnerID string
	Limit   int
}

func (q PinQuery) limit() int {
	if q.Limit <= 0 || q.Limit > MaxPageSize {
		return MaxPageSize
	}
	return q.Limit
}

// ChangeType is the kind of a document change within a snapshot.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ConversationChange is one document change of a conversation snapshot.
type ConversationChange struct {
	Type         ChangeType   `json:"type"`
	Conversation Conversation `json:"conversation"`
}

// ConversationSnapshot is the full result of a conversation query plus the
// changes since the previous snapshot. Initial is set on the first delivery.
type ConversationSnapshot struct {
	Conversations []Conversation       `json:"conversations"`
	Changes       []ConversationChange `json:"changes"`
	Initial       bool                 `json:"initial"`
}

// MessageDraft is a message before the server assigns id and timestamp.
type MessageDraft struct {
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
}

// RemoteStore is the remote document store. Subscriptions deliver full
// snapshots on every change until cancelled; callbacks may arrive on any
// goroutine and must not be assumed ordered across subscriptions.
type RemoteStore interface {
	SubscribePins(q PinQuery, onSnapshot func([]Pin), onError func(error)) (Unsubscribe, error)
	GetPin(ctx context.Context, pinID string) (*Pin, error)
	CreatePin(ctx context.Context, draft PinDraft, ownerID string) (*Pin, error)
	ResolvePin(ctx context.Context, pinID string) error
	AddAttendee(ctx context.Context, pinID, userID string) error

	ListConversations(ctx context.Context, pinID string) ([]Conversation, error)
	CreateConversation(ctx context.Context, pinID, participantID, alias string) (*Conversation, error)
	SubscribeConversations(pinID string, unreadOnly bool, onSnapshot func(ConversationSnapshot), onError func(error)) (Unsubscribe, error)
	MarkConversationRead(ctx context.Context, pinID, convID string) error

	AddMessage(ctx context.Context, pinID, convID string, msg MessageDraft) (*Message, error)
	SubscribeMessages(pinID, convID string, onSnapshot func([]Message), onError func(error)) (Unsubscribe, error)
}

// ============================================================================
// MemoryRemote
// ============================================================================

// MemoryRemote is an in-process RemoteStore. Each subscriber receives its
// snapshots outside the store lock, one at a time and in commit order. A write
// returns after its snapshots are delivered unless another goroutine is
// already delivering to the same subscriber, which then delivers them too.
type MemoryRemote struct {
	mu       sync.Mutex
	pins     map[string]*Pin
	convs    map[string]map[string]*Conversation
	msgs     map[string][]Message
	offline  bool
	queryErr error

	nextSub  int
	pinSubs  map[int]*pinSub
	convSubs map[int]*convSub
	msgSubs  map[int]*msgSub

	// Now supplies server timestamps.
	Now func() time.Time
}

type pinSub struct {
	q     PinQuery
	fn    func([]Pin)
	queue deliveryQueue
}

type convSub struct {
	pinID      string
	unreadOnly bool
	fn         func(ConversationSnapshot)
	last       map[string]Conversation
	started    bool
	queue      deliveryQueue
}

type msgSub struct {
	convID string
	fn     func([]Message)
	queue  deliveryQueue
}

// deliveryQueue hands one subscriber its snapshots in the order they were
// pushed. push is called under the store lock, so push order is commit order;
// flush runs outside it and only one goroutine flushes at a time.
type deliveryQueue struct {
	mu       sync.Mutex
	pending  []func()
	flushing bool
}

func (q *deliveryQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (q *deliveryQueue) flush() {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	for len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
	q.flushing = false
	q.mu.Unlock()
}

// NewMemoryRemote creates an empty store.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		pins:     make(map[string]*Pin),
		convs:    make(map[string]map[string]*Conversation),
		msgs:     make(map[string][]Message),
		pinSubs:  make(map[int]*pinSub),
		convSubs: make(map[int]*convSub),
		msgSubs:  make(map[int]*msgSub),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetOffline makes every write fail with a transient error while set.
func (r *MemoryRemote) SetOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

// SetQueryError makes new subscriptions fail with err, e.g. a precondition
// error for a missing index. nil restores normal behavior.
func (r *MemoryRemote) SetQueryError(err error) {
	r.mu.Lock()
	r.queryErr = err
	r.mu.Unlock()
}

// PutPin stores p as-is, as if written by another client, and notifies
// subscribers.
func (r *MemoryRemote) PutPin(p Pin) {
	r.mu.Lock()
	cp := p
	cp.AttendeeIDs = append([]string(nil), p.AttendeeIDs...)
	r.pins[p.ID] = &cp
	deliver := r.pinDeliveriesLocked()
	r.mu.Unlock()
	deliverAll(deliver)
}

// DeletePin removes a pin and notifies subscribers.
func (r *MemoryRemote) DeletePin(pinID string) {
	r.mu.Lock()
	delete(r.pins, pinID)
	deliver := r.pinDeliveriesLocked()
	r.mu.Unlock()
	deliverAll(deliver)
}

func deliverAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (r *MemoryRemote) checkOnline(op string) error {
	if r.offline {
		return ErrTransient(op, "remote store unreachable")
	}
	return nil
}

// ── Pins ─────────────────────────────────────────────────

func (r *MemoryRemote) SubscribePins(q PinQuery, onSnapshot func([]Pin), onError func(error)) (Unsubscribe, error) {
	r.mu.Lock()
	if r.queryErr != nil {
		err := r.queryErr
		r.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return func() {}, nil
	}
	id := r.nextSub
	r.nextSub++
	sub := &pinSub{q: q, fn: onSnapshot}
	r.pinSubs[id] = sub
	initial := r.queryPinsLocked(q)
	sub.queue.push(func() { onSnapshot(initial) })
	r.mu.Unlock()

	sub.queue.flush()
	return once(func() {
		r.mu.Lock()
		delete(r.pinSubs, id)
		r.mu.Unlock()
	}), nil
}

func (r *MemoryRemote) queryPinsLocked(q PinQuery) []Pin {
	out := make([]Pin, 0, len(r.pins))
	for _, p := range r.pins {
		if p.Resolved {
			continue
		}
		if q.OwnerID != "" && p.OwnerID != q.OwnerID {
			continue
		}
		cp := *p
		cp.AttendeeIDs = append([]string(nil), p.AttendeeIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out
}

func (r *MemoryRemote) pinDeliveriesLocked() []func() {
	ids := make([]int, 0, len(r.pinSubs))
	for id := range r.pinSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		sub := r.pinSubs[id]
		snap := r.queryPinsLocked(sub.q)
		sub.queue.push(func() { sub.fn(snap) })
		out = append(out, sub.queue.flush)
	}
	return out
}

func (r *MemoryRemote) GetPin(ctx context.Context, pinID string) (*Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pinID]
	if !ok {
		return nil, ErrNotFound("remote.pin.get", "pin "+pinID+" not found")
	}
	cp := *p
	cp.AttendeeIDs = append([]string(nil), p.AttendeeIDs...)
	return &cp, nil
}

func (r *MemoryRemote) CreatePin(ctx context.Context, draft PinDraft, ownerID string) (*Pin, error) {
	r.mu.Lock()
	if err := r.checkOnline("remote.pin.create"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	now := r.Now()
	p := &Pin{
		ID:          uuid.NewString(),
		Type:        draft.Type,
		Category:    draft.Category,
		Description: draft.Description,
		Coordinates: draft.Coordinates,
		CreatedAt:   now,
		UpdatedAt:   now,
		OwnerID:     ownerID,
		AttendeeIDs: []string{},
	}
	r.pins[p.ID] = p
	cp := *p
	deliver := r.pinDeliveriesLocked()
	r.mu.Unlock()

	deliverAll(deliver)
	return &cp, nil
}

func (r *MemoryRemote) ResolvePin(ctx context.Context, pinID string) error {
	r.mu.Lock()
	if err := r.checkOnline("remote.pin.resolve"); err != nil {
		r.mu.Unlock()
		return err
	}
	p, ok := r.pins[pinID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound("remote.pin.resolve", "pin "+pinID+" not found")
	}
	now := r.Now()
	p.Resolved = true
	p.ResolvedAt = &now
	p.UpdatedAt = now
	deliver := r.pinDeliveriesLocked()
	r.mu.Unlock()

	deliverAll(deliver)
	return nil
}

func (r *MemoryRemote) AddAttendee(ctx context.Context, pinID, userID string) error {
	r.mu.Lock()
	if err := r.checkOnline("remote.pin.attend"); err != nil {
		r.mu.Unlock()
		return err
	}
	p, ok := r.pins[pinID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound("remote.pin.attend", "pin "+pinID+" not found")
	}
	if p.HasAttendee(userID) {
		r.mu.Unlock()
		return nil
	}
	p.AttendeeIDs = append(append([]string(nil), p.AttendeeIDs...), userID)
	p.UpdatedAt = r.Now()
	deliver := r.pinDeliveriesLocked()
	r.mu.Unlock()

	deliverAll(deliver)
	return nil
}

// ── Conversations ────────────────────────────────────────

func (r *MemoryRemote) ListConversations(ctx context.Context, pinID string) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOnline("remote.conv.list"); err != nil {
		return nil, err
	}
	return r.queryConvsLocked(pinID, false), nil
}

func (r *MemoryRemote) queryConvsLocked(pinID string, unreadOnly bool) []Conversation {
	out := make([]Conversation, 0, len(r.convs[pinID]))
	for _, c := range r.convs[pinID] {
		if unreadOnly && !c.UnreadByOwner {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (r *MemoryRemote) CreateConversation(ctx context.Context, pinID, participantID, alias string) (*Conversation, error) {
	r.mu.Lock()
	if err := r.checkOnline("remote.conv.create"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := r.pins[pinID]; !ok {
		r.mu.Unlock()
		return nil, ErrNotFound("remote.conv.create", "pin "+pinID+" not found")
	}
	now := r.Now()
	c := &Conversation{
		ID:               uuid.NewString(),
		PinID:            pinID,
		ParticipantID:    participantID,
		ParticipantAlias: alias,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if r.convs[pinID] == nil {
		r.convs[pinID] = make(map[string]*Conversation)
	}
	r.convs[pinID][c.ID] = c
	cp := *c
	deliver := r.convDeliveriesLocked(pinID)
	r.mu.Unlock()

	deliverAll(deliver)
	return &cp, nil
}

func (r *MemoryRemote) SubscribeConversations(pinID string, unreadOnly bool, onSnapshot func(ConversationSnapshot), onError func(error)) (Unsubscribe, error) {
	r.mu.Lock()
	if r.queryErr != nil {
		err := r.queryErr
		r.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return func() {}, nil
	}
	id := r.nextSub
	r.nextSub++
	sub := &convSub{pinID: pinID, unreadOnly: unreadOnly, fn: onSnapshot}
	r.convSubs[id] = sub
	snap := r.convSnapshotLocked(sub)
	sub.queue.push(func() { onSnapshot(snap) })
	r.mu.Unlock()

	sub.queue.flush()
	return once(func() {
		r.mu.Lock()
		delete(r.convSubs, id)
		r.mu.Unlock()
	}), nil
}

// convSnapshotLocked computes the next snapshot of sub and advances its
// change baseline.
func (r *MemoryRemote) convSnapshotLocked(sub *convSub) ConversationSnapshot {
	convs := r.queryConvsLocked(sub.pinID, sub.unreadOnly)
	changes, next := diffConversations(sub.last, convs)
	snap := ConversationSnapshot{Conversations: convs, Changes: changes, Initial: !sub.started}
	sub.last = next
	sub.started = true
	return snap
}

// diffConversations lists the changes from last to convs and returns the new
// baseline keyed by id.
func diffConversations(last map[string]Conversation, convs []Conversation) ([]ConversationChange, map[string]Conversation) {
	var changes []ConversationChange
	next := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		next[c.ID] = c
		prev, ok := last[c.ID]
		switch {
		case !ok:
			changes = append(changes, ConversationChange{Type: ChangeAdded, Conversation: c})
		case !sameConversation(prev, c):
			changes = append(changes, ConversationChange{Type: ChangeModified, Conversation: c})
		}
	}
	for id, prev := range last {
		if _, ok := next[id]; !ok {
			changes = append(changes, ConversationChange{Type: ChangeRemoved, Conversation: prev})
		}
	}
	return changes, next
}

func sameConversation(a, b Conversation) bool {
	return a.ID == b.ID && a.PinID == b.PinID && a.ParticipantID == b.ParticipantID &&
		a.ParticipantAlias == b.ParticipantAlias && a.LastMessageText == b.LastMessageText &&
		a.UnreadByOwner == b.UnreadByOwner && a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}

func (r *MemoryRemote) convDeliveriesLocked(pinID string) []func() {
	ids := make([]int, 0)
	for id, sub := range r.convSubs {
		if sub.pinID == pinID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	var out []func()
	for _, id := range ids {
		sub := r.convSubs[id]
		snap := r.convSnapshotLocked(sub)
		if !snap.Initial && len(snap.Changes) == 0 {
			continue
		}
		sub.queue.push(func() { sub.fn(snap) })
		out = append(out, sub.queue.flush)
	}
	return out
}

func (r *MemoryRemote) MarkConversationRead(ctx context.Context, pinID, convID string) error {
	r.mu.Lock()
	if err := r.checkOnline("remote.conv.read"); err != nil {
		r.mu.Unlock()
		return err
	}
	c, ok := r.convs[pinID][convID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound("remote.conv.read", "conversation "+convID+" not found")
	}
	if !c.UnreadByOwner {
		r.mu.Unlock()
		return nil
	}
	c.UnreadByOwner = false
	deliver := r.convDeliveriesLocked(pinID)
	r.mu.Unlock()

	deliverAll(deliver)
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (r *MemoryRemote) AddMessage(ctx context.Context, pinID, convID string, draft MessageDraft) (*Message, error) {
	r.mu.Lock()
	if err := r.checkOnline("remote.msg.add"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c, ok := r.convs[pinID][convID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound("remote.msg.add", "conversation "+convID+" not found")
	}
	now := r.Now()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Text:           draft.Text,
		SenderID:       draft.SenderID,
		CreatedAt:      now,
	}
	r.msgs[convID] = append(r.msgs[convID], m)

	c.LastMessageText = draft.Text
	c.UpdatedAt = now
	if p, ok := r.pins[pinID]; ok {
		c.UnreadByOwner = draft.SenderID != p.OwnerID
	}

	deliver := r.convDeliveriesLocked(pinID)
	deliver = append(deliver, r.msgDeliveriesLocked(convID)...)
	r.mu.Unlock()

	deliverAll(deliver)
	return &m, nil
}

func (r *MemoryRemote) SubscribeMessages(pinID, convID string, onSnapshot func([]Message), onError func(error)) (Unsubscribe, error) {
	r.mu.Lock()
	if r.queryErr != nil {
		err := r.queryErr
		r.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return func() {}, nil
	}
	id := r.nextSub
	r.nextSub++
	sub := &msgSub{convID: convID, fn: onSnapshot}
	r.msgSubs[id] = sub
	snap := r.messagesLocked(convID)
	sub.queue.push(func() { onSnapshot(snap) })
	r.mu.Unlock()

	sub.queue.flush()
	return once(func() {
		r.mu.Lock()
		delete(r.msgSubs, id)
		r.mu.Unlock()
	}), nil
}

func (r *MemoryRemote) messagesLocked(convID string) []Message {
	out := append([]Message(nil), r.msgs[convID]...)
	SortMessages(out)
	return out
}

func (r *MemoryRemote) msgDeliveriesLocked(convID string) []func() {
	ids := make([]int, 0)
	for id, sub := range r.msgSubs {
		if sub.convID == convID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		sub := r.msgSubs[id]
		snap := r.messagesLocked(convID)
		sub.queue.push(func() { sub.fn(snap) })
		out = append(out, sub.queue.flush)
	}
	return out
}

var _ RemoteStore = (*MemoryRemote)(nil)
