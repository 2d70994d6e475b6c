package enjambre

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SystemSenderID authors messages written by the core rather than a user.
const SystemSenderID = "system"

// MarkerSink receives map marker operations. A marker is created once per
// pin id, updated in place while the pin stays visible and removed when it
// leaves the filtered set.
type MarkerSink interface {
	CreateMarker(v PinView)
	UpdateMarker(v PinView)
	RemoveMarker(id string)
}

// Match reports whether a pin passes the filters. Distance is only applied
// when it is known.
func (f Filters) Match(p *Pin, distanceKm float64, hasDistance bool) bool {
	if hasDistance && distanceKm > f.RadiusKm {
		return false
	}
	if f.Type != "" && f.Type != PinTypeAll && p.Type != f.Type {
		return false
	}
	return f.Categories[p.Category]
}

func (f Filters) validate() error {
	if f.RadiusKm < 0 {
		return ErrInvalid("filters.set", "radius must not be negative")
	}
	switch f.Type {
	case "", PinTypeAll, PinTypeNeed, PinTypeOffer:
	default:
		return ErrInvalid("filters.set", "unknown pin type "+string(f.Type))
	}
	return nil
}

var relTimeMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "now", DivBy: time.Second},
	{D: time.Hour, Format: "%dm %s", DivBy: time.Minute},
	{D: humanize.Day, Format: "%dh %s", DivBy: time.Hour},
	{D: humanize.Month, Format: "%dd %s", DivBy: humanize.Day},
	{D: humanize.LongTime, Format: "%dmo %s", DivBy: humanize.Month},
}

// RelativeTime renders t relative to now, e.g. "now", "5m ago", "3d ago".
func RelativeTime(t, now time.Time) string {
	return humanize.CustomRelTime(t, now, "ago", "from now", relTimeMagnitudes)
}

// CoordinatorOptions configures NewSyncCoordinator.
type CoordinatorOptions struct {
	UserID  string
	Filters *Filters
	// FilterStore persists filter changes; optional.
	FilterStore FilterStore
	Sink        MarkerSink
	Logger      *zap.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

// PublishResult is the outcome of Publish. Pending results carry the local id.
type PublishResult struct {
	ID      string
	Pending bool
	Pin     *Pin
}

// SyncCoordinator turns the remote pin stream into the filtered, decorated
// view shown to the user and routes writes to the remote store or, while
// offline, to the pending queue.
type SyncCoordinator struct {
	remote      RemoteStore
	queue       *PendingQueue
	filterStore FilterStore
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time
	root        *SubscriptionNode

	// publishMu orders view computation with its delivery so sinks and
	// viewers observe snapshots in the order they were applied.
	publishMu sync.Mutex

	mu       sync.Mutex
	userID   string
	location *LatLng
	filters  Filters
	pins     map[string]Pin
	order    []string
	resolved map[string]bool
	markers  map[string]Pin
	view     []PinView
	sink     MarkerSink
	viewers  map[int]func([]PinView)
	nextView int

	attendMu    sync.Mutex
	attendLocks map[string]*sync.Mutex
}

// NewSyncCoordinator creates a coordinator. queue receives offline writes.
func NewSyncCoordinator(remote RemoteStore, queue *PendingQueue, opts *CoordinatorOptions) *SyncCoordinator {
	var o CoordinatorOptions
	if opts != nil {
		o = *opts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	filters := DefaultFilters()
	if o.Filters != nil {
		filters = o.Filters.clone()
	} else if o.FilterStore != nil {
		if saved, err := o.FilterStore.LoadFilters(); err == nil && saved != nil {
			filters = saved.clone()
		}
	}

	c := &SyncCoordinator{
		remote:      remote,
		queue:       queue,
		filterStore: o.FilterStore,
		logger:      orNop(o.Logger).Named("coordinator"),
		metrics:     o.Metrics,
		now:         o.Now,
		root:        NewSubscriptionNode("coordinator", nil),
		userID:      o.UserID,
		filters:     filters,
		pins:        make(map[string]Pin),
		resolved:    make(map[string]bool),
		markers:     make(map[string]Pin),
		sink:        o.Sink,
		viewers:     make(map[int]func([]PinView)),
		attendLocks: make(map[string]*sync.Mutex),
	}
	if queue != nil {
		c.root.Attach("queue", NewSubscriptionNode("queue", queue.OnChange(func(int) { c.refresh() })))
	}
	return c
}

// ============================================================================
// Pin stream
// ============================================================================

// Subscribe starts delivering the filtered view to onView. The remote pin
// subscription is opened on the first call and shared by later ones.
// location may be nil when unknown. Deliveries are serialized, so onView
// must not call the coordinator's write methods synchronously.
func (c *SyncCoordinator) Subscribe(location *LatLng, userID string, onView func([]PinView)) (Unsubscribe, error) {
	c.mu.Lock()
	c.location = copyLatLng(location)
	if userID != "" {
		c.userID = userID
	}
	id := c.nextView
	c.nextView++
	c.viewers[id] = onView
	c.mu.Unlock()

	if c.root.Has("pins") {
		c.refresh()
	} else {
		node := NewSubscriptionNode("pins", nil)
		c.root.Attach("pins", node)
		cancel, err := c.remote.SubscribePins(PinQuery{Limit: MaxPageSize}, c.onSnapshot, c.onStreamError)
		if err != nil {
			c.root.Detach("pins")
			c.removeViewer(id)
			return nil, err
		}
		node.SetCancel(cancel)
	}

	return once(func() { c.removeViewer(id) }), nil
}

func (c *SyncCoordinator) removeViewer(id int) {
	c.mu.Lock()
	delete(c.viewers, id)
	last := len(c.viewers) == 0
	c.mu.Unlock()
	if last {
		c.root.Detach("pins")
	}
}

// Close tears down every subscription owned by the coordinator.
func (c *SyncCoordinator) Close() {
	c.root.Dispose()
}

func (c *SyncCoordinator) onSnapshot(pins []Pin) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	seen := make(map[string]bool, len(pins))
	next := make(map[string]Pin, len(pins))
	order := make([]string, 0, len(pins))
	for _, p := range pins {
		seen[p.ID] = true
		if p.Resolved || c.resolved[p.ID] {
			continue
		}
		next[p.ID] = p
		order = append(order, p.ID)
	}
	for id := range c.resolved {
		if !seen[id] {
			delete(c.resolved, id)
		}
	}
	c.pins = next
	c.order = order
	ops, viewers, view := c.recomputeLocked()
	c.mu.Unlock()

	c.deliver(ops, viewers, view)
}

func (c *SyncCoordinator) onStreamError(err error) {
	if IsPrecondition(err) {
		c.logger.Warn("pin query rejected, showing empty result", zap.Error(err))
		c.publishMu.Lock()
		defer c.publishMu.Unlock()
		c.mu.Lock()
		c.pins = make(map[string]Pin)
		c.order = nil
		ops, viewers, view := c.recomputeLocked()
		c.mu.Unlock()
		c.deliver(ops, viewers, view)
		return
	}
	c.logger.Warn("pin stream error, keeping last view", zap.Error(err))
}

// refresh recomputes the view from the current state.
func (c *SyncCoordinator) refresh() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.mu.Lock()
	ops, viewers, view := c.recomputeLocked()
	c.mu.Unlock()
	c.deliver(ops, viewers, view)
}

func (c *SyncCoordinator) deliver(ops []func(), viewers []func([]PinView), view []PinView) {
	for _, op := range ops {
		op()
	}
	for _, v := range viewers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("view callback panicked", zap.Any("panic", r))
				}
			}()
			v(view)
		}()
	}
}

// recomputeLocked rebuilds the filtered view and diffs it against the
// markers. It returns the marker operations and viewers to call once the
// lock is released.
func (c *SyncCoordinator) recomputeLocked() ([]func(), []func([]PinView), []PinView) {
	now := c.now()
	var view []PinView

	for _, v := range c.pendingViewsLocked(now) {
		if c.filters.Match(&v.Pin, v.DistanceKm, v.HasDistance) {
			view = append(view, v)
		}
	}
	for _, id := range c.order {
		p := c.pins[id]
		v := c.decorateLocked(p, now)
		if c.filters.Match(&v.Pin, v.DistanceKm, v.HasDistance) {
			view = append(view, v)
		}
	}
	c.view = view
	c.metrics.setPinsVisible(len(view))

	var ops []func()
	sink := c.sink
	visible := make(map[string]bool, len(view))
	for _, v := range view {
		v := v
		visible[v.ID] = true
		prev, ok := c.markers[v.ID]
		switch {
		case !ok:
			c.markers[v.ID] = v.Pin
			if sink != nil {
				ops = append(ops, func() { sink.CreateMarker(v) })
			}
		case !prev.sameContent(&v.Pin):
			c.markers[v.ID] = v.Pin
			if sink != nil {
				ops = append(ops, func() { sink.UpdateMarker(v) })
			}
		}
	}
	var gone []string
	for id := range c.markers {
		if !visible[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		id := id
		delete(c.markers, id)
		if sink != nil {
			ops = append(ops, func() { sink.RemoveMarker(id) })
		}
	}

	viewers := make([]func([]PinView), 0, len(c.viewers))
	ids := make([]int, 0, len(c.viewers))
	for id := range c.viewers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		viewers = append(viewers, c.viewers[id])
	}
	return ops, viewers, append([]PinView(nil), view...)
}

func (c *SyncCoordinator) decorateLocked(p Pin, now time.Time) PinView {
	v := PinView{Pin: p, Owner: OwnerOther}
	if c.location != nil && p.Coordinates != nil {
		v.DistanceKm = Haversine(*c.location, *p.Coordinates)
		v.HasDistance = true
	}
	v.RelativeTime = RelativeTime(p.CreatedAt, now)
	if c.userID != "" && p.OwnerID == c.userID {
		v.Owner = OwnerMe
	}
	v.Attending = c.userID != "" && p.HasAttendee(c.userID)
	return v
}

// pendingViewsLocked renders queued CREATE_PIN mutations, newest first.
func (c *SyncCoordinator) pendingViewsLocked(now time.Time) []PinView {
	if c.queue == nil {
		return nil
	}
	items := c.queue.Snapshot()
	out := make([]PinView, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		m := items[i]
		if m.Kind != MutationCreatePin {
			continue
		}
		var payload createPinPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			c.logger.Warn("unreadable pending mutation", zap.String("local_id", m.LocalID), zap.Error(err))
			continue
		}
		p := Pin{
			ID:          m.LocalID,
			Type:        payload.Draft.Type,
			Category:    payload.Draft.Category,
			Description: payload.Draft.Description,
			Coordinates: payload.Draft.Coordinates,
			CreatedAt:   m.EnqueuedAt,
			OwnerID:     payload.OwnerID,
		}
		v := c.decorateLocked(p, now)
		v.Pending = true
		out = append(out, v)
	}
	return out
}

// View returns the current filtered view.
func (c *SyncCoordinator) View() []PinView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PinView(nil), c.view...)
}

// MyPins returns the viewer's own pins, including pending ones, ignoring filters.
func (c *SyncCoordinator) MyPins() []PinView {
	return c.facet(func(v *PinView) bool { return v.Mine() })
}

// AttendingPins returns pins the viewer joined, ignoring filters.
func (c *SyncCoordinator) AttendingPins() []PinView {
	return c.facet(func(v *PinView) bool { return v.Attending })
}

// NearbyPins returns the filtered view without the viewer's own and
// attended pins.
func (c *SyncCoordinator) NearbyPins() []PinView {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PinView
	for _, v := range c.view {
		if !v.Mine() && !v.Attending {
			out = append(out, v)
		}
	}
	return out
}

func (c *SyncCoordinator) facet(keep func(*PinView) bool) []PinView {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []PinView
	for _, v := range c.pendingViewsLocked(now) {
		if keep(&v) {
			out = append(out, v)
		}
	}
	for _, id := range c.order {
		v := c.decorateLocked(c.pins[id], now)
		if keep(&v) {
			out = append(out, v)
		}
	}
	return out
}

// PendingCount returns the number of queued offline writes.
func (c *SyncCoordinator) PendingCount() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Len()
}

// SetMarkerSink installs the sink for marker operations. Markers already
// shown are replayed to it as creates.
func (c *SyncCoordinator) SetMarkerSink(sink MarkerSink) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.mu.Lock()
	c.sink = sink
	c.markers = make(map[string]Pin)
	ops, viewers, view := c.recomputeLocked()
	c.mu.Unlock()
	c.deliver(ops, viewers, view)
}

// Filters returns the active filters.
func (c *SyncCoordinator) Filters() Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters.clone()
}

// SetFilters replaces the filters, persists them and re-filters immediately.
func (c *SyncCoordinator) SetFilters(f Filters) error {
	if err := f.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.filters = f.clone()
	c.mu.Unlock()

	if c.filterStore != nil {
		if err := c.filterStore.SaveFilters(f); err != nil {
			c.logger.Warn("failed to persist filters", zap.Error(err))
		}
	}
	c.refresh()
	return nil
}

// SetLocation updates the viewer location and re-filters immediately.
func (c *SyncCoordinator) SetLocation(location *LatLng) {
	c.mu.Lock()
	c.location = copyLatLng(location)
	c.mu.Unlock()
	c.refresh()
}

func copyLatLng(p *LatLng) *LatLng {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (c *SyncCoordinator) currentUser(op string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return "", ErrPrecondition(op, "no current user")
	}
	return c.userID, nil
}

// ============================================================================
// Writes
// ============================================================================

// Publish creates a pin. Online, the remote write happens now and its error
// is returned. Offline, the draft is queued under a pending local id and the
// call returns at once.
func (c *SyncCoordinator) Publish(ctx context.Context, draft PinDraft, isOnline bool) (*PublishResult, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	owner, err := c.currentUser("pin.publish")
	if err != nil {
		return nil, err
	}

	if isOnline {
		pin, err := c.remote.CreatePin(ctx, draft, owner)
		if err != nil {
			c.logger.Warn("publish failed", zap.Error(err))
			return nil, err
		}
		c.logger.Info("pin published", zap.String("pin_id", pin.ID))
		return &PublishResult{ID: pin.ID, Pin: pin}, nil
	}

	if c.queue == nil {
		return nil, ErrPrecondition("pin.publish", "offline and no pending queue configured")
	}
	m, err := NewPendingMutation(MutationCreatePin, createPinPayload{Draft: draft, OwnerID: owner})
	if err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(m); err != nil {
		return nil, err
	}
	c.logger.Info("pin queued while offline", zap.String("local_id", m.LocalID))
	return &PublishResult{ID: m.LocalID, Pending: true}, nil
}

// ReplayMutation performs a queued write against the remote store. It is
// the ReplayFunc handed to PendingQueue.Drain.
func (c *SyncCoordinator) ReplayMutation(ctx context.Context, m PendingMutation) error {
	switch m.Kind {
	case MutationCreatePin:
		var payload createPinPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return ErrInvalid("queue.replay", "corrupt CREATE_PIN payload").WithCause(err)
		}
		pin, err := c.remote.CreatePin(ctx, payload.Draft, payload.OwnerID)
		if err != nil {
			return err
		}
		c.logger.Info("pending pin replayed", zap.String("local_id", m.LocalID), zap.String("pin_id", pin.ID))
		return nil
	default:
		return ErrInvalid("queue.replay", "unknown mutation kind "+string(m.Kind))
	}
}

func (c *SyncCoordinator) attendLock(pinID string) *sync.Mutex {
	c.attendMu.Lock()
	defer c.attendMu.Unlock()
	l, ok := c.attendLocks[pinID]
	if !ok {
		l = &sync.Mutex{}
		c.attendLocks[pinID] = l
	}
	return l
}

// earliestFor returns the oldest conversation of userID, if any.
func earliestFor(convs []Conversation, userID string) *Conversation {
	var best *Conversation
	for i := range convs {
		cv := &convs[i]
		if cv.ParticipantID != userID {
			continue
		}
		if best == nil || cv.CreatedAt.Before(best.CreatedAt) ||
			(cv.CreatedAt.Equal(best.CreatedAt) && cv.ID < best.ID) {
			best = cv
		}
	}
	return best
}

// Attend joins userID to pin and returns their conversation with the owner.
// Repeated calls return the same conversation.
func (c *SyncCoordinator) Attend(ctx context.Context, pin Pin, userID, alias string) (*Conversation, error) {
	if userID == "" {
		return nil, ErrInvalid("pin.attend", "user id is required")
	}
	if pin.OwnerID == userID {
		return nil, ErrInvalid("pin.attend", "owners cannot attend their own pin")
	}
	l := c.attendLock(pin.ID)
	l.Lock()
	defer l.Unlock()

	convs, err := c.remote.ListConversations(ctx, pin.ID)
	if err != nil {
		return nil, err
	}
	if existing := earliestFor(convs, userID); existing != nil {
		if !pin.HasAttendee(userID) {
			if err := c.remote.AddAttendee(ctx, pin.ID, userID); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	if strings.TrimSpace(alias) == "" {
		alias = GenerateAlias()
	}
	conv, err := c.remote.CreateConversation(ctx, pin.ID, userID, alias)
	if err != nil {
		return nil, err
	}
	greeting := fmt.Sprintf("%s wants to help with your %s %s.", alias, pin.Category, pin.Type)
	if _, err := c.remote.AddMessage(ctx, pin.ID, conv.ID, MessageDraft{Text: greeting, SenderID: SystemSenderID}); err != nil {
		c.logger.Warn("greeting message failed", zap.String("pin_id", pin.ID), zap.Error(err))
	}
	if err := c.remote.AddAttendee(ctx, pin.ID, userID); err != nil {
		return nil, err
	}

	// Another device of the same user may have raced us; the oldest record wins.
	if after, err := c.remote.ListConversations(ctx, pin.ID); err == nil {
		if first := earliestFor(after, userID); first != nil && first.ID != conv.ID {
			c.logger.Warn("duplicate conversation detected, keeping the existing one",
				zap.String("pin_id", pin.ID), zap.String("kept", first.ID), zap.String("dropped", conv.ID))
			return first, nil
		}
	}
	c.logger.Info("attending pin", zap.String("pin_id", pin.ID), zap.String("conversation_id", conv.ID))
	return conv, nil
}

// Resolve marks a pin resolved. The pin leaves the view only after the
// remote write succeeded.
func (c *SyncCoordinator) Resolve(ctx context.Context, pinID string) error {
	if err := c.remote.ResolvePin(ctx, pinID); err != nil {
		c.logger.Warn("resolve failed", zap.String("pin_id", pinID), zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.resolved[pinID] = true
	delete(c.pins, pinID)
	c.mu.Unlock()
	c.refresh()
	c.logger.Info("pin resolved", zap.String("pin_id", pinID))
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations lists the conversations of a pin. A rejected query yields an
// empty list.
func (c *SyncCoordinator) Conversations(ctx context.Context, pinID string) ([]Conversation, error) {
	convs, err := c.remote.ListConversations(ctx, pinID)
	if IsPrecondition(err) {
		c.logger.Warn("conversation query rejected", zap.String("pin_id", pinID), zap.Error(err))
		return []Conversation{}, nil
	}
	return convs, err
}

// SendMessage appends a message from the current user.
func (c *SyncCoordinator) SendMessage(ctx context.Context, pinID, convID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalid("message.send", "message text is empty")
	}
	sender, err := c.currentUser("message.send")
	if err != nil {
		return nil, err
	}
	return c.remote.AddMessage(ctx, pinID, convID, MessageDraft{Text: text, SenderID: sender})
}

// SubscribeMessages delivers the ordered message list of a conversation.
func (c *SyncCoordinator) SubscribeMessages(pinID, convID string, onMessages func([]Message)) (Unsubscribe, error) {
	key := "messages:" + uuid.NewString()
	node := NewSubscriptionNode(key, nil)
	c.root.Attach(key, node)

	cancel, err := c.remote.SubscribeMessages(pinID, convID,
		func(msgs []Message) {
			if node.Disposed() {
				return
			}
			ordered := append([]Message(nil), msgs...)
			SortMessages(ordered)
			onMessages(ordered)
		},
		func(err error) {
			if IsPrecondition(err) {
				c.logger.Warn("message query rejected", zap.String("conversation_id", convID), zap.Error(err))
				onMessages([]Message{})
				return
			}
			c.logger.Warn("message stream error", zap.String("conversation_id", convID), zap.Error(err))
		})
	if err != nil {
		c.root.Detach(key)
		return nil, err
	}
	node.SetCancel(cancel)
	return once(func() { c.root.Detach(key) }), nil
}
