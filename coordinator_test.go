package enjambre

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	london   = LatLng{Lat: 51.505, Lng: -0.09}
)

type recordingSink struct {
	mu  sync.Mutex
	ops []string
}

func (s *recordingSink) CreateMarker(v PinView) { s.add("create:" + v.ID) }
func (s *recordingSink) UpdateMarker(v PinView) { s.add("update:" + v.ID) }
func (s *recordingSink) RemoveMarker(id string) { s.add("remove:" + id) }

func (s *recordingSink) add(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

// take returns the operations recorded since the last call.
func (s *recordingSink) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ops
	s.ops = nil
	return out
}

type viewLog struct {
	mu    sync.Mutex
	calls int
	last  []PinView
}

func (l *viewLog) on(v []PinView) {
	l.mu.Lock()
	l.calls++
	l.last = v
	l.mu.Unlock()
}

func (l *viewLog) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.last))
	for _, v := range l.last {
		out = append(out, v.ID)
	}
	return out
}

func newTestRemote() *MemoryRemote {
	r := NewMemoryRemote()
	r.Now = func() time.Time { return baseTime }
	return r
}

func newTestCoordinator(t *testing.T, remote RemoteStore, userID string, sink MarkerSink) (*SyncCoordinator, *PendingQueue) {
	t.Helper()
	q := newTestQueue(t, NewMemoryStore())
	c := NewSyncCoordinator(remote, q, &CoordinatorOptions{
		UserID: userID,
		Sink:   sink,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return baseTime.Add(5 * time.Minute) },
	})
	t.Cleanup(c.Close)
	return c, q
}

func testPin(id, owner string, cat Category, at *LatLng) Pin {
	return Pin{
		ID:          id,
		Type:        PinTypeNeed,
		Category:    cat,
		Description: "need " + string(cat),
		Coordinates: at,
		CreatedAt:   baseTime,
		OwnerID:     owner,
	}
}

func ptr(p LatLng) *LatLng { return &p }

func viewIDs(views []PinView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

// ============================================================================
// Filters and decoration
// ============================================================================

func TestFiltersMatch(t *testing.T) {
	water := testPin("p", "o", CategoryWater, nil)
	offer := water
	offer.Type = PinTypeOffer

	tests := []struct {
		name    string
		filters func(*Filters)
		pin     Pin
		dist    float64
		hasDist bool
		want    bool
	}{
		{"defaults", func(*Filters) {}, water, 1, true, true},
		{"category off", func(f *Filters) { f.Categories[CategoryWater] = false }, water, 1, true, false},
		{"unknown category", func(*Filters) {}, testPin("p", "o", "fuel", nil), 1, true, false},
		{"type mismatch", func(f *Filters) { f.Type = PinTypeNeed }, offer, 1, true, false},
		{"type match", func(f *Filters) { f.Type = PinTypeOffer }, offer, 1, true, true},
		{"type all", func(f *Filters) { f.Type = PinTypeAll }, offer, 1, true, true},
		{"beyond radius", func(*Filters) {}, water, 10.01, true, false},
		{"on radius", func(*Filters) {}, water, 10, true, true},
		{"unknown distance passes", func(*Filters) {}, water, 0, false, true},
		{"unknown distance still filtered by category", func(f *Filters) { f.Categories[CategoryWater] = false }, water, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DefaultFilters()
			tt.filters(&f)
			assert.Equal(t, tt.want, f.Match(&tt.pin, tt.dist, tt.hasDist))
		})
	}
}

func TestRelativeTime(t *testing.T) {
	now := baseTime
	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-30 * time.Second), "now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
		{now.Add(-65 * 24 * time.Hour), "2mo ago"},
		{now.Add(10 * time.Minute), "10m from now"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelativeTime(tt.at, now))
	}
}

// ============================================================================
// Pin stream
// ============================================================================

func TestSubscribeDecoratesAndFilters(t *testing.T) {
	remote := newTestRemote()
	near := testPin("near", "other", CategoryWater, ptr(LatLng{Lat: 51.515, Lng: -0.08}))
	far := testPin("far", "other", CategoryFood, ptr(LatLng{Lat: 51.6, Lng: -0.09}))
	nowhere := testPin("nowhere", "me", CategoryShelter, nil)
	joined := testPin("joined", "other", CategoryTools, ptr(london))
	joined.AttendeeIDs = []string{"me"}
	done := testPin("done", "other", CategoryWater, ptr(london))
	done.Resolved = true
	for _, p := range []Pin{near, far, nowhere, joined, done} {
		remote.PutPin(p)
	}

	c, _ := newTestCoordinator(t, remote, "me", nil)
	log := &viewLog{}
	unsub, err := c.Subscribe(ptr(london), "me", log.on)
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, 1, log.calls)
	assert.ElementsMatch(t, []string{"near", "nowhere", "joined"}, log.ids())

	byID := make(map[string]PinView)
	for _, v := range c.View() {
		byID[v.ID] = v
	}
	assert.True(t, byID["near"].HasDistance)
	assert.InDelta(t, 1.31, byID["near"].DistanceKm, 0.02)
	assert.Equal(t, OwnerOther, byID["near"].Owner)
	assert.Equal(t, "5m ago", byID["near"].RelativeTime)
	assert.False(t, byID["nowhere"].HasDistance)
	assert.True(t, byID["nowhere"].Mine())
	assert.True(t, byID["joined"].Attending)

	assert.Equal(t, []string{"nowhere"}, viewIDs(c.MyPins()))
	assert.Equal(t, []string{"joined"}, viewIDs(c.AttendingPins()))
	assert.Equal(t, []string{"near"}, viewIDs(c.NearbyPins()))

	// From the far pin the near one is about 9.5 km away and home about 10.6 km.
	c.SetLocation(ptr(LatLng{Lat: 51.6, Lng: -0.09}))
	assert.ElementsMatch(t, []string{"far", "near", "nowhere"}, log.ids())

	c.SetLocation(nil)
	assert.ElementsMatch(t, []string{"near", "far", "nowhere", "joined"}, log.ids())
}

func TestSubscribeSharesRemoteSubscription(t *testing.T) {
	remote := newTestRemote()
	remote.PutPin(testPin("a", "other", CategoryWater, nil))
	c, _ := newTestCoordinator(t, remote, "me", nil)

	first, second := &viewLog{}, &viewLog{}
	u1, err := c.Subscribe(nil, "me", first.on)
	require.NoError(t, err)
	u2, err := c.Subscribe(nil, "me", second.on)
	require.NoError(t, err)

	remote.mu.Lock()
	assert.Len(t, remote.pinSubs, 1)
	remote.mu.Unlock()
	assert.Equal(t, []string{"a"}, second.ids())

	remote.PutPin(testPin("b", "other", CategoryFood, nil))
	assert.ElementsMatch(t, []string{"a", "b"}, first.ids())
	assert.ElementsMatch(t, []string{"a", "b"}, second.ids())

	u1()
	u1()
	remote.mu.Lock()
	assert.Len(t, remote.pinSubs, 1)
	remote.mu.Unlock()

	u2()
	remote.mu.Lock()
	assert.Empty(t, remote.pinSubs)
	remote.mu.Unlock()
}

func TestSubscribePreconditionShowsEmpty(t *testing.T) {
	remote := newTestRemote()
	remote.PutPin(testPin("a", "other", CategoryWater, nil))
	remote.SetQueryError(ErrPrecondition("remote.pins", "index missing"))

	c, _ := newTestCoordinator(t, remote, "me", nil)
	log := &viewLog{}
	_, err := c.Subscribe(nil, "me", log.on)
	require.NoError(t, err)
	assert.Equal(t, 1, log.calls)
	assert.Empty(t, log.ids())
}

func TestStreamErrorKeepsLastView(t *testing.T) {
	remote := newTestRemote()
	remote.PutPin(testPin("a", "other", CategoryWater, nil))
	c, _ := newTestCoordinator(t, remote, "me", nil)
	log := &viewLog{}
	_, err := c.Subscribe(nil, "me", log.on)
	require.NoError(t, err)

	c.onStreamError(ErrTransient("remote.pins", "connection reset"))
	assert.Equal(t, []string{"a"}, viewIDs(c.View()))
	assert.Equal(t, 1, log.calls)
}

func TestMarkerStability(t *testing.T) {
	remote := newTestRemote()
	sink := &recordingSink{}
	c, _ := newTestCoordinator(t, remote, "me", sink)
	_, err := c.Subscribe(nil, "me", func([]PinView) {})
	require.NoError(t, err)
	assert.Empty(t, sink.take())

	a := testPin("a", "other", CategoryWater, nil)
	b := testPin("b", "other", CategoryFood, nil)
	remote.PutPin(a)
	assert.Equal(t, []string{"create:a"}, sink.take())
	remote.PutPin(b)
	assert.Equal(t, []string{"create:b"}, sink.take())

	// Same content delivered again leaves markers alone.
	remote.PutPin(b)
	assert.Empty(t, sink.take())

	a.Description = "need water urgently"
	remote.PutPin(a)
	assert.Equal(t, []string{"update:a"}, sink.take())

	f := DefaultFilters()
	f.Categories[CategoryFood] = false
	require.NoError(t, c.SetFilters(f))
	assert.Equal(t, []string{"remove:b"}, sink.take())

	require.NoError(t, c.SetFilters(DefaultFilters()))
	assert.Equal(t, []string{"create:b"}, sink.take())

	remote.DeletePin("a")
	assert.Equal(t, []string{"remove:a"}, sink.take())

	replay := &recordingSink{}
	c.SetMarkerSink(replay)
	assert.Equal(t, []string{"create:b"}, replay.take())
	assert.Empty(t, sink.take())
}

func TestSetFilters(t *testing.T) {
	t.Run("rejects invalid", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newTestRemote(), "me", nil)
		f := DefaultFilters()
		f.RadiusKm = -1
		assert.Equal(t, KindInvalid, KindOf(c.SetFilters(f)))
		f = DefaultFilters()
		f.Type = "barter"
		assert.Equal(t, KindInvalid, KindOf(c.SetFilters(f)))
		assert.Equal(t, DefaultFilters(), c.Filters())
	})

	t.Run("persisted and restored", func(t *testing.T) {
		store := NewMemoryStore()
		c := NewSyncCoordinator(newTestRemote(), nil, &CoordinatorOptions{UserID: "me", FilterStore: store})
		f := DefaultFilters()
		f.RadiusKm = 4
		f.Type = PinTypeOffer
		require.NoError(t, c.SetFilters(f))

		restored := NewSyncCoordinator(newTestRemote(), nil, &CoordinatorOptions{UserID: "me", FilterStore: store})
		assert.Equal(t, f, restored.Filters())
	})

	t.Run("returned filters are a copy", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newTestRemote(), "me", nil)
		f := c.Filters()
		f.Categories[CategoryWater] = false
		assert.True(t, c.Filters().Categories[CategoryWater])
	})
}

// ============================================================================
// Writes
// ============================================================================

func TestPublish(t *testing.T) {
	draft := PinDraft{Type: PinTypeNeed, Category: CategoryMedicine, Description: "insulin", Coordinates: ptr(london)}

	t.Run("online writes through", func(t *testing.T) {
		remote := newTestRemote()
		c, q := newTestCoordinator(t, remote, "me", nil)
		res, err := c.Publish(context.Background(), draft, true)
		require.NoError(t, err)
		assert.False(t, res.Pending)
		require.NotNil(t, res.Pin)
		assert.Equal(t, "me", res.Pin.OwnerID)
		assert.Zero(t, q.Len())

		got, err := remote.GetPin(context.Background(), res.ID)
		require.NoError(t, err)
		assert.Equal(t, "insulin", got.Description)
	})

	t.Run("online failure is surfaced", func(t *testing.T) {
		remote := newTestRemote()
		remote.SetOffline(true)
		c, q := newTestCoordinator(t, remote, "me", nil)
		_, err := c.Publish(context.Background(), draft, true)
		assert.True(t, IsTransient(err))
		assert.Zero(t, q.Len())
	})

	t.Run("invalid draft", func(t *testing.T) {
		c, q := newTestCoordinator(t, newTestRemote(), "me", nil)
		_, err := c.Publish(context.Background(), PinDraft{Type: "barter", Category: CategoryFood, Description: "x"}, false)
		assert.Equal(t, KindInvalid, KindOf(err))
		_, err = c.Publish(context.Background(), PinDraft{Type: PinTypeNeed, Category: CategoryFood}, false)
		assert.Equal(t, KindInvalid, KindOf(err))
		assert.Zero(t, q.Len())
	})

	t.Run("no user", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newTestRemote(), "", nil)
		_, err := c.Publish(context.Background(), draft, true)
		assert.True(t, IsPrecondition(err))
	})

	t.Run("offline queues then replays", func(t *testing.T) {
		remote := newTestRemote()
		sink := &recordingSink{}
		c, q := newTestCoordinator(t, remote, "me", sink)
		log := &viewLog{}
		_, err := c.Subscribe(ptr(london), "me", log.on)
		require.NoError(t, err)

		res, err := c.Publish(context.Background(), draft, false)
		require.NoError(t, err)
		assert.True(t, res.Pending)
		assert.True(t, strings.HasPrefix(res.ID, PendingIDPrefix))
		assert.Equal(t, 1, c.PendingCount())

		view := c.View()
		require.Len(t, view, 1)
		assert.Equal(t, res.ID, view[0].ID)
		assert.True(t, view[0].Pending)
		assert.True(t, view[0].Mine())
		assert.Equal(t, []string{res.ID}, log.ids())
		assert.Equal(t, []string{"create:" + res.ID}, sink.take())

		n, err := q.Drain(context.Background(), c.ReplayMutation)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Zero(t, c.PendingCount())

		view = c.View()
		require.Len(t, view, 1)
		assert.False(t, view[0].Pending)
		assert.False(t, strings.HasPrefix(view[0].ID, PendingIDPrefix))
		assert.Equal(t, "insulin", view[0].Description)
		assert.Contains(t, sink.take(), "remove:"+res.ID)
	})

	t.Run("replay rejects unknown kinds", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newTestRemote(), "me", nil)
		err := c.ReplayMutation(context.Background(), PendingMutation{LocalID: "pending-x", Kind: "DELETE_PIN"})
		assert.Equal(t, KindInvalid, KindOf(err))
	})
}

func TestAttend(t *testing.T) {
	pin := testPin("p1", "owner", CategoryWater, ptr(london))

	t.Run("idempotent", func(t *testing.T) {
		remote := newTestRemote()
		remote.PutPin(pin)
		c, _ := newTestCoordinator(t, remote, "helper", nil)

		first, err := c.Attend(context.Background(), pin, "helper", "Neighbor#0001")
		require.NoError(t, err)
		second, err := c.Attend(context.Background(), pin, "helper", "Neighbor#0001")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		convs, err := remote.ListConversations(context.Background(), pin.ID)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
		assert.Equal(t, "Neighbor#0001", convs[0].ParticipantAlias)
		assert.True(t, convs[0].UnreadByOwner)

		got, err := remote.GetPin(context.Background(), pin.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"helper"}, got.AttendeeIDs)

		var msgs []Message
		unsub, err := remote.SubscribeMessages(pin.ID, first.ID, func(m []Message) { msgs = m }, nil)
		require.NoError(t, err)
		unsub()
		require.Len(t, msgs, 1)
		assert.Equal(t, SystemSenderID, msgs[0].SenderID)
		assert.Equal(t, "Neighbor#0001 wants to help with your water need.", msgs[0].Text)
	})

	t.Run("concurrent attends converge", func(t *testing.T) {
		remote := newTestRemote()
		remote.PutPin(pin)
		c, _ := newTestCoordinator(t, remote, "helper", nil)

		var wg sync.WaitGroup
		ids := make([]string, 4)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, err := c.Attend(context.Background(), pin, "helper", "")
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			assert.Equal(t, ids[0], id)
		}
		convs, err := remote.ListConversations(context.Background(), pin.ID)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
		assert.True(t, strings.HasPrefix(convs[0].ParticipantAlias, "Neighbor#"))
	})

	t.Run("existing conversation repairs attendance", func(t *testing.T) {
		remote := newTestRemote()
		remote.PutPin(pin)
		conv, err := remote.CreateConversation(context.Background(), pin.ID, "helper", "Neighbor#0002")
		require.NoError(t, err)
		c, _ := newTestCoordinator(t, remote, "helper", nil)

		got, err := c.Attend(context.Background(), pin, "helper", "ignored")
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
		p, err := remote.GetPin(context.Background(), pin.ID)
		require.NoError(t, err)
		assert.True(t, p.HasAttendee("helper"))
	})

	t.Run("owner cannot attend", func(t *testing.T) {
		remote := newTestRemote()
		remote.PutPin(pin)
		c, _ := newTestCoordinator(t, remote, "owner", nil)
		_, err := c.Attend(context.Background(), pin, "owner", "")
		assert.Equal(t, KindInvalid, KindOf(err))
	})

	t.Run("earliest conversation wins", func(t *testing.T) {
		convs := []Conversation{
			{ID: "b", ParticipantID: "u", CreatedAt: baseTime.Add(time.Second)},
			{ID: "z", ParticipantID: "other", CreatedAt: baseTime.Add(-time.Hour)},
			{ID: "c", ParticipantID: "u", CreatedAt: baseTime},
			{ID: "a", ParticipantID: "u", CreatedAt: baseTime},
		}
		assert.Equal(t, "a", earliestFor(convs, "u").ID)
		assert.Nil(t, earliestFor(convs, "nobody"))
	})
}

func TestResolve(t *testing.T) {
	t.Run("removes pin after remote write", func(t *testing.T) {
		remote := newTestRemote()
		pin := testPin("p1", "me", CategoryFood, nil)
		remote.PutPin(pin)
		remote.PutPin(testPin("p2", "other", CategoryFood, nil))
		sink := &recordingSink{}
		c, _ := newTestCoordinator(t, remote, "me", sink)
		_, err := c.Subscribe(nil, "me", func([]PinView) {})
		require.NoError(t, err)
		sink.take()

		require.NoError(t, c.Resolve(context.Background(), "p1"))
		assert.Equal(t, []string{"p2"}, viewIDs(c.View()))
		assert.Equal(t, []string{"remove:p1"}, sink.take())

		// A stale snapshot still carrying the pin does not bring it back.
		c.onSnapshot([]Pin{pin, testPin("p2", "other", CategoryFood, nil)})
		assert.Equal(t, []string{"p2"}, viewIDs(c.View()))
		assert.Empty(t, sink.take())
	})

	t.Run("failure keeps the pin", func(t *testing.T) {
		remote := newTestRemote()
		remote.PutPin(testPin("p1", "me", CategoryFood, nil))
		c, _ := newTestCoordinator(t, remote, "me", nil)
		_, err := c.Subscribe(nil, "me", func([]PinView) {})
		require.NoError(t, err)

		remote.SetOffline(true)
		err = c.Resolve(context.Background(), "p1")
		assert.True(t, IsTransient(err))
		assert.Equal(t, []string{"p1"}, viewIDs(c.View()))

		remote.SetOffline(false)
		err = c.Resolve(context.Background(), "missing")
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

// ============================================================================
// Conversations
// ============================================================================

// rejectingRemote fails conversation listing with a precondition error.
type rejectingRemote struct {
	*MemoryRemote
}

func (r rejectingRemote) ListConversations(ctx context.Context, pinID string) ([]Conversation, error) {
	return nil, ErrPrecondition("remote.conv.list", "index missing")
}

func TestConversations(t *testing.T) {
	t.Run("precondition yields empty list", func(t *testing.T) {
		c, _ := newTestCoordinator(t, rejectingRemote{newTestRemote()}, "me", nil)
		convs, err := c.Conversations(context.Background(), "p1")
		require.NoError(t, err)
		assert.NotNil(t, convs)
		assert.Empty(t, convs)
	})

	t.Run("transient errors are returned", func(t *testing.T) {
		remote := newTestRemote()
		remote.SetOffline(true)
		c, _ := newTestCoordinator(t, remote, "me", nil)
		_, err := c.Conversations(context.Background(), "p1")
		assert.True(t, IsTransient(err))
	})
}

func TestMessages(t *testing.T) {
	remote := newTestRemote()
	tick := 0
	remote.Now = func() time.Time {
		tick++
		return baseTime.Add(time.Duration(tick) * time.Second)
	}
	pin := testPin("p1", "owner", CategoryTools, nil)
	remote.PutPin(pin)
	helper, _ := newTestCoordinator(t, remote, "helper", nil)
	owner, _ := newTestCoordinator(t, remote, "owner", nil)

	conv, err := helper.Attend(context.Background(), pin, "helper", "Neighbor#0003")
	require.NoError(t, err)

	var got []Message
	unsub, err := owner.SubscribeMessages(pin.ID, conv.ID, func(m []Message) { got = m })
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = helper.SendMessage(context.Background(), pin.ID, conv.ID, "  I have a ladder  ")
	require.NoError(t, err)
	_, err = owner.SendMessage(context.Background(), pin.ID, conv.ID, "great, thanks")
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "I have a ladder", got[1].Text)
	assert.Equal(t, "helper", got[1].SenderID)
	assert.Equal(t, "owner", got[2].SenderID)
	assert.True(t, got[1].CreatedAt.Before(got[2].CreatedAt))

	convs, err := remote.ListConversations(context.Background(), pin.ID)
	require.NoError(t, err)
	assert.False(t, convs[0].UnreadByOwner)
	assert.Equal(t, "great, thanks", convs[0].LastMessageText)

	_, err = owner.SendMessage(context.Background(), pin.ID, conv.ID, "   ")
	assert.Equal(t, KindInvalid, KindOf(err))

	unsub()
	_, err = helper.SendMessage(context.Background(), pin.ID, conv.ID, "still there?")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
