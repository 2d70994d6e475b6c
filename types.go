package enjambre

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Pins
// ============================================================================

// PinType is the kind of a pin. PinTypeAll is only meaningful in Filters.
type PinType string

const (
	PinTypeNeed  PinType = "need"
	PinTypeOffer PinType = "offer"
	PinTypeAll   PinType = "all"
)

// Category classifies what a pin asks for or offers.
type Category string

const (
	CategoryWater      Category = "water"
	CategoryFood       Category = "food"
	CategoryShelter    Category = "shelter"
	CategoryMedicine   Category = "medicine"
	CategoryTools      Category = "tools"
	CategoryVolunteers Category = "volunteers"
)

// AllCategories lists every known category in display order.
var AllCategories = []Category{
	CategoryWater,
	CategoryFood,
	CategoryShelter,
	CategoryMedicine,
	CategoryTools,
	CategoryVolunteers,
}

// LatLng is a WGS84 coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

func (p LatLng) String() string {
	return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
}

// Pin is a need or offer marker posted at a point.
type Pin struct {
	ID          string     `json:"id"`
	Type        PinType    `json:"type"`
	Category    Category   `json:"category"`
	Description string     `json:"description"`
	Coordinates *LatLng    `json:"coordinates,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	OwnerID     string     `json:"ownerId"`
	AttendeeIDs []string   `json:"attendeeIds,omitempty"`
}

// HasAttendee reports whether userID joined the pin.
func (p *Pin) HasAttendee(userID string) bool {
	for _, id := range p.AttendeeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// sameContent reports whether two pins carry the same remote state.
func (p *Pin) sameContent(o *Pin) bool {
	if p.ID != o.ID || p.Type != o.Type || p.Category != o.Category ||
		p.Description != o.Description || p.Resolved != o.Resolved ||
		p.OwnerID != o.OwnerID || !p.CreatedAt.Equal(o.CreatedAt) ||
		!p.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if (p.Coordinates == nil) != (o.Coordinates == nil) {
		return false
	}
	if p.Coordinates != nil && *p.Coordinates != *o.Coordinates {
		return false
	}
	if len(p.AttendeeIDs) != len(o.AttendeeIDs) {
		return false
	}
	for i := range p.AttendeeIDs {
		if p.AttendeeIDs[i] != o.AttendeeIDs[i] {
			return false
		}
	}
	return true
}

// PinDraft is what a user submits when publishing a pin.
type PinDraft struct {
	Type        PinType  `json:"type" validate:"required,oneof=need offer"`
	Category    Category `json:"category" validate:"required,oneof=water food shelter medicine tools volunteers"`
	Description string   `json:"description" validate:"required,max=500"`
	Coordinates *LatLng  `json:"coordinates,omitempty"`
}

var validate = validator.New()

// Validate checks the draft before it is written or queued.
func (d *PinDraft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return ErrInvalid("pin.validate", "invalid pin draft").WithCause(err)
	}
	return nil
}

// Ownership says whether a pin belongs to the viewing user.
type Ownership string

const (
	OwnerMe    Ownership = "me"
	OwnerOther Ownership = "other"
)

// PinView is a pin decorated with values derived for the current viewer.
// Mine, Attending and Resolved are independent facets.
type PinView struct {
	Pin
	DistanceKm   float64   `json:"distanceKm"`
	HasDistance  bool      `json:"hasDistance"`
	RelativeTime string    `json:"relativeTime"`
	Owner        Ownership `json:"user"`
	Attending    bool      `json:"attending"`
	Pending      bool      `json:"pending,omitempty"`
}

// Mine reports whether the viewer owns the pin.
func (v PinView) Mine() bool { return v.Owner == OwnerMe }

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a thread between a pin owner and one responder.
type Conversation struct {
	ID               string    `json:"id"`
	PinID            string    `json:"pinId"`
	ParticipantID    string    `json:"participantId"`
	ParticipantAlias string    `json:"participantAlias"`
	LastMessageText  string    `json:"lastMessage"`
	UnreadByOwner    bool      `json:"unreadByOwner"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Message is one entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SortMessages orders messages by creation time. Ties keep arrival order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ============================================================================
// Offline mutations
// ============================================================================

// MutationKind names the write a pending mutation replays.
type MutationKind string

const (
	MutationCreatePin MutationKind = "CREATE_PIN"
)

// PendingIDPrefix marks ids generated locally for writes not yet replayed.
const PendingIDPrefix = "pending-"

// PendingMutation is a write recorded while offline.
type PendingMutation struct {
	LocalID    string          `json:"localId"`
	Kind       MutationKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// createPinPayload is the payload of a CREATE_PIN mutation.
type createPinPayload struct {
	Draft   PinDraft `json:"draft"`
	OwnerID string   `json:"ownerId"`
}

// ============================================================================
// Tiles
// ============================================================================

// TileKey identifies one raster tile.
type TileKey struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// TileRecord is a downloaded tile.
type TileRecord struct {
	Key          TileKey
	Blob         []byte
	DownloadedAt time.Time
}

// ============================================================================
// Filters
// ============================================================================

// Filters is the client-side view state applied to the pin stream.
type Filters struct {
	Categories map[Category]bool `json:"categories"`
	Type       PinType           `json:"type"`
	RadiusKm   float64           `json:"radiusKm"`
}

// DefaultFilters shows every category and type within 10 km.
func DefaultFilters() Filters {
	cats := make(map[Category]bool, len(AllCategories))
	for _, c := range AllCategories {
		cats[c] = true
	}
	return Filters{Categories: cats, Type: PinTypeAll, RadiusKm: 10}
}

func (f Filters) clone() Filters {
	cats := make(map[Category]bool, len(f.Categories))
	for k, v := range f.Categories {
		cats[k] = v
	}
	f.Categories = cats
	return f
}

// GenerateAlias returns an anonymous display alias such as "Neighbor#4821".
func GenerateAlias() string {
	return fmt.Sprintf("Neighbor#%04d", rand.Intn(10000))
}
