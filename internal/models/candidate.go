package models

import "time"

// Listing types as stored by the platform.
const (
	ListingTypeOffer   = "offer"
	ListingTypeRequest = "request"
)

// CandidateRecord is a read-only projection of a platform record considered
// relevant to a user's request. It is pulled fresh per request and never
// persisted by the engine. DistanceKm is set only when the requesting user
// has known coordinates.
type CandidateRecord struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Location    string    `json:"location"`
	DistanceKm  *float64  `json:"distance_km,omitempty"`
	OwnerName   string    `json:"owner_name"`
	CreatedAt   time.Time `json:"-"`
}

// EventRecord is a read-only projection of an upcoming platform event,
// enumerated by the generation grounding block.
type EventRecord struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
}

// Snapshot summarizes platform activity for one tenant. Used for the
// general "platform context" grounding block.
type Snapshot struct {
	TenantID     int64 `json:"tenant_id"`
	MemberCount  int   `json:"member_count"`
	ActiveOffers int   `json:"active_offers"`
	OpenRequests int   `json:"open_requests"`
	OpenEvents   int   `json:"open_events"`
	ActiveGroups int   `json:"active_groups"`
}

// UserProfile is the read-only member projection fed into the context
// assembler. Coordinates are optional.
type UserProfile struct {
	UserID   int64    `json:"user_id"`
	TenantID int64    `json:"tenant_id"`
	Name     string   `json:"name"`
	Skills   string   `json:"skills"`
	Location string   `json:"location"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

// HasCoords reports whether the profile carries usable coordinates.
func (p *UserProfile) HasCoords() bool {
	return p != nil && p.Lat != nil && p.Lng != nil
}
