package models

import (
	"sort"
	"time"
)

// Touchpoint is one attribution-relevant interaction on the path to a
// conversion. It references the underlying AttributionEvent plus the
// device/session context it arrived with.
type Touchpoint struct {
	EventID    string            `json:"event_id"`
	CampaignID string            `json:"campaign_id"`
	EpisodeID  string            `json:"episode_id,omitempty"`
	Method     AttributionMethod `json:"method"`
	DeviceHash uint64            `json:"device_hash,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Conversion is a terminal event on a journey.
type Conversion struct {
	EventID    string    `json:"event_id"`
	CampaignID string    `json:"campaign_id"`
	Value      float64   `json:"value"`
	Currency   string    `json:"currency,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// UserJourney is the derived aggregate for one unified listener identity.
// Touchpoints are kept strictly time-ordered; the conversion list only
// references attribution events whose kind marks them as conversions.
// Owned and exclusively mutated by the identity resolver.
type UserJourney struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Version     int64        `json:"version"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	Touchpoints []Touchpoint `json:"touchpoints"`
	Conversions []Conversion `json:"conversions"`
}

// InsertTouchpoint adds tp preserving strict time ordering and returns false
// if a touchpoint for the same event is already present.
func (j *UserJourney) InsertTouchpoint(tp Touchpoint) bool {
	for _, existing := range j.Touchpoints {
		if existing.EventID == tp.EventID {
			return false
		}
	}
	idx := sort.Search(len(j.Touchpoints), func(i int) bool {
		return j.Touchpoints[i].OccurredAt.After(tp.OccurredAt)
	})
	j.Touchpoints = append(j.Touchpoints, Touchpoint{})
	copy(j.Touchpoints[idx+1:], j.Touchpoints[idx:])
	j.Touchpoints[idx] = tp

	if j.FirstSeen.IsZero() || tp.OccurredAt.Before(j.FirstSeen) {
		j.FirstSeen = tp.OccurredAt
	}
	if tp.OccurredAt.After(j.LastSeen) {
		j.LastSeen = tp.OccurredAt
	}
	return true
}

// AddConversion appends a conversion if it is not already recorded.
func (j *UserJourney) AddConversion(c Conversion) bool {
	for _, existing := range j.Conversions {
		if existing.EventID == c.EventID {
			return false
		}
	}
	j.Conversions = append(j.Conversions, c)
	if j.FirstSeen.IsZero() || c.OccurredAt.Before(j.FirstSeen) {
		j.FirstSeen = c.OccurredAt
	}
	if c.OccurredAt.After(j.LastSeen) {
		j.LastSeen = c.OccurredAt
	}
	return true
}

// TouchpointsBefore returns the touchpoints strictly preceding t, in order.
func (j *UserJourney) TouchpointsBefore(t time.Time) []Touchpoint {
	out := make([]Touchpoint, 0, len(j.Touchpoints))
	for _, tp := range j.Touchpoints {
		if tp.OccurredAt.Before(t) {
			out = append(out, tp)
		}
	}
	return out
}

// DeviceFingerprint maps a derived hash of device signals to a unified
// identity. Many fingerprints may point at one journey; merges update the
// mapping rather than rewriting a graph.
type DeviceFingerprint struct {
	Hash      uint64    `json:"hash"`
	TenantID  string    `json:"tenant_id"`
	JourneyID string    `json:"journey_id"`
	Platform  string    `json:"platform,omitempty"`
	OS        string    `json:"os,omitempty"`
	GeoCode   string    `json:"geo_code,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// OrphanTouchpoint is an attribution event that could not be merged into a
// journey with sufficient confidence. It remains visible for later
// re-resolution instead of being dropped.
type OrphanTouchpoint struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	RecordedAt time.Time `json:"recorded_at"`
}
