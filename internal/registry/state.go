package registry

import (
	"time"
)

// Location is a WGS84 coordinate pair reported by an operator device.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Session is the tracking state for a single bus. A session is created the
// first time an operator starts tracking a bus and is kept for the lifetime
// of the process: stopping or disconnecting only flips IsActive, so the last
// known position stays retrievable.
type Session struct {
	BusID        string     `json:"busId"`
	BusName      string     `json:"busName"`
	Route        string     `json:"route"`
	OwnerConnID  string     `json:"-"`
	LastLocation *Location  `json:"lastLocation"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	IsActive     bool       `json:"isActive"`
	Speed        float64    `json:"speed"`
}

// Clone returns a deep copy of the Session, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.LastLocation != nil {
		l := *s.LastLocation
		c.LastLocation = &l
	}
	return &c
}
