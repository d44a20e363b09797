package ws

import (
	"encoding/json"
	"log"
	"time"

	"github.com/transit-live/tracking/internal/registry"
)

// Inbound event names. Operator events mutate tracking state; bus events are
// issued by rider clients against a single bus topic.
const (
	EvStartTracking   = "operator:start-tracking"
	EvUpdateLocation  = "operator:update-location"
	EvStopTracking    = "operator:stop-tracking"
	EvSubscribe       = "bus:subscribe"
	EvUnsubscribe     = "bus:unsubscribe"
	EvRefreshLocation = "bus:refresh-location"
	EvRequestStatus   = "bus:request-status"
	EvStatusCheck     = "tracking:status-check"
)

// Outbound event names.
const (
	EvError              = "error"
	EvTrackingStarted    = "tracking:started"
	EvTrackingStopped    = "tracking:stopped"
	EvTrackingStatus     = "tracking:status"
	EvRequestRestart     = "tracking:request-restart"
	EvLocationUpdated    = "location:updated"
	EvBusStatus          = "bus:status"
	EvBusStatusUpdate    = "bus:status-update"
	EvBusLocationUpdate  = "bus:location-update"
	EvBusTrackingStopped = "bus:tracking-stopped"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// newEnvelope wraps payload under the given event name. A payload that fails
// to marshal is a programming error; the event is still sent, just without
// data.
func newEnvelope(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("marshal %s payload: %v", event, err)
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Data: data}
}

type StartTrackingRequest struct {
	BusID   string `json:"busId"`
	BusName string `json:"busName"`
	Route   string `json:"route"`
}

// LocationUpdateRequest carries an operator location report. Latitude and
// longitude are pointers so that an omitted field is distinguishable from a
// legitimate zero coordinate.
type LocationUpdateRequest struct {
	BusID     string   `json:"busId" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Speed     float64  `json:"speed"`
}

// BusRequest is the shared shape of every single-bus inbound event.
type BusRequest struct {
	BusID string `json:"busId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type TrackingStartedPayload struct {
	BusID   string `json:"busId"`
	BusName string `json:"busName,omitempty"`
}

type TrackingStoppedPayload struct {
	BusID   string `json:"busId"`
	Success bool   `json:"success"`
}

type RequestRestartPayload struct {
	BusID   string `json:"busId"`
	Message string `json:"message"`
}

type LocationUpdatedPayload struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

type BusStatusUpdatePayload struct {
	BusID    string `json:"busId"`
	IsActive bool   `json:"isActive"`
}

type BusLocationUpdatePayload struct {
	BusID     string    `json:"busId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
	// UpdateInterval is a refresh hint in seconds, present only on direct
	// replies to bus:refresh-location.
	UpdateInterval int `json:"updateInterval,omitempty"`
}

type BusTrackingStoppedPayload struct {
	BusID string `json:"busId"`
}

// BusStatusPayload reflects the registry state of one bus. An unknown bus is
// reported as the inactive zero value rather than an error.
type BusStatusPayload struct {
	BusID        string             `json:"busId"`
	IsActive     bool               `json:"isActive"`
	LastLocation *registry.Location `json:"lastLocation"`
	LastUpdated  *time.Time         `json:"lastUpdated,omitempty"`
	Speed        float64            `json:"speed"`
}

type TrackingStatusPayload struct {
	Active      bool       `json:"active"`
	BusID       string     `json:"busId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Message     string     `json:"message,omitempty"`
}
