package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/transit-live/tracking/internal/registry"
)

// EffectKind classifies what the hub should do with one dispatch result.
type EffectKind int

const (
	// SendCaller delivers the envelope to the connection that sent the
	// inbound event.
	SendCaller EffectKind = iota
	// SendRoom delivers the envelope to every subscriber of the bus topic.
	SendRoom
	// SendAll delivers the envelope to every connected peer.
	SendAll
	// JoinRoom adds the caller to the bus topic.
	JoinRoom
	// LeaveRoom removes the caller from the bus topic.
	LeaveRoom
)

// Effect is one outbound action produced by dispatching an inbound event.
// Keeping dispatch results as plain values lets the whole event state
// machine run under test without a live transport.
type Effect struct {
	Kind  EffectKind
	BusID string
	Msg   Envelope
}

func toCaller(event string, payload any) Effect {
	return Effect{Kind: SendCaller, Msg: newEnvelope(event, payload)}
}

func toRoom(busID, event string, payload any) Effect {
	return Effect{Kind: SendRoom, BusID: busID, Msg: newEnvelope(event, payload)}
}

func toAll(event string, payload any) Effect {
	return Effect{Kind: SendAll, Msg: newEnvelope(event, payload)}
}

func callerError(message string) Effect {
	return toCaller(EvError, ErrorPayload{Message: message})
}

// Router translates inbound peer events into registry calls and outbound
// effects. It holds no per-connection state of its own: session state lives
// in the registry and topic membership lives in the hub.
type Router struct {
	store          *registry.Store
	validate       *validator.Validate
	updateInterval time.Duration
}

func NewRouter(store *registry.Store, updateInterval time.Duration) *Router {
	return &Router{
		store:          store,
		validate:       validator.New(),
		updateInterval: updateInterval,
	}
}

// Dispatch handles one inbound envelope from connID and returns the effects
// to apply, in order. Validation failures are reported to the caller as
// error events, never as Go errors: a single bad event must not take down
// the connection or the process.
func (r *Router) Dispatch(connID string, env Envelope) []Effect {
	switch env.Event {
	case EvStartTracking:
		return r.startTracking(connID, env.Data)
	case EvUpdateLocation:
		return r.updateLocation(env.Data)
	case EvStopTracking:
		return r.stopTracking(env.Data)
	case EvSubscribe:
		return r.subscribe(env.Data)
	case EvUnsubscribe:
		return r.unsubscribe(env.Data)
	case EvRefreshLocation:
		return r.refreshLocation(env.Data)
	case EvRequestStatus:
		return r.requestStatus(env.Data)
	case EvStatusCheck:
		return r.statusCheck(env.Data)
	default:
		return []Effect{callerError(fmt.Sprintf("unknown event %q", env.Event))}
	}
}

// Disconnect handles the transport-level loss of connID. If the connection
// owned an active session, its subscribers learn the bus stopped and every
// peer sees the status flip.
func (r *Router) Disconnect(connID string) []Effect {
	sess, wasActive := r.store.DeactivateByOwner(connID)
	if !wasActive {
		return nil
	}
	return []Effect{
		toRoom(sess.BusID, EvBusTrackingStopped, BusTrackingStoppedPayload{BusID: sess.BusID}),
		toAll(EvBusStatusUpdate, BusStatusUpdatePayload{BusID: sess.BusID, IsActive: false}),
	}
}

func (r *Router) startTracking(connID string, data json.RawMessage) []Effect {
	var req StartTrackingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid start-tracking payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}

	sess := r.store.UpsertOnStart(req.BusID, req.BusName, req.Route, connID)

	// The status change goes to every peer, not just subscribers, so late
	// subscribers learn which buses exist.
	return []Effect{
		toCaller(EvTrackingStarted, TrackingStartedPayload{BusID: sess.BusID, BusName: sess.BusName}),
		toAll(EvBusStatusUpdate, BusStatusUpdatePayload{BusID: sess.BusID, IsActive: true}),
	}
}

func (r *Router) updateLocation(data json.RawMessage) []Effect {
	var req LocationUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid update-location payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}
	if err := r.validate.Struct(req); err != nil {
		return []Effect{callerError("latitude and longitude are required")}
	}

	sess, err := r.store.ApplyLocation(req.BusID, *req.Latitude, *req.Longitude, req.Speed)
	if err != nil {
		// The bus was never started: tell the operator client to self-heal
		// by re-issuing start-tracking.
		return []Effect{
			callerError(fmt.Sprintf("bus %q is not being tracked", req.BusID)),
			toCaller(EvRequestRestart, RequestRestartPayload{
				BusID:   req.BusID,
				Message: "tracking session not found, send start-tracking again",
			}),
		}
	}

	return []Effect{
		toRoom(sess.BusID, EvBusLocationUpdate, BusLocationUpdatePayload{
			BusID:     sess.BusID,
			Latitude:  sess.LastLocation.Latitude,
			Longitude: sess.LastLocation.Longitude,
			Speed:     sess.Speed,
			Timestamp: sess.LastUpdated,
		}),
		toCaller(EvLocationUpdated, LocationUpdatedPayload{Success: true, Timestamp: sess.LastUpdated}),
	}
}

func (r *Router) stopTracking(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid stop-tracking payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}

	sess, _, ok := r.store.Deactivate(req.BusID)
	// Stopping an unknown bus is still a success: duplicate and out-of-order
	// retries are expected from mobile clients.
	effects := []Effect{
		toCaller(EvTrackingStopped, TrackingStoppedPayload{BusID: req.BusID, Success: true}),
	}
	if ok {
		effects = append(effects,
			toRoom(sess.BusID, EvBusTrackingStopped, BusTrackingStoppedPayload{BusID: sess.BusID}),
			toAll(EvBusStatusUpdate, BusStatusUpdatePayload{BusID: sess.BusID, IsActive: false}),
		)
	}
	return effects
}

func (r *Router) subscribe(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid subscribe payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}

	return []Effect{
		{Kind: JoinRoom, BusID: req.BusID},
		toCaller(EvBusStatus, r.busStatus(req.BusID)),
	}
}

func (r *Router) unsubscribe(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	if req.BusID == "" {
		return nil
	}
	return []Effect{{Kind: LeaveRoom, BusID: req.BusID}}
}

func (r *Router) refreshLocation(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid refresh-location payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}

	sess, ok := r.store.Get(req.BusID)
	if !ok || !sess.IsActive || sess.LastLocation == nil {
		return nil
	}
	return []Effect{
		toCaller(EvBusLocationUpdate, BusLocationUpdatePayload{
			BusID:          sess.BusID,
			Latitude:       sess.LastLocation.Latitude,
			Longitude:      sess.LastLocation.Longitude,
			Speed:          sess.Speed,
			Timestamp:      sess.LastUpdated,
			UpdateInterval: int(r.updateInterval.Seconds()),
		}),
	}
}

func (r *Router) requestStatus(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []Effect{callerError("invalid request-status payload")}
	}
	if req.BusID == "" {
		return []Effect{callerError("busId is required")}
	}
	return []Effect{toCaller(EvBusStatus, r.busStatus(req.BusID))}
}

func (r *Router) statusCheck(data json.RawMessage) []Effect {
	var req BusRequest
	if err := json.Unmarshal(data, &req); err != nil || req.BusID == "" {
		return []Effect{toCaller(EvTrackingStatus, TrackingStatusPayload{
			Active:  false,
			Message: "busId is required",
		})}
	}

	sess, ok := r.store.Get(req.BusID)
	payload := TrackingStatusPayload{BusID: req.BusID}
	if ok {
		payload.Active = sess.IsActive
		if !sess.LastUpdated.IsZero() {
			t := sess.LastUpdated
			payload.LastUpdated = &t
		}
	}
	return []Effect{toCaller(EvTrackingStatus, payload)}
}

// busStatus builds the bus:status payload for busID, falling back to the
// inactive default view for a bus that was never started.
func (r *Router) busStatus(busID string) BusStatusPayload {
	sess, ok := r.store.Get(busID)
	if !ok {
		return BusStatusPayload{BusID: busID}
	}
	payload := BusStatusPayload{
		BusID:        sess.BusID,
		IsActive:     sess.IsActive,
		LastLocation: sess.LastLocation,
		Speed:        sess.Speed,
	}
	if !sess.LastUpdated.IsZero() {
		t := sess.LastUpdated
		payload.LastUpdated = &t
	}
	return payload
}
