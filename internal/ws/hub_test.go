package ws

import (
	"encoding/json"
	"testing"
)

// addTestClient registers a client with a buffered send channel and no
// write pump, so delivered frames can be inspected directly.
func addTestClient(h *Hub, id string) *client {
	c := &client{id: id, send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func receivedEvents(t *testing.T, c *client) []string {
	t.Helper()
	var events []string
	for {
		select {
		case data := <-c.send:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

func TestHub_RoomScoping(t *testing.T) {
	h := NewHub()
	sub := addTestClient(h, "sub")
	other := addTestClient(h, "other")

	h.Join("sub", "B1")
	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))

	if got := receivedEvents(t, sub); len(got) != 1 || got[0] != EvBusLocationUpdate {
		t.Errorf("subscriber received %v, want one bus:location-update", got)
	}
	if got := receivedEvents(t, other); len(got) != 0 {
		t.Errorf("non-subscriber received %v, want nothing", got)
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := NewHub()
	sub := addTestClient(h, "sub")
	h.Join("sub", "B1")

	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))
	h.Leave("sub", "B1")
	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))

	if got := receivedEvents(t, sub); len(got) != 1 {
		t.Errorf("received %d frames, want exactly 1 (delivered before leaving)", len(got))
	}
}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	h := NewHub()
	a := addTestClient(h, "a")
	b := addTestClient(h, "b")

	h.Broadcast(newEnvelope(EvBusStatusUpdate, BusStatusUpdatePayload{BusID: "B1", IsActive: true}))

	for _, c := range []*client{a, b} {
		if got := receivedEvents(t, c); len(got) != 1 || got[0] != EvBusStatusUpdate {
			t.Errorf("client %s received %v, want one bus:status-update", c.id, got)
		}
	}
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	h := NewHub()
	// Must not panic; the peer may have disconnected between dispatch and
	// delivery.
	h.SendTo("gone", newEnvelope(EvError, ErrorPayload{Message: "x"}))
}

func TestHub_JoinUnknownConnection(t *testing.T) {
	h := NewHub()
	h.Join("gone", "B1")
	if h.roomSize("B1") != 0 {
		t.Error("joining with an unregistered connection should be a no-op")
	}
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := addTestClient(h, "sub")
	h.Join("sub", "B1")
	h.Join("sub", "B1")

	if h.roomSize("B1") != 1 {
		t.Errorf("roomSize = %d, want 1", h.roomSize("B1"))
	}

	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))
	if got := receivedEvents(t, sub); len(got) != 1 {
		t.Errorf("received %d frames, want 1 (no duplicate delivery)", len(got))
	}
}

func TestHub_RemoveCleansRooms(t *testing.T) {
	h := NewHub()
	sub := addTestClient(h, "sub")
	h.Join("sub", "B1")
	h.Join("sub", "B2")

	h.Remove(sub)

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
	if h.roomSize("B1") != 0 || h.roomSize("B2") != 0 {
		t.Error("removed client should leave every room")
	}
	// Removing twice must not panic on the closed send channel.
	h.Remove(sub)
}

func TestHub_MultipleRoomsPerClient(t *testing.T) {
	h := NewHub()
	sub := addTestClient(h, "sub")
	h.Join("sub", "B1")
	h.Join("sub", "B2")

	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))
	h.ToRoom("B2", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B2"}))

	if got := receivedEvents(t, sub); len(got) != 2 {
		t.Errorf("received %d frames, want 2 (one per subscribed room)", len(got))
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := NewHub()
	slow := &client{id: "slow", send: make(chan []byte)} // unbuffered, never read
	h.mu.Lock()
	h.clients["slow"] = slow
	h.mu.Unlock()
	h.Join("slow", "B1")

	h.ToRoom("B1", newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))

	if h.ClientCount() != 0 {
		t.Error("a client that cannot keep up should be disconnected")
	}
	if h.roomSize("B1") != 0 {
		t.Error("dropped client should leave its rooms")
	}
}

func TestHub_DeliverAfterRemove(t *testing.T) {
	h := NewHub()
	c := addTestClient(h, "sub")
	h.Join("sub", "B1")

	// Snapshot the room membership the way a broadcast does, then lose the
	// connection before delivery runs. The stale target's closed channel
	// must be skipped, not panicked on.
	h.mu.RLock()
	targets := []*client{h.rooms["B1"]["sub"]}
	h.mu.RUnlock()

	h.Remove(c)

	h.deliver(targets, newEnvelope(EvBusLocationUpdate, BusLocationUpdatePayload{BusID: "B1"}))

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
}

func TestHub_ApplyEffects(t *testing.T) {
	h := NewHub()
	caller := addTestClient(h, "caller")
	other := addTestClient(h, "other")
	h.Join("other", "B1")

	h.Apply("caller", []Effect{
		{Kind: JoinRoom, BusID: "B2"},
		toCaller(EvTrackingStarted, TrackingStartedPayload{BusID: "B1"}),
		toRoom("B1", EvBusTrackingStopped, BusTrackingStoppedPayload{BusID: "B1"}),
		toAll(EvBusStatusUpdate, BusStatusUpdatePayload{BusID: "B1"}),
	})

	if h.roomSize("B2") != 1 {
		t.Error("JoinRoom effect should subscribe the caller")
	}
	callerGot := receivedEvents(t, caller)
	if len(callerGot) != 2 || callerGot[0] != EvTrackingStarted || callerGot[1] != EvBusStatusUpdate {
		t.Errorf("caller received %v, want [tracking:started bus:status-update]", callerGot)
	}
	otherGot := receivedEvents(t, other)
	if len(otherGot) != 2 || otherGot[0] != EvBusTrackingStopped || otherGot[1] != EvBusStatusUpdate {
		t.Errorf("other received %v, want [bus:tracking-stopped bus:status-update]", otherGot)
	}
}
