package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation requires a bus that was never
// registered with a start event.
var ErrNotFound = errors.New("bus not registered")

// Store holds every tracking session keyed by bus ID. All methods are safe
// for concurrent use from many connection handlers; returned sessions are
// copies and never alias internal state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// UpsertOnStart registers connID as the owner of busID, creating the session
// if needed. An existing session has its name, route and owner overwritten
// unconditionally: the last connection to start tracking wins. The last known
// location and speed survive restarts.
func (s *Store) UpsertOnStart(busID, busName, route, connID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[busID]
	if !ok {
		sess = &Session{BusID: busID}
		s.sessions[busID] = sess
	}
	sess.BusName = busName
	sess.Route = route
	sess.OwnerConnID = connID
	sess.IsActive = true
	sess.LastUpdated = s.now()
	return sess.Clone()
}

// ApplyLocation records a location report for busID. It fails with
// ErrNotFound when the bus was never started; it does not check that the
// report came from the recorded owner connection.
func (s *Store) ApplyLocation(busID string, lat, lon, speed float64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[busID]
	if !ok {
		return nil, ErrNotFound
	}
	sess.LastLocation = &Location{Latitude: lat, Longitude: lon}
	sess.Speed = speed
	sess.LastUpdated = s.now()
	return sess.Clone(), nil
}

// Deactivate marks busID as no longer actively tracked. Calling it on an
// already-stopped session succeeds with alreadyStopped=true so duplicate
// stop events from flaky clients are harmless. ok is false when the bus was
// never registered.
func (s *Store) Deactivate(busID string) (sess *Session, alreadyStopped, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, found := s.sessions[busID]
	if !found {
		return nil, false, false
	}
	alreadyStopped = !st.IsActive
	st.IsActive = false
	return st.Clone(), alreadyStopped, true
}

// Get returns a copy of the session for busID. ok is false for a bus that
// was never started; callers render that as a normal "not currently tracked"
// state, not a failure.
func (s *Store) Get(busID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[busID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// DeactivateByOwner deactivates the session owned by connID, if any. It
// returns the deactivated session only when the session was active, which is
// the case where subscribers still need a stopped notification. No-op when
// connID owns nothing.
func (s *Store) DeactivateByOwner(connID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.sessions {
		if st.OwnerConnID != connID {
			continue
		}
		wasActive := st.IsActive
		st.IsActive = false
		if !wasActive {
			return nil, false
		}
		return st.Clone(), true
	}
	return nil, false
}

// AllBusIDs returns every bus ID ever registered this process, including
// deactivated ones, in sorted order.
func (s *Store) AllBusIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of sessions with a live owner.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, st := range s.sessions {
		if st.IsActive {
			count++
		}
	}
	return count
}
