// Package store holds what the dashboard currently believes about the hub:
// every entity from the last snapshot plus the change events applied
// since, a sorted sensor list derived from it, and the connection status.
package store

import (
	"sync"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/clock"
	"github.com/TimonBed/dashboard-sub000/internal/ha"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// TransportKind tells whether store data is being kept live.
type TransportKind string

const (
	TransportLive TransportKind = "live"
	TransportNone TransportKind = "none"
)

// ConnectionState is the connection status shown by the UI.
// Empty strings mean "no error" / "no warning".
type ConnectionState struct {
	Connected          bool          `json:"connected"`
	Loading            bool          `json:"loading"`
	Error              string        `json:"error,omitempty"`
	Warning            string        `json:"warning,omitempty"`
	TransportKind      TransportKind `json:"transport_kind"`
	LastUpdate         *time.Time    `json:"last_update"`
	LastTransportError string        `json:"last_transport_error,omitempty"`
}

// ChangeKind says what part of the store changed.
type ChangeKind int

const (
	ChangeSeeded ChangeKind = iota
	ChangeEntity
	ChangeConnection
)

// Change is delivered to listeners after a mutation is committed.
type Change struct {
	Kind     ChangeKind
	EntityID string
}

// Listener is called synchronously after every committed change.
type Listener func(change Change)

// Subscription represents an active listener registration
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id    int
	store *Store
}

func (s *subscription) Unsubscribe() {
	s.store.unsubscribe(s.id)
}

// Store is safe for concurrent use. Entities are changed only through
// Seed and ApplyChange.
type Store struct {
	logger *zap.Logger
	clock  clock.Clock

	mu         sync.RWMutex
	entities   map[string]*ha.State
	sensors    []*ha.State
	conn       ConnectionState
	lastUpdate time.Time
	collator   *collate.Collator

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	order       []int
	nextID      int
}

// New creates an empty store. A nil clk uses the real clock.
func New(logger *zap.Logger, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real
	}
	return &Store{
		logger:    logger,
		clock:     clk,
		entities:  make(map[string]*ha.State),
		conn:      ConnectionState{TransportKind: TransportNone},
		collator:  collate.New(language.Und),
		listeners: make(map[int]Listener),
	}
}

// Seed replaces every entity with the given snapshot and rebuilds the sensor list.
// A later duplicate id in the snapshot wins over an earlier one.
func (s *Store) Seed(states []*ha.State) {
	entities := make(map[string]*ha.State, len(states))
	order := make([]string, 0, len(states))
	for _, st := range states {
		if st == nil || st.EntityID == "" {
			continue
		}
		if _, dup := entities[st.EntityID]; !dup {
			order = append(order, st.EntityID)
		}
		entities[st.EntityID] = st.Clone()
	}

	s.mu.Lock()
	s.entities = entities
	s.sensors = s.sensors[:0:0]
	for _, id := range order {
		if IsSensor(id) {
			s.sensors = append(s.sensors, entities[id])
		}
	}
	s.sortSensorsLocked()
	s.touchLocked()
	count, sensors := len(s.entities), len(s.sensors)
	s.mu.Unlock()

	s.logger.Info("Store seeded from snapshot",
		zap.Int("entities", count),
		zap.Int("sensors", sensors))
	s.notify(Change{Kind: ChangeSeeded})
}

// ApplyChange upserts one entity. A sensor is moved to its new position
// without re-sorting the rest of the list.
func (s *Store) ApplyChange(st *ha.State) {
	if st == nil || st.EntityID == "" {
		return
	}
	next := st.Clone()

	s.mu.Lock()
	prev := s.entities[next.EntityID]
	s.entities[next.EntityID] = next
	if IsSensor(next.EntityID) {
		s.upsertSensorLocked(prev, next)
	}
	s.touchLocked()
	s.mu.Unlock()

	s.logger.Debug("Entity updated",
		zap.String("entity_id", next.EntityID),
		zap.String("state", next.State))
	s.notify(Change{Kind: ChangeEntity, EntityID: next.EntityID})
}

// touchLocked advances lastUpdate, never moving it backwards.
func (s *Store) touchLocked() {
	if now := s.clock.Now(); now.After(s.lastUpdate) {
		s.lastUpdate = now
	}
}

// Get returns the entity with the given id. The attribute map is shared
// with the store and must not be modified.
func (s *Store) Get(entityID string) (ha.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.entities[entityID]
	if !ok {
		return ha.State{}, false
	}
	return *st, true
}

// All returns every entity keyed by id.
func (s *Store) All() map[string]ha.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ha.State, len(s.entities))
	for id, st := range s.entities {
		out[id] = *st
	}
	return out
}

// Sensors returns the maintained sensor list in display order.
func (s *Store) Sensors() []ha.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ha.State, len(s.sensors))
	for i, st := range s.sensors {
		out[i] = *st
	}
	return out
}

// Len returns the number of entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// LastUpdate returns when entity data last changed; zero before the first seed.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// ConnectionState returns a copy of the connection status.
func (s *Store) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs := s.conn
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		cs.LastUpdate = &t
	}
	return cs
}

// UpdateConnection applies several status fields as one change.
func (s *Store) UpdateConnection(fn func(cs *ConnectionState)) {
	s.mu.Lock()
	before := s.conn
	fn(&s.conn)
	s.conn.LastUpdate = nil
	changed := before != s.conn
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeConnection})
	}
}

// SetConnected sets the connected flag.
func (s *Store) SetConnected(connected bool) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.Connected = connected })
}

// SetLoading sets the loading flag.
func (s *Store) SetLoading(loading bool) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.Loading = loading })
}

// SetError sets the user-facing error; "" clears it.
func (s *Store) SetError(msg string) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.Error = msg })
}

// SetWarning sets a recoverable warning; "" clears it.
func (s *Store) SetWarning(msg string) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.Warning = msg })
}

// SetTransportKind records whether data is being kept live.
func (s *Store) SetTransportKind(kind TransportKind) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.TransportKind = kind })
}

// SetTransportError records the raw transport error; "" clears it.
func (s *Store) SetTransportError(msg string) {
	s.UpdateConnection(func(cs *ConnectionState) { cs.LastTransportError = msg })
}

// Subscribe registers a listener called after every change.
func (s *Store) Subscribe(listener Listener) Subscription {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.order = append(s.order, id)
	return &subscription{id: id, store: s}
}

func (s *Store) unsubscribe(id int) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// notify calls listeners in registration order. A panicking listener is
// logged and skipped so that store updates never fail.
func (s *Store) notify(change Change) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Store listener panicked", zap.Any("panic", r))
				}
			}()
			listener(change)
		}()
	}
}
