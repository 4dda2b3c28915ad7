package ha

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Message types exchanged with the hub.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypeGetStates       = "get_states"
	TypeSubscribeEvents = "subscribe_events"
	TypeCallService     = "call_service"

	EventStateChanged = "state_changed"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Succeeded reports whether a result message carries success=true.
func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is one entity as reported by the hub. Attributes should be
// treated as read-only once a State has been handed to the store.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Domain returns the part of the entity id before the first dot.
func (s *State) Domain() string {
	return Domain(s.EntityID)
}

// FriendlyName returns the friendly_name attribute, falling back to the entity id.
func (s *State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// IsUnavailable reports whether the hub has no usable value for the entity.
// Such entities are still kept and displayed.
func (s *State) IsUnavailable() bool {
	return s.State == StateUnavailable || s.State == StateUnknown
}

// Clone returns a copy with its own attribute map.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = maps.Clone(s.Attributes)
	if s.Context != nil {
		ctx := *s.Context
		c.Context = &ctx
	}
	return &c
}

// Special state values.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// Domain returns the domain prefix of an entity id ("sensor" for "sensor.temp").
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// HubError is a failure reported by the hub in a result frame.
type HubError struct {
	Code    string
	Message string
}

func (e *HubError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("hub error: %s", e.Message)
	}
	return fmt.Sprintf("hub error: %s - %s", e.Code, e.Message)
}

// FrameHandler receives inbound frames of one kind.
type FrameHandler func(msg *Message)

// Subscription represents an active handler registration
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription interface
type subscription struct {
	kind   string
	id     int
	remove func(kind string, id int)
}

func (s *subscription) Unsubscribe() error {
	s.remove(s.kind, s.id)
	return nil
}
