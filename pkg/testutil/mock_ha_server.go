// Package testutil provides a mock Home Assistant WebSocket server and a
// harness wiring the dashboard core against it for end-to-end tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/ha"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (w *connWrapper) send(v interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(v)
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server *httptest.Server
	token  string
	logger *zap.Logger

	states   map[string]*ha.State
	order    []string
	statesMu sync.RWMutex

	connections []*connWrapper
	accepted    int
	connsMu     sync.Mutex

	serviceCalls []ServiceCall
	serviceErrs  map[string]*ha.HubError
	ignored      map[string]bool
	callsMu      sync.Mutex
}

// NewMockHAServer starts a mock hub that accepts token.
func NewMockHAServer(token string, logger *zap.Logger) *MockHAServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MockHAServer{
		token:       token,
		logger:      logger,
		states:      make(map[string]*ha.State),
		serviceErrs: make(map[string]*ha.HubError),
		ignored:     make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// Address is the server's http origin, usable as a hub address.
func (s *MockHAServer) Address() string {
	return s.server.URL
}

// URL is the WebSocket endpoint.
func (s *MockHAServer) URL() string {
	return "ws" + s.server.URL[len("http"):] + "/api/websocket"
}

// Close drops every connection and stops the server.
func (s *MockHAServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// SetToken changes the token accepted by later handshakes.
func (s *MockHAServer) SetToken(token string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.token = token
}

// IgnoreRequests makes the server swallow requests of msgType without answering.
func (s *MockHAServer) IgnoreRequests(msgType string, ignore bool) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.ignored[msgType] = ignore
}

// FailService makes domain.service answer with a hub error.
func (s *MockHAServer) FailService(domain, service, code, message string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceErrs[domain+"."+service] = &ha.HubError{Code: code, Message: message}
}

// AddState stores a state without broadcasting it.
func (s *MockHAServer) AddState(entityID, state string, attributes map[string]interface{}) *ha.State {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	_, st := s.putLocked(entityID, state, attributes)
	return st
}

// SetState stores a state and broadcasts a state_changed event to
// subscribed connections.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState, newState := s.putLocked(entityID, state, attributes)
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

func (s *MockHAServer) putLocked(entityID, state string, attributes map[string]interface{}) (old, updated *ha.State) {
	old = s.states[entityID]
	if old == nil {
		s.order = append(s.order, entityID)
	}

	now := time.Now().UTC()
	updated = &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = updated
	return old, updated
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID].Clone()
}

// ConnectionCount returns the number of authenticated connections ever accepted.
func (s *MockHAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.accepted
}

// OpenConnections returns the number of connections currently open.
func (s *MockHAServer) OpenConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// SubscriberCount returns how many open connections subscribed to state_changed.
func (s *MockHAServer) SubscriberCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	n := 0
	for _, w := range s.connections {
		if w.subscribed {
			n++
		}
	}
	return n
}

// DropConnections closes every open connection from the server side.
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	wrappers := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, w := range wrappers {
		_ = w.conn.Close()
	}
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.removeConnection(wrapper)
		_ = conn.Close()
	}()

	wrapper.send(ha.Message{Type: ha.TypeAuthRequired, HAVersion: "2026.3.0"})

	var auth ha.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}

	s.connsMu.Lock()
	token := s.token
	s.connsMu.Unlock()

	if auth.Type != ha.TypeAuth || auth.AccessToken != token {
		wrapper.send(ha.Message{Type: ha.TypeAuthInvalid, Message: "Invalid access token or password"})
		return
	}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.accepted++
	s.connsMu.Unlock()

	wrapper.send(ha.Message{Type: ha.TypeAuthOK, HAVersion: "2026.3.0"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			continue
		}

		s.callsMu.Lock()
		ignore := s.ignored[base.Type]
		s.callsMu.Unlock()
		if ignore {
			continue
		}

		switch base.Type {
		case ha.TypeSubscribeEvents:
			s.handleSubscribeEvents(wrapper, data)
		case ha.TypeGetStates:
			s.handleGetStates(wrapper, base.ID)
		case ha.TypeCallService:
			s.handleCallService(wrapper, data)
		default:
			wrapper.send(failure(base.ID, "unknown_command", fmt.Sprintf("Unknown command: %s", base.Type)))
		}
	}
}

func (s *MockHAServer) removeConnection(wrapper *connWrapper) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, w := range s.connections {
		if w == wrapper {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			return
		}
	}
}

func success(id int, result interface{}) ha.Message {
	ok := true
	msg := ha.Message{ID: id, Type: ha.TypeResult, Success: &ok}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	return msg
}

func failure(id int, code, message string) ha.Message {
	ok := false
	return ha.Message{ID: id, Type: ha.TypeResult, Success: &ok, Error: &ha.Error{Code: code, Message: message}}
}

// handleSubscribeEvents handles event subscriptions
func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, data []byte) {
	var req ha.SubscribeEventsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	if req.EventType == ha.EventStateChanged {
		s.connsMu.Lock()
		wrapper.subscribed = true
		s.connsMu.Unlock()
	}
	wrapper.send(success(req.ID, nil))
}

// handleGetStates answers with every state in insertion order.
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.order))
	for _, entityID := range s.order {
		states = append(states, s.states[entityID])
	}
	payload := success(id, states)
	s.statesMu.RUnlock()

	wrapper.send(payload)
}

// handleCallService records the call and applies the obvious state change
// for on/off style services.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, data []byte) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	hubErr := s.serviceErrs[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	if hubErr != nil {
		wrapper.send(failure(req.ID, hubErr.Code, hubErr.Message))
		return
	}

	entityID, _ := req.ServiceData["entity_id"].(string)
	if current := s.GetState(entityID); current != nil {
		if next, ok := nextState(req, current.State); ok {
			s.SetState(entityID, next, current.Attributes)
		}
	}

	wrapper.send(success(req.ID, map[string]interface{}{
		"context": ha.Context{ID: fmt.Sprintf("ctx-%d", req.ID)},
	}))
}

func nextState(req ha.CallServiceRequest, current string) (string, bool) {
	switch req.Service {
	case "turn_on":
		return "on", true
	case "turn_off":
		return "off", true
	case "toggle":
		if current == "on" {
			return "off", true
		}
		return "on", true
	case "set_value":
		switch v := req.ServiceData["value"].(type) {
		case string:
			return v, true
		case float64:
			return fmt.Sprintf("%.2f", v), true
		}
	}
	return "", false
}

// broadcastStateChange sends a state_changed event to subscribed connections.
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	eventData, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := ha.Message{
		Type: ha.TypeEvent,
		Event: &ha.Event{
			EventType: ha.EventStateChanged,
			Data:      eventData,
			Origin:    "LOCAL",
			TimeFired: newState.LastUpdated,
		},
	}

	s.connsMu.Lock()
	var wrappers []*connWrapper
	for _, w := range s.connections {
		if w.subscribed {
			wrappers = append(wrappers, w)
		}
	}
	s.connsMu.Unlock()

	for _, w := range wrappers {
		w.send(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}
