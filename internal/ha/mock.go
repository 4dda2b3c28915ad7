package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient implements WireClient for testing
type MockClient struct {
	states   map[string]*State
	order    []string
	statesMu sync.RWMutex

	handlers      map[string][]handlerEntry
	handlersMu    sync.RWMutex
	nextHandlerID int

	connected    bool
	done         chan struct{}
	connMu       sync.RWMutex
	connectCalls int

	// ConnectFunc, when set, decides the outcome of Connect.
	ConnectFunc func(ctx context.Context) error
	// GetStatesErr, when set, makes GetStates fail.
	GetStatesErr error
	// SubscribeErr is reported to the SubscribeToStateChanges callback.
	SubscribeErr error
	// CallServiceErr, when set, makes CallService fail after recording the call.
	CallServiceErr error

	serviceCalls   []ServiceCall
	subscribeCalls int
	getStatesCalls int
	callsMu        sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

var _ WireClient = (*MockClient)(nil)

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	done := make(chan struct{})
	close(done)
	return &MockClient{
		states:   make(map[string]*State),
		handlers: make(map[string][]handlerEntry),
		done:     done,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect(ctx context.Context) error {
	m.connMu.Lock()
	m.connectCalls++
	if m.connected {
		m.connMu.Unlock()
		return ErrAlreadyConnected
	}
	connectFunc := m.ConnectFunc
	m.connMu.Unlock()

	if connectFunc != nil {
		if err := connectFunc(ctx); err != nil {
			return err
		}
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = true
	m.done = make(chan struct{})
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	if m.connected {
		m.connected = false
		close(m.done)
	}
	m.connMu.Unlock()

	m.handlersMu.Lock()
	m.handlers = make(map[string][]handlerEntry)
	m.handlersMu.Unlock()
	return nil
}

// Drop simulates the hub closing the transport. Handlers stay registered,
// as they do on a real client.
func (m *MockClient) Drop() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.connected {
		m.connected = false
		close(m.done)
	}
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Done returns a channel closed when the simulated session ends.
func (m *MockClient) Done() <-chan struct{} {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.done
}

// ConnectCalls returns how many times Connect was invoked.
func (m *MockClient) ConnectCalls() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connectCalls
}

// SetState stores a state returned by later GetStates calls, without emitting an event.
func (m *MockClient) SetState(entityID, state string, attributes map[string]interface{}) *State {
	now := time.Now()
	s := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.statesMu.Lock()
	if _, ok := m.states[entityID]; !ok {
		m.order = append(m.order, entityID)
	}
	m.states[entityID] = s
	m.statesMu.Unlock()
	return s
}

// GetStates returns all mock states in insertion order.
func (m *MockClient) GetStates(ctx context.Context) ([]*State, error) {
	m.callsMu.Lock()
	m.getStatesCalls++
	m.callsMu.Unlock()

	if !m.IsConnected() {
		return nil, ErrNotConnected
	}
	if m.GetStatesErr != nil {
		return nil, m.GetStatesErr
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.order))
	for _, id := range m.order {
		states = append(states, m.states[id].Clone())
	}
	return states, nil
}

// GetStatesCalls returns how many snapshots were requested.
func (m *MockClient) GetStatesCalls() int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.getStatesCalls
}

// SubscribeToStateChanges records the subscription and reports SubscribeErr.
func (m *MockClient) SubscribeToStateChanges(notify func(error)) {
	m.callsMu.Lock()
	m.subscribeCalls++
	m.callsMu.Unlock()

	err := m.SubscribeErr
	if !m.IsConnected() {
		err = ErrNotConnected
	}
	if notify != nil {
		go notify(err)
	}
}

// SubscribeCalls returns how many subscription requests were made.
func (m *MockClient) SubscribeCalls() int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.subscribeCalls
}

// CallService records a service call
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (json.RawMessage, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if m.CallServiceErr != nil {
		return nil, fmt.Errorf("call_service %s.%s failed: %w", domain, service, m.CallServiceErr)
	}
	return json.RawMessage(`{"context":{"id":"mock"}}`), nil
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}

// On registers a frame handler.
func (m *MockClient) On(kind string, handler FrameHandler) Subscription {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[kind] = append(m.handlers[kind], handlerEntry{id: id, handler: handler})
	return &subscription{kind: kind, id: id, remove: m.removeHandler}
}

func (m *MockClient) removeHandler(kind string, id int) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	entries := m.handlers[kind]
	for i, entry := range entries {
		if entry.id == id {
			m.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of handlers registered for kind.
func (m *MockClient) HandlerCount(kind string) int {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return len(m.handlers[kind])
}

// SimulateStateChange updates a stored state and delivers a state_changed
// event to the registered event handlers synchronously.
func (m *MockClient) SimulateStateChange(entityID, newState string, attributes map[string]interface{}) {
	m.statesMu.RLock()
	old := m.states[entityID].Clone()
	m.statesMu.RUnlock()

	if attributes == nil && old != nil {
		attributes = old.Attributes
	}
	updated := m.SetState(entityID, newState, attributes)

	data, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		OldState: old,
		NewState: updated,
	})
	m.Emit(&Message{
		Type: TypeEvent,
		Event: &Event{
			EventType: EventStateChanged,
			Data:      data,
			TimeFired: updated.LastUpdated,
		},
	})
}

// Emit delivers msg to the handlers of its kind.
func (m *MockClient) Emit(msg *Message) {
	kind := KindEvent
	if msg.Type == TypeResult {
		kind = KindResult
	}

	m.handlersMu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[kind]...)
	m.handlersMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg)
	}
}
