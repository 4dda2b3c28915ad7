package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Handler channels accepted by On.
const (
	KindEvent  = "event"
	KindResult = "result"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrConnectInProgress  = errors.New("connect already in progress")
	ErrAuthInvalid        = errors.New("authentication failed: invalid token")
	ErrConnectTimeout     = errors.New("timeout waiting for authentication")
	ErrRequestTimeout     = errors.New("timeout waiting for response")
	ErrClientDisconnected = errors.New("client disconnected")
)

// Status is the position of a client in its connection state machine.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusAuthenticated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// WireClient is the hub connection as seen by the connection manager and
// the command facade.
type WireClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Done() <-chan struct{}
	GetStates(ctx context.Context) ([]*State, error)
	SubscribeToStateChanges(notify func(error))
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) (json.RawMessage, error)
	On(kind string, handler FrameHandler) Subscription
}

// Options tunes a Client. Zero values select defaults.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	DebugLog       *DebugLog
	Metrics        *metrics.Metrics
}

// handlerEntry holds a handler with its unique registration ID
type handlerEntry struct {
	id      int
	handler FrameHandler
}

// Client implements WireClient over a single gorilla/websocket connection.
type Client struct {
	url     string
	token   string
	logger  *zap.Logger
	opts    Options
	debug   *DebugLog
	metrics *metrics.Metrics

	connMu  sync.RWMutex
	conn    *websocket.Conn
	status  Status
	done    chan struct{}
	closing bool

	msgID   int
	msgIDMu sync.Mutex

	handlers      map[string][]handlerEntry
	handlersMu    sync.RWMutex
	nextHandlerID int

	writeMu sync.Mutex // Protects websocket writes
}

var _ WireClient = (*Client)(nil)

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.DebugLog == nil {
		opts.DebugLog = NewDebugLog(DebugLogCapacity)
	}

	done := make(chan struct{})
	close(done)

	return &Client{
		url:      url,
		token:    token,
		logger:   logger,
		opts:     opts,
		debug:    opts.DebugLog,
		metrics:  opts.Metrics,
		status:   StatusIdle,
		done:     done,
		handlers: make(map[string][]handlerEntry),
	}
}

// DebugLog returns the frame log this client writes to.
func (c *Client) DebugLog() *DebugLog {
	return c.debug
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.status
}

// Connect dials the hub and completes the authentication handshake.
// The whole handshake shares one deadline; cancelling ctx closes the transport.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	switch c.status {
	case StatusAuthenticated:
		c.connMu.Unlock()
		return ErrAlreadyConnected
	case StatusConnecting, StatusAuthenticating:
		c.connMu.Unlock()
		return ErrConnectInProgress
	}
	c.status = StatusConnecting
	c.closing = false
	c.connMu.Unlock()

	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	hsCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	c.logger.Debug("Dialing Home Assistant", zap.String("url", c.url))
	conn, _, err := c.opts.Dialer.DialContext(hsCtx, c.url, nil)
	if err != nil {
		c.fail(nil)
		return c.connectError(ctx, hsCtx, fmt.Errorf("failed to connect to WebSocket: %w", err))
	}

	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		conn.Close()
		return ErrClientDisconnected
	}
	c.conn = conn
	c.connMu.Unlock()

	stop := context.AfterFunc(hsCtx, func() { conn.Close() })
	conn.SetReadDeadline(deadline)

	haVersion, err := c.handshake(conn)
	if err == nil && !stop() {
		err = errors.New("handshake interrupted")
	}
	if err != nil {
		stop()
		conn.Close()
		c.fail(conn)
		return c.connectError(ctx, hsCtx, err)
	}
	conn.SetReadDeadline(time.Time{})

	c.connMu.Lock()
	if c.closing || c.conn != conn {
		c.connMu.Unlock()
		conn.Close()
		return ErrClientDisconnected
	}
	c.status = StatusAuthenticated
	done := make(chan struct{})
	c.done = done
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant",
		zap.String("url", c.url),
		zap.String("ha_version", haVersion))

	go c.receiveMessages(conn, done)
	return nil
}

// connectError maps a handshake failure onto the client's error taxonomy.
func (c *Client) connectError(ctx, hsCtx context.Context, err error) error {
	if errors.Is(err, ErrAuthInvalid) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("connect cancelled: %w", ctx.Err())
	}
	var netErr net.Error
	if hsCtx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

// fail moves a connecting client to Failed unless it was disconnected meanwhile.
func (c *Client) fail(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if conn != nil && c.conn == conn {
		c.conn = nil
	}
	if c.closing {
		c.status = StatusIdle
		return
	}
	c.status = StatusFailed
}

// handshake runs auth_required -> auth -> auth_ok on a fresh connection.
func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	authSent := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read auth response: %w", err)
		}

		msg, ok := c.recordInbound(data)
		if !ok {
			continue
		}

		switch msg.Type {
		case TypeAuthRequired:
			c.setStatus(StatusConnecting, StatusAuthenticating)
			redacted, _ := json.Marshal(AuthMessage{Type: TypeAuth, AccessToken: "***"})
			if err := c.writeFrame(conn, AuthMessage{Type: TypeAuth, AccessToken: c.token}, 0, redacted); err != nil {
				return "", fmt.Errorf("failed to send auth: %w", err)
			}
			authSent = true
		case TypeAuthOK:
			if !authSent {
				c.logger.Warn("Ignoring auth_ok received before auth was sent")
				continue
			}
			return msg.HAVersion, nil
		case TypeAuthInvalid:
			if msg.Message != "" {
				return "", fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
			}
			return "", ErrAuthInvalid
		default:
			c.logger.Debug("Ignoring frame during handshake", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) setStatus(from, to Status) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.status == from {
		c.status = to
	}
}

// Disconnect closes the WebSocket connection. It is safe to call at any
// time and more than once.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.status = StatusIdle
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info("Disconnected from Home Assistant")
	}

	c.clearHandlers()
	return nil
}

// IsConnected reports whether the transport is open and authenticated.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.status == StatusAuthenticated && c.conn != nil
}

// Done returns a channel closed when the current session's transport ends.
// Before the first successful Connect it is already closed.
func (c *Client) Done() <-chan struct{} {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.done
}

// On registers handler for inbound frames of kind KindEvent or KindResult.
// Handlers run on the receive goroutine, in registration order, and must not block.
func (c *Client) On(kind string, handler FrameHandler) Subscription {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[kind] = append(c.handlers[kind], handlerEntry{id: id, handler: handler})

	return &subscription{kind: kind, id: id, remove: c.removeHandler}
}

// removeHandler removes a specific registration by kind and ID
func (c *Client) removeHandler(kind string, id int) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	entries, ok := c.handlers[kind]
	if !ok {
		return // Already removed
	}

	for i, entry := range entries {
		if entry.id == id {
			c.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			if len(c.handlers[kind]) == 0 {
				delete(c.handlers, kind)
			}
			break
		}
	}
}

func (c *Client) clearHandlers() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = make(map[string][]handlerEntry)
}

func (c *Client) dispatch(kind string, msg *Message) {
	c.handlersMu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[kind]...)
	c.handlersMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg)
	}
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

func (c *Client) activeConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.status != StatusAuthenticated {
		return nil
	}
	return c.conn
}

// writeFrame marshals v, sends it and records it in the debug log.
// logged replaces the payload in the log when the frame carries secrets.
func (c *Client) writeFrame(conn *websocket.Conn, v interface{}, msgID int, logged json.RawMessage) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if logged == nil {
		logged = data
	}
	frame := DebugFrame{
		MessageID: msgID,
		Direction: DirectionSent,
		Kind:      FrameRequest,
		Payload:   logged,
	}
	switch {
	case err != nil:
		frame.Status = FrameError
	case msgID > 0:
		frame.Status = FramePending
	}
	c.debug.Append(frame)
	c.metrics.Frame(string(DirectionSent), string(FrameRequest))

	return err
}

// recordInbound decodes and logs an inbound frame. Malformed frames are
// logged with error status and reported as not ok.
func (c *Client) recordInbound(data []byte) (*Message, bool) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	if err == nil && msg.Type == "" {
		err = errors.New("missing type")
	}
	if err != nil {
		c.debug.Append(DebugFrame{
			Direction: DirectionReceived,
			Kind:      FrameEvent,
			Payload:   data,
			Status:    FrameError,
		})
		c.metrics.Frame(string(DirectionReceived), "malformed")
		c.logger.Warn("Ignoring malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return nil, false
	}

	frame := DebugFrame{
		MessageID: msg.ID,
		Direction: DirectionReceived,
		Payload:   data,
	}
	switch msg.Type {
	case TypeResult:
		frame.Kind = FrameResponse
		frame.Status = FrameSuccess
		if !msg.Succeeded() {
			frame.Status = FrameError
		}
		c.debug.Resolve(msg.ID, frame.Status)
	case TypeAuthOK:
		frame.Kind, frame.Status = FrameResponse, FrameSuccess
	case TypeAuthInvalid:
		frame.Kind, frame.Status = FrameResponse, FrameError
	default:
		frame.Kind = FrameEvent
	}
	c.debug.Append(frame)
	c.metrics.Frame(string(DirectionReceived), string(frame.Kind))

	return &msg, true
}

// receiveMessages routes inbound frames until the transport closes.
func (c *Client) receiveMessages(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		msg, ok := c.recordInbound(data)
		if !ok {
			continue
		}

		switch msg.Type {
		case TypeEvent:
			c.dispatch(KindEvent, msg)
		case TypeResult:
			c.dispatch(KindResult, msg)
		default:
			c.logger.Debug("Ignoring frame", zap.String("type", msg.Type))
		}
	}
}

// handleDisconnect handles connection loss. Pending requests are left to
// their own timeouts.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.connMu.Lock()
	lost := c.conn == conn
	if lost {
		c.conn = nil
		c.status = StatusIdle
	}
	c.connMu.Unlock()

	if lost {
		c.logger.Warn("Connection lost", zap.Error(err))
	}
}

// send writes a correlated request and returns the channel its result arrives on.
func (c *Client) send(msgID int, frame interface{}) (<-chan *Message, Subscription, error) {
	conn := c.activeConn()
	if conn == nil {
		return nil, nil, ErrNotConnected
	}

	respCh := make(chan *Message, 1)
	sub := c.On(KindResult, func(msg *Message) {
		if msg.ID != msgID {
			return
		}
		select {
		case respCh <- msg:
		default:
			c.logger.Warn("Duplicate response ignored", zap.Int("msg_id", msgID))
		}
	})

	if err := c.writeFrame(conn, frame, msgID, nil); err != nil {
		sub.Unsubscribe()
		return nil, nil, fmt.Errorf("failed to send message: %w", err)
	}
	return respCh, sub, nil
}

// await waits for the response of a request sent with send and deregisters its handler.
func (c *Client) await(ctx context.Context, msgID int, respCh <-chan *Message, sub Subscription) (*Message, error) {
	defer sub.Unsubscribe()

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Succeeded() {
			if resp.Error != nil {
				return nil, &HubError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, &HubError{Message: "request failed"}
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w (id %d)", ErrRequestTimeout, msgID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) roundTrip(ctx context.Context, msgID int, frame interface{}) (*Message, error) {
	respCh, sub, err := c.send(msgID, frame)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, msgID, respCh, sub)
}

// GetStates requests a snapshot of all entity states.
func (c *Client) GetStates(ctx context.Context) ([]*State, error) {
	msgID := c.nextMsgID()
	resp, err := c.roundTrip(ctx, msgID, &GetStatesRequest{
		ID:   msgID,
		Type: TypeGetStates,
	})
	if err != nil {
		return nil, fmt.Errorf("get_states failed: %w", err)
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// SubscribeToStateChanges asks the hub for state_changed events without
// waiting for the answer. The outcome is logged and passed to notify when
// it is not nil.
func (c *Client) SubscribeToStateChanges(notify func(error)) {
	report := func(err error) {
		if err != nil {
			c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
		} else {
			c.logger.Info("Subscribed to state changes")
		}
		if notify != nil {
			notify(err)
		}
	}

	msgID := c.nextMsgID()
	respCh, sub, err := c.send(msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      TypeSubscribeEvents,
		EventType: EventStateChanged,
	})
	if err != nil {
		go report(err)
		return
	}

	go func() {
		_, err := c.await(context.Background(), msgID, respCh, sub)
		report(err)
	}()
}

// CallService calls a Home Assistant service and returns its result payload.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (json.RawMessage, error) {
	msgID := c.nextMsgID()
	resp, err := c.roundTrip(ctx, msgID, &CallServiceRequest{
		ID:          msgID,
		Type:        TypeCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return nil, fmt.Errorf("call_service %s.%s failed: %w", domain, service, err)
	}
	return resp.Result, nil
}
