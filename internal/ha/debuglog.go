package ha

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DebugLogCapacity is the number of frames kept before the oldest is evicted.
const DebugLogCapacity = 100

// Direction of a frame relative to this process.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// FrameKind classifies a frame.
type FrameKind string

const (
	FrameRequest  FrameKind = "request"
	FrameResponse FrameKind = "response"
	FrameEvent    FrameKind = "event"
)

// FrameStatus tracks the outcome of a frame.
type FrameStatus string

const (
	FramePending FrameStatus = "pending"
	FrameSuccess FrameStatus = "success"
	FrameError   FrameStatus = "error"
)

// DebugFrame is one observed frame. It never influences protocol behavior.
type DebugFrame struct {
	ID        string          `json:"id"`
	MessageID int             `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Direction Direction       `json:"direction"`
	Kind      FrameKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    FrameStatus     `json:"status,omitempty"`
}

// DebugListener is notified with the full frame after every append or status change.
type DebugListener func(frame DebugFrame)

// DebugLog is a bounded ring buffer of frames shared by every client
// created for one connection manager.
type DebugLog struct {
	mu        sync.RWMutex
	frames    []DebugFrame
	start     int
	capacity  int
	listeners map[int]DebugListener
	order     []int
	nextID    int
	now       func() time.Time
}

// NewDebugLog creates a debug log holding at most capacity frames.
// A non-positive capacity selects DebugLogCapacity.
func NewDebugLog(capacity int) *DebugLog {
	if capacity <= 0 {
		capacity = DebugLogCapacity
	}
	return &DebugLog{
		frames:    make([]DebugFrame, 0, capacity),
		capacity:  capacity,
		listeners: make(map[int]DebugListener),
		now:       time.Now,
	}
}

// Append records a frame, evicting the oldest one when full.
func (l *DebugLog) Append(frame DebugFrame) DebugFrame {
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = l.now()
	}
	if !json.Valid(frame.Payload) {
		// Keep raw bytes readable in JSON dumps of the log.
		quoted, _ := json.Marshal(string(frame.Payload))
		frame.Payload = quoted
	}

	l.mu.Lock()
	if len(l.frames) < l.capacity {
		l.frames = append(l.frames, frame)
	} else {
		l.frames[l.start] = frame
		l.start = (l.start + 1) % l.capacity
	}
	listeners := l.listenersLocked()
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(frame)
	}
	return frame
}

// Resolve marks the newest pending sent frame with the given message id.
// It reports whether such a frame was still in the buffer.
func (l *DebugLog) Resolve(messageID int, status FrameStatus) bool {
	if messageID == 0 {
		return false
	}

	l.mu.Lock()
	var updated *DebugFrame
	for i := len(l.frames) - 1; i >= 0; i-- {
		f := &l.frames[(l.start+i)%len(l.frames)]
		if f.MessageID == messageID && f.Direction == DirectionSent && f.Status == FramePending {
			f.Status = status
			updated = f
			break
		}
	}
	var frame DebugFrame
	var listeners []DebugListener
	if updated != nil {
		frame = *updated
		listeners = l.listenersLocked()
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(frame)
	}
	return updated != nil
}

// Frames returns the buffered frames, oldest first.
func (l *DebugLog) Frames() []DebugFrame {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DebugFrame, 0, len(l.frames))
	for i := 0; i < len(l.frames); i++ {
		out = append(out, l.frames[(l.start+i)%len(l.frames)])
	}
	return out
}

// Len returns the number of buffered frames.
func (l *DebugLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.frames)
}

// Clear drops every buffered frame. Listeners stay registered.
func (l *DebugLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = l.frames[:0]
	l.start = 0
}

// Listen registers a listener; call Unsubscribe on the result to remove it.
func (l *DebugLog) Listen(fn DebugListener) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.order = append(l.order, id)

	return &subscription{id: id, remove: func(_ string, id int) { l.removeListener(id) }}
}

func (l *DebugLog) removeListener(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.listeners, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *DebugLog) listenersLocked() []DebugListener {
	if len(l.order) == 0 {
		return nil
	}
	out := make([]DebugListener, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.listeners[id])
	}
	return out
}
