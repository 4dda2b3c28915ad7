// Package clock lets the store stamp updates through an interface so
// tests can pin time.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Real reads the system clock.
var Real Clock = Func(time.Now)

// MockClock only moves when Advance or Set is called.
type MockClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{t: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Set jumps to t, which may lie in the past.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}
