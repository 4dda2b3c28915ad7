package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TimonBed/dashboard-sub000/internal/config"
	"github.com/TimonBed/dashboard-sub000/internal/ha"
)

// session is one connection sequence for one configuration. Everything it
// writes to the store goes through apply, which refuses once the session
// has been closed.
type session struct {
	gen uint64
	cfg config.HubConfig
	key string

	ctx    context.Context
	cancel context.CancelFunc

	applyMu sync.Mutex
	closed  atomic.Bool

	// clientMu is never held while calling out of the session.
	clientMu sync.Mutex
	client   ha.WireClient
	eventSub ha.Subscription
}

func sequenceKey(gen uint64, cfg config.HubConfig) string {
	return fmt.Sprintf("%d/%s", gen, cfg.Address)
}

func newSession(gen uint64, cfg config.HubConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		gen:    gen,
		cfg:    cfg,
		key:    sequenceKey(gen, cfg),
		ctx:    ctx,
		cancel: cancel,
	}
}

// apply runs fn unless the session is closed and reports whether it ran.
// close waits for a running fn to finish.
func (s *session) apply(fn func()) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.closed.Load() {
		return false
	}
	fn()
	return true
}

// attach records the live client and its event registration.
func (s *session) attach(client ha.WireClient, sub ha.Subscription) bool {
	return s.apply(func() {
		s.clientMu.Lock()
		s.client = client
		s.eventSub = sub
		s.clientMu.Unlock()
	})
}

// liveClient returns the attached client while its transport is up.
func (s *session) liveClient() ha.WireClient {
	if s.closed.Load() {
		return nil
	}
	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	return client
}

// detach forgets the attached client and returns it with its event
// registration for cleanup.
func (s *session) detach() (ha.WireClient, ha.Subscription) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	client, sub := s.client, s.eventSub
	s.client, s.eventSub = nil, nil
	return client, sub
}

// close cancels pending work, removes the event handler and closes the
// transport. Safe to call more than once.
func (s *session) close() {
	s.applyMu.Lock()
	already := s.closed.Swap(true)
	s.applyMu.Unlock()
	if already {
		return
	}

	s.cancel()
	client, sub := s.detach()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if client != nil {
		_ = client.Disconnect()
	}
}
