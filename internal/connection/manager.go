// Package connection keeps a live, self-healing hub connection for the
// configured address and mirrors its data and status into the store.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/config"
	"github.com/TimonBed/dashboard-sub000/internal/ha"
	"github.com/TimonBed/dashboard-sub000/internal/metrics"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrConfigMissing    = errors.New("configuration missing")
	ErrRetriesExhausted = errors.New("connection retries exhausted")
	ErrSuperseded       = errors.New("connection attempt superseded")
)

// User-facing messages written to the store's error field.
const (
	msgConfigMissing = "Home Assistant is not configured. Set the address and access token."
	msgTerminal      = "Unable to connect to Home Assistant. Check the address and token, then reconnect."
	msgLiveUpdates   = "Live updates are unavailable; data may be stale."
)

// RetryPolicy bounds one connection sequence.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy is 5 attempts, 2 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: 2 * time.Second}
}

// ClientFactory creates an unconnected wire client for url.
type ClientFactory func(url, token string) ha.WireClient

type ManagerOptions struct {
	Retry     RetryPolicy
	NewClient ClientFactory
	DebugLog  *ha.DebugLog
	Metrics   *metrics.Metrics
}

// Manager owns the process-wide connection. Create one per process and
// share it; two Managers do not know about each other's connections.
//
// Store listeners must not call Deactivate or Reconnect synchronously.
type Manager struct {
	store   *store.Store
	logger  *zap.Logger
	retry   RetryPolicy
	factory ClientFactory
	debug   *ha.DebugLog
	metrics *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	gen      uint64
	cfg      *config.HubConfig
	current  *session
	terminal error
	attempts int
}

// NewManager creates a Manager writing into st.
func NewManager(st *store.Store, logger *zap.Logger, opts ManagerOptions) *Manager {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if opts.Retry.Delay < 0 {
		opts.Retry.Delay = 0
	}
	if opts.DebugLog == nil {
		opts.DebugLog = ha.NewDebugLog(ha.DebugLogCapacity)
	}

	m := &Manager{
		store:   st,
		logger:  logger,
		retry:   opts.Retry,
		factory: opts.NewClient,
		debug:   opts.DebugLog,
		metrics: opts.Metrics,
	}
	if m.factory == nil {
		m.factory = func(url, token string) ha.WireClient {
			return ha.NewClient(url, token, logger, ha.Options{
				DebugLog: m.debug,
				Metrics:  m.metrics,
			})
		}
	}
	return m
}

// Activate makes sure a connection for cfg exists or is being made and
// waits for the outcome. Concurrent calls with the same configuration
// share one connection sequence; a different configuration replaces the
// previous one. After the retry budget is spent the failure is returned
// without new attempts until Reconnect.
//
// Cancelling ctx stops the wait, not the sequence.
func (m *Manager) Activate(ctx context.Context, cfg config.HubConfig) error {
	m.mu.Lock()
	var stale *session
	if m.cfg == nil || *m.cfg != cfg {
		stale = m.resetLocked(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		m.closeSession(stale)
		m.logger.Error("Hub configuration is incomplete", zap.Error(err))
		m.store.UpdateConnection(func(cs *store.ConnectionState) {
			cs.Connected = false
			cs.Loading = false
			cs.TransportKind = store.TransportNone
			cs.Error = msgConfigMissing
		})
		return fmt.Errorf("%w: %w", ErrConfigMissing, err)
	}

	if m.current != nil && m.current.liveClient() != nil {
		m.mu.Unlock()
		m.closeSession(stale)
		return nil
	}
	if m.terminal != nil {
		err := m.terminal
		m.mu.Unlock()
		m.closeSession(stale)
		return err
	}
	gen := m.gen
	m.mu.Unlock()
	m.closeSession(stale)

	ch := m.group.DoChan(sequenceKey(gen, cfg), func() (interface{}, error) {
		return nil, m.run(gen, cfg)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect drops the current connection, forgets any terminal failure
// and connects again with the last configuration.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.cfg == nil {
		m.mu.Unlock()
		return ErrConfigMissing
	}
	cfg := *m.cfg
	stale := m.resetLocked(&cfg)
	m.mu.Unlock()
	m.closeSession(stale)

	m.logger.Info("Reconnecting to Home Assistant")
	return m.Activate(ctx, cfg)
}

// Deactivate closes the connection without reconnecting. Results of any
// sequence still in flight are discarded.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	stale := m.resetLocked(nil)
	m.mu.Unlock()
	m.closeSession(stale)

	m.store.UpdateConnection(func(cs *store.ConnectionState) {
		cs.Connected = false
		cs.Loading = false
		cs.TransportKind = store.TransportNone
	})
	m.metrics.SetConnected(false)
	m.logger.Info("Disconnected from Home Assistant")
}

// resetLocked starts a new generation for cfg and detaches the current
// session, which the caller must close after releasing m.mu.
func (m *Manager) resetLocked(cfg *config.HubConfig) *session {
	m.gen++
	m.cfg = cfg
	m.terminal = nil
	m.attempts = 0
	stale := m.current
	m.current = nil
	return stale
}

func (m *Manager) closeSession(s *session) {
	if s != nil {
		s.close()
		m.metrics.SetConnected(false)
	}
}

// ActiveClient returns the connected client, or nil.
func (m *Manager) ActiveClient() ha.WireClient {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == nil {
		return nil
	}
	if client := current.liveClient(); client != nil {
		return client
	}
	return nil
}

// DebugLog returns the frame log shared by every client the Manager creates.
func (m *Manager) DebugLog() *ha.DebugLog {
	return m.debug
}

// Attempts returns the number of attempts made by the current or last sequence.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// begin installs a fresh session for gen. It returns nil when gen is no
// longer current or when a live session for gen already exists.
func (m *Manager) begin(gen uint64, cfg config.HubConfig) (*session, error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil, ErrSuperseded
	}
	if m.current != nil && m.current.liveClient() != nil {
		m.mu.Unlock()
		return nil, nil
	}
	stale := m.current
	sess := newSession(gen, cfg)
	m.current = sess
	m.attempts = 0
	m.mu.Unlock()

	m.closeSession(stale)
	return sess, nil
}

// run is one connection sequence with its own retry budget.
func (m *Manager) run(gen uint64, cfg config.HubConfig) error {
	sess, err := m.begin(gen, cfg)
	if err != nil || sess == nil {
		return err
	}

	url, err := cfg.WebSocketURL()
	if err != nil {
		return err
	}

	sess.apply(func() {
		m.store.UpdateConnection(func(cs *store.ConnectionState) {
			cs.Loading = true
			cs.Error = ""
			cs.Warning = ""
		})
	})

	var lastErr error
	operation := func() error {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		m.metrics.AttemptStarted()
		m.logger.Info("Connecting to Home Assistant",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.retry.MaxAttempts))

		err := m.attempt(sess, url, cfg.Token)
		if err == nil {
			return nil
		}
		if sess.ctx.Err() != nil || errors.Is(err, ErrSuperseded) {
			return backoff.Permanent(ErrSuperseded)
		}

		lastErr = err
		m.metrics.AttemptFailed()
		m.logger.Warn("Connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		sess.apply(func() {
			m.store.UpdateConnection(func(cs *store.ConnectionState) {
				cs.Connected = false
				cs.TransportKind = store.TransportNone
				cs.LastTransportError = err.Error()
			})
		})
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retry.Delay), uint64(m.retry.MaxAttempts-1)),
		sess.ctx)
	err = backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		m.logger.Info("Retrying connection", zap.Duration("delay", wait))
	})

	if err == nil {
		return nil
	}
	if sess.ctx.Err() != nil || errors.Is(err, ErrSuperseded) {
		m.logger.Debug("Discarding superseded connection sequence", zap.Uint64("generation", gen))
		return ErrSuperseded
	}

	terminal := fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
	applied := sess.apply(func() {
		m.store.UpdateConnection(func(cs *store.ConnectionState) {
			cs.Connected = false
			cs.Loading = false
			cs.TransportKind = store.TransportNone
			cs.Error = msgTerminal
			cs.LastTransportError = lastErr.Error()
		})
	})
	if !applied {
		return ErrSuperseded
	}

	m.mu.Lock()
	if m.gen == gen {
		m.terminal = terminal
	}
	m.mu.Unlock()

	m.logger.Error("Giving up on Home Assistant connection",
		zap.Int("attempts", m.retry.MaxAttempts),
		zap.Error(lastErr))
	return terminal
}

// attempt runs connect, snapshot, event forwarding and subscription once.
func (m *Manager) attempt(sess *session, url, token string) (err error) {
	client := m.factory(url, token)
	defer func() {
		if err != nil {
			_ = client.Disconnect()
		}
	}()

	if err := client.Connect(sess.ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	states, err := client.GetStates(sess.ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	seeded := sess.apply(func() {
		m.store.Seed(states)
	})
	if !seeded {
		return ErrSuperseded
	}
	m.metrics.SetEntities(m.store.Len())

	sub := client.On(ha.KindEvent, func(msg *ha.Message) {
		m.forwardEvent(sess, msg)
	})
	if !sess.attach(client, sub) {
		_ = sub.Unsubscribe()
		return ErrSuperseded
	}

	client.SubscribeToStateChanges(func(err error) {
		if err == nil {
			return
		}
		sess.apply(func() {
			m.store.SetWarning(msgLiveUpdates)
		})
	})

	sess.apply(func() {
		m.store.UpdateConnection(func(cs *store.ConnectionState) {
			cs.Connected = true
			cs.Loading = false
			cs.Error = ""
			cs.TransportKind = store.TransportLive
			cs.LastTransportError = ""
		})
	})
	m.metrics.SetConnected(true)
	m.logger.Info("Connected to Home Assistant", zap.Int("entities", len(states)))

	go m.watch(sess, client)
	return nil
}

func (m *Manager) forwardEvent(sess *session, msg *ha.Message) {
	if msg.Event == nil || msg.Event.EventType != ha.EventStateChanged {
		return
	}

	var change ha.StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &change); err != nil {
		m.logger.Debug("Ignoring malformed state_changed event", zap.Error(err))
		return
	}
	if change.NewState == nil {
		return
	}
	if change.NewState.EntityID == "" {
		change.NewState.EntityID = change.EntityID
	}

	if sess.apply(func() { m.store.ApplyChange(change.NewState) }) {
		m.metrics.SetEntities(m.store.Len())
	}
}

// watch waits for the session's transport to end. A drop that was not
// caused by teardown starts a new sequence with a fresh retry budget.
func (m *Manager) watch(sess *session, client ha.WireClient) {
	select {
	case <-sess.ctx.Done():
		return
	case <-client.Done():
	}

	dropped, sub := sess.detach()
	if dropped == nil {
		return
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	_ = client.Disconnect()

	applied := sess.apply(func() {
		m.store.UpdateConnection(func(cs *store.ConnectionState) {
			cs.Connected = false
			cs.Loading = true
			cs.TransportKind = store.TransportNone
			cs.LastTransportError = ha.ErrClientDisconnected.Error()
		})
	})
	if !applied {
		return
	}
	m.metrics.SetConnected(false)
	m.logger.Warn("Lost connection to Home Assistant, reconnecting")

	// The sequence that opened this session may not have returned yet.
	m.group.Forget(sess.key)
	if err := m.Activate(context.Background(), sess.cfg); err != nil && !errors.Is(err, ErrSuperseded) {
		m.logger.Error("Reconnect after connection loss failed", zap.Error(err))
	}
}
