package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/command"
	"github.com/TimonBed/dashboard-sub000/internal/config"
	"github.com/TimonBed/dashboard-sub000/internal/connection"
	"github.com/TimonBed/dashboard-sub000/internal/ha"
	"github.com/TimonBed/dashboard-sub000/internal/metrics"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// TestEnv wires a mock hub, a store, a connection manager and a command
// facade the same way the serve command does, with short timeouts.
type TestEnv struct {
	Server   *MockHAServer
	Store    *store.Store
	Manager  *connection.Manager
	Facade   *command.Facade
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Config   config.HubConfig
	Logger   *zap.Logger
}

// EnvOptions tunes NewTestEnv. Zero values pick test-friendly defaults.
type EnvOptions struct {
	Token          string
	Retry          connection.RetryPolicy
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewTestEnv starts a mock hub and builds, but does not activate, the
// components around it. Seed the server with AddState, then call Activate.
//
//	env := testutil.NewTestEnv(testutil.EnvOptions{})
//	defer env.Cleanup()
//	env.Server.AddState("sensor.temp", "21.5", nil)
//	if err := env.Activate(ctx); err != nil {
//	    t.Fatal(err)
//	}
func NewTestEnv(opts EnvOptions) *TestEnv {
	if opts.Token == "" {
		opts.Token = "test_token"
	}
	if opts.Retry == (connection.RetryPolicy{}) {
		opts.Retry = connection.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Millisecond}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	server := NewMockHAServer(opts.Token, opts.Logger)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	st := store.New(opts.Logger, nil)
	debug := ha.NewDebugLog(ha.DebugLogCapacity)

	manager := connection.NewManager(st, opts.Logger, connection.ManagerOptions{
		Retry:    opts.Retry,
		DebugLog: debug,
		Metrics:  m,
		NewClient: func(url, token string) ha.WireClient {
			return ha.NewClient(url, token, opts.Logger, ha.Options{
				ConnectTimeout: time.Second,
				RequestTimeout: opts.RequestTimeout,
				DebugLog:       debug,
				Metrics:        m,
			})
		},
	})

	return &TestEnv{
		Server:   server,
		Store:    st,
		Manager:  manager,
		Facade:   command.NewFacade(manager, opts.Logger),
		Registry: registry,
		Metrics:  m,
		Config:   config.HubConfig{Address: server.Address(), Token: opts.Token},
		Logger:   opts.Logger,
	}
}

// Activate connects the manager to the mock hub.
func (e *TestEnv) Activate(ctx context.Context) error {
	if err := e.Manager.Activate(ctx, e.Config); err != nil {
		return fmt.Errorf("failed to activate: %w", err)
	}
	return nil
}

// WaitForSubscription blocks until the hub has seen n state_changed
// subscriptions on open connections, or the timeout passes.
func (e *TestEnv) WaitForSubscription(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Server.SubscriberCount() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.Manager.Deactivate()
	e.Server.Close()
}

// GetServiceCalls returns all service calls made to the mock server.
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}
