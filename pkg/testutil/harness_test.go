package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/command"
	"github.com/TimonBed/dashboard-sub000/internal/connection"
	"github.com/TimonBed/dashboard-sub000/internal/ha"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnv(t *testing.T, opts EnvOptions) *TestEnv {
	t.Helper()
	env := NewTestEnv(opts)
	t.Cleanup(env.Cleanup)
	return env
}

func TestEndToEnd_SnapshotAndEvents(t *testing.T) {
	env := newEnv(t, EnvOptions{})
	env.Server.AddState("sensor.temp", "21.5", map[string]interface{}{"unit_of_measurement": "°C"})
	env.Server.AddState("light.kitchen", "off", map[string]interface{}{"friendly_name": "Kitchen"})

	require.NoError(t, env.Activate(context.Background()))

	temp, ok := env.Store.Get("sensor.temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", temp.State)
	assert.Len(t, env.Store.Sensors(), 1)
	assert.Equal(t, store.TransportLive, env.Store.ConnectionState().TransportKind)
	assert.Equal(t, 1.0, promtest.ToFloat64(env.Metrics.Connected))
	assert.Equal(t, 2.0, promtest.ToFloat64(env.Metrics.Entities))

	require.True(t, env.WaitForSubscription(1, time.Second))
	before := env.Store.LastUpdate()
	time.Sleep(2 * time.Millisecond)

	env.Server.SetState("sensor.temp", "22.0", map[string]interface{}{"unit_of_measurement": "°C"})

	require.Eventually(t, func() bool {
		st, _ := env.Store.Get("sensor.temp")
		return st.State == "22.0"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, env.Store.LastUpdate().After(before))

	frames := env.Manager.DebugLog().Frames()
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.NotContains(t, string(f.Payload), "test_token", "token must not be logged")
	}
}

func TestEndToEnd_AuthRejected(t *testing.T) {
	env := newEnv(t, EnvOptions{})
	env.Server.SetToken("someone_else")

	err := env.Activate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ha.ErrAuthInvalid)
	assert.ErrorIs(t, err, connection.ErrRetriesExhausted)

	assert.Equal(t, store.TransportNone, env.Store.ConnectionState().TransportKind)
	assert.Equal(t, 0, env.Server.ConnectionCount())
	assert.Equal(t, 3, env.Manager.Attempts())

	for _, f := range env.Manager.DebugLog().Frames() {
		assert.NotContains(t, string(f.Payload), ha.TypeGetStates)
	}
}

func TestEndToEnd_CommandWhileDisconnected(t *testing.T) {
	env := newEnv(t, EnvOptions{})

	_, err := env.Facade.CallService(context.Background(), "light", "turn_on", map[string]interface{}{
		"entity_id": "light.kitchen",
	})
	assert.ErrorIs(t, err, command.ErrNotConnected)
	assert.Empty(t, env.GetServiceCalls())
	assert.Equal(t, 0, env.Manager.DebugLog().Len(), "no frame sent")
}

func TestEndToEnd_Commands(t *testing.T) {
	env := newEnv(t, EnvOptions{RequestTimeout: 100 * time.Millisecond})
	env.Server.AddState("light.kitchen", "off", nil)
	env.Server.AddState("input_number.alarm_time", "0", nil)

	require.NoError(t, env.Activate(context.Background()))
	require.True(t, env.WaitForSubscription(1, time.Second))
	ctx := context.Background()

	t.Run("service call round trip", func(t *testing.T) {
		require.NoError(t, env.Facade.TurnOn(ctx, "light.kitchen"))

		call := FindServiceCall(env.GetServiceCalls(), "light", "turn_on", "light.kitchen")
		require.NotNil(t, call)

		require.Eventually(t, func() bool {
			st, _ := env.Store.Get("light.kitchen")
			return st.State == "on"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("number input", func(t *testing.T) {
		require.NoError(t, env.Facade.SetInputNumber(ctx, "alarm_time", 6.5))

		require.Eventually(t, func() bool {
			st, _ := env.Store.Get("input_number.alarm_time")
			return st.State == "6.50"
		}, time.Second, 5*time.Millisecond)
		assert.Len(t, FilterServiceCalls(env.GetServiceCalls(), "input_number", "set_value"), 1)
	})

	t.Run("hub error", func(t *testing.T) {
		env.Server.FailService("light", "explode", "not_found", "Service not found")

		_, err := env.Facade.CallService(ctx, "light", "explode", nil)
		var hubErr *ha.HubError
		require.True(t, errors.As(err, &hubErr))
		assert.Equal(t, "not_found", hubErr.Code)
		assert.True(t, env.Store.ConnectionState().Connected, "command failure leaves the connection alone")
	})

	t.Run("timeout", func(t *testing.T) {
		env.Server.IgnoreRequests(ha.TypeCallService, true)
		defer env.Server.IgnoreRequests(ha.TypeCallService, false)

		err := env.Facade.Toggle(ctx, "light.kitchen")
		assert.ErrorIs(t, err, ha.ErrRequestTimeout)
		assert.True(t, env.Store.ConnectionState().Connected)
		assert.Empty(t, env.Store.ConnectionState().Error)
	})
}

func TestEndToEnd_Dedup(t *testing.T) {
	env := newEnv(t, EnvOptions{})
	env.Server.AddState("sensor.temp", "21.5", nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.Activate(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.Server.ConnectionCount())
	assert.Equal(t, 1, env.Server.OpenConnections())
}

func TestEndToEnd_DropRecovery(t *testing.T) {
	env := newEnv(t, EnvOptions{})
	env.Server.AddState("sensor.temp", "21.5", nil)

	require.NoError(t, env.Activate(context.Background()))
	require.True(t, env.WaitForSubscription(1, time.Second))

	env.Server.AddState("sensor.temp", "23.0", nil)
	env.Server.DropConnections()

	require.Eventually(t, func() bool {
		return env.Server.ConnectionCount() == 2 && env.Store.ConnectionState().Connected
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := env.Store.Get("sensor.temp")
	assert.Equal(t, "23.0", st.State, "reseeded after reconnect")
	assert.NotNil(t, env.Manager.ActiveClient())
}

func TestEndToEnd_Reconnect(t *testing.T) {
	env := newEnv(t, EnvOptions{})
	env.Server.SetToken("wrong")

	require.Error(t, env.Activate(context.Background()))
	require.NotEmpty(t, env.Store.ConnectionState().Error)

	env.Server.SetToken(env.Config.Token)
	require.NoError(t, env.Manager.Reconnect(context.Background()))

	cs := env.Store.ConnectionState()
	assert.True(t, cs.Connected)
	assert.Empty(t, cs.Error)
	assert.Equal(t, 1, env.Server.ConnectionCount())
}

func TestServiceCallHelpers(t *testing.T) {
	calls := []ServiceCall{
		{Domain: "light", Service: "turn_on", ServiceData: map[string]interface{}{"entity_id": "light.a"}},
		{Domain: "light", Service: "turn_on", ServiceData: map[string]interface{}{"entity_id": "light.b"}},
		{Domain: "light", Service: "turn_off"},
	}

	assert.Len(t, FilterServiceCalls(calls, "light", "turn_on"), 2)
	assert.Equal(t, "light.b", FindServiceCall(calls, "light", "turn_on", "").EntityID())
	assert.Equal(t, "light.a", FindServiceCall(calls, "light", "turn_on", "light.a").EntityID())
	assert.Nil(t, FindServiceCall(calls, "switch", "turn_on", ""))
	assert.Equal(t, "", calls[2].EntityID())
	assert.True(t, strings.HasPrefix(newEnv(t, EnvOptions{}).Server.URL(), "ws://"))
}
