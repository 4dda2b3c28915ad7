package command

import (
	"context"
	"errors"
	"testing"

	"github.com/TimonBed/dashboard-sub000/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	client ha.WireClient
}

func (s staticSource) ActiveClient() ha.WireClient {
	return s.client
}

func connectedMock(t *testing.T) *ha.MockClient {
	t.Helper()
	mock := ha.NewMockClient()
	require.NoError(t, mock.Connect(context.Background()))
	return mock
}

func TestCallService_NotConnected(t *testing.T) {
	ctx := context.Background()
	data := map[string]interface{}{"entity_id": "light.kitchen"}

	t.Run("no client", func(t *testing.T) {
		f := NewFacade(staticSource{}, zap.NewNop())

		_, err := f.CallService(ctx, "light", "turn_on", data)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("client without transport", func(t *testing.T) {
		mock := ha.NewMockClient()
		f := NewFacade(staticSource{client: mock}, zap.NewNop())

		_, err := f.CallService(ctx, "light", "turn_on", data)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Empty(t, mock.GetServiceCalls(), "nothing sent")
	})

	t.Run("dropped client", func(t *testing.T) {
		mock := connectedMock(t)
		mock.Drop()
		f := NewFacade(staticSource{client: mock}, zap.NewNop())

		err := f.Toggle(ctx, "light.kitchen")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Empty(t, mock.GetServiceCalls())
	})
}

func TestCallService_Delegates(t *testing.T) {
	mock := connectedMock(t)
	f := NewFacade(staticSource{client: mock}, zap.NewNop())

	result, err := f.CallService(context.Background(), "light", "turn_on", map[string]interface{}{
		"entity_id":  "light.kitchen",
		"brightness": 128,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"context":{"id":"mock"}}`, string(result))

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, 128, calls[0].Data["brightness"])
}

func TestCallService_Failure(t *testing.T) {
	mock := connectedMock(t)
	mock.CallServiceErr = &ha.HubError{Code: "not_found", Message: "Service not found"}
	f := NewFacade(staticSource{client: mock}, zap.NewNop())

	_, err := f.CallService(context.Background(), "light", "explode", nil)
	require.Error(t, err)

	var hubErr *ha.HubError
	require.True(t, errors.As(err, &hubErr))
	assert.Equal(t, "not_found", hubErr.Code)
	assert.Len(t, mock.GetServiceCalls(), 1, "no retry")
}

func TestReadOnly(t *testing.T) {
	mock := connectedMock(t)
	f := NewFacade(staticSource{client: mock}, zap.NewNop())
	f.SetReadOnly(true)

	err := f.TurnOn(context.Background(), "switch.fan")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Empty(t, mock.GetServiceCalls())
}

func TestHelpers(t *testing.T) {
	ctx := context.Background()
	mock := connectedMock(t)
	f := NewFacade(staticSource{client: mock}, zap.NewNop())

	require.NoError(t, f.Toggle(ctx, "light.kitchen"))
	require.NoError(t, f.TurnOn(ctx, "switch.fan"))
	require.NoError(t, f.TurnOff(ctx, "fan.bedroom"))
	require.NoError(t, f.SetInputBoolean(ctx, "guest_mode", true))
	require.NoError(t, f.SetInputBoolean(ctx, "guest_mode", false))
	require.NoError(t, f.SetInputNumber(ctx, "alarm_time", 6.5))
	require.NoError(t, f.SetInputText(ctx, "day_phase", "morning"))

	tests := []struct {
		domain  string
		service string
		data    map[string]interface{}
	}{
		{"light", "toggle", map[string]interface{}{"entity_id": "light.kitchen"}},
		{"switch", "turn_on", map[string]interface{}{"entity_id": "switch.fan"}},
		{"fan", "turn_off", map[string]interface{}{"entity_id": "fan.bedroom"}},
		{"input_boolean", "turn_on", map[string]interface{}{"entity_id": "input_boolean.guest_mode"}},
		{"input_boolean", "turn_off", map[string]interface{}{"entity_id": "input_boolean.guest_mode"}},
		{"input_number", "set_value", map[string]interface{}{"entity_id": "input_number.alarm_time", "value": 6.5}},
		{"input_text", "set_value", map[string]interface{}{"entity_id": "input_text.day_phase", "value": "morning"}},
	}

	calls := mock.GetServiceCalls()
	require.Len(t, calls, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.domain, calls[i].Domain)
		assert.Equal(t, tt.service, calls[i].Service)
		assert.Equal(t, tt.data, calls[i].Data)
	}

	t.Run("invalid entity id", func(t *testing.T) {
		assert.ErrorIs(t, f.Toggle(ctx, "kitchen"), ErrInvalidID)
		assert.ErrorIs(t, f.Toggle(ctx, "light."), ErrInvalidID)
		assert.Len(t, mock.GetServiceCalls(), len(tests))
	})
}
