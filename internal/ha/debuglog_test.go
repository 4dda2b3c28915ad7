package ha

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugLog_EvictsOldestFirst(t *testing.T) {
	log := NewDebugLog(0)

	for i := 1; i <= DebugLogCapacity+5; i++ {
		log.Append(DebugFrame{
			MessageID: i,
			Direction: DirectionSent,
			Kind:      FrameRequest,
			Payload:   json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)),
		})
	}

	frames := log.Frames()
	require.Len(t, frames, DebugLogCapacity)
	assert.Equal(t, 6, frames[0].MessageID)
	assert.Equal(t, DebugLogCapacity+5, frames[len(frames)-1].MessageID)

	for _, f := range frames {
		assert.NotEmpty(t, f.ID)
		assert.False(t, f.Timestamp.IsZero())
	}
}

func TestDebugLog_Resolve(t *testing.T) {
	log := NewDebugLog(3)

	log.Append(DebugFrame{MessageID: 7, Direction: DirectionSent, Kind: FrameRequest, Status: FramePending, Payload: json.RawMessage(`{}`)})
	log.Append(DebugFrame{MessageID: 8, Direction: DirectionSent, Kind: FrameRequest, Status: FramePending, Payload: json.RawMessage(`{}`)})

	assert.True(t, log.Resolve(7, FrameError))
	assert.False(t, log.Resolve(7, FrameSuccess), "already resolved")
	assert.False(t, log.Resolve(99, FrameSuccess))

	frames := log.Frames()
	assert.Equal(t, FrameError, frames[0].Status)
	assert.Equal(t, FramePending, frames[1].Status)
}

func TestDebugLog_Listeners(t *testing.T) {
	log := NewDebugLog(10)

	var seen []FrameStatus
	sub := log.Listen(func(frame DebugFrame) { seen = append(seen, frame.Status) })

	log.Append(DebugFrame{MessageID: 1, Direction: DirectionSent, Status: FramePending, Payload: json.RawMessage(`{}`)})
	log.Resolve(1, FrameSuccess)

	require.NoError(t, sub.Unsubscribe())
	log.Append(DebugFrame{MessageID: 2, Direction: DirectionSent, Status: FramePending, Payload: json.RawMessage(`{}`)})

	assert.Equal(t, []FrameStatus{FramePending, FrameSuccess}, seen)
}

func TestDebugLog_InvalidPayloadIsQuoted(t *testing.T) {
	log := NewDebugLog(10)

	frame := log.Append(DebugFrame{Direction: DirectionReceived, Status: FrameError, Payload: []byte("not json")})

	var s string
	require.NoError(t, json.Unmarshal(frame.Payload, &s))
	assert.Equal(t, "not json", s)

	_, err := json.Marshal(log.Frames())
	assert.NoError(t, err)
}

func TestDebugLog_Clear(t *testing.T) {
	log := NewDebugLog(2)
	log.Append(DebugFrame{Payload: json.RawMessage(`{}`)})
	log.Append(DebugFrame{Payload: json.RawMessage(`{}`)})
	log.Append(DebugFrame{Payload: json.RawMessage(`{}`)})

	log.Clear()
	assert.Equal(t, 0, log.Len())

	log.Append(DebugFrame{MessageID: 5, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, 5, log.Frames()[0].MessageID)
}
