package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/clock"
	"github.com/TimonBed/dashboard-sub000/internal/ha"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *clock.MockClock) {
	clk := clock.NewMockClock(t0)
	return New(zap.NewNop(), clk), clk
}

func entity(id, state, name string) *ha.State {
	st := &ha.State{EntityID: id, State: state, LastChanged: t0, LastUpdated: t0}
	if name != "" {
		st.Attributes = map[string]interface{}{"friendly_name": name}
	}
	return st
}

func sensorIDs(s *Store) []string {
	var ids []string
	for _, st := range s.Sensors() {
		ids = append(ids, st.EntityID)
	}
	return ids
}

func snapshot() []*ha.State {
	return []*ha.State{
		entity("sensor.temp", "21.5", "Temperature"),
		entity("light.kitchen", "off", "Kitchen"),
		entity("binary_sensor.door", "off", "door"),
		entity("person.alex", "home", "Alex"),
		entity("switch.fan", "on", ""),
		entity("weather.home", "sunny", ""),
		entity("sun.sun", "above_horizon", "Sun"),
		entity("device_tracker.phone", "home", "Phone"),
	}
}

func TestSeed(t *testing.T) {
	t.Run("indexes every entity", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())

		assert.Equal(t, 8, s.Len())
		st, ok := s.Get("sensor.temp")
		require.True(t, ok)
		assert.Equal(t, "21.5", st.State)

		_, ok = s.Get("sensor.missing")
		assert.False(t, ok)
	})

	t.Run("sensor list is filtered and sorted by display name", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())

		assert.Equal(t, []string{
			"person.alex",
			"binary_sensor.door",
			"device_tracker.phone",
			"sun.sun",
			"sensor.temp",
			"weather.home",
		}, sensorIDs(s))
	})

	t.Run("seeding twice yields identical results", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())
		firstAll, firstSensors := s.All(), s.Sensors()

		s.Seed(snapshot())
		if diff := cmp.Diff(firstAll, s.All()); diff != "" {
			t.Errorf("entities changed after reseed (-first +second):\n%s", diff)
		}
		if diff := cmp.Diff(firstSensors, s.Sensors()); diff != "" {
			t.Errorf("sensor list changed after reseed (-first +second):\n%s", diff)
		}
	})

	t.Run("replaces previous contents", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())
		s.Seed([]*ha.State{entity("sensor.only", "1", "")})

		assert.Equal(t, 1, s.Len())
		assert.Equal(t, []string{"sensor.only"}, sensorIDs(s))
	})

	t.Run("later duplicate wins", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.a", "1", "A"),
			nil,
			entity("sensor.a", "2", "A"),
			{State: "no id"},
		})

		assert.Equal(t, 1, s.Len())
		st, _ := s.Get("sensor.a")
		assert.Equal(t, "2", st.State)
		assert.Len(t, s.Sensors(), 1)
	})

	t.Run("unavailable entities are kept", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{entity("sensor.gone", ha.StateUnavailable, "")})

		st, ok := s.Get("sensor.gone")
		require.True(t, ok)
		assert.True(t, st.IsUnavailable())
		assert.Len(t, s.Sensors(), 1)
	})

	t.Run("input is copied", func(t *testing.T) {
		s, _ := newTestStore()
		in := entity("sensor.a", "1", "A")
		s.Seed([]*ha.State{in})

		in.State = "mutated"
		in.Attributes["friendly_name"] = "Mutated"

		st, _ := s.Get("sensor.a")
		assert.Equal(t, "1", st.State)
		assert.Equal(t, "A", st.FriendlyName())
	})
}

func TestSensorOrdering(t *testing.T) {
	t.Run("locale order ignores case at first level", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.b", "", "Beta"),
			entity("sensor.a", "", "alpha"),
			entity("sensor.c", "", "gamma"),
		})

		assert.Equal(t, []string{"sensor.a", "sensor.b", "sensor.c"}, sensorIDs(s))
	})

	t.Run("ties keep snapshot order", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.z", "", "Same"),
			entity("sensor.y", "", "Same"),
			entity("sensor.x", "", "Same"),
		})

		assert.Equal(t, []string{"sensor.z", "sensor.y", "sensor.x"}, sensorIDs(s))
	})

	t.Run("missing friendly name falls back to id", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.zzz", "", ""),
			entity("sensor.aaa", "", "Middle"),
			entity("sensor.abc", "", ""),
		})

		assert.Equal(t, []string{"sensor.aaa", "sensor.abc", "sensor.zzz"}, sensorIDs(s))
	})
}

func TestApplyChange(t *testing.T) {
	t.Run("updates existing entity", func(t *testing.T) {
		s, clk := newTestStore()
		s.Seed(snapshot())
		before := s.LastUpdate()

		clk.Advance(time.Second)
		s.ApplyChange(entity("sensor.temp", "22.0", "Temperature"))

		st, _ := s.Get("sensor.temp")
		assert.Equal(t, "22.0", st.State)
		assert.True(t, s.LastUpdate().After(before))
		assert.Len(t, s.Sensors(), 6)
	})

	t.Run("inserts unknown entity", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())

		s.ApplyChange(entity("sensor.humidity", "40", "Humidity"))
		s.ApplyChange(entity("light.hall", "on", "Hall"))

		assert.Equal(t, 10, s.Len())
		assert.Equal(t, []string{
			"person.alex",
			"binary_sensor.door",
			"sensor.humidity",
			"device_tracker.phone",
			"sun.sun",
			"sensor.temp",
			"weather.home",
		}, sensorIDs(s))
	})

	t.Run("rename moves only the renamed sensor", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.a", "", "A"),
			entity("sensor.b", "", "B"),
			entity("sensor.c", "", "C"),
		})

		s.ApplyChange(entity("sensor.a", "", "D"))
		assert.Equal(t, []string{"sensor.b", "sensor.c", "sensor.a"}, sensorIDs(s))

		s.ApplyChange(entity("sensor.c", "", "0"))
		assert.Equal(t, []string{"sensor.c", "sensor.b", "sensor.a"}, sensorIDs(s))
	})

	t.Run("new tie lands after existing ties", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed([]*ha.State{
			entity("sensor.one", "", "Same"),
			entity("sensor.two", "", "Same"),
		})

		s.ApplyChange(entity("sensor.three", "", "Same"))
		assert.Equal(t, []string{"sensor.one", "sensor.two", "sensor.three"}, sensorIDs(s))

		s.ApplyChange(entity("sensor.one", "changed", "Same"))
		assert.Equal(t, []string{"sensor.one", "sensor.two", "sensor.three"}, sensorIDs(s))
	})

	t.Run("last write wins", func(t *testing.T) {
		s, clk := newTestStore()
		s.Seed(nil)

		for i := 0; i < 20; i++ {
			st := entity("sensor.counter", fmt.Sprint(i), fmt.Sprintf("Counter %d", i%3))
			clk.Advance(time.Millisecond)
			s.ApplyChange(st)
		}
		final := entity("sensor.counter", "final", "Counter final")
		final.LastUpdated = t0.Add(-time.Hour)
		s.ApplyChange(final)

		st, _ := s.Get("sensor.counter")
		assert.Empty(t, cmp.Diff(*final, st))
		require.Len(t, s.Sensors(), 1)
		assert.Empty(t, cmp.Diff(*final, s.Sensors()[0]))
	})

	t.Run("sensor list matches allow-list after many changes", func(t *testing.T) {
		s, _ := newTestStore()
		s.Seed(snapshot())

		ids := []string{"sensor.x", "light.x", "weather.x", "switch.x", "person.x", "sun.x", "climate.x", "sensor.temp"}
		for i := 0; i < 50; i++ {
			id := ids[i%len(ids)]
			s.ApplyChange(entity(id, fmt.Sprint(i), fmt.Sprintf("n%d", i%7)))
		}

		inSensors := make(map[string]bool)
		for _, st := range s.Sensors() {
			assert.False(t, inSensors[st.EntityID], "duplicate %s", st.EntityID)
			inSensors[st.EntityID] = true
		}
		for id := range s.All() {
			assert.Equal(t, IsSensor(id), inSensors[id], id)
		}

		sensors := s.Sensors()
		for i := 1; i < len(sensors); i++ {
			assert.LessOrEqual(t,
				s.collator.CompareString(sensors[i-1].FriendlyName(), sensors[i].FriendlyName()), 0)
		}
	})

	t.Run("nil and empty ids are ignored", func(t *testing.T) {
		s, _ := newTestStore()
		var changes int
		s.Subscribe(func(Change) { changes++ })

		s.ApplyChange(nil)
		s.ApplyChange(&ha.State{State: "on"})

		assert.Equal(t, 0, s.Len())
		assert.Equal(t, 0, changes)
	})
}

func TestLastUpdate(t *testing.T) {
	s, clk := newTestStore()
	assert.True(t, s.LastUpdate().IsZero())
	assert.Nil(t, s.ConnectionState().LastUpdate)

	s.Seed(snapshot())
	assert.Equal(t, t0, s.LastUpdate())
	require.NotNil(t, s.ConnectionState().LastUpdate)
	assert.Equal(t, t0, *s.ConnectionState().LastUpdate)

	clk.Set(t0.Add(-time.Minute))
	s.ApplyChange(entity("sensor.temp", "1", ""))
	assert.Equal(t, t0, s.LastUpdate(), "never moves backwards")

	clk.Set(t0.Add(time.Minute))
	s.ApplyChange(entity("sensor.temp", "2", ""))
	assert.Equal(t, t0.Add(time.Minute), s.LastUpdate())
}

func TestConnectionState(t *testing.T) {
	s, _ := newTestStore()

	cs := s.ConnectionState()
	assert.False(t, cs.Connected)
	assert.Equal(t, TransportNone, cs.TransportKind)

	s.SetLoading(true)
	s.SetError("Connection failed")
	s.SetWarning("Live updates unavailable")
	s.SetTransportError("dial tcp: refused")
	s.SetTransportKind(TransportLive)
	s.SetConnected(true)

	cs = s.ConnectionState()
	assert.True(t, cs.Connected)
	assert.True(t, cs.Loading)
	assert.Equal(t, "Connection failed", cs.Error)
	assert.Equal(t, "Live updates unavailable", cs.Warning)
	assert.Equal(t, "dial tcp: refused", cs.LastTransportError)
	assert.Equal(t, TransportLive, cs.TransportKind)

	s.UpdateConnection(func(cs *ConnectionState) {
		cs.Error = ""
		cs.Warning = ""
		cs.Loading = false
	})
	cs = s.ConnectionState()
	assert.Empty(t, cs.Error)
	assert.Empty(t, cs.Warning)
	assert.False(t, cs.Loading)
}

func TestListeners(t *testing.T) {
	s, _ := newTestStore()

	var got []Change
	sub := s.Subscribe(func(c Change) {
		got = append(got, c)
	})
	s.Subscribe(func(Change) { panic("boom") })

	var seenValue string
	s.Subscribe(func(c Change) {
		if c.Kind == ChangeEntity {
			st, _ := s.Get(c.EntityID)
			seenValue = st.State
		}
	})

	s.Seed(snapshot())
	s.ApplyChange(entity("sensor.temp", "30", ""))
	s.SetConnected(true)
	s.SetConnected(true)

	assert.Equal(t, []Change{
		{Kind: ChangeSeeded},
		{Kind: ChangeEntity, EntityID: "sensor.temp"},
		{Kind: ChangeConnection},
	}, got)
	assert.Equal(t, "30", seenValue, "listener sees committed state")

	sub.Unsubscribe()
	s.ApplyChange(entity("sensor.temp", "31", ""))
	assert.Len(t, got, 3)
}
