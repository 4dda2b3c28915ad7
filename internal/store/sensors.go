package store

import (
	"slices"
	"sort"

	"github.com/TimonBed/dashboard-sub000/internal/ha"
)

// SensorDomains lists the entity domains that appear in the sensor list.
var SensorDomains = []string{
	"sensor",
	"binary_sensor",
	"device_tracker",
	"weather",
	"sun",
	"person",
}

// IsSensor reports whether entityID belongs to one of SensorDomains.
func IsSensor(entityID string) bool {
	return slices.Contains(SensorDomains, ha.Domain(entityID))
}

// compareNames orders display names; the collator is not safe for
// concurrent use, so callers hold the store's write lock.
func (s *Store) compareNames(a, b string) int {
	return s.collator.CompareString(a, b)
}

func (s *Store) sortSensorsLocked() {
	sort.SliceStable(s.sensors, func(i, j int) bool {
		return s.compareNames(s.sensors[i].FriendlyName(), s.sensors[j].FriendlyName()) < 0
	})
}

// upperBoundLocked returns the index after the last sensor whose name
// sorts equal to name, so inserts land after existing ties.
func (s *Store) upperBoundLocked(name string) int {
	return sort.Search(len(s.sensors), func(i int) bool {
		return s.compareNames(s.sensors[i].FriendlyName(), name) > 0
	})
}

func (s *Store) indexOfSensorLocked(target *ha.State) int {
	name := target.FriendlyName()
	lo := sort.Search(len(s.sensors), func(i int) bool {
		return s.compareNames(s.sensors[i].FriendlyName(), name) >= 0
	})
	for i := lo; i < len(s.sensors) && s.compareNames(s.sensors[i].FriendlyName(), name) == 0; i++ {
		if s.sensors[i] == target {
			return i
		}
	}
	return slices.Index(s.sensors, target)
}

// upsertSensorLocked places st in the sensor list, repositioning only st.
func (s *Store) upsertSensorLocked(prev, st *ha.State) {
	if prev != nil {
		if idx := s.indexOfSensorLocked(prev); idx >= 0 {
			if s.compareNames(prev.FriendlyName(), st.FriendlyName()) == 0 {
				s.sensors[idx] = st
				return
			}
			s.sensors = slices.Delete(s.sensors, idx, idx+1)
		}
	}
	s.sensors = slices.Insert(s.sensors, s.upperBoundLocked(st.FriendlyName()), st)
}
