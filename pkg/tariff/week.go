package tariff

import (
	"time"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// DaysInWeek is the number of weekday slots.
const DaysInWeek = 7

// Weekday converts a time.Weekday to a Monday=0 index.
func Weekday(d time.Weekday) int {
	return (int(d) + 6) % DaysInWeek
}

// WeekSchedules caches the band sets of each weekday (Monday=0) for both
// directions. It is not safe for concurrent use.
type WeekSchedules struct {
	imports [DaysInWeek][]Band
	exports [DaysInWeek][]Band
}

// NewWeekSchedules returns an empty store.
func NewWeekSchedules() *WeekSchedules {
	return &WeekSchedules{}
}

// Update replaces the band sets of one weekday.
func (w *WeekSchedules) Update(weekday int, imports, exports []Band) {
	w.imports[weekday] = imports
	w.exports[weekday] = exports
}

// Get returns the band set of a weekday, or nil.
func (w *WeekSchedules) Get(weekday int, dir types.Direction) []Band {
	if dir == types.DirectionExport {
		return w.exports[weekday]
	}
	return w.imports[weekday]
}

// Reset clears every weekday of a direction.
func (w *WeekSchedules) Reset(dir types.Direction) {
	if dir == types.DirectionExport {
		w.exports = [DaysInWeek][]Band{}
	} else {
		w.imports = [DaysInWeek][]Band{}
	}
}

// Clone returns a copy whose slots can be changed independently. Band sets
// themselves are shared.
func (w *WeekSchedules) Clone() *WeekSchedules {
	c := *w
	return &c
}

// Record returns the serialisable form of the store.
func (w *WeekSchedules) Record() types.WeekRecord {
	var r types.WeekRecord
	for i := range DaysInWeek {
		r.Import[i] = Records(w.imports[i])
		r.Export[i] = Records(w.exports[i])
	}
	return r
}

// WeekSchedulesFromRecord restores a store saved with Record.
func WeekSchedulesFromRecord(r types.WeekRecord) *WeekSchedules {
	w := NewWeekSchedules()
	for i := range DaysInWeek {
		w.imports[i] = FromRecords(r.Import[i])
		w.exports[i] = FromRecords(r.Export[i])
	}
	return w
}
