package tariff

import (
	"fmt"
	"time"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Layout decides how the stored weekdays turn into day-of-week ranges.
type Layout string

const (
	// LayoutWeek repeats today's bands on every day.
	LayoutWeek Layout = "week"
	// LayoutWeekend splits the week into midweek (Monday to Friday) and
	// weekend.
	LayoutWeekend Layout = "weekend"
	// LayoutMultiday starts a new range on every weekday that has bands.
	LayoutMultiday Layout = "multiday"
)

// ParseLayout validates a layout name. An empty name is LayoutWeek.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "":
		return LayoutWeek, nil
	case LayoutWeek, LayoutWeekend, LayoutMultiday:
		return Layout(s), nil
	}
	return "", configErrorf("unknown schedule type %q (available: week, weekend, multiday)", s)
}

const firstWeekendDay = 5

type dayRange struct {
	from, to int
	bands    []Band
}

// ranges returns the day-of-week ranges for a direction as seen on weekday.
func (l Layout) ranges(w *WeekSchedules, weekday int, dir types.Direction) ([]dayRange, error) {
	switch l {
	case LayoutWeek, "":
		bands := w.Get(weekday, dir)
		if len(bands) == 0 {
			return nil, &CompositionError{Msg: fmt.Sprintf("no %s bands for weekday %d", dir, weekday)}
		}
		return []dayRange{{from: 0, to: DaysInWeek - 1, bands: bands}}, nil
	case LayoutWeekend:
		return weekendRanges(w, weekday, dir)
	case LayoutMultiday:
		return multidayRanges(w, dir)
	}
	return nil, configErrorf("unknown schedule type %q", l)
}

func weekendRanges(w *WeekSchedules, weekday int, dir types.Direction) ([]dayRange, error) {
	firstIn := func(from, to int) []Band {
		if weekday >= from && weekday <= to {
			if bands := w.Get(weekday, dir); len(bands) > 0 {
				return bands
			}
		}
		for d := from; d <= to; d++ {
			if bands := w.Get(d, dir); len(bands) > 0 {
				return bands
			}
		}
		return nil
	}
	midweek := firstIn(0, firstWeekendDay-1)
	weekend := firstIn(firstWeekendDay, DaysInWeek-1)
	switch {
	case midweek != nil && weekend != nil:
		return []dayRange{
			{from: 0, to: firstWeekendDay - 1, bands: midweek},
			{from: firstWeekendDay, to: DaysInWeek - 1, bands: weekend},
		}, nil
	case midweek != nil:
		return []dayRange{{from: 0, to: DaysInWeek - 1, bands: midweek}}, nil
	case weekend != nil:
		return []dayRange{{from: 0, to: DaysInWeek - 1, bands: weekend}}, nil
	}
	return nil, &CompositionError{Msg: fmt.Sprintf("no %s bands for any weekday", dir)}
}

// multidayRanges closes the open range whenever another weekday with bands is
// found. Weekdays without bands extend the open range. Bands are never
// compared, so identical consecutive days still get separate ranges.
func multidayRanges(w *WeekSchedules, dir types.Direction) ([]dayRange, error) {
	var ranges []dayRange
	start := 0
	var last []Band
	for d := range DaysInWeek {
		bands := w.Get(d, dir)
		if len(bands) == 0 {
			continue
		}
		if last != nil {
			ranges = append(ranges, dayRange{from: start, to: d - 1, bands: last})
			start = d
		}
		last = bands
	}
	if last == nil {
		return nil, &CompositionError{Msg: fmt.Sprintf("no %s bands for any weekday", dir)}
	}
	return append(ranges, dayRange{from: start, to: DaysInWeek - 1, bands: last}), nil
}

// touPeriods converts ranges into per-band time-of-use periods in loc. Every
// band gets an entry even if it has no periods.
func touPeriods(ranges []dayRange, loc *time.Location) map[string][]types.TOUPeriod {
	tou := make(map[string][]types.TOUPeriod)
	for _, r := range ranges {
		for _, b := range r.bands {
			periods, ok := tou[b.Name()]
			if !ok {
				periods = []types.TOUPeriod{}
			}
			for _, p := range b.Periods() {
				start, end := p.Start.In(loc), p.End.In(loc)
				periods = append(periods, types.TOUPeriod{
					FromDayOfWeek: r.from,
					FromHour:      start.Hour(),
					FromMinute:    start.Minute(),
					ToDayOfWeek:   r.to,
					ToHour:        end.Hour(),
					ToMinute:      end.Minute(),
				})
			}
			tou[b.Name()] = periods
		}
	}
	return tou
}
