package tariff

import (
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/civil"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// SlotWidth is the granularity of padded quotes.
const SlotWidth = 30 * time.Minute

type batch struct {
	quotes     []types.Quote
	tariffCode string
	updated    civil.Date
}

// RateWindow holds the previous, current and next day batches of quotes for
// one direction. It is not safe for concurrent use.
type RateWindow struct {
	direction types.Direction
	loc       *time.Location
	batches   [len(types.Slots)]batch
}

// NewRateWindow returns an empty window whose days are computed in loc.
func NewRateWindow(dir types.Direction, loc *time.Location) *RateWindow {
	if loc == nil {
		loc = time.UTC
	}
	return &RateWindow{direction: dir, loc: loc}
}

// Update replaces the batch in slot and stamps it with date. Quotes are
// sorted by start and must be contiguous.
func (w *RateWindow) Update(slot types.Slot, date civil.Date, tariffCode string, quotes []types.Quote) error {
	if slot < types.SlotPrevious || slot > types.SlotNext {
		return fmt.Errorf("invalid slot: %d", slot)
	}
	if !date.IsValid() {
		return fmt.Errorf("invalid update date: %s", date)
	}
	sorted := slices.Clone(quotes)
	slices.SortFunc(sorted, func(a, b types.Quote) int {
		return a.Start.Compare(b.Start)
	})
	for i, q := range sorted {
		if !q.Start.Before(q.End) {
			return fmt.Errorf("quote starting %s does not end after it starts", q.Start.Format(time.RFC3339))
		}
		if i > 0 && !sorted[i-1].End.Equal(q.Start) {
			return fmt.Errorf("%s rates are not contiguous at %s", slot, q.Start.Format(time.RFC3339))
		}
	}
	w.batches[slot] = batch{
		quotes:     sorted,
		tariffCode: tariffCode,
		updated:    date,
	}
	return nil
}

// Validate returns a *ReadinessError unless all three batches were updated on
// the same date and neighbouring batches meet exactly.
func (w *RateWindow) Validate() error {
	err := &ReadinessError{Direction: w.direction}
	for i, b := range w.batches {
		if !b.updated.IsValid() {
			err.Pending = append(err.Pending, types.Slot(i))
			continue
		}
		for j, other := range w.batches {
			if j != i && other.updated.IsValid() && b.updated.Before(other.updated) {
				err.Pending = append(err.Pending, types.Slot(i))
				break
			}
		}
	}
	for i := 1; i < len(w.batches); i++ {
		prev, cur := w.batches[i-1].quotes, w.batches[i].quotes
		if len(prev) == 0 || len(cur) == 0 {
			continue
		}
		end, start := prev[len(prev)-1].End, cur[0].Start
		if !end.Equal(start) {
			err.Gaps = append(err.Gaps, fmt.Sprintf(
				"%s rates end at %s but %s rates start at %s",
				types.Slot(i-1), end.Format(time.RFC3339), types.Slot(i), start.Format(time.RFC3339),
			))
		}
	}
	if len(err.Pending) > 0 || len(err.Gaps) > 0 {
		return err
	}
	return nil
}

// Day returns the quotes that fall entirely within the local calendar day,
// padded at either end by repeating the boundary price in SlotWidth steps so
// the result spans the whole day. It returns nil if no quote falls in the day.
func (w *RateWindow) Day(day civil.Date) []types.Quote {
	dayStart := day.In(w.loc)
	dayEnd := day.AddDays(1).In(w.loc)

	var quotes []types.Quote
	for _, b := range w.batches {
		for _, q := range b.quotes {
			if !q.Start.Before(dayStart) && !q.End.After(dayEnd) {
				quotes = append(quotes, q)
			}
		}
	}
	if len(quotes) == 0 {
		return nil
	}

	var head []types.Quote
	first := quotes[0]
	for first.Start.After(dayStart) {
		start := first.Start.Add(-SlotWidth)
		if start.Before(dayStart) {
			start = dayStart
		}
		first = types.Quote{Start: start, End: first.Start, Price: first.Price}
		head = append(head, first)
	}
	slices.Reverse(head)

	last := quotes[len(quotes)-1]
	for last.End.Before(dayEnd) {
		end := last.End.Add(SlotWidth)
		if end.After(dayEnd) {
			end = dayEnd
		}
		last = types.Quote{Start: last.End, End: end, Price: last.Price}
		quotes = append(quotes, last)
	}
	return append(head, quotes...)
}

// Reset clears the freshness tags so every batch must be updated again before
// the window validates. The quotes are kept.
func (w *RateWindow) Reset() {
	for i := range w.batches {
		w.batches[i].updated = civil.Date{}
	}
}

// HasData returns true if any batch holds quotes.
func (w *RateWindow) HasData() bool {
	for _, b := range w.batches {
		if len(b.quotes) > 0 {
			return true
		}
	}
	return false
}

// TariffCode returns the tariff code of the current day batch.
func (w *RateWindow) TariffCode() string {
	return w.batches[types.SlotCurrent].tariffCode
}
