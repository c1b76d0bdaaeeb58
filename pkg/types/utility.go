package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the metering stream a quote belongs to.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
)

// Directions lists every metering direction in processing order.
var Directions = []Direction{DirectionImport, DirectionExport}

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionImport, DirectionExport:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction: %q", s)
}

// Slot identifies one of the three daily batches a rate feed delivers.
type Slot int

const (
	SlotPrevious Slot = iota
	SlotCurrent
	SlotNext
)

// Slots lists the batches in chronological order.
var Slots = [...]Slot{SlotPrevious, SlotCurrent, SlotNext}

func (s Slot) String() string {
	switch s {
	case SlotPrevious:
		return "previous day"
	case SlotCurrent:
		return "current day"
	case SlotNext:
		return "next day"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// ParseSlot accepts the short names used by the rate events ("previous",
// "current", "next").
func ParseSlot(s string) (Slot, error) {
	switch s {
	case "previous", "previous_day":
		return SlotPrevious, nil
	case "current", "current_day":
		return SlotCurrent, nil
	case "next", "next_day":
		return SlotNext, nil
	}
	return 0, fmt.Errorf("unknown rate slot: %q", s)
}

// Quote is the unit price of electricity for a half-open time interval.
type Quote struct {
	Start time.Time       `json:"start"`
	End   time.Time       `json:"end"`
	Price decimal.Decimal `json:"value_inc_vat"`
}

// Period is a half-open time interval that a band applies to.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BandRecord is the serialisable form of a priced band for one weekday.
type BandRecord struct {
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Periods []Period        `json:"periods"`
}

// WeekRecord holds the band sets of every weekday (Monday=0) for both
// directions. A nil entry means the weekday has no data.
type WeekRecord struct {
	Import [7][]BandRecord `json:"import"`
	Export [7][]BandRecord `json:"export"`
}

// Day returns the band set of a weekday for a direction.
func (w *WeekRecord) Day(dir Direction, weekday int) []BandRecord {
	if dir == DirectionExport {
		return w.Export[weekday]
	}
	return w.Import[weekday]
}

// SetDay replaces the band set of a weekday for a direction.
func (w *WeekRecord) SetDay(dir Direction, weekday int, bands []BandRecord) {
	if dir == DirectionExport {
		w.Export[weekday] = bands
	} else {
		w.Import[weekday] = bands
	}
}
