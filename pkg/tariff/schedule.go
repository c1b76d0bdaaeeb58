package tariff

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Band is a named price band for one weekday and direction.
type Band interface {
	Name() string
	Periods() []types.Period
	Price() decimal.Decimal
}

// Schedule accumulates the quotes that fall into one band and merges
// consecutive quotes into periods.
type Schedule struct {
	name     string
	assigner Assigner
	agg      Aggregator

	periods []types.Period
	open    *types.Period
}

// NewSchedule returns an empty band.
func NewSchedule(name string, assigner Assigner, agg Aggregator) *Schedule {
	return &Schedule{name: name, assigner: assigner, agg: agg}
}

// Contains returns true if the quote's price belongs to this band.
func (s *Schedule) Contains(q types.Quote) bool {
	return s.assigner.Contains(q.Price)
}

// Add records a quote. A quote that does not start where the open period
// ends closes it and opens a new one.
func (s *Schedule) Add(q types.Quote) {
	if s.open != nil && s.open.End.Equal(q.Start) {
		s.open.End = q.End
	} else {
		s.closePeriod()
		s.open = &types.Period{Start: q.Start, End: q.End}
	}
	s.agg.Add(q.Price)
}

func (s *Schedule) closePeriod() {
	if s.open != nil {
		s.periods = append(s.periods, *s.open)
		s.open = nil
	}
}

func (s *Schedule) Name() string {
	return s.name
}

// Periods closes any open period and returns the merged periods.
func (s *Schedule) Periods() []types.Period {
	s.closePeriod()
	return slices.Clone(s.periods)
}

// Price is the aggregated price of the band.
func (s *Schedule) Price() decimal.Decimal {
	return s.agg.Value()
}

// Record returns the serialisable form of a band.
func Record(b Band) types.BandRecord {
	return types.BandRecord{
		Name:    b.Name(),
		Price:   b.Price(),
		Periods: b.Periods(),
	}
}

// Records converts a band set, keeping nil as nil.
func Records(bands []Band) []types.BandRecord {
	if bands == nil {
		return nil
	}
	records := make([]types.BandRecord, len(bands))
	for i, b := range bands {
		records[i] = Record(b)
	}
	return records
}

type recordBand struct {
	r types.BandRecord
}

func (b recordBand) Name() string {
	return b.r.Name
}

func (b recordBand) Periods() []types.Period {
	return slices.Clone(b.r.Periods)
}

func (b recordBand) Price() decimal.Decimal {
	return b.r.Price
}

// FromRecords restores a band set, keeping nil as nil.
func FromRecords(records []types.BandRecord) []Band {
	if records == nil {
		return nil
	}
	bands := make([]Band, len(records))
	for i, r := range records {
		bands[i] = recordBand{r: r}
	}
	return bands
}
