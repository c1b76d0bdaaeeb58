package tariff

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Band names the gateway understands, by number of bands.
const (
	SuperOffPeak = "SUPER_OFF_PEAK"
	OffPeak      = "OFF_PEAK"
	PartialPeak  = "PARTIAL_PEAK"
	OnPeak       = "ON_PEAK"
)

// DefaultChargeNames are used when no names are configured and the day has
// at most four bands.
var DefaultChargeNames = []string{SuperOffPeak, OffPeak, PartialPeak, OnPeak}

var defaultNamesByCount = map[int][]string{
	1: {PartialPeak},
	2: {OffPeak, OnPeak},
	3: {SuperOffPeak, OffPeak, OnPeak},
	4: DefaultChargeNames,
}

// Banding is the banding configuration of one direction.
type Banding struct {
	Strategy Strategy
	// Pricing holds either one pricing for every band or one per band, in
	// ascending price order. A day with fewer bands uses the lowest ones.
	Pricing []Pricing
	Names   []string

	// Plunge replaces any of the above on days with a negative price.
	Plunge *PlungeBanding
}

// PlungeBanding overrides parts of a Banding on plunge days. Nil or empty
// fields fall back to the normal configuration.
type PlungeBanding struct {
	Strategy Strategy
	Pricing  []Pricing
	Names    []string
}

// Validate checks the counts that can be known before any quote arrives.
func (b Banding) Validate() error {
	if err := checkCounts(b.Strategy, b.Pricing, b.Names); err != nil {
		return err
	}
	if b.Plunge != nil {
		p := b.forPlunge()
		if err := checkCounts(p.Strategy, p.Pricing, p.Names); err != nil {
			return fmt.Errorf("plunge: %w", err)
		}
	}
	return nil
}

func checkCounts(s Strategy, pricing []Pricing, names []string) error {
	if s == nil {
		return configErrorf("no banding strategy")
	}
	if len(pricing) == 0 {
		return configErrorf("no pricing configured")
	}
	n := s.BandCount()
	if n > 0 && len(pricing) > 1 && len(pricing) != n {
		return configErrorf("%d bands but %d pricings", n, len(pricing))
	}
	return nil
}

// forPlunge returns the configuration used on a day with a negative price.
func (b Banding) forPlunge() Banding {
	p := b
	p.Plunge = nil
	if b.Plunge == nil {
		return p
	}
	if b.Plunge.Strategy != nil {
		p.Strategy = b.Plunge.Strategy
	}
	if len(b.Plunge.Pricing) > 0 {
		p.Pricing = b.Plunge.Pricing
	}
	if len(b.Plunge.Names) > 0 {
		p.Names = b.Plunge.Names
	}
	return p
}

// IsPlunge returns true if any quote has a negative price.
func IsPlunge(quotes []types.Quote) bool {
	return slices.ContainsFunc(quotes, func(q types.Quote) bool {
		return q.Price.IsNegative()
	})
}

// BuildSchedules assigns every quote of a day to a band and returns the
// bands in ascending price order. It returns nil for a day without quotes.
func BuildSchedules(ctx context.Context, banding Banding, quotes []types.Quote, states StateReader) ([]*Schedule, error) {
	if len(quotes) == 0 {
		return nil, nil
	}
	if IsPlunge(quotes) {
		banding = banding.forPlunge()
	}
	if banding.Strategy == nil {
		return nil, configErrorf("no banding strategy")
	}
	assigners, err := banding.Strategy.Assigners(ctx, quotes, states)
	if err != nil {
		return nil, err
	}
	count := len(assigners)
	if len(banding.Pricing) == 0 {
		return nil, configErrorf("no pricing configured")
	}
	// jenks yields fewer bands than classes on days with few distinct prices
	if len(banding.Pricing) > 1 && len(banding.Pricing) < count {
		return nil, configErrorf("%d bands but %d pricings", count, len(banding.Pricing))
	}
	names := chargeNames(banding.Names, assigners)

	schedules := make([]*Schedule, count)
	for i, a := range assigners {
		pricing := banding.Pricing[0]
		if len(banding.Pricing) > 1 {
			pricing = banding.Pricing[i]
		}
		schedules[i] = NewSchedule(names[i], a, pricing.New())
	}

	for _, q := range quotes {
		s, ok := lo.Find(schedules, func(s *Schedule) bool {
			return s.Contains(q)
		})
		if !ok {
			return nil, configErrorf("price %s at %s matched no band", q.Price, q.Start)
		}
		s.Add(q)
	}
	return schedules, nil
}

// chargeNames picks a name for every assigner. Configured names come first;
// missing ones are filled from the defaults when there are at most four bands
// and from the assigners' own names otherwise.
func chargeNames(configured []string, assigners []Assigner) []string {
	count := len(assigners)
	if len(configured) >= count {
		return configured[:count]
	}
	if len(configured) == 0 {
		if names, ok := defaultNamesByCount[count]; ok {
			return slices.Clone(names)
		}
	}
	names := slices.Clone(configured)
	for _, a := range assigners[len(configured):] {
		names = append(names, a.Name())
	}
	return names
}

// Bands converts schedules into a band set, keeping nil as nil.
func Bands(schedules []*Schedule) []Band {
	if schedules == nil {
		return nil
	}
	return lo.Map(schedules, func(s *Schedule, _ int) Band {
		return s
	})
}
