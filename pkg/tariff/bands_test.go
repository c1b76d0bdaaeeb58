package tariff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

type fakeStates struct {
	states     map[string]string
	attributes map[string]map[string]any
}

func (f fakeStates) State(_ context.Context, entityID string) (string, error) {
	s, ok := f.states[entityID]
	if !ok {
		return "", errors.New("not found")
	}
	return s, nil
}

func (f fakeStates) StateAttribute(_ context.Context, entityID, attribute string) (any, error) {
	attrs, ok := f.attributes[entityID]
	if !ok {
		return nil, errors.New("not found")
	}
	return attrs[attribute], nil
}

var bandStart = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func thresholdValues(t *testing.T, exprs []string, quotes []types.Quote, states StateReader) []string {
	t.Helper()
	s, err := ParseStrategy("", exprs, 0)
	require.NoError(t, err)
	assigners, err := s.Assigners(context.Background(), quotes, states)
	require.NoError(t, err)
	return lo.Map(assigners, func(a Assigner, _ int) string {
		return a.Name()
	})
}

func TestThresholds(t *testing.T) {
	quotes := halfHours(bandStart, "0.3", "0.1", "0.2", "0.4")

	t.Run("literal thresholds are sorted", func(t *testing.T) {
		names := thresholdValues(t, []string{"0.30", "0.10", "0.2"}, quotes, nil)
		assert.Equal(t, []string{"[-, 0.1)", "[0.1, 0.2)", "[0.2, 0.3)", "[0.3, -)"}, names)
	})

	t.Run("lowest adds the exclusive offset", func(t *testing.T) {
		assert.Equal(t, []string{"[-, 0.200001)", "[0.200001, -)"}, thresholdValues(t, []string{"lowest(1)"}, quotes, nil))
		// 1.25 hours rounds half to even
		assert.Equal(t, []string{"[-, 0.200001)", "[0.200001, -)"}, thresholdValues(t, []string{"lowest(1.25)"}, quotes, nil))
		assert.Equal(t, []string{"[-, 0.100001)", "[0.100001, -)"}, thresholdValues(t, []string{"lowest(0.5)"}, quotes, nil))
	})

	t.Run("lowest beyond the day uses the last price", func(t *testing.T) {
		assert.Equal(t, []string{"[-, 0.400001)", "[0.400001, -)"}, thresholdValues(t, []string{"lowest(10)"}, quotes, nil))
	})

	t.Run("highest has no offset", func(t *testing.T) {
		assert.Equal(t, []string{"[-, 0.3)", "[0.3, -)"}, thresholdValues(t, []string{"highest(1)"}, quotes, nil))
		assert.Equal(t, []string{"[-, 0.1)", "[0.1, -)"}, thresholdValues(t, []string{"highest(24)"}, quotes, nil))
	})

	t.Run("boundary slot classification", func(t *testing.T) {
		cheap, err := ParseStrategy("", []string{"lowest(1)"}, 0)
		require.NoError(t, err)
		a, err := cheap.Assigners(context.Background(), quotes, nil)
		require.NoError(t, err)
		// the second cheapest price stays in the cheap band
		assert.True(t, a[0].Contains(d("0.2")))

		expensive, err := ParseStrategy("", []string{"highest(1)"}, 0)
		require.NoError(t, err)
		a, err = expensive.Assigners(context.Background(), quotes, nil)
		require.NoError(t, err)
		// the second most expensive price is in the expensive band
		assert.True(t, a[1].Contains(d("0.3")))
	})

	t.Run("states", func(t *testing.T) {
		states := fakeStates{
			states: map[string]string{"input_number.cheap": "0.15"},
			attributes: map[string]map[string]any{
				"sensor.octopus": {"limit": 0.25, "text": "0.35"},
			},
		}
		names := thresholdValues(t, []string{"states(input_number.cheap)", "state_attr(sensor.octopus, limit)", "state_attr(sensor.octopus, text)"}, quotes, states)
		assert.Equal(t, []string{"[-, 0.15)", "[0.15, 0.25)", "[0.25, 0.35)", "[0.35, -)"}, names)
	})

	t.Run("state errors", func(t *testing.T) {
		s, err := ParseStrategy("", []string{"states(input_number.missing)"}, 0)
		require.NoError(t, err)
		_, err = s.Assigners(context.Background(), quotes, fakeStates{})
		assert.ErrorContains(t, err, "input_number.missing")

		_, err = s.Assigners(context.Background(), quotes, nil)
		assert.Equal(t, KindConfiguration, Classify(err))

		s, err = ParseStrategy("", []string{"states(input_text.word)"}, 0)
		require.NoError(t, err)
		_, err = s.Assigners(context.Background(), quotes, fakeStates{states: map[string]string{"input_text.word": "cheap"}})
		assert.ErrorContains(t, err, "not a number")
	})

	t.Run("invalid expressions", func(t *testing.T) {
		for _, expr := range []string{"cheapest(2)", "lowest(0)", "lowest(x)", "lowest(1, 2)", "state_attr(sensor.a)"} {
			_, err := ParseThreshold(expr)
			require.Error(t, err, expr)
			assert.Equal(t, KindConfiguration, Classify(err), expr)
		}
	})
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("jenks", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, JenksStrategy{Classes: 4}, s)

	s, err = ParseStrategy("individual", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.BandCount())

	_, err = ParseStrategy("kmeans", nil, 0)
	assert.Error(t, err)

	_, err = ParseStrategy("", nil, 0)
	assert.Error(t, err)
}

func TestIndividualStrategy(t *testing.T) {
	quotes := halfHours(bandStart, "0.20", "0.1", "0.2", "0.30", "0.1")
	assigners, err := IndividualStrategy{}.Assigners(context.Background(), quotes, nil)
	require.NoError(t, err)
	names := lo.Map(assigners, func(a Assigner, _ int) string { return a.Name() })
	assert.Equal(t, []string{"0.1", "0.2", "0.3"}, names)
	assert.True(t, assigners[1].Contains(d("0.20")))
	assert.False(t, assigners[1].Contains(d("0.21")))
}

func TestJenksStrategy(t *testing.T) {
	t.Run("clusters", func(t *testing.T) {
		quotes := halfHours(bandStart, "1", "5", "10", "1", "20", "5", "10", "1", "5", "10")
		assigners, err := JenksStrategy{Classes: 4}.Assigners(context.Background(), quotes, nil)
		require.NoError(t, err)
		names := lo.Map(assigners, func(a Assigner, _ int) string { return a.Name() })
		assert.Equal(t, []string{"[-, 1.000001)", "[1.000001, 5.000001)", "[5.000001, 10.000001)", "[10.000001, -)"}, names)
	})

	t.Run("fewer prices than classes", func(t *testing.T) {
		quotes := halfHours(bandStart, "0.1", "0.3", "0.1")
		assigners, err := JenksStrategy{Classes: 4}.Assigners(context.Background(), quotes, nil)
		require.NoError(t, err)
		assert.Len(t, assigners, 2)
	})

	t.Run("single price", func(t *testing.T) {
		quotes := halfHours(bandStart, "0.1", "0.1")
		assigners, err := JenksStrategy{Classes: 4}.Assigners(context.Background(), quotes, nil)
		require.NoError(t, err)
		assert.Len(t, assigners, 1)
	})
}

func TestBuildSchedules(t *testing.T) {
	ctx := context.Background()
	average := []Pricing{MustParsePricing("average")}

	t.Run("merges consecutive quotes", func(t *testing.T) {
		quotes := halfHours(bandStart, "0.05", "0.06", "0.25", "0.26", "0.07", "0.3")
		s, err := ParseStrategy("", []string{"0.1"}, 0)
		require.NoError(t, err)
		schedules, err := BuildSchedules(ctx, Banding{Strategy: s, Pricing: average}, quotes, nil)
		require.NoError(t, err)
		require.Len(t, schedules, 2)

		assert.Equal(t, OffPeak, schedules[0].Name())
		assert.Equal(t, OnPeak, schedules[1].Name())
		assert.Equal(t, []types.Period{
			{Start: bandStart, End: bandStart.Add(time.Hour)},
			{Start: bandStart.Add(2 * time.Hour), End: bandStart.Add(150 * time.Minute)},
		}, schedules[0].Periods())
		// periods are idempotent
		assert.Len(t, schedules[0].Periods(), 2)
		assertDecimal(t, "0.06", schedules[0].Price())
		assertDecimal(t, "0.27", schedules[1].Price())
	})

	t.Run("every quote lands in exactly one band", func(t *testing.T) {
		loc := london(t)
		quotes := loadWindow(t, "import_rates.json", types.DirectionImport, loc).Day(fixtureDay)
		strategies := map[string]Strategy{
			"individual": IndividualStrategy{},
			"jenks":      JenksStrategy{Classes: 4},
			"lowest":     ThresholdStrategy{Thresholds: []Threshold{lo.Must(ParseThreshold("lowest(3)")), lo.Must(ParseThreshold("highest(2)"))}},
		}
		for name, s := range strategies {
			assigners, err := s.Assigners(ctx, quotes, nil)
			require.NoError(t, err, name)
			for _, q := range quotes {
				matches := lo.CountBy(assigners, func(a Assigner) bool {
					return a.Contains(q.Price)
				})
				assert.Equal(t, 1, matches, "%s: %s", name, q.Price)
			}
			schedules, err := BuildSchedules(ctx, Banding{Strategy: s, Pricing: average}, quotes, nil)
			require.NoError(t, err, name)
			var covered time.Duration
			for _, s := range schedules {
				for _, p := range s.Periods() {
					covered += p.End.Sub(p.Start)
				}
			}
			assert.Equal(t, 24*time.Hour, covered, name)
		}
	})

	t.Run("pricing per band", func(t *testing.T) {
		quotes := halfHours(bandStart, "0.05", "0.25")
		s, err := ParseStrategy("", []string{"0.1"}, 0)
		require.NoError(t, err)
		banding := Banding{Strategy: s, Pricing: []Pricing{MustParsePricing("fixed(0)"), MustParsePricing("maximum")}}
		require.NoError(t, banding.Validate())
		schedules, err := BuildSchedules(ctx, banding, quotes, nil)
		require.NoError(t, err)
		assertDecimal(t, "0", schedules[0].Price())
		assertDecimal(t, "0.25", schedules[1].Price())
	})

	t.Run("pricing count mismatch", func(t *testing.T) {
		s, err := ParseStrategy("", []string{"0.1", "0.2"}, 0)
		require.NoError(t, err)
		banding := Banding{Strategy: s, Pricing: []Pricing{MustParsePricing("average"), MustParsePricing("maximum")}}
		assert.Equal(t, KindConfiguration, Classify(banding.Validate()))

		_, err = BuildSchedules(ctx, banding, halfHours(bandStart, "0.1"), nil)
		assert.Equal(t, KindConfiguration, Classify(err))

		// individual bands are only counted once quotes arrive
		banding.Strategy = IndividualStrategy{}
		require.NoError(t, banding.Validate())
		_, err = BuildSchedules(ctx, banding, halfHours(bandStart, "0.1", "0.2", "0.3"), nil)
		assert.Equal(t, KindConfiguration, Classify(err))
	})

	t.Run("jenks day with few distinct prices", func(t *testing.T) {
		banding := Banding{
			Strategy: JenksStrategy{Classes: 4},
			Pricing: []Pricing{
				MustParsePricing("fixed(0)"),
				MustParsePricing("average"),
				MustParsePricing("maximum"),
				MustParsePricing("maximum"),
			},
		}
		require.NoError(t, banding.Validate())

		schedules, err := BuildSchedules(ctx, banding, halfHours(bandStart, "0.2", "0.1", "0.2", "0.1"), nil)
		require.NoError(t, err)
		require.Len(t, schedules, 2)
		assertDecimal(t, "0", schedules[0].Price())
		assertDecimal(t, "0.2", schedules[1].Price())
		assert.Equal(t, OffPeak, schedules[0].Name())
		assert.Equal(t, OnPeak, schedules[1].Name())

		schedules, err = BuildSchedules(ctx, banding, halfHours(bandStart, "0.15", "0.15"), nil)
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		assertDecimal(t, "0", schedules[0].Price())
	})

	t.Run("names", func(t *testing.T) {
		quotes := halfHours(bandStart, "0.05", "0.15", "0.25", "0.35", "0.45", "0.55")
		s, err := ParseStrategy("", []string{"0.1", "0.2", "0.3", "0.4", "0.5"}, 0)
		require.NoError(t, err)

		schedules, err := BuildSchedules(ctx, Banding{Strategy: s, Pricing: average}, quotes, nil)
		require.NoError(t, err)
		assert.Equal(t, "[-, 0.1)", schedules[0].Name())
		assert.Equal(t, "[0.5, -)", schedules[5].Name())

		schedules, err = BuildSchedules(ctx, Banding{Strategy: s, Pricing: average, Names: []string{"CHEAP", "NORMAL"}}, quotes, nil)
		require.NoError(t, err)
		names := lo.Map(schedules, func(s *Schedule, _ int) string { return s.Name() })
		assert.Equal(t, []string{"CHEAP", "NORMAL", "[0.2, 0.3)", "[0.3, 0.4)", "[0.4, 0.5)", "[0.5, -)"}, names)

		s, err = ParseStrategy("", []string{"0.1", "0.2"}, 0)
		require.NoError(t, err)
		schedules, err = BuildSchedules(ctx, Banding{Strategy: s, Pricing: average}, quotes, nil)
		require.NoError(t, err)
		names = lo.Map(schedules, func(s *Schedule, _ int) string { return s.Name() })
		assert.Equal(t, []string{SuperOffPeak, OffPeak, OnPeak}, names)
	})

	t.Run("plunge override", func(t *testing.T) {
		normal, err := ParseStrategy("", []string{"0.1", "0.2", "0.3"}, 0)
		require.NoError(t, err)
		plunge, err := ParseStrategy("", []string{"0"}, 0)
		require.NoError(t, err)
		banding := Banding{
			Strategy: normal,
			Pricing:  average,
			Plunge: &PlungeBanding{
				Strategy: plunge,
				Pricing:  []Pricing{MustParsePricing("minimum"), MustParsePricing("average")},
				Names:    []string{"PLUNGE", "NORMAL"},
			},
		}
		require.NoError(t, banding.Validate())

		schedules, err := BuildSchedules(ctx, banding, halfHours(bandStart, "0.05", "0.15", "0.25", "0.35"), nil)
		require.NoError(t, err)
		assert.Len(t, schedules, 4)

		schedules, err = BuildSchedules(ctx, banding, halfHours(bandStart, "-0.05", "0.15", "0.25", "0.35"), nil)
		require.NoError(t, err)
		require.Len(t, schedules, 2)
		assert.Equal(t, "PLUNGE", schedules[0].Name())
		assertDecimal(t, "0", schedules[0].Price())
		assertDecimal(t, "0.25", schedules[1].Price())
	})

	t.Run("plunge keeps the configured names", func(t *testing.T) {
		normal, err := ParseStrategy("", []string{"0.1", "0.2", "0.3"}, 0)
		require.NoError(t, err)
		plunge, err := ParseStrategy("", []string{"0", "0.2", "0.3"}, 0)
		require.NoError(t, err)
		banding := Banding{
			Strategy: normal,
			Pricing:  average,
			Names:    []string{"A", "B", "C", "D"},
			Plunge:   &PlungeBanding{Strategy: plunge},
		}
		require.NoError(t, banding.Validate())

		schedules, err := BuildSchedules(ctx, banding, halfHours(bandStart, "-0.05", "0.15", "0.25", "0.35"), nil)
		require.NoError(t, err)
		names := lo.Map(schedules, func(s *Schedule, _ int) string { return s.Name() })
		assert.Equal(t, []string{"A", "B", "C", "D"}, names)
		assertDecimal(t, "-0.05", schedules[0].Price())
	})

	t.Run("plunge falls back to the normal strategy", func(t *testing.T) {
		normal, err := ParseStrategy("", []string{"0.1"}, 0)
		require.NoError(t, err)
		banding := Banding{
			Strategy: normal,
			Pricing:  average,
			Plunge:   &PlungeBanding{Pricing: []Pricing{MustParsePricing("nonNegativeAverage")}},
		}
		schedules, err := BuildSchedules(ctx, banding, halfHours(bandStart, "-0.1", "0.05", "0.2"), nil)
		require.NoError(t, err)
		assertDecimal(t, "0.025", schedules[0].Price())
	})

	t.Run("empty day", func(t *testing.T) {
		schedules, err := BuildSchedules(ctx, Banding{Strategy: IndividualStrategy{}, Pricing: average}, nil, nil)
		require.NoError(t, err)
		assert.Nil(t, schedules)
		assert.Nil(t, Bands(schedules))
	})
}

func TestRecords(t *testing.T) {
	s := NewSchedule(OffPeak, rangeAssigner{}, MustParsePricing("average").New())
	for _, q := range halfHours(bandStart, "0.1", "0.3") {
		s.Add(q)
	}
	records := Records([]Band{s})
	require.Len(t, records, 1)
	assert.Equal(t, OffPeak, records[0].Name)
	assertDecimal(t, "0.2", records[0].Price)

	bands := FromRecords(records)
	assert.Equal(t, OffPeak, bands[0].Name())
	assert.Equal(t, s.Periods(), bands[0].Periods())
	assert.True(t, decimal.NewFromFloat(0.2).Equal(bands[0].Price()))
	assert.Nil(t, FromRecords(nil))
}
