package tariff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

var fixtureDay = civil.Date{Year: 2023, Month: time.December, Day: 27}

func london(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return loc
}

// halfHours returns contiguous half-hour quotes starting at start.
func halfHours(start time.Time, prices ...string) []types.Quote {
	quotes := make([]types.Quote, len(prices))
	for i, p := range prices {
		s := start.Add(time.Duration(i) * SlotWidth)
		quotes[i] = types.Quote{Start: s, End: s.Add(SlotWidth), Price: decimal.RequireFromString(p)}
	}
	return quotes
}

func repeat(price string, n int) []string {
	prices := make([]string, n)
	for i := range prices {
		prices[i] = price
	}
	return prices
}

type rateFixture struct {
	Previous []types.Quote `json:"previous"`
	Current  []types.Quote `json:"current"`
	Next     []types.Quote `json:"next"`
}

func loadWindow(t *testing.T, name string, dir types.Direction, loc *time.Location) *RateWindow {
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	var f rateFixture
	require.NoError(t, json.Unmarshal(raw, &f))

	w := NewRateWindow(dir, loc)
	require.NoError(t, w.Update(types.SlotPrevious, fixtureDay, "E-1R-AGILE-FLEX-22-11-25-C", f.Previous))
	require.NoError(t, w.Update(types.SlotCurrent, fixtureDay, "E-1R-AGILE-FLEX-22-11-25-C", f.Current))
	require.NoError(t, w.Update(types.SlotNext, fixtureDay, "E-1R-AGILE-FLEX-22-11-25-C", f.Next))
	return w
}

func assertCovers(t *testing.T, quotes []types.Quote, start, end time.Time) {
	t.Helper()
	require.NotEmpty(t, quotes)
	assert.True(t, quotes[0].Start.Equal(start), "first quote starts at %s", quotes[0].Start)
	assert.True(t, quotes[len(quotes)-1].End.Equal(end), "last quote ends at %s", quotes[len(quotes)-1].End)
	for i := 1; i < len(quotes); i++ {
		assert.True(t, quotes[i-1].End.Equal(quotes[i].Start), "gap before quote %d", i)
	}
}

func TestRateWindowValidate(t *testing.T) {
	day := civil.Date{Year: 2024, Month: time.January, Day: 10}
	yesterday := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	today := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		err := w.Validate()
		var re *ReadinessError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []types.Slot{types.SlotPrevious, types.SlotCurrent, types.SlotNext}, re.Pending)
		assert.Equal(t, KindReadiness, Classify(err))
	})

	t.Run("ready", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotPrevious, day, "A", halfHours(yesterday, repeat("0.1", 48)...)))
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", halfHours(tomorrow, repeat("0.3", 46)...)))
		assert.NoError(t, w.Validate())
		assert.Equal(t, "A", w.TariffCode())
	})

	t.Run("next day not published yet", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotPrevious, day, "A", halfHours(yesterday, repeat("0.1", 48)...)))
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", nil))
		assert.NoError(t, w.Validate())
	})

	t.Run("stale batch", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotPrevious, day.AddDays(-1), "A", halfHours(yesterday, repeat("0.1", 48)...)))
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", nil))
		err := w.Validate()
		var re *ReadinessError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []types.Slot{types.SlotPrevious}, re.Pending)
		assert.Empty(t, re.Gaps)
		assert.Contains(t, err.Error(), "waiting for previous day rates")
	})

	t.Run("gap between batches", func(t *testing.T) {
		w := NewRateWindow(types.DirectionExport, time.UTC)
		require.NoError(t, w.Update(types.SlotPrevious, day, "A", halfHours(yesterday, repeat("0.1", 47)...)))
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", nil))
		err := w.Validate()
		var re *ReadinessError
		require.ErrorAs(t, err, &re)
		assert.Empty(t, re.Pending)
		require.Len(t, re.Gaps, 1)
		assert.Contains(t, re.Gaps[0], "previous day rates end at 2024-01-09T23:30:00Z")
		assert.Contains(t, err.Error(), "export: ")
	})

	t.Run("gap checked while partially updated", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", halfHours(tomorrow.Add(SlotWidth), repeat("0.3", 4)...)))
		err := w.Validate()
		var re *ReadinessError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []types.Slot{types.SlotPrevious}, re.Pending)
		assert.Len(t, re.Gaps, 1)
	})

	t.Run("reset", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotPrevious, day, "A", halfHours(yesterday, repeat("0.1", 48)...)))
		require.NoError(t, w.Update(types.SlotCurrent, day, "A", halfHours(today, repeat("0.2", 48)...)))
		require.NoError(t, w.Update(types.SlotNext, day, "A", nil))
		require.NoError(t, w.Validate())

		w.Reset()
		var re *ReadinessError
		require.ErrorAs(t, w.Validate(), &re)
		assert.Len(t, re.Pending, 3)
		assert.True(t, w.HasData())
		assert.Len(t, w.Day(day), 48)
	})
}

func TestRateWindowUpdate(t *testing.T) {
	day := civil.Date{Year: 2024, Month: time.January, Day: 10}
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	t.Run("sorts quotes", func(t *testing.T) {
		quotes := halfHours(start, "0.1", "0.2", "0.3")
		reversed := []types.Quote{quotes[2], quotes[1], quotes[0]}
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotCurrent, day, "", reversed))
		got := w.Day(day)
		assert.True(t, got[0].Price.Equal(decimal.RequireFromString("0.1")))
		assertCovers(t, got, start, start.Add(24*time.Hour))
	})

	t.Run("rejects holes", func(t *testing.T) {
		quotes := halfHours(start, "0.1", "0.2", "0.3")
		w := NewRateWindow(types.DirectionImport, time.UTC)
		err := w.Update(types.SlotCurrent, day, "", []types.Quote{quotes[0], quotes[2]})
		assert.ErrorContains(t, err, "not contiguous")
	})

	t.Run("rejects empty interval", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		err := w.Update(types.SlotCurrent, day, "", []types.Quote{{Start: start, End: start}})
		assert.Error(t, err)
	})

	t.Run("rejects bad slot", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		assert.Error(t, w.Update(types.Slot(5), day, "", nil))
		assert.Error(t, w.Update(types.SlotNext, civil.Date{}, "", nil))
	})
}

func TestRateWindowDay(t *testing.T) {
	t.Run("fixture pads the evening", func(t *testing.T) {
		loc := london(t)
		w := loadWindow(t, "import_rates.json", types.DirectionImport, loc)
		require.NoError(t, w.Validate())

		quotes := w.Day(fixtureDay)
		require.Len(t, quotes, 48)
		assertCovers(t, quotes, fixtureDay.In(loc), fixtureDay.AddDays(1).In(loc))
		// the last published price is repeated for the missing hour
		assert.True(t, quotes[45].Price.Equal(quotes[46].Price))
		assert.True(t, quotes[45].Price.Equal(quotes[47].Price))
	})

	t.Run("pads the morning", func(t *testing.T) {
		day := civil.Date{Year: 2024, Month: time.January, Day: 10}
		start := time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC)
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotCurrent, day, "", halfHours(start, repeat("0.25", 44)...)))

		quotes := w.Day(day)
		require.Len(t, quotes, 48)
		assertCovers(t, quotes, day.In(time.UTC), day.AddDays(1).In(time.UTC))
		for _, q := range quotes[:4] {
			assert.True(t, q.Price.Equal(decimal.RequireFromString("0.25")))
		}
	})

	t.Run("spring forward day", func(t *testing.T) {
		loc := london(t)
		day := civil.Date{Year: 2024, Month: time.March, Day: 31}
		// 00:00 GMT to 22:00 GMT, the day ends at 23:00 GMT
		start := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
		w := NewRateWindow(types.DirectionImport, loc)
		require.NoError(t, w.Update(types.SlotCurrent, day, "", halfHours(start, repeat("0.2", 44)...)))

		quotes := w.Day(day)
		require.Len(t, quotes, 46)
		assertCovers(t, quotes, start, time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC))
	})

	t.Run("fall back day", func(t *testing.T) {
		loc := london(t)
		day := civil.Date{Year: 2024, Month: time.October, Day: 27}
		start := time.Date(2024, 10, 26, 23, 0, 0, 0, time.UTC)
		w := NewRateWindow(types.DirectionImport, loc)
		require.NoError(t, w.Update(types.SlotCurrent, day, "", halfHours(start, repeat("0.2", 10)...)))

		quotes := w.Day(day)
		require.Len(t, quotes, 50)
		assertCovers(t, quotes, start, time.Date(2024, 10, 28, 0, 0, 0, 0, time.UTC))
	})

	t.Run("clamps off-grid quotes", func(t *testing.T) {
		day := civil.Date{Year: 2024, Month: time.January, Day: 10}
		start := time.Date(2024, 1, 10, 0, 15, 0, 0, time.UTC)
		w := NewRateWindow(types.DirectionImport, time.UTC)
		require.NoError(t, w.Update(types.SlotCurrent, day, "", halfHours(start, "0.1", "0.2")))

		quotes := w.Day(day)
		assertCovers(t, quotes, day.In(time.UTC), day.AddDays(1).In(time.UTC))
		assert.Equal(t, 15*time.Minute, quotes[0].End.Sub(quotes[0].Start))
	})

	t.Run("no quotes in day", func(t *testing.T) {
		w := NewRateWindow(types.DirectionImport, time.UTC)
		assert.Nil(t, w.Day(fixtureDay))
		assert.False(t, w.HasData())
	})
}
