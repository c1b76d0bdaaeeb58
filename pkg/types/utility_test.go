package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlot(t *testing.T) {
	for in, want := range map[string]Slot{
		"previous":     SlotPrevious,
		"current_day":  SlotCurrent,
		"next":         SlotNext,
		"previous_day": SlotPrevious,
	} {
		got, err := ParseSlot(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSlot("tomorrow")
	assert.Error(t, err)

	assert.Equal(t, "next day", SlotNext.String())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("export")
	require.NoError(t, err)
	assert.Equal(t, DirectionExport, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestQuoteJSON(t *testing.T) {
	var q Quote
	err := json.Unmarshal([]byte(`{"start":"2023-12-27T00:00:00Z","end":"2023-12-27T00:30:00Z","value_inc_vat":0.12012}`), &q)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 12, 27, 0, 0, 0, 0, time.UTC), q.Start.UTC())
	assert.Equal(t, 30*time.Minute, q.End.Sub(q.Start))
	assert.True(t, decimal.RequireFromString("0.12012").Equal(q.Price))
}

func TestWeekRecord(t *testing.T) {
	var w WeekRecord
	bands := []BandRecord{{Name: "OFF_PEAK", Price: decimal.NewFromFloat(0.1)}}
	w.SetDay(DirectionExport, 3, bands)
	assert.Equal(t, bands, w.Day(DirectionExport, 3))
	assert.Nil(t, w.Day(DirectionImport, 3))
}
