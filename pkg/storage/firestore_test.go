package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		siteID:    "test-site",
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, (&FirestoreProvider{}).Validate())
	})

	t.Run("Empty", func(t *testing.T) {
		week, err := f.GetWeekSchedules(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.WeekRecord{}, week)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		week := testWeek()
		require.NoError(t, f.SetWeekSchedules(ctx, week))
		got, err := f.GetWeekSchedules(ctx)
		require.NoError(t, err)
		assertWeekEqual(t, week, got)
	})
}

func TestParseDayKey(t *testing.T) {
	dir, weekday, ok := parseDayKey(dayKey(types.DirectionExport, 6))
	require.True(t, ok)
	assert.Equal(t, types.DirectionExport, dir)
	assert.Equal(t, 6, weekday)

	for _, id := range []string{"import", "import-7", "sideways-1", "export-x"} {
		_, _, ok := parseDayKey(id)
		assert.False(t, ok, id)
	}
}
