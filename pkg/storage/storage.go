package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Database persists the week store so the bands of earlier weekdays survive
// a restart.
type Database interface {
	// GetWeekSchedules returns the stored week. Weekdays that were never
	// stored are nil.
	GetWeekSchedules(ctx context.Context) (types.WeekRecord, error)

	// SetWeekSchedules replaces the stored week.
	SetWeekSchedules(ctx context.Context, week types.WeekRecord) error

	// Lifecycle
	Close() error
}

// dayKey identifies one weekday of one direction, e.g. "import-0".
func dayKey(dir types.Direction, weekday int) string {
	return fmt.Sprintf("%s-%d", dir, weekday)
}

func encodeDay(bands []types.BandRecord) (string, error) {
	b, err := json.Marshal(bands)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bands: %w", err)
	}
	return string(b), nil
}

func decodeDay(raw string) ([]types.BandRecord, error) {
	var bands []types.BandRecord
	if err := json.Unmarshal([]byte(raw), &bands); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bands: %w", err)
	}
	return bands, nil
}

// None doesn't persist anything.
type None struct{}

// GetWeekSchedules implements Database.
func (None) GetWeekSchedules(ctx context.Context) (types.WeekRecord, error) {
	return types.WeekRecord{}, nil
}

// SetWeekSchedules implements Database.
func (None) SetWeekSchedules(ctx context.Context, week types.WeekRecord) error {
	return nil
}

// Close implements Database.
func (None) Close() error {
	return nil
}
