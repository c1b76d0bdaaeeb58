package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pulquero/agile-powerwall/pkg/storage"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetWeekSchedules(ctx context.Context) (types.WeekRecord, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.WeekRecord), args.Error(1)
	}
	return types.WeekRecord{}, nil
}

func (m *MockDatabase) SetWeekSchedules(ctx context.Context, week types.WeekRecord) error {
	args := m.Called(ctx, week)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
