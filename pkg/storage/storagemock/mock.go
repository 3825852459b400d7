package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

type MockStatistics struct {
	mock.Mock
}

var _ storage.Statistics = (*MockStatistics)(nil)

func (m *MockStatistics) LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, statisticID, n)
	if len(args) > 0 {
		points, _ := args.Get(0).([]types.StatisticPoint)
		return points, args.Error(1)
	}
	return nil, nil
}

func (m *MockStatistics) StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, statisticID, start, end, fields)
	if len(args) > 0 {
		points, _ := args.Get(0).([]types.StatisticPoint)
		return points, args.Error(1)
	}
	return nil, nil
}

func (m *MockStatistics) GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error) {
	args := m.Called(ctx, statisticID)
	if len(args) > 0 {
		meta, _ := args.Get(0).(*types.StatisticMetadata)
		return meta, args.Error(1)
	}
	return nil, nil
}

func (m *MockStatistics) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, meta, points)
	return args.Error(0)
}

func (m *MockStatistics) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
