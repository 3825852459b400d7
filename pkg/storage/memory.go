package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/enocoosync/enocoosync/pkg/types"
)

type memorySeries struct {
	meta   types.StatisticMetadata
	points []types.StatisticPoint
}

// Memory keeps statistics in process memory. It is used for dry runs and
// tests.
type Memory struct {
	mu     sync.RWMutex
	series map[string]*memorySeries
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{series: make(map[string]*memorySeries)}
}

func comparePointStart(p types.StatisticPoint, t time.Time) int {
	return p.Start.Compare(t)
}

// LastStatistics implements Statistics.
func (m *Memory) LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[statisticID]
	if !ok || n <= 0 {
		return nil, nil
	}
	from := max(len(s.points)-n, 0)
	res := slices.Clone(s.points[from:])
	slices.Reverse(res)
	return res, nil
}

// StatisticsDuringPeriod implements Statistics.
func (m *Memory) StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[statisticID]
	if !ok {
		return nil, nil
	}
	from, _ := slices.BinarySearchFunc(s.points, start, comparePointStart)
	to := len(s.points)
	if !end.IsZero() {
		to, _ = slices.BinarySearchFunc(s.points, end, comparePointStart)
	}
	if from >= to {
		return nil, nil
	}
	return slices.Clone(s.points[from:to]), nil
}

// GetMetadata implements Statistics.
func (m *Memory) GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[statisticID]
	if !ok {
		return nil, nil
	}
	meta := s.meta
	return &meta, nil
}

// AddExternalStatistics implements Statistics.
func (m *Memory) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if err := validate(meta, points); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[meta.StatisticID]
	if !ok {
		s = &memorySeries{}
		m.series[meta.StatisticID] = s
	}
	s.meta = meta
	for _, p := range points {
		i, found := slices.BinarySearchFunc(s.points, p.Start, comparePointStart)
		if found {
			s.points[i] = p
		} else {
			s.points = slices.Insert(s.points, i, p)
		}
	}
	return nil
}

// Close implements Statistics.
func (m *Memory) Close() error {
	return nil
}
