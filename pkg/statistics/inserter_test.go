package statistics

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// quarterSource serves two full days of quarter-hourly data starting
// 2024-01-01 for an apartment and a parking space.
func quarterSource() *fakeSource {
	days := map[civil.Date]bool{jan(1): true, jan(2): true}
	return &fakeSource{
		areas: []types.Area{
			{ID: "A1", Name: "Whg 1", DataAvailableSince: jan(1), DataAvailableUntil: jan(2)},
			{ID: "SP7", Name: "SP 7", DataAvailableSince: jan(1), DataAvailableUntil: jan(2)},
		},
		consumption: func(ct types.ConsumptionType, areaID string, date civil.Date) ([]types.Consumption, error) {
			if !days[date] {
				return nil, nil
			}
			switch ct {
			case types.ConsumptionTypeWaterCold, types.ConsumptionTypeWaterHot:
				return quarterHours(date, 24, 0.0625, "m³"), nil
			default:
				return quarterHours(date, 24, 0.125, "kWh"), nil
			}
		},
		photovoltaic: func(interval types.Interval, date civil.Date) ([]types.PhotovoltaicSummary, error) {
			if interval == types.IntervalMonth {
				return pvSince(jan(1), jan(2))(interval, date)
			}
			if !days[date] {
				return nil, nil
			}
			return pvQuarterHours(date, 24, 0.25, 0.125, percent(50), percent(40)), nil
		},
	}
}

func newTestInserter(src *fakeSource, store storage.Statistics, now time.Time, shares ...OwnershipShare) *Inserter {
	i := NewInserter(src, store, Naming{EntryID: "test"}, shares)
	i.planner.now = func() time.Time { return now }
	return i
}

func lastPoint(t *testing.T, store storage.Statistics, id string) types.StatisticPoint {
	t.Helper()
	last, err := store.LastStatistics(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, last, 1, "statistic %s", id)
	return last[0]
}

func countPoints(t *testing.T, store storage.Statistics, id string) int {
	t.Helper()
	points, err := store.StatisticsDuringPeriod(context.Background(), id, jan(1).In(berlin), time.Time{}, nil)
	require.NoError(t, err)
	return len(points)
}

func TestInsertStatistics(t *testing.T) {
	ctx := context.Background()
	shares := []OwnershipShare{{Name: "Haus A", NumShares: 3, NumSharesTotal: 40}}

	t.Run("Backfill", func(t *testing.T) {
		store := storage.NewMemory()
		i := newTestInserter(quarterSource(), store, at(jan(3), 10, 0), shares...)
		require.NoError(t, i.InsertStatistics(ctx))

		const electricity = "ha_enocoo:test_a1_electricity"
		assert.Equal(t, 48, countPoints(t, store, electricity))
		last := lastPoint(t, store, electricity)
		assert.True(t, at(jan(2), 23, 0).Equal(last.Start))
		assert.Equal(t, 24.0, last.Sum)

		meta, err := store.GetMetadata(ctx, electricity)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "Whg 1 Strom", meta.Name)
		assert.Equal(t, "kWh", meta.UnitOfMeasurement)
		assert.Equal(t, types.UnitClassEnergy, meta.UnitClass)
		assert.Equal(t, Domain, meta.Source)
		assert.True(t, meta.HasSum)
		assert.False(t, meta.HasMean)

		meta, err = store.GetMetadata(ctx, "ha_enocoo:test_a1_water_cold")
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, types.UnitClassVolume, meta.UnitClass)
		assert.Equal(t, "m³", meta.UnitOfMeasurement)
		assert.Equal(t, 12.0, lastPoint(t, store, "ha_enocoo:test_a1_water_cold").Sum)

		assert.InDelta(t, 9.6, lastPoint(t, store, "ha_enocoo:test_a1_supply_from_pv").Sum, 1e-9)
		assert.InDelta(t, 14.4, lastPoint(t, store, "ha_enocoo:test_a1_supply_from_grid").Sum, 1e-9)

		// parking spaces only have electricity
		assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_sp7_electricity"))
		meta, err = store.GetMetadata(ctx, "ha_enocoo:test_sp7_water_cold")
		require.NoError(t, err)
		assert.Nil(t, meta)

		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_quarter_consumption").Sum)
		assert.Equal(t, 48.0, lastPoint(t, store, "ha_enocoo:test_quarter_generation").Sum)
		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_quarter_feed_into_grid").Sum)
		assert.InDelta(t, 14.4, lastPoint(t, store, "ha_enocoo:test_quarter_supply_from_grid").Sum, 1e-9)
		meta, err = store.GetMetadata(ctx, "ha_enocoo:test_quarter_feed_into_grid")
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "Siedlung Netzeinspeisung", meta.Name)

		const perShare = "ha_enocoo:test_per_share_haus_a_feed_into_grid"
		assert.Equal(t, 48, countPoints(t, store, perShare))
		assert.InDelta(t, 1.8, lastPoint(t, store, perShare).Sum, 1e-9)
		meta, err = store.GetMetadata(ctx, perShare)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "Haus A anteilige Netzeinspeisung", meta.Name)

		status := i.Status()
		assert.False(t, status.Running)
		assert.Empty(t, status.LastError)
		assert.False(t, status.LastFinished.IsZero())
	})

	t.Run("Idempotent", func(t *testing.T) {
		store := storage.NewMemory()
		i := newTestInserter(quarterSource(), store, at(jan(3), 10, 0), shares...)
		require.NoError(t, i.InsertStatistics(ctx))
		require.NoError(t, i.InsertStatistics(ctx))

		assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_a1_electricity"))
		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_a1_electricity").Sum)
		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_quarter_feed_into_grid").Sum)
		assert.InDelta(t, 1.8, lastPoint(t, store, "ha_enocoo:test_per_share_haus_a_feed_into_grid").Sum, 1e-9)
	})

	t.Run("FreshDataNotRefetched", func(t *testing.T) {
		store := storage.NewMemory()
		src := quarterSource()
		i := newTestInserter(src, store, at(jan(3), 0, 30))
		require.NoError(t, i.InsertStatistics(ctx))
		fetched := len(src.ConsumptionDates())

		require.NoError(t, i.InsertStatistics(ctx))
		assert.Equal(t, fetched, len(src.ConsumptionDates()))
	})

	t.Run("FailedDateSkipped", func(t *testing.T) {
		store := storage.NewMemory()
		src := quarterSource()
		inner := src.consumption
		src.consumption = func(ct types.ConsumptionType, areaID string, date civil.Date) ([]types.Consumption, error) {
			if date == jan(1) {
				return nil, errors.New("timeout")
			}
			return inner(ct, areaID, date)
		}
		i := newTestInserter(src, store, at(jan(3), 10, 0))
		require.NoError(t, i.InsertStatistics(ctx))

		assert.Equal(t, 24, countPoints(t, store, "ha_enocoo:test_a1_electricity"))
		assert.Equal(t, 12.0, lastPoint(t, store, "ha_enocoo:test_a1_electricity").Sum)
		assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_quarter_consumption"))
	})

	t.Run("CanceledContextCompletes", func(t *testing.T) {
		store := storage.NewMemory()
		src := quarterSource()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		inner := src.consumption
		src.consumption = func(ct types.ConsumptionType, areaID string, date civil.Date) ([]types.Consumption, error) {
			cancel()
			return inner(ct, areaID, date)
		}
		i := newTestInserter(src, store, at(jan(3), 10, 0), shares...)
		require.NoError(t, i.InsertStatistics(ctx))
		require.Error(t, ctx.Err())

		assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_a1_electricity"))
		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_a1_electricity").Sum)
		assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_sp7_electricity"))
		assert.Equal(t, 24.0, lastPoint(t, store, "ha_enocoo:test_quarter_feed_into_grid").Sum)
		assert.InDelta(t, 1.8, lastPoint(t, store, "ha_enocoo:test_per_share_haus_a_feed_into_grid").Sum, 1e-9)
	})

	t.Run("LogsStatisticIDOnce", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := log.With(ctx, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
		i := newTestInserter(quarterSource(), storage.NewMemory(), at(jan(3), 10, 0), shares...)
		require.NoError(t, i.InsertStatistics(ctx))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		var withID int
		for _, line := range lines {
			n := strings.Count(line, `"statisticID":`)
			assert.LessOrEqual(t, n, 1, line)
			withID += n
		}
		assert.Positive(t, withID)
	})

	t.Run("DiscoveryFailed", func(t *testing.T) {
		src := quarterSource()
		src.areas = nil
		src.photovoltaic = nil
		i := newTestInserter(src, storage.NewMemory(), at(jan(3), 10, 0))
		err := i.InsertStatistics(ctx)
		assert.ErrorIs(t, err, ErrDiscoveryFailed)
		assert.Contains(t, i.Status().LastError, "photovoltaic")
	})
}

func TestTriggerInsertion(t *testing.T) {
	ctx := context.Background()
	src := quarterSource()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.areasHook = func() {
		once.Do(func() { close(started) })
		<-release
	}
	store := storage.NewMemory()
	i := newTestInserter(src, store, at(jan(3), 10, 0))

	require.True(t, i.TriggerInsertion(ctx))
	<-started
	assert.True(t, i.Status().Running)

	for n := 0; n < 5; n++ {
		assert.False(t, i.TriggerInsertion(ctx))
	}
	assert.ErrorIs(t, i.InsertStatistics(ctx), ErrInsertionInProgress)

	close(release)
	i.Wait()
	assert.False(t, i.Status().Running)
	assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_a1_electricity"))

	// a new pass can start once the previous one finished
	require.True(t, i.TriggerInsertion(ctx))
	i.Wait()
}

func TestOwnershipShare(t *testing.T) {
	assert.NoError(t, OwnershipShare{Name: "Haus A", NumShares: 3, NumSharesTotal: 40}.Validate())
	assert.Equal(t, 0.075, OwnershipShare{Name: "Haus A", NumShares: 3, NumSharesTotal: 40}.Factor())
	assert.Error(t, OwnershipShare{NumShares: 3, NumSharesTotal: 40}.Validate())
	assert.Error(t, OwnershipShare{Name: "Haus A", NumShares: 3}.Validate())
	assert.Error(t, OwnershipShare{Name: "Haus A", NumShares: 41, NumSharesTotal: 40}.Validate())
}

func TestInsertStatisticsUntilToday(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		areas: []types.Area{{ID: "1", Name: "SP 1", DataAvailableSince: jan(1), DataAvailableUntil: jan(2)}},
		consumption: func(ct types.ConsumptionType, areaID string, date civil.Date) ([]types.Consumption, error) {
			var res []types.Consumption
			for h := 0; h < 24; h++ {
				res = append(res, types.Consumption{Start: at(date, h, 0), Period: time.Hour, Value: 10.0 / 24, Unit: "kWh"})
			}
			return res, nil
		},
		photovoltaic: pvSince(jan(1), jan(2)),
	}
	store := storage.NewMemory()
	i := newTestInserter(src, store, at(jan(2), 23, 59))
	require.NoError(t, i.InsertStatistics(ctx))

	var dates []civil.Date
	for _, d := range src.ConsumptionDates() {
		if len(dates) == 0 || dates[len(dates)-1] != d {
			dates = append(dates, d)
		}
	}
	assert.Equal(t, []civil.Date{jan(1), jan(2)}, dates[:2])
	assert.Equal(t, 48, countPoints(t, store, "ha_enocoo:test_1_electricity"))
	assert.InDelta(t, 20.0, lastPoint(t, store, "ha_enocoo:test_1_electricity").Sum, 1e-9)
}
