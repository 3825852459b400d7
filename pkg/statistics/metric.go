package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"

	"github.com/enocoosync/enocoosync/pkg/enocoo"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// errAlignment is returned when an area's consumption and the quarter's
// photovoltaic readings of an hour cannot be paired.
var errAlignment = errors.New("readings are not aligned")

// Metric is a per-area statistic calculated from the area's electricity
// consumption and the quarter's photovoltaic self-sufficiency.
type Metric int

const (
	// MetricSupplyFromPV is the part of the consumption covered by the
	// quarter's photovoltaic system.
	MetricSupplyFromPV Metric = iota
	// MetricSupplyFromGrid is the part of the consumption drawn from the grid.
	MetricSupplyFromGrid
)

// Metrics returns all calculated metrics.
func Metrics() []Metric {
	return []Metric{MetricSupplyFromPV, MetricSupplyFromGrid}
}

// IDSuffix is appended to the statistic id.
func (m Metric) IDSuffix() string {
	switch m {
	case MetricSupplyFromPV:
		return "supply_from_pv"
	case MetricSupplyFromGrid:
		return "supply_from_grid"
	default:
		return fmt.Sprintf("metric_%d", int(m))
	}
}

// NameDE is appended to the statistic name.
func (m Metric) NameDE() string {
	switch m {
	case MetricSupplyFromPV:
		return "PV-Eigenverbrauch"
	case MetricSupplyFromGrid:
		return "Netzbezug"
	default:
		return m.IDSuffix()
	}
}

func (m Metric) String() string {
	return m.IDSuffix()
}

// Calculate returns the metric for one interval.
func (m Metric) Calculate(start time.Time, period time.Duration, consumption types.Consumption, pv types.PhotovoltaicSummary) (types.Consumption, error) {
	var ratio float64
	if pv.SelfSufficiency != nil {
		if pv.SelfSufficiency.Unit != "%" {
			return types.Consumption{}, fmt.Errorf("%w: self sufficiency must be measured in %%, got %q", errAlignment, pv.SelfSufficiency.Unit)
		}
		ratio = pv.SelfSufficiency.Value / 100
	}

	var value float64
	switch m {
	case MetricSupplyFromPV:
		value = consumption.Value * ratio
	case MetricSupplyFromGrid:
		value = consumption.Value * (1 - ratio)
	default:
		return types.Consumption{}, fmt.Errorf("unknown metric: %d", int(m))
	}
	return types.Consumption{
		Start:  start,
		Period: period,
		Value:  types.RoundMilli(value),
		Unit:   consumption.Unit,
	}, nil
}

// checkAligned verifies that consumption and photovoltaic readings cover the
// same intervals in the same order.
func checkAligned(consumptions []types.Consumption, pvs []types.PhotovoltaicSummary) error {
	if len(consumptions) != len(pvs) {
		return fmt.Errorf("%w: %d consumption and %d photovoltaic readings", errAlignment, len(consumptions), len(pvs))
	}
	for i := range consumptions {
		if !consumptions[i].Start.Equal(pvs[i].Start) {
			return fmt.Errorf("%w: consumption starts at %s, photovoltaic at %s", errAlignment, consumptions[i].Start, pvs[i].Start)
		}
		if consumptions[i].Period != pvs[i].Period {
			return fmt.Errorf("%w: consumption period %s, photovoltaic period %s", errAlignment, consumptions[i].Period, pvs[i].Period)
		}
	}
	return nil
}

// allTheSame returns the single distinct value of items.
func allTheSame(items []string) (string, error) {
	if len(items) == 0 {
		return "", errors.New("no values")
	}
	for _, s := range items[1:] {
		if s != items[0] {
			return "", fmt.Errorf("values differ: %q and %q", items[0], s)
		}
	}
	return items[0], nil
}

func groupByHour[T any](items []T, start func(T) time.Time) map[int][]T {
	byHour := make(map[int][]T)
	for _, g := range groupBy(items, func(item T) int { return start(item).Hour() }) {
		byHour[start(g[0]).Hour()] = g
	}
	return byHour
}

func maxKey[T any](m map[int]T) int {
	var res int
	for k := range m {
		res = max(res, k)
	}
	return res
}

// aggregateHour collapses the readings of one hour into single readings. The
// percentages are averaged and an unknown percentage counts as 100 %.
func aggregateHour(consumptions []types.Consumption, pvs []types.PhotovoltaicSummary) (types.Consumption, types.PhotovoltaicSummary, error) {
	s := consumptions[0].Start
	start := time.Date(s.Year(), s.Month(), s.Day(), s.Hour(), 0, 0, 0, s.Location())

	consumption := types.Consumption{Start: start, Period: time.Hour}
	var units []string
	for _, c := range consumptions {
		consumption.Value += c.Value
		units = append(units, c.Unit)
	}
	unit, err := allTheSame(units)
	if err != nil {
		return types.Consumption{}, types.PhotovoltaicSummary{}, fmt.Errorf("consumption units: %w", err)
	}
	consumption.Unit = unit

	pv := types.PhotovoltaicSummary{Start: start, Period: time.Hour}
	var (
		genUnits, consUnits, ownUnits, selfUnits []string
		ownSum, selfSum                          float64
	)
	for _, p := range pvs {
		pv.Generation.Value += p.Generation.Value
		genUnits = append(genUnits, p.Generation.Unit)
		pv.Consumption.Value += p.Consumption.Value
		consUnits = append(consUnits, p.Consumption.Unit)
		if p.OwnConsumption != nil {
			ownSum += p.OwnConsumption.Value
			ownUnits = append(ownUnits, p.OwnConsumption.Unit)
		} else {
			ownSum += 100
		}
		if p.SelfSufficiency != nil {
			selfSum += p.SelfSufficiency.Value
			selfUnits = append(selfUnits, p.SelfSufficiency.Unit)
		} else {
			selfSum += 100
		}
	}
	if pv.Generation.Unit, err = allTheSame(genUnits); err != nil {
		return types.Consumption{}, types.PhotovoltaicSummary{}, fmt.Errorf("generation units: %w", err)
	}
	if pv.Consumption.Unit, err = allTheSame(consUnits); err != nil {
		return types.Consumption{}, types.PhotovoltaicSummary{}, fmt.Errorf("photovoltaic consumption units: %w", err)
	}
	percentUnit := func(units []string) (string, error) {
		if len(units) == 0 {
			return "%", nil
		}
		return allTheSame(units)
	}
	ownUnit, err := percentUnit(ownUnits)
	if err != nil {
		return types.Consumption{}, types.PhotovoltaicSummary{}, fmt.Errorf("own consumption units: %w", err)
	}
	selfUnit, err := percentUnit(selfUnits)
	if err != nil {
		return types.Consumption{}, types.PhotovoltaicSummary{}, fmt.Errorf("self sufficiency units: %w", err)
	}
	n := float64(len(pvs))
	pv.OwnConsumption = &types.Quantity{Value: ownSum / n, Unit: ownUnit}
	pv.SelfSufficiency = &types.Quantity{Value: selfSum / n, Unit: selfUnit}
	return consumption, pv, nil
}

// DailyDatapoints calculates the metric for every interval of date. Hours
// missing on either side are logged and left out. When the two sides of an
// hour cannot be paired the hour is calculated from hourly aggregates.
func DailyDatapoints(ctx context.Context, source enocoo.Source, metric Metric, area types.Area, date civil.Date) ([]types.Consumption, error) {
	consumptions, err := source.GetIndividualConsumption(ctx, types.ConsumptionTypeElectricity, area.ID, types.IntervalDay, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get electricity consumption: %w", err)
	}
	consumptionByHour := groupByHour(consumptions, func(c types.Consumption) time.Time { return c.Start })

	pvs, err := source.GetQuarterPhotovoltaicData(ctx, types.IntervalDay, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get photovoltaic data: %w", err)
	}
	pvByHour := groupByHour(pvs, func(pv types.PhotovoltaicSummary) time.Time { return pv.Start })

	l := log.Ctx(ctx).With(
		slog.String("area", area.Name),
		slog.String("date", date.String()),
		slog.String("metric", metric.IDSuffix()),
	)

	var datapoints []types.Consumption
	lastHour := min(maxKey(consumptionByHour), maxKey(pvByHour))
	for hour := 0; hour <= lastHour; hour++ {
		hourConsumptions, ok := consumptionByHour[hour]
		if !ok {
			l.ErrorContext(ctx, "missing consumption data, statistics for this hour will be missing", slog.Int("hour", hour))
			continue
		}
		hourPVs, ok := pvByHour[hour]
		if !ok {
			l.ErrorContext(ctx, "missing photovoltaic data, statistics for this hour will be missing", slog.Int("hour", hour))
			continue
		}

		hourly, err := calculateHour(metric, hourConsumptions, hourPVs)
		if err != nil {
			l.ErrorContext(ctx, "failed matching electricity and photovoltaic data, using hourly means", slog.Int("hour", hour), slog.Any("error", err))

			consumption, pv, err := aggregateHour(hourConsumptions, hourPVs)
			if err != nil {
				l.ErrorContext(ctx, "failed aggregating hour, statistics for this hour will be missing", slog.Int("hour", hour), slog.Any("error", err))
				continue
			}
			dp, err := metric.Calculate(consumption.Start, consumption.Period, consumption, pv)
			if err != nil {
				l.ErrorContext(ctx, "failed calculating hour, statistics for this hour will be missing", slog.Int("hour", hour), slog.Any("error", err))
				continue
			}
			hourly = []types.Consumption{dp}
		}
		datapoints = append(datapoints, hourly...)
	}
	return datapoints, nil
}

func calculateHour(metric Metric, consumptions []types.Consumption, pvs []types.PhotovoltaicSummary) ([]types.Consumption, error) {
	if err := checkAligned(consumptions, pvs); err != nil {
		return nil, err
	}
	res := make([]types.Consumption, 0, len(consumptions))
	for i, c := range consumptions {
		dp, err := metric.Calculate(c.Start, c.Period, c, pvs[i])
		if err != nil {
			return nil, err
		}
		res = append(res, dp)
	}
	return res, nil
}
