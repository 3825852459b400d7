package statistics

import (
	"time"

	"github.com/enocoosync/enocoosync/pkg/types"
)

// Batch is a run of points that share a unit. Each batch is written with its
// own metadata.
type Batch struct {
	Unit   string
	Points []types.StatisticPoint
}

// groupBy splits items into runs of consecutive items with the same key.
func groupBy[T any, K comparable](items []T, key func(T) K) [][]T {
	var groups [][]T
	for i, item := range items {
		if i == 0 || key(items[i-1]) != key(item) {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], item)
	}
	return groups
}

// readingIsUsable reports whether an hour group is newer than the anchor and
// covers exactly one hour.
func readingIsUsable(hour []types.Consumption, anchor *time.Time) bool {
	start := hour[0].Start
	if anchor != nil && !start.After(*anchor) {
		return false
	}
	var period time.Duration
	for _, r := range hour {
		period += r.Period
	}
	return period == time.Hour
}

// Aggregate turns readings into hourly points continuing the running sum. The
// readings are grouped by unit and then by the hour of their start; groups
// that are not newer than anchor or do not cover a full hour are skipped.
// It returns one batch per unit group and the new running sum.
func Aggregate(readings []types.Consumption, anchor *time.Time, sum float64) ([]Batch, float64) {
	var batches []Batch
	for _, unitGroup := range groupBy(readings, func(r types.Consumption) string { return r.Unit }) {
		batch := Batch{Unit: unitGroup[0].Unit}
		for _, hour := range groupBy(unitGroup, func(r types.Consumption) int { return r.Start.Hour() }) {
			if !readingIsUsable(hour, anchor) {
				continue
			}
			var state float64
			for _, r := range hour {
				state += r.Value
			}
			sum += state
			batch.Points = append(batch.Points, types.StatisticPoint{
				Start: hour[0].Start,
				State: types.Float(state),
				Sum:   sum,
			})
		}
		batches = append(batches, batch)
	}
	return batches, sum
}

// photovoltaicAttribute projects a quarter photovoltaic reading onto one of its
// quantities so it can be aggregated like a consumption.
type photovoltaicAttribute func(types.PhotovoltaicSummary) types.Quantity

func projectPhotovoltaic(summaries []types.PhotovoltaicSummary, attr photovoltaicAttribute) []types.Consumption {
	readings := make([]types.Consumption, 0, len(summaries))
	for _, pv := range summaries {
		q := attr(pv)
		readings = append(readings, types.Consumption{
			Start:  pv.Start,
			Period: pv.Period,
			Value:  q.Value,
			Unit:   q.Unit,
		})
	}
	return readings
}
