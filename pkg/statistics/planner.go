package statistics

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"cloud.google.com/go/civil"

	"github.com/enocoosync/enocoosync/pkg/enocoo"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// freshnessWindow is how long after the end of the last recorded hour no new
// data is expected. The dashboard publishes a full hour about 15 minutes after
// it ended.
const freshnessWindow = 75 * time.Minute

// ErrDiscoveryFailed is returned when the earliest photovoltaic data on the
// dashboard cannot be determined.
var ErrDiscoveryFailed = errors.New("could not find photovoltaic data on the enocoo dashboard")

// discoveryEpoch is the first month searched for photovoltaic data.
var discoveryEpoch = civil.Date{Year: 2000, Month: time.January, Day: 1}

// Plan describes what has to be fetched to bring a statistic up to date.
type Plan struct {
	// HasNewData is false when the last recorded hour is too recent for the
	// dashboard to have published the next one.
	HasNewData bool
	// Dates are the days to query, oldest first.
	Dates iter.Seq[civil.Date]
	// Anchor is the start of the last recorded point or nil if the statistic
	// is empty.
	Anchor *time.Time
	// Sum is the running sum at Anchor.
	Sum float64
}

// FirstDate returns the first planned date.
func (p Plan) FirstDate() (civil.Date, bool) {
	for d := range p.Dates {
		return d, true
	}
	return civil.Date{}, false
}

// Planner decides which dates a statistic needs to be backfilled from.
type Planner struct {
	store  storage.Statistics
	source enocoo.Source
	now    func() time.Time
}

// NewPlanner returns a Planner reading the last points from store and
// discovering data on source.
func NewPlanner(store storage.Statistics, source enocoo.Source) *Planner {
	return &Planner{store: store, source: source, now: time.Now}
}

type lastStats struct {
	anchor  *time.Time
	lastEnd time.Time
	sum     float64
	hasNew  bool
}

func (p *Planner) findLastStats(ctx context.Context, statisticID string, now time.Time) (lastStats, error) {
	last, err := p.store.LastStatistics(ctx, statisticID, 1)
	if err != nil {
		return lastStats{}, fmt.Errorf("failed to get last statistics of %s: %w", statisticID, err)
	}
	if len(last) == 0 {
		return lastStats{hasNew: true}, nil
	}

	start := last[0].Start.In(p.source.Location())
	res := lastStats{
		anchor:  &start,
		lastEnd: start.Add(time.Hour),
		sum:     last[0].Sum,
	}
	during, err := p.store.StatisticsDuringPeriod(ctx, statisticID, start, time.Time{}, []types.StatisticField{types.StatisticFieldSum})
	if err != nil {
		return lastStats{}, fmt.Errorf("failed to get sum of %s: %w", statisticID, err)
	}
	if len(during) > 0 {
		res.sum = during[0].Sum
	}
	res.hasNew = now.Sub(res.lastEnd) > freshnessWindow
	return res, nil
}

// PlanArea plans a per-area statistic. An empty statistic starts at the first
// day the area has data, otherwise at the day of the last recorded point. The
// last day is today or the day after the area's data ends, whichever is
// earlier.
func (p *Planner) PlanArea(ctx context.Context, statisticID string, area types.Area) (Plan, error) {
	now := p.now().In(p.source.Location())
	last, err := p.findLastStats(ctx, statisticID, now)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{HasNewData: last.hasNew, Anchor: last.anchor, Sum: last.sum, Dates: noDates}
	if !last.hasNew {
		return plan, nil
	}

	var from civil.Date
	if last.anchor == nil {
		from = area.DataAvailableSince
		log.Ctx(ctx).InfoContext(ctx, "no history recorded yet, querying all data since the first data point",
			slog.String("since", from.String()),
		)
	} else {
		from = civil.DateOf(*last.anchor)
	}
	// areas are cached for about a day so the end of their data may lag
	to := civil.DateOf(now)
	if until := area.DataAvailableUntil.AddDays(1); until.Before(to) {
		to = until
	}
	plan.Dates = dateRange(from, to)
	return plan, nil
}

// PlanQuarter plans a quarter-wide statistic. An empty statistic starts at the
// first day with photovoltaic data on the dashboard, otherwise at the day the
// last recorded point ends. The last day is today.
func (p *Planner) PlanQuarter(ctx context.Context, statisticID string) (Plan, error) {
	now := p.now().In(p.source.Location())
	last, err := p.findLastStats(ctx, statisticID, now)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{HasNewData: last.hasNew, Anchor: last.anchor, Sum: last.sum, Dates: noDates}
	if !last.hasNew {
		return plan, nil
	}

	var from civil.Date
	if last.anchor == nil {
		from, err = FindEarliestPhotovoltaicDate(ctx, p.source, civil.DateOf(now))
		if err != nil {
			return Plan{}, err
		}
		log.Ctx(ctx).InfoContext(ctx, "no history recorded yet, filling in all data since the first data point",
			slog.String("since", from.String()),
		)
	} else {
		from = civil.DateOf(last.lastEnd)
	}
	plan.Dates = dateRange(from, civil.DateOf(now))
	return plan, nil
}

func noDates(func(civil.Date) bool) {}

// dateRange yields every date from from through to.
func dateRange(from, to civil.Date) iter.Seq[civil.Date] {
	return func(yield func(civil.Date) bool) {
		for d := from; !d.After(to); d = d.AddDays(1) {
			if !yield(d) {
				return
			}
		}
	}
}

// monthsBetween returns the first day of every month from from through to.
func monthsBetween(from, to civil.Date) []civil.Date {
	var months []civil.Date
	for d := (civil.Date{Year: from.Year, Month: from.Month, Day: 1}); !d.After(to); {
		months = append(months, d)
		if d.Month == time.December {
			d = civil.Date{Year: d.Year + 1, Month: time.January, Day: 1}
		} else {
			d = civil.Date{Year: d.Year, Month: d.Month + 1, Day: 1}
		}
	}
	return months
}

// FindEarliestPhotovoltaicDate binary searches the months since 2000 for the
// first one with photovoltaic data and returns the earliest day within it.
func FindEarliestPhotovoltaicDate(ctx context.Context, source enocoo.Source, today civil.Date) (civil.Date, error) {
	starts := func(ctx context.Context, month civil.Date) ([]time.Time, error) {
		pvs, err := source.GetQuarterPhotovoltaicData(ctx, types.IntervalMonth, month)
		if err != nil {
			return nil, err
		}
		res := make([]time.Time, 0, len(pvs))
		for _, pv := range pvs {
			res = append(res, pv.Start)
		}
		return res, nil
	}

	months := monthsBetween(discoveryEpoch, today)
	i, err := Bisect(ctx, months, func(ctx context.Context, month civil.Date) (bool, error) {
		s, err := starts(ctx, month)
		return len(s) > 0, err
	})
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	s, err := starts(ctx, months[i])
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	if len(s) == 0 {
		return civil.Date{}, fmt.Errorf("%w: %s has no data anymore", ErrDiscoveryFailed, months[i])
	}
	earliest := slices.MinFunc(s, func(a, b time.Time) int { return a.Compare(b) })
	return civil.DateOf(earliest.In(source.Location())), nil
}
