package statistics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// Transform maps a value of the base statistic onto the derived statistic.
type Transform func(float64) float64

func transformPtr(f Transform, v *float64) *float64 {
	if v == nil {
		return nil
	}
	return types.Float(f(*v))
}

// DerivePoints maps the base statistic's points. Points not newer than anchor
// are skipped. A null state stays null and leaves the running sum unchanged.
func DerivePoints(base []types.StatisticPoint, anchor *time.Time, sum float64, f Transform) ([]types.StatisticPoint, float64) {
	points := make([]types.StatisticPoint, 0, len(base))
	for _, b := range base {
		if anchor != nil && !b.Start.After(*anchor) {
			continue
		}
		p := types.StatisticPoint{
			Start: b.Start,
			Min:   transformPtr(f, b.Min),
			Max:   transformPtr(f, b.Max),
			Mean:  transformPtr(f, b.Mean),
		}
		if b.State != nil {
			state := f(*b.State)
			p.State = &state
			sum += state
		}
		p.Sum = sum
		points = append(points, p)
	}
	return points, sum
}

// Derive writes statisticID as a transformation of baseStatisticID. It is
// planned like a quarter-wide statistic and reads the base statistic from the
// store.
func (i *Inserter) Derive(ctx context.Context, statisticID, name, baseStatisticID string, f Transform) error {
	ctx = log.WithAttrs(ctx, slog.String("statisticID", statisticID))

	plan, err := i.planner.PlanQuarter(ctx, statisticID)
	if err != nil {
		return err
	}
	if !plan.HasNewData {
		log.Ctx(ctx).DebugContext(ctx, "statistics for the next full hour are not yet available", slog.String("name", name))
		return nil
	}

	var queryStart time.Time
	if plan.Anchor != nil {
		queryStart = *plan.Anchor
	} else {
		first, ok := plan.FirstDate()
		if !ok {
			return nil
		}
		queryStart = first.In(i.source.Location())
	}

	baseMeta, err := i.store.GetMetadata(ctx, baseStatisticID)
	if err != nil {
		return fmt.Errorf("failed to get metadata of %s: %w", baseStatisticID, err)
	}
	if baseMeta == nil {
		log.Ctx(ctx).WarnContext(ctx, "base statistic does not exist yet", slog.String("baseStatisticID", baseStatisticID))
		return nil
	}
	base, err := i.store.StatisticsDuringPeriod(ctx, baseStatisticID, queryStart, time.Time{}, []types.StatisticField{types.StatisticFieldState, types.StatisticFieldSum})
	if err != nil {
		return fmt.Errorf("failed to get statistics of %s: %w", baseStatisticID, err)
	}

	points, _ := DerivePoints(base, plan.Anchor, plan.Sum, f)
	if len(points) == 0 {
		return nil
	}
	meta := *baseMeta
	meta.StatisticID = statisticID
	meta.Name = name
	meta.Source = Domain
	return i.write(ctx, "derived", meta, points)
}
