package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"

	"github.com/enocoosync/enocoosync/pkg/enocoo"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// ErrInsertionInProgress is returned by InsertStatistics while another pass is
// running.
var ErrInsertionInProgress = errors.New("statistics insertion already in progress")

// OwnershipShare is a group of owners holding NumShares of NumSharesTotal
// shares of the quarter's photovoltaic system.
type OwnershipShare struct {
	Name           string  `json:"name"`
	NumShares      float64 `json:"numShares"`
	NumSharesTotal float64 `json:"numSharesTotal"`
}

// Validate ensures the share can be turned into a factor.
func (s OwnershipShare) Validate() error {
	if s.Name == "" {
		return errors.New("ownership share is missing a name")
	}
	if s.NumSharesTotal <= 0 {
		return fmt.Errorf("ownership share %q: numSharesTotal must be positive", s.Name)
	}
	if s.NumShares < 0 || s.NumShares > s.NumSharesTotal {
		return fmt.Errorf("ownership share %q: numShares must be between 0 and numSharesTotal", s.Name)
	}
	return nil
}

// Factor is the fraction of the quarter's values attributed to the share.
func (s OwnershipShare) Factor() float64 {
	return s.NumShares / s.NumSharesTotal
}

type quarterStatistic struct {
	name     string
	idSuffix string
	attr     photovoltaicAttribute
}

var quarterStatistics = []quarterStatistic{
	{"Siedlung Stromverbrauch", "quarter_consumption", func(pv types.PhotovoltaicSummary) types.Quantity { return pv.Consumption }},
	{"Siedlung Stromproduktion", "quarter_generation", func(pv types.PhotovoltaicSummary) types.Quantity { return pv.Generation }},
	{"Siedlung Netzbezug", "quarter_supply_from_grid", types.PhotovoltaicSummary.CalculatedSupplyFromGrid},
	{"Siedlung Netzeinspeisung", "quarter_feed_into_grid", types.PhotovoltaicSummary.CalculatedFeedIntoGrid},
}

// PassStatus describes the most recent insertion pass.
type PassStatus struct {
	Running      bool      `json:"running"`
	LastStarted  time.Time `json:"lastStarted,omitzero"`
	LastFinished time.Time `json:"lastFinished,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
}

// Inserter backfills every statistic of the dashboard into the store. At most
// one pass runs at a time.
type Inserter struct {
	source  enocoo.Source
	store   storage.Statistics
	naming  Naming
	shares  []OwnershipShare
	planner *Planner

	mu      sync.Mutex
	wg      sync.WaitGroup
	running atomic.Bool

	statusMu sync.Mutex
	status   PassStatus
}

// NewInserter returns an Inserter writing the statistics of source into store.
func NewInserter(source enocoo.Source, store storage.Statistics, naming Naming, shares []OwnershipShare) *Inserter {
	return &Inserter{
		source:  source,
		store:   store,
		naming:  naming,
		shares:  shares,
		planner: NewPlanner(store, source),
	}
}

// Configured sets up the Inserter from flags.
func Configured(source enocoo.Source, store storage.Statistics) *Inserter {
	entryID := lflag.String("entry-id", "enocoo", "Identifier of the dashboard account used in statistic ids")
	entryTitle := lflag.String("entry-title", "", "Title prefixed to the names of quarter-wide statistics")
	var shares []OwnershipShare
	lflag.JSON(&shares, "ownership-shares", shares, `JSON list of ownership shares, e.g. [{"name":"Haus A","numShares":3,"numSharesTotal":40}]`)

	i := NewInserter(source, store, Naming{}, nil)
	lflag.Do(func() {
		if *entryID == "" {
			panic("entry-id is required")
		}
		for _, s := range shares {
			if err := s.Validate(); err != nil {
				panic(err)
			}
		}
		i.naming = Naming{EntryID: *entryID, EntryTitle: *entryTitle}
		i.shares = shares
	})
	return i
}

// Naming returns the naming used for statistic ids.
func (i *Inserter) Naming() Naming {
	return i.naming
}

// Status returns the state of the most recent pass.
func (i *Inserter) Status() PassStatus {
	i.statusMu.Lock()
	defer i.statusMu.Unlock()
	s := i.status
	s.Running = i.running.Load()
	return s
}

// TriggerInsertion starts a pass in the background unless one is running, in
// which case the trigger is dropped. It reports whether a pass was started.
// The pass ignores cancellation of ctx.
func (i *Inserter) TriggerInsertion(ctx context.Context) bool {
	if !i.mu.TryLock() {
		triggersDroppedTotal.Inc()
		log.Ctx(ctx).DebugContext(ctx, "statistics insertion already in progress, dropping trigger")
		return false
	}
	ctx = context.WithoutCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer i.mu.Unlock()
		if err := i.runPass(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "statistics insertion failed", slog.Any("error", err))
		}
	}()
	return true
}

// InsertStatistics runs a pass and waits for it to finish. Once started the
// pass runs to completion even if ctx is canceled.
func (i *Inserter) InsertStatistics(ctx context.Context) error {
	if !i.mu.TryLock() {
		return ErrInsertionInProgress
	}
	defer i.mu.Unlock()
	i.wg.Add(1)
	defer i.wg.Done()
	return i.runPass(context.WithoutCancel(ctx))
}

// Wait blocks until all running passes have finished.
func (i *Inserter) Wait() {
	i.wg.Wait()
}

func (i *Inserter) runPass(ctx context.Context) error {
	start := time.Now()
	i.running.Store(true)
	i.statusMu.Lock()
	i.status.LastStarted = start
	i.statusMu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "starting statistics insertion")
	err := i.insertAll(ctx)

	i.running.Store(false)
	passDuration.Observe(time.Since(start).Seconds())
	i.statusMu.Lock()
	i.status.LastFinished = time.Now()
	i.status.LastError = ""
	if err != nil {
		i.status.LastError = err.Error()
	}
	i.statusMu.Unlock()

	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return err
	}
	passesTotal.WithLabelValues("success").Inc()
	log.Ctx(ctx).InfoContext(ctx, "finished statistics insertion", slog.Duration("duration", time.Since(start)))
	return nil
}

func (i *Inserter) insertAll(ctx context.Context) error {
	areas, err := i.source.GetAreas(ctx)
	if err != nil {
		return fmt.Errorf("failed to get areas: %w", err)
	}
	for _, area := range areas {
		for _, ct := range area.ConsumptionTypes() {
			if err := i.insertConsumption(ctx, area, ct); err != nil {
				return err
			}
		}
		for _, m := range Metrics() {
			if err := i.insertMetric(ctx, area, m); err != nil {
				return err
			}
		}
	}
	for _, q := range quarterStatistics {
		if err := i.insertQuarter(ctx, q); err != nil {
			return err
		}
	}
	for _, s := range i.shares {
		if err := i.insertPerShare(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

type fetchFunc func(ctx context.Context, date civil.Date) ([]types.Consumption, error)

// backfill fetches every planned date, aggregates it into hourly points and
// writes them. A date that cannot be fetched is logged and skipped.
func (i *Inserter) backfill(ctx context.Context, kind string, plan Plan, meta types.StatisticMetadata, fetch fetchFunc) error {
	sum := plan.Sum
	for date := range plan.Dates {
		readings, err := fetch(ctx, date)
		if err != nil {
			datesSkippedTotal.WithLabelValues(kind).Inc()
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch readings, skipping date", slog.String("date", date.String()), slog.Any("error", err))
			continue
		}

		var batches []Batch
		batches, sum = Aggregate(readings, plan.Anchor, sum)
		for _, b := range batches {
			m := meta
			m.UnitOfMeasurement = b.Unit
			if err := i.write(ctx, kind, m, b.Points); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Inserter) write(ctx context.Context, kind string, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := i.store.AddExternalStatistics(ctx, meta, points); err != nil {
		return fmt.Errorf("failed to write statistics of %s: %w", meta.StatisticID, err)
	}
	pointsWrittenTotal.WithLabelValues(kind).Add(float64(len(points)))
	log.Ctx(ctx).DebugContext(ctx, "wrote statistics",
		slog.Int("count", len(points)),
		slog.Time("first", points[0].Start),
		slog.Float64("sum", points[len(points)-1].Sum),
	)
	return nil
}

func sumMetadata(statisticID, name string, unitClass types.UnitClass) types.StatisticMetadata {
	return types.StatisticMetadata{
		StatisticID: statisticID,
		Name:        name,
		Source:      Domain,
		UnitClass:   unitClass,
		HasSum:      true,
	}
}

func (i *Inserter) insertConsumption(ctx context.Context, area types.Area, ct types.ConsumptionType) error {
	id := i.naming.StatisticID(string(ct), &area)
	ctx = log.WithAttrs(ctx, slog.String("statisticID", id))

	plan, err := i.planner.PlanArea(ctx, id, area)
	if err != nil {
		return err
	}
	if !plan.HasNewData {
		log.Ctx(ctx).DebugContext(ctx, "statistics for the next full hour are not yet available", slog.String("area", area.Name))
		return nil
	}
	unitClass, err := ct.UnitClass()
	if err != nil {
		return err
	}
	meta := sumMetadata(id, i.naming.AreaName(area, ct.NameDE()), unitClass)
	return i.backfill(ctx, "consumption", plan, meta, func(ctx context.Context, date civil.Date) ([]types.Consumption, error) {
		return i.source.GetIndividualConsumption(ctx, ct, area.ID, types.IntervalDay, date)
	})
}

func (i *Inserter) insertMetric(ctx context.Context, area types.Area, m Metric) error {
	id := i.naming.StatisticID(m.IDSuffix(), &area)
	ctx = log.WithAttrs(ctx, slog.String("statisticID", id))

	plan, err := i.planner.PlanArea(ctx, id, area)
	if err != nil {
		return err
	}
	if !plan.HasNewData {
		log.Ctx(ctx).DebugContext(ctx, "statistics for the next full hour are not yet available", slog.String("area", area.Name))
		return nil
	}
	meta := sumMetadata(id, i.naming.AreaName(area, m.NameDE()), types.UnitClassEnergy)
	return i.backfill(ctx, "metric", plan, meta, func(ctx context.Context, date civil.Date) ([]types.Consumption, error) {
		return DailyDatapoints(ctx, i.source, m, area, date)
	})
}

func (i *Inserter) insertQuarter(ctx context.Context, q quarterStatistic) error {
	id := i.naming.StatisticID(q.idSuffix, nil)
	ctx = log.WithAttrs(ctx, slog.String("statisticID", id))

	plan, err := i.planner.PlanQuarter(ctx, id)
	if err != nil {
		return err
	}
	if !plan.HasNewData {
		log.Ctx(ctx).DebugContext(ctx, "photovoltaic statistics for the next full hour are not yet available", slog.String("name", q.name))
		return nil
	}
	meta := sumMetadata(id, i.naming.QuarterName(q.name), types.UnitClassEnergy)
	return i.backfill(ctx, "quarter", plan, meta, func(ctx context.Context, date civil.Date) ([]types.Consumption, error) {
		pvs, err := i.source.GetQuarterPhotovoltaicData(ctx, types.IntervalDay, date)
		if err != nil {
			return nil, err
		}
		return projectPhotovoltaic(pvs, q.attr), nil
	})
}

func (i *Inserter) insertPerShare(ctx context.Context, s OwnershipShare) error {
	factor := s.Factor()
	return i.Derive(ctx,
		i.naming.StatisticID("per_share_"+Slugify(s.Name)+"_feed_into_grid", nil),
		s.Name+" anteilige Netzeinspeisung",
		i.naming.StatisticID("quarter_feed_into_grid", nil),
		func(v float64) float64 { return v * factor },
	)
}
