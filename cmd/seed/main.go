package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/statistics"
	"github.com/enocoosync/enocoosync/pkg/storage"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// quarter is one synthetic quarter-hour of the quarter's photovoltaic system.
func quarter(rng *rand.Rand, start time.Time) types.PhotovoltaicSummary {
	hour := float64(start.Hour()) + float64(start.Minute())/60

	// Solar (bell curve around 13:00)
	var generation float64
	if hour > 6 && hour < 20 {
		dist := math.Abs(hour - 13.0)
		generation = 12.0 * math.Exp(-(dist*dist)/8.0)
	}

	consumption := 3.0 + rng.Float64()*1.5
	if hour >= 7 && hour < 9 {
		consumption += 2.0 // Breakfast
	} else if hour >= 18 && hour < 22 {
		consumption += 4.0 // Evening
	}

	own := 100.0
	self := 0.0
	if generation > 0 {
		own = math.Min(100, consumption/generation*100)
		self = math.Min(100, generation/consumption*100)
	}
	return types.PhotovoltaicSummary{
		Start:           start,
		Period:          15 * time.Minute,
		Generation:      types.Quantity{Value: types.RoundMilli(generation), Unit: "kWh"},
		Consumption:     types.Quantity{Value: types.RoundMilli(consumption), Unit: "kWh"},
		OwnConsumption:  &types.Quantity{Value: types.RoundMilli(own), Unit: "%"},
		SelfSufficiency: &types.Quantity{Value: types.RoundMilli(self), Unit: "%"},
	}
}

type series struct {
	suffix string
	name   string
	value  func(types.PhotovoltaicSummary) types.Quantity
}

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	entryID := lflag.String("entry-id", "enocoo", "Identifier of the dashboard account used in statistic ids")
	period := lflag.Duration("seed-period", 72*time.Hour, "How far back to seed quarter statistics")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	naming := statistics.Naming{EntryID: *entryID}

	now := time.Now().Truncate(time.Hour)
	start := now.Add(-*period)

	var readings []types.PhotovoltaicSummary
	for t := start; t.Before(now); t = t.Add(15 * time.Minute) {
		readings = append(readings, quarter(rng, t))
	}

	all := []series{
		{"quarter_consumption", "Siedlung Stromverbrauch", func(pv types.PhotovoltaicSummary) types.Quantity { return pv.Consumption }},
		{"quarter_generation", "Siedlung Stromproduktion", func(pv types.PhotovoltaicSummary) types.Quantity { return pv.Generation }},
		{"quarter_supply_from_grid", "Siedlung Netzbezug", types.PhotovoltaicSummary.CalculatedSupplyFromGrid},
		{"quarter_feed_into_grid", "Siedlung Netzeinspeisung", types.PhotovoltaicSummary.CalculatedFeedIntoGrid},
	}
	for _, ser := range all {
		consumption := make([]types.Consumption, 0, len(readings))
		for _, pv := range readings {
			q := ser.value(pv)
			consumption = append(consumption, types.Consumption{Start: pv.Start, Period: pv.Period, Value: q.Value, Unit: q.Unit})
		}
		batches, sum := statistics.Aggregate(consumption, nil, 0)
		for _, b := range batches {
			meta := types.StatisticMetadata{
				StatisticID:       naming.StatisticID(ser.suffix, nil),
				Name:              naming.QuarterName(ser.name),
				Source:            statistics.Domain,
				UnitOfMeasurement: b.Unit,
				UnitClass:         types.UnitClassEnergy,
				HasSum:            true,
			}
			if err := s.AddExternalStatistics(ctx, meta, b.Points); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed statistics", "error", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Seeded %s: %d hours (sum %.3f kWh)\n", naming.StatisticID(ser.suffix, nil), len(readings)/4, sum)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
