package statistics

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"github.com/enocoosync/enocoosync/pkg/types"
)

var berlin = mustLoadLocation("Europe/Berlin")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func jan(day int) civil.Date {
	return civil.Date{Year: 2024, Month: time.January, Day: day}
}

// quarterHours returns 15 minute readings for the first hours of date.
func quarterHours(date civil.Date, hours int, value float64, unit string) []types.Consumption {
	start := date.In(berlin)
	res := make([]types.Consumption, 0, hours*4)
	for i := 0; i < hours*4; i++ {
		res = append(res, types.Consumption{
			Start:  start.Add(time.Duration(i) * 15 * time.Minute),
			Period: 15 * time.Minute,
			Value:  value,
			Unit:   unit,
		})
	}
	return res
}

// pvQuarterHours returns 15 minute photovoltaic readings for the first hours
// of date.
func pvQuarterHours(date civil.Date, hours int, generation, consumption float64, own, self *types.Quantity) []types.PhotovoltaicSummary {
	start := date.In(berlin)
	res := make([]types.PhotovoltaicSummary, 0, hours*4)
	for i := 0; i < hours*4; i++ {
		res = append(res, types.PhotovoltaicSummary{
			Start:           start.Add(time.Duration(i) * 15 * time.Minute),
			Period:          15 * time.Minute,
			Generation:      types.Quantity{Value: generation, Unit: "kWh"},
			Consumption:     types.Quantity{Value: consumption, Unit: "kWh"},
			OwnConsumption:  own,
			SelfSufficiency: self,
		})
	}
	return res
}

func percent(v float64) *types.Quantity {
	return &types.Quantity{Value: v, Unit: "%"}
}

type fakeSource struct {
	areas        []types.Area
	consumption  func(ct types.ConsumptionType, areaID string, date civil.Date) ([]types.Consumption, error)
	photovoltaic func(interval types.Interval, date civil.Date) ([]types.PhotovoltaicSummary, error)
	areasHook    func()

	mu               sync.Mutex
	consumptionDates []civil.Date
	pvQueries        []civil.Date
}

func (s *fakeSource) GetAreas(ctx context.Context) ([]types.Area, error) {
	if s.areasHook != nil {
		s.areasHook()
	}
	return s.areas, nil
}

func (s *fakeSource) GetIndividualConsumption(ctx context.Context, consumptionType types.ConsumptionType, areaID string, interval types.Interval, during civil.Date) ([]types.Consumption, error) {
	s.mu.Lock()
	s.consumptionDates = append(s.consumptionDates, during)
	s.mu.Unlock()
	if s.consumption == nil {
		return nil, nil
	}
	return s.consumption(consumptionType, areaID, during)
}

func (s *fakeSource) GetQuarterPhotovoltaicData(ctx context.Context, interval types.Interval, during civil.Date) ([]types.PhotovoltaicSummary, error) {
	s.mu.Lock()
	s.pvQueries = append(s.pvQueries, during)
	s.mu.Unlock()
	if s.photovoltaic == nil {
		return nil, nil
	}
	return s.photovoltaic(interval, during)
}

func (s *fakeSource) GetTrafficLightStatus(ctx context.Context) (types.TrafficLightStatus, error) {
	return types.TrafficLightStatus{Color: types.TrafficLightGreen}, nil
}

func (s *fakeSource) GetMeterTable(ctx context.Context) ([]types.MeterStatus, error) {
	return nil, nil
}

func (s *fakeSource) Location() *time.Location {
	return berlin
}

func (s *fakeSource) ConsumptionDates() []civil.Date {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]civil.Date(nil), s.consumptionDates...)
}
