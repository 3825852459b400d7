package enocoo

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cloud.google.com/go/civil"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

// The result types below mirror the assumed JSON payloads of the dashboard and
// have not been checked against a live account.

type areaResult struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	DataAvailableSince string `json:"dataAvailableSince"`
	DataAvailableUntil string `json:"dataAvailableUntil"`
}

type quantityResult struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (q quantityResult) quantity() types.Quantity {
	return types.Quantity{Value: q.Value, Unit: q.Unit}
}

type readingResult struct {
	Start         time.Time `json:"start"`
	PeriodSeconds int64     `json:"periodSeconds"`
	Value         float64   `json:"value"`
}

type consumptionResult struct {
	Unit     string          `json:"unit"`
	Readings []readingResult `json:"readings"`
}

type photovoltaicResult struct {
	Start           time.Time       `json:"start"`
	PeriodSeconds   int64           `json:"periodSeconds"`
	Generation      quantityResult  `json:"generation"`
	Consumption     quantityResult  `json:"consumption"`
	OwnConsumption  *quantityResult `json:"ownConsumption"`
	SelfSufficiency *quantityResult `json:"selfSufficiency"`
}

type trafficLightResult struct {
	Color              string         `json:"color"`
	CurrentEnergyPrice quantityResult `json:"currentEnergyPrice"`
	Timestamp          time.Time      `json:"timestamp"`
}

type meterResult struct {
	Name      string         `json:"name"`
	Area      string         `json:"area"`
	MeterID   string         `json:"meterId"`
	Reading   quantityResult `json:"reading"`
	Timestamp time.Time      `json:"timestamp"`
}

// GetAreas implements Source.
func (c *Client) GetAreas(ctx context.Context) ([]types.Area, error) {
	req, err := c.newGetRequest(ctx, "api/areas", nil)
	if err != nil {
		return nil, err
	}
	var res []areaResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("getAreas failed: %w", err)
	}

	areas := make([]types.Area, 0, len(res))
	for _, r := range res {
		since, err := civil.ParseDate(r.DataAvailableSince)
		if err != nil {
			return nil, fmt.Errorf("invalid dataAvailableSince for area %s: %w", r.ID, err)
		}
		until, err := civil.ParseDate(r.DataAvailableUntil)
		if err != nil {
			return nil, fmt.Errorf("invalid dataAvailableUntil for area %s: %w", r.ID, err)
		}
		areas = append(areas, types.Area{
			ID:                 r.ID,
			Name:               r.Name,
			DataAvailableSince: since,
			DataAvailableUntil: until,
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "enocoo areas", slog.Int("count", len(areas)))
	return areas, nil
}

// GetIndividualConsumption implements Source.
func (c *Client) GetIndividualConsumption(ctx context.Context, consumptionType types.ConsumptionType, areaID string, interval types.Interval, during civil.Date) ([]types.Consumption, error) {
	params := dateParams(interval, during)
	params.Set("type", string(consumptionType))
	params.Set("area", areaID)

	req, err := c.newGetRequest(ctx, "api/consumption", params)
	if err != nil {
		return nil, err
	}
	var res consumptionResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("getConsumption failed: %w", err)
	}

	readings := make([]types.Consumption, 0, len(res.Readings))
	for _, r := range res.Readings {
		readings = append(readings, types.Consumption{
			Start:  r.Start.In(c.Location()),
			Period: time.Duration(r.PeriodSeconds) * time.Second,
			Value:  r.Value,
			Unit:   res.Unit,
		})
	}
	return readings, nil
}

// GetQuarterPhotovoltaicData implements Source.
func (c *Client) GetQuarterPhotovoltaicData(ctx context.Context, interval types.Interval, during civil.Date) ([]types.PhotovoltaicSummary, error) {
	req, err := c.newGetRequest(ctx, "api/photovoltaic", dateParams(interval, during))
	if err != nil {
		return nil, err
	}
	var res []photovoltaicResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("getPhotovoltaic failed: %w", err)
	}

	summaries := make([]types.PhotovoltaicSummary, 0, len(res))
	for _, r := range res {
		pv := types.PhotovoltaicSummary{
			Start:       r.Start.In(c.Location()),
			Period:      time.Duration(r.PeriodSeconds) * time.Second,
			Generation:  r.Generation.quantity(),
			Consumption: r.Consumption.quantity(),
		}
		if r.OwnConsumption != nil {
			q := r.OwnConsumption.quantity()
			pv.OwnConsumption = &q
		}
		if r.SelfSufficiency != nil {
			q := r.SelfSufficiency.quantity()
			pv.SelfSufficiency = &q
		}
		summaries = append(summaries, pv)
	}
	return summaries, nil
}

// GetTrafficLightStatus implements Source.
func (c *Client) GetTrafficLightStatus(ctx context.Context) (types.TrafficLightStatus, error) {
	req, err := c.newGetRequest(ctx, "api/trafficlight", nil)
	if err != nil {
		return types.TrafficLightStatus{}, err
	}
	var res trafficLightResult
	if err := c.doRequest(req, &res); err != nil {
		return types.TrafficLightStatus{}, fmt.Errorf("getTrafficLight failed: %w", err)
	}

	color := types.TrafficLightColor(res.Color)
	switch color {
	case types.TrafficLightGreen, types.TrafficLightYellow, types.TrafficLightRed:
	default:
		return types.TrafficLightStatus{}, fmt.Errorf("unknown traffic light color: %q", res.Color)
	}
	return types.TrafficLightStatus{
		Color:              color,
		CurrentEnergyPrice: res.CurrentEnergyPrice.quantity(),
		Timestamp:          res.Timestamp.In(c.Location()),
	}, nil
}

// GetMeterTable implements Source.
func (c *Client) GetMeterTable(ctx context.Context) ([]types.MeterStatus, error) {
	req, err := c.newGetRequest(ctx, "api/meters", url.Values{})
	if err != nil {
		return nil, err
	}
	var res []meterResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("getMeters failed: %w", err)
	}

	meters := make([]types.MeterStatus, 0, len(res))
	for _, r := range res {
		meters = append(meters, types.MeterStatus{
			Name:      r.Name,
			Area:      r.Area,
			MeterID:   r.MeterID,
			Reading:   r.Reading.quantity(),
			Timestamp: r.Timestamp.In(c.Location()),
		})
	}
	return meters, nil
}
