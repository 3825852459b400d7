// Package enocoo reads meter, consumption and photovoltaic data from an enocoo
// building dashboard.
//
// The dashboard has no published API. The JSON endpoints and payloads used by
// Client (api/areas, periodSeconds, ...) are an assumed shape and are only
// decoded in dashboard.go, so adapting to the real responses stays local to
// that file.
package enocoo

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"

	"github.com/enocoosync/enocoosync/pkg/types"
)

var (
	// ErrAuthenticationFailed is returned when the dashboard rejects the
	// configured credentials.
	ErrAuthenticationFailed = errors.New("enocoo authentication failed")

	// ErrConnection is returned when the dashboard cannot be reached or answers
	// with an unexpected status.
	ErrConnection = errors.New("enocoo connection error")
)

// Source is the read-only view of the enocoo dashboard.
type Source interface {
	// GetAreas returns the areas the account has access to.
	GetAreas(ctx context.Context) ([]types.Area, error)

	// GetIndividualConsumption returns the readings of one area's meter for the
	// day, month or year containing during.
	GetIndividualConsumption(ctx context.Context, consumptionType types.ConsumptionType, areaID string, interval types.Interval, during civil.Date) ([]types.Consumption, error)

	// GetQuarterPhotovoltaicData returns the quarter-wide photovoltaic readings
	// for the day, month or year containing during.
	GetQuarterPhotovoltaicData(ctx context.Context, interval types.Interval, during civil.Date) ([]types.PhotovoltaicSummary, error)

	// GetTrafficLightStatus returns the current energy price indication.
	GetTrafficLightStatus(ctx context.Context) (types.TrafficLightStatus, error)

	// GetMeterTable returns the latest reading of every meter.
	GetMeterTable(ctx context.Context) ([]types.MeterStatus, error)

	// Location is the time zone the dashboard reports its dates in.
	Location() *time.Location
}

// Configured returns the dashboard client wrapped in a cache.
func Configured() *Cached {
	return configuredCached(configuredClient())
}
