package types

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// Area is a billable unit (apartment, parking space) on the dashboard. The
// dashboard only has data for the dates [DataAvailableSince, DataAvailableUntil].
type Area struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	DataAvailableSince civil.Date `json:"dataAvailableSince"`
	DataAvailableUntil civil.Date `json:"dataAvailableUntil"`
}

// IsParkingSpace reports whether the area is a parking space. Parking spaces
// only have an electricity meter.
func (a Area) IsParkingSpace() bool {
	return strings.HasPrefix(a.Name, "SP")
}

// ConsumptionTypes returns the consumption types that are metered for the area.
func (a Area) ConsumptionTypes() []ConsumptionType {
	if a.IsParkingSpace() {
		return []ConsumptionType{ConsumptionTypeElectricity}
	}
	return AllConsumptionTypes()
}

// ConsumptionType is the kind of utility an individual meter measures.
type ConsumptionType string

const (
	ConsumptionTypeElectricity ConsumptionType = "electricity"
	ConsumptionTypeWaterCold   ConsumptionType = "water_cold"
	ConsumptionTypeWaterHot    ConsumptionType = "water_hot"
	ConsumptionTypeHeat        ConsumptionType = "heat"
)

// AllConsumptionTypes returns every consumption type in a stable order.
func AllConsumptionTypes() []ConsumptionType {
	return []ConsumptionType{
		ConsumptionTypeElectricity,
		ConsumptionTypeWaterCold,
		ConsumptionTypeWaterHot,
		ConsumptionTypeHeat,
	}
}

// UnitClass returns the class of units the consumption type is measured in.
func (t ConsumptionType) UnitClass() (UnitClass, error) {
	switch t {
	case ConsumptionTypeElectricity, ConsumptionTypeHeat:
		return UnitClassEnergy, nil
	case ConsumptionTypeWaterCold, ConsumptionTypeWaterHot:
		return UnitClassVolume, nil
	default:
		return "", fmt.Errorf("unknown consumption type: %q", string(t))
	}
}

// NameDE returns the German name used in statistic names. Statistic names
// cannot be translated and the users are in Germany.
func (t ConsumptionType) NameDE() string {
	switch t {
	case ConsumptionTypeElectricity:
		return "Strom"
	case ConsumptionTypeWaterCold:
		return "Kaltwasser"
	case ConsumptionTypeWaterHot:
		return "Warmwasser"
	case ConsumptionTypeHeat:
		return "Wärme"
	default:
		return string(t)
	}
}

// Interval is the granularity of a dashboard query. A query "during" a date
// returns the readings of the day, month or year containing that date.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)
