package types

import (
	"fmt"
	"time"
)

// Quantity is a numeric value together with its unit, e.g. 1.5 kWh or 87 %.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g %s", q.Value, q.Unit)
}

// Consumption is a single reading over the interval [Start, Start+Period).
type Consumption struct {
	Start  time.Time     `json:"start"`
	Period time.Duration `json:"period"`
	Value  float64       `json:"value"`
	Unit   string        `json:"unit"`
}

// End returns the exclusive end of the measured interval.
func (c Consumption) End() time.Time {
	return c.Start.Add(c.Period)
}

// Quantity returns the value and unit of the reading.
func (c Consumption) Quantity() Quantity {
	return Quantity{Value: c.Value, Unit: c.Unit}
}

// PhotovoltaicSummary is the quarter-wide photovoltaic reading over
// [Start, Start+Period). OwnConsumption and SelfSufficiency are percentages and
// are nil when the dashboard reports them as unknown.
type PhotovoltaicSummary struct {
	Start           time.Time     `json:"start"`
	Period          time.Duration `json:"period"`
	Generation      Quantity      `json:"generation"`
	Consumption     Quantity      `json:"consumption"`
	OwnConsumption  *Quantity     `json:"ownConsumption,omitempty"`
	SelfSufficiency *Quantity     `json:"selfSufficiency,omitempty"`
}

// End returns the exclusive end of the measured interval.
func (pv PhotovoltaicSummary) End() time.Time {
	return pv.Start.Add(pv.Period)
}

// CalculatedSupplyFromGrid is the part of the quarter's consumption that was
// not covered by photovoltaic generation. An unknown self-sufficiency counts as
// 0 %, i.e. everything came from the grid.
func (pv PhotovoltaicSummary) CalculatedSupplyFromGrid() Quantity {
	var ratio float64
	if pv.SelfSufficiency != nil {
		ratio = pv.SelfSufficiency.Value / 100
	}
	return Quantity{
		Value: RoundMilli(pv.Consumption.Value * (1 - ratio)),
		Unit:  pv.Consumption.Unit,
	}
}

// CalculatedFeedIntoGrid is the part of the quarter's generation that was not
// consumed on site. An unknown own consumption counts as 0 %, i.e. everything
// was fed into the grid.
func (pv PhotovoltaicSummary) CalculatedFeedIntoGrid() Quantity {
	var ratio float64
	if pv.OwnConsumption != nil {
		ratio = pv.OwnConsumption.Value / 100
	}
	return Quantity{
		Value: RoundMilli(pv.Generation.Value * (1 - ratio)),
		Unit:  pv.Generation.Unit,
	}
}
