package types

import "time"

// UnitClass groups units that can be converted into each other.
type UnitClass string

const (
	UnitClassEnergy UnitClass = "energy"
	UnitClassVolume UnitClass = "volume"
)

// StatisticField names the optional columns of a statistic row.
type StatisticField string

const (
	StatisticFieldState StatisticField = "state"
	StatisticFieldSum   StatisticField = "sum"
	StatisticFieldMin   StatisticField = "min"
	StatisticFieldMax   StatisticField = "max"
	StatisticFieldMean  StatisticField = "mean"
)

// StatisticPoint is one hourly row of a long-term statistic. Sum is the
// running total up to and including this hour.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State *float64  `json:"state"`
	Sum   float64   `json:"sum"`
	Min   *float64  `json:"min,omitempty"`
	Max   *float64  `json:"max,omitempty"`
	Mean  *float64  `json:"mean,omitempty"`
}

// End returns the exclusive end of the hour the point covers.
func (p StatisticPoint) End() time.Time {
	return p.Start.Add(time.Hour)
}

// StatisticMetadata describes a statistic. All statistics written by
// enocoosync track a running sum and no mean.
type StatisticMetadata struct {
	StatisticID       string    `json:"statisticID"`
	Name              string    `json:"name"`
	Source            string    `json:"source"`
	UnitOfMeasurement string    `json:"unitOfMeasurement"`
	UnitClass         UnitClass `json:"unitClass,omitempty"`
	HasSum            bool      `json:"hasSum"`
	HasMean           bool      `json:"hasMean"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
