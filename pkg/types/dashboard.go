package types

import "time"

// TrafficLightColor is the dashboard's indication of how favourable it is to
// consume electricity right now.
type TrafficLightColor string

const (
	TrafficLightGreen  TrafficLightColor = "green"
	TrafficLightYellow TrafficLightColor = "yellow"
	TrafficLightRed    TrafficLightColor = "red"
)

// TrafficLightStatus is the current energy price indication of the quarter.
type TrafficLightStatus struct {
	Color              TrafficLightColor `json:"color"`
	CurrentEnergyPrice Quantity          `json:"currentEnergyPrice"`
	Timestamp          time.Time         `json:"timestamp"`
}

// MeterStatus is the latest reading of a single utility meter.
type MeterStatus struct {
	Name      string    `json:"name"`
	Area      string    `json:"area"`
	MeterID   string    `json:"meterID"`
	Reading   Quantity  `json:"reading"`
	Timestamp time.Time `json:"timestamp"`
}

// DashboardData is the snapshot fetched on every polling cycle.
type DashboardData struct {
	FetchedAt          time.Time            `json:"fetchedAt"`
	TrafficLightStatus TrafficLightStatus   `json:"trafficLightStatus"`
	MeterTable         []MeterStatus        `json:"meterTable"`
	Photovoltaic       *PhotovoltaicSummary `json:"photovoltaic,omitempty"`
}
