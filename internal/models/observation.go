package models

import "time"

// Source identifies which section of a forecast response an observation came from.
type Source string

const (
	SourceCurrent Source = "current"
	SourceHourly  Source = "hourly"
	SourceDaily   Source = "daily"
)

// Metric names a measured quantity inside an observation.
type Metric string

const (
	MetricTemperature    Metric = "temperature"
	MetricHumidity       Metric = "humidity"
	MetricWindSpeed      Metric = "wind_speed"
	MetricTemperatureMax Metric = "temperature_max"
	MetricTemperatureMin Metric = "temperature_min"
	MetricPrecipitation  Metric = "precipitation"
)

// RequiredMetrics lists the fields every observation of a source is expected to carry.
var RequiredMetrics = map[Source][]Metric{
	SourceCurrent: {MetricTemperature, MetricHumidity, MetricWindSpeed},
	SourceHourly:  {MetricTemperature},
	SourceDaily:   {MetricTemperatureMax, MetricTemperatureMin, MetricPrecipitation},
}

// RawObservation is one normalized measurement set produced by the fetch client.
// A nil value means the upstream schema carried the field but reported null.
type RawObservation struct {
	Location  string              `json:"location"`
	Timestamp time.Time           `json:"timestamp"`
	Source    Source              `json:"source"`
	Values    map[Metric]*float64 `json:"values"`
}

// Value returns the metric value and whether it was present and non-null.
func (o RawObservation) Value(m Metric) (float64, bool) {
	v, ok := o.Values[m]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// PersistedRecord is a RawObservation as stored, stamped with its collection time.
// Records are append-only and never mutated after being written.
type PersistedRecord struct {
	RawObservation
	CollectedAt time.Time `json:"collectedAt"`
}

// Float returns a pointer to v. Convenience for building observation values.
func Float(v float64) *float64 {
	return &v
}
