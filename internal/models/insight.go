package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity ranks insights. Higher values sort first.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes LOW, MEDIUM or HIGH.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	default:
		return fmt.Errorf("unknown severity %q", name)
	}
	return nil
}

// InsightKind identifies the rule that produced an insight.
type InsightKind string

const (
	InsightHeat               InsightKind = "heat"
	InsightFrost              InsightKind = "frost"
	InsightHeavyPrecipitation InsightKind = "heavy_precipitation"
	InsightTemperatureSwing   InsightKind = "temperature_swing"
	InsightClimateDeviation   InsightKind = "climate_deviation"
)

// Insight is a derived observation with a recommendation. Day is set for per-day rules.
type Insight struct {
	Kind           InsightKind `json:"kind"`
	Location       string      `json:"location"`
	Severity       Severity    `json:"severity"`
	Message        string      `json:"message"`
	Recommendation string      `json:"recommendation"`
	Day            *time.Time  `json:"day,omitempty"`
}
