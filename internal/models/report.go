package models

import "time"

// Anomaly is a stored value that falls outside physical bounds or a location-level outlier.
type Anomaly struct {
	Field     Metric    `json:"field"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source,omitempty"`
	Reason    string    `json:"reason"`
}

// LocationQuality holds the per-location quality metrics. Completeness and Validity are in [0,100].
type LocationQuality struct {
	Records          int       `json:"records"`
	Completeness     float64   `json:"completenessPct"`
	Validity         float64   `json:"validityPct"`
	Score            float64   `json:"score"`
	Anomalies        []Anomaly `json:"anomalies"`
	InsufficientData bool      `json:"insufficientData"`
}

// QualityReport is recomputed from storage on every assessment.
type QualityReport struct {
	GeneratedAt      time.Time                  `json:"generatedAt"`
	Locations        map[string]LocationQuality `json:"locations"`
	InsufficientData []string                   `json:"insufficientData"`
	OverallScore     float64                    `json:"overallScore"`
	ScoredLocations  int                        `json:"scoredLocations"`
}
