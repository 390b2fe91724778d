// Package quality scores stored observations for completeness, validity and anomalies.
package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/storage"
)

// Anomaly reasons.
const (
	ReasonBelowMin     = "below_min"
	ReasonAboveMax     = "above_max"
	ReasonExtremeRange = "extreme_range"
)

// ErrInvalidWeights is returned by NewEngine when the score weights do not sum to 1.
var ErrInvalidWeights = errors.New("completeness and validity weights must be non-negative and sum to 1")

// Config holds physical bounds and scoring weights. A zero max for wind speed means unbounded.
type Config struct {
	TemperatureMin   float64
	TemperatureMax   float64
	HumidityMin      float64
	HumidityMax      float64
	WindSpeedMin     float64
	WindSpeedMax     float64
	PrecipitationMin float64

	CompletenessWeight float64
	ValidityWeight     float64

	// MaxTemperatureRange flags a location whose in-bounds temperatures span more than this. 0 disables.
	MaxTemperatureRange float64
}

// DefaultConfig returns the standard bounds (temperature -50..50 °C, humidity 0..100 %,
// wind speed >= 0, precipitation >= 0) and equal weights.
func DefaultConfig() Config {
	return Config{
		TemperatureMin:      -50,
		TemperatureMax:      50,
		HumidityMin:         0,
		HumidityMax:         100,
		WindSpeedMin:        0,
		PrecipitationMin:    0,
		CompletenessWeight:  0.5,
		ValidityWeight:      0.5,
		MaxTemperatureRange: 40,
	}
}

type bounds struct {
	min    float64
	max    float64
	hasMax bool
}

// Engine computes QualityReports from storage. It keeps no state between calls.
type Engine struct {
	store  storage.Store
	cfg    Config
	bounds map[models.Metric]bounds
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine returns an Engine reading from store.
func NewEngine(store storage.Store, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.CompletenessWeight < 0 || cfg.ValidityWeight < 0 ||
		math.Abs(cfg.CompletenessWeight+cfg.ValidityWeight-1) > 1e-9 {
		return nil, fmt.Errorf("%w: got %v and %v", ErrInvalidWeights, cfg.CompletenessWeight, cfg.ValidityWeight)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	temperature := bounds{min: cfg.TemperatureMin, max: cfg.TemperatureMax, hasMax: true}
	return &Engine{
		store: store,
		cfg:   cfg,
		bounds: map[models.Metric]bounds{
			models.MetricTemperature:    temperature,
			models.MetricTemperatureMax: temperature,
			models.MetricTemperatureMin: temperature,
			models.MetricHumidity:       {min: cfg.HumidityMin, max: cfg.HumidityMax, hasMax: true},
			models.MetricWindSpeed:      {min: cfg.WindSpeedMin, max: cfg.WindSpeedMax, hasMax: cfg.WindSpeedMax > 0},
			models.MetricPrecipitation:  {min: cfg.PrecipitationMin},
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// Assess recomputes the quality report for locations from current storage contents.
// Locations without records are listed as insufficient data and excluded from the overall score.
// A storage error aborts the assessment.
func (e *Engine) Assess(ctx context.Context, locations []models.Location) (models.QualityReport, error) {
	report := models.QualityReport{
		GeneratedAt:      e.now(),
		Locations:        make(map[string]models.LocationQuality, len(locations)),
		InsufficientData: []string{},
	}

	var scoreSum float64
	anomalies := 0
	for _, loc := range locations {
		if _, seen := report.Locations[loc.Name]; seen {
			continue
		}

		start := time.Now()
		recs, err := e.store.Query(ctx, loc.Name, storage.Timeframe{})
		observability.ObserveStorage("query", start, err)
		if err != nil {
			return models.QualityReport{}, fmt.Errorf("quality query %s: %w", loc.Name, err)
		}

		lq := e.assessLocation(recs)
		report.Locations[loc.Name] = lq
		anomalies += len(lq.Anomalies)

		if lq.InsufficientData {
			report.InsufficientData = append(report.InsufficientData, loc.Name)
			e.logger.Info("insufficient data for quality score", zap.String("location", loc.Name))
			continue
		}
		scoreSum += lq.Score
		report.ScoredLocations++
		observability.QualityCompleteness.WithLabelValues(loc.Name).Set(lq.Completeness)

		if len(lq.Anomalies) > 0 {
			e.logger.Warn("anomalies found",
				zap.String("location", loc.Name),
				zap.Int("count", len(lq.Anomalies)),
			)
		}
	}

	if report.ScoredLocations > 0 {
		report.OverallScore = clampPct(round1(scoreSum / float64(report.ScoredLocations)))
	}

	observability.QualityOverallScore.Set(report.OverallScore)
	observability.QualityAnomalies.Set(float64(anomalies))
	e.logger.Info("quality assessment complete",
		zap.Float64("overall_score", report.OverallScore),
		zap.Int("scored_locations", report.ScoredLocations),
		zap.Int("insufficient_data", len(report.InsufficientData)),
		zap.Int("anomalies", anomalies),
	)
	return report, nil
}

func (e *Engine) assessLocation(recs []models.PersistedRecord) models.LocationQuality {
	lq := models.LocationQuality{Records: len(recs), Anomalies: []models.Anomaly{}}
	if len(recs) == 0 {
		lq.InsufficientData = true
		return lq
	}

	var required, nonNull, inBounds int
	var (
		tempMin, tempMax     float64
		tempMinAt, tempMaxAt models.PersistedRecord
		haveTemp             bool
	)

	for _, rec := range recs {
		for _, m := range models.RequiredMetrics[rec.Source] {
			required++
			v, ok := rec.Value(m)
			if !ok {
				continue
			}
			nonNull++

			if reason := e.check(m, v); reason != "" {
				lq.Anomalies = append(lq.Anomalies, models.Anomaly{
					Field:     m,
					Value:     v,
					Timestamp: rec.Timestamp,
					Source:    rec.Source,
					Reason:    reason,
				})
				continue
			}
			inBounds++

			if isTemperature(m) {
				if !haveTemp || v < tempMin {
					tempMin, tempMinAt = v, rec
				}
				if !haveTemp || v > tempMax {
					tempMax, tempMaxAt = v, rec
				}
				haveTemp = true
			}
		}
	}

	if required > 0 {
		lq.Completeness = clampPct(float64(inBounds) / float64(required) * 100)
	}
	lq.Validity = 100
	if nonNull > 0 {
		lq.Validity = clampPct(float64(inBounds) / float64(nonNull) * 100)
	}
	lq.Completeness = round1(lq.Completeness)
	lq.Validity = round1(lq.Validity)
	// Each weight scales its own metric and the pair sums to 1, so the score stays in [0,100]
	// for any valid weights. With 0.8/0.2, completeness 66.7 and validity 100 score 73.4.
	lq.Score = clampPct(round1(lq.Completeness*e.cfg.CompletenessWeight + lq.Validity*e.cfg.ValidityWeight))

	if e.cfg.MaxTemperatureRange > 0 && haveTemp && tempMax-tempMin > e.cfg.MaxTemperatureRange {
		at := tempMaxAt
		if tempMinAt.Timestamp.After(at.Timestamp) {
			at = tempMinAt
		}
		lq.Anomalies = append(lq.Anomalies, models.Anomaly{
			Field:     models.MetricTemperature,
			Value:     round1(tempMax - tempMin),
			Timestamp: at.Timestamp,
			Source:    at.Source,
			Reason:    ReasonExtremeRange,
		})
	}
	return lq
}

// check returns the anomaly reason for v, or "" when v is inside the metric's bounds.
func (e *Engine) check(m models.Metric, v float64) string {
	b, ok := e.bounds[m]
	if !ok {
		return ""
	}
	if math.IsNaN(v) || v < b.min {
		return ReasonBelowMin
	}
	if b.hasMax && v > b.max {
		return ReasonAboveMax
	}
	return ""
}

func isTemperature(m models.Metric) bool {
	return m == models.MetricTemperature || m == models.MetricTemperatureMax || m == models.MetricTemperatureMin
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
