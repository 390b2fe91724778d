// Package insight derives ranked, actionable insights from stored daily statistics.
package insight

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/observability"
	"github.com/kjstillabower/weather-insights/internal/storage"
)

// Config holds rule thresholds and precipitation classification bounds.
type Config struct {
	HeatAvgMax        float64 // average daily max above this → heat
	FrostMin          float64 // lowest daily min below this → frost
	HeavyPrecipTotal  float64 // horizon total above this (mm) → heavy_precipitation
	SwingDelta        float64 // |day-over-day average change| above this → temperature_swing
	DeviationFromMean float64 // |location avg max − mean across locations| above this → climate_deviation

	RainyDayThreshold float64
	LightMax          float64
	ModerateMax       float64

	// Physical bounds, shared with the quality engine. Values outside them are ignored.
	// Temperature bounds apply only when TemperatureMax > TemperatureMin.
	TemperatureMin   float64
	TemperatureMax   float64
	PrecipitationMin float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HeatAvgMax:        25,
		FrostMin:          -10,
		HeavyPrecipTotal:  50,
		SwingDelta:        8,
		DeviationFromMean: 10,
		RainyDayThreshold: 0.1,
		LightMax:          2.5,
		ModerateMax:       7.6,
		TemperatureMin:    -50,
		TemperatureMax:    50,
		PrecipitationMin:  0,
	}
}

// Recommendations, one per kind.
var recommendations = map[models.InsightKind]string{
	models.InsightHeat:               "Prepare cooling systems",
	models.InsightFrost:              "Ensure heating systems are ready",
	models.InsightHeavyPrecipitation: "Monitor flood risk",
	models.InsightTemperatureSwing:   "Plan for rapid temperature changes",
	models.InsightClimateDeviation:   "Track seasonal changes",
}

// summary is what the rules see for one location.
type summary struct {
	location string
	trend    LocationTrend
	avgMax   float64
	minMin   float64
}

// finding is a rule hit before it becomes an Insight.
type finding struct {
	message string
	day     *time.Time
}

type rule struct {
	kind     models.InsightKind
	severity models.Severity
	eval     func(cfg Config, s summary, meanAvgMax float64) []finding
}

// rules is evaluated for every location; each rule independently of the others.
var rules = []rule{
	{
		kind:     models.InsightHeat,
		severity: models.SeverityHigh,
		eval: func(cfg Config, s summary, _ float64) []finding {
			if s.avgMax > cfg.HeatAvgMax {
				return []finding{{message: fmt.Sprintf("High average daily maximum temperature: %.1f°C", s.avgMax)}}
			}
			return nil
		},
	},
	{
		kind:     models.InsightFrost,
		severity: models.SeverityHigh,
		eval: func(cfg Config, s summary, _ float64) []finding {
			if s.minMin < cfg.FrostMin {
				return []finding{{message: fmt.Sprintf("Severe frost: %.1f°C", s.minMin)}}
			}
			return nil
		},
	},
	{
		kind:     models.InsightHeavyPrecipitation,
		severity: models.SeverityMedium,
		eval: func(cfg Config, s summary, _ float64) []finding {
			p := s.trend.Precipitation
			if p.Total > cfg.HeavyPrecipTotal {
				return []finding{{message: fmt.Sprintf("Heavy precipitation: %.1f mm over %d rainy days (%s)", p.Total, p.RainyDays, p.Intensity)}}
			}
			return nil
		},
	},
	{
		kind:     models.InsightTemperatureSwing,
		severity: models.SeverityMedium,
		eval: func(cfg Config, s summary, _ float64) []finding {
			var out []finding
			for _, d := range s.trend.Days {
				if d.Delta == nil || math.Abs(*d.Delta) <= cfg.SwingDelta {
					continue
				}
				day := d.Day
				direction := "rise"
				if *d.Delta < 0 {
					direction = "drop"
				}
				out = append(out, finding{
					message: fmt.Sprintf("Average temperature %s of %.1f°C on %s", direction, math.Abs(*d.Delta), day.Format(dayLayout)),
					day:     &day,
				})
			}
			return out
		},
	},
	{
		kind:     models.InsightClimateDeviation,
		severity: models.SeverityLow,
		eval: func(cfg Config, s summary, mean float64) []finding {
			diff := s.avgMax - mean
			if math.Abs(diff) <= cfg.DeviationFromMean {
				return nil
			}
			direction := "warmer"
			if diff < 0 {
				direction = "colder"
			}
			return []finding{{message: fmt.Sprintf("%s is significantly %s than average (%+.1f°C)", s.location, direction, diff)}}
		},
	},
}

// Engine evaluates the rule table over stored data. It keeps no state between calls.
type Engine struct {
	store  storage.Store
	cfg    Config
	logger *zap.Logger
}

// NewEngine returns an Engine reading from store.
func NewEngine(store storage.Store, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Trends returns the per-day and precipitation statistics for one location.
func (e *Engine) Trends(ctx context.Context, loc models.Location) (LocationTrend, error) {
	start := time.Now()
	recs, err := e.store.Query(ctx, loc.Name, storage.Timeframe{})
	observability.ObserveStorage("query", start, err)
	if err != nil {
		return LocationTrend{}, fmt.Errorf("trend query %s: %w", loc.Name, err)
	}
	return buildTrend(loc.Name, recs, e.cfg), nil
}

// Precipitation returns the precipitation statistics for one location.
func (e *Engine) Precipitation(ctx context.Context, loc models.Location) (PrecipitationStats, error) {
	trend, err := e.Trends(ctx, loc)
	if err != nil {
		return PrecipitationStats{}, err
	}
	return trend.Precipitation, nil
}

// Analyze returns the insights for locations ordered by severity (highest first), then kind,
// location, day and message. Locations without temperature data are skipped.
// A storage error aborts the analysis.
func (e *Engine) Analyze(ctx context.Context, locations []models.Location) ([]models.Insight, error) {
	var summaries []summary
	seen := map[string]bool{}
	for _, loc := range locations {
		if seen[loc.Name] {
			continue
		}
		seen[loc.Name] = true

		trend, err := e.Trends(ctx, loc)
		if err != nil {
			return nil, err
		}
		if len(trend.Days) == 0 {
			e.logger.Debug("no daily data, skipping insights", zap.String("location", loc.Name))
			continue
		}
		summaries = append(summaries, summarize(trend))
	}

	var mean float64
	for _, s := range summaries {
		mean += s.avgMax
	}
	if len(summaries) > 0 {
		mean /= float64(len(summaries))
	}

	insights := []models.Insight{}
	for _, s := range summaries {
		for _, r := range rules {
			for _, f := range r.eval(e.cfg, s, mean) {
				insights = append(insights, models.Insight{
					Kind:           r.kind,
					Location:       s.location,
					Severity:       r.severity,
					Message:        f.message,
					Recommendation: recommendations[r.kind],
					Day:            f.day,
				})
			}
		}
	}

	Sort(insights)
	for _, in := range insights {
		observability.InsightsGeneratedTotal.WithLabelValues(in.Severity.String()).Inc()
	}
	e.logger.Info("insights generated",
		zap.Int("locations", len(summaries)),
		zap.Int("insights", len(insights)),
	)
	return insights, nil
}

func summarize(trend LocationTrend) summary {
	s := summary{location: trend.Location, minMin: math.Inf(1)}
	for _, d := range trend.Days {
		s.avgMax += d.Max
		if d.Min < s.minMin {
			s.minMin = d.Min
		}
	}
	s.avgMax /= float64(len(trend.Days))
	return s
}

// Sort orders insights by severity descending, then kind, location, day (undated first) and message.
func Sort(insights []models.Insight) {
	sort.SliceStable(insights, func(i, j int) bool {
		a, b := insights[i], insights[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		switch {
		case a.Day == nil && b.Day != nil:
			return true
		case a.Day != nil && b.Day == nil:
			return false
		case a.Day != nil && b.Day != nil && !a.Day.Equal(*b.Day):
			return a.Day.Before(*b.Day)
		}
		return a.Message < b.Message
	})
}
