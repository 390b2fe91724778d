package insight

import (
	"sort"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

const dayLayout = "2006-01-02"

// Precipitation intensity classes.
const (
	IntensityNone     = "none"
	IntensityLight    = "light"
	IntensityModerate = "moderate"
	IntensityHeavy    = "heavy"
)

// DayStat is the temperature summary of one calendar day. Delta is today's average minus
// the previous calendar day's average, nil when that day has no summary.
type DayStat struct {
	Day           time.Time `json:"day"`
	Max           float64   `json:"max"`
	Min           float64   `json:"min"`
	Avg           float64   `json:"avg"`
	Delta         *float64  `json:"delta,omitempty"`
	Precipitation *float64  `json:"precipitation,omitempty"`
}

// PrecipitationStats summarizes precipitation over the stored horizon.
type PrecipitationStats struct {
	Total     float64 `json:"totalMm"`
	Days      int     `json:"days"`
	RainyDays int     `json:"rainyDays"`
	Intensity string  `json:"intensity"`
}

// LocationTrend holds the per-day and precipitation statistics of one location.
type LocationTrend struct {
	Location      string             `json:"location"`
	Days          []DayStat          `json:"days"`
	Precipitation PrecipitationStats `json:"precipitation"`
}

type dayAcc struct {
	day time.Time

	// From the latest daily record of the day.
	daily       *models.PersistedRecord
	dailyMax    *float64
	dailyMin    *float64
	dailyPrecip *float64

	// From current and hourly readings, used when the daily record lacks temperatures.
	readMax, readMin float64
	haveReadings     bool
}

// buildTrend computes per-day statistics from stored records. Collection is append-only, so a
// day may have several daily records; the one with the latest CollectedAt wins.
func buildTrend(location string, recs []models.PersistedRecord, cfg Config) LocationTrend {
	days := map[string]*dayAcc{}
	acc := func(t time.Time) *dayAcc {
		key := t.Format(dayLayout)
		a, ok := days[key]
		if !ok {
			y, m, d := t.Date()
			a = &dayAcc{day: time.Date(y, m, d, 0, 0, 0, 0, t.Location())}
			days[key] = a
		}
		return a
	}

	for i := range recs {
		rec := recs[i]
		a := acc(rec.Timestamp)
		switch rec.Source {
		case models.SourceDaily:
			if a.daily != nil && rec.CollectedAt.Before(a.daily.CollectedAt) {
				continue
			}
			a.daily = &rec
			a.dailyMax = cfg.temperature(valuePtr(rec, models.MetricTemperatureMax))
			a.dailyMin = cfg.temperature(valuePtr(rec, models.MetricTemperatureMin))
			a.dailyPrecip = cfg.precipitation(valuePtr(rec, models.MetricPrecipitation))
		case models.SourceCurrent, models.SourceHourly:
			v, ok := rec.Value(models.MetricTemperature)
			if !ok || cfg.temperature(&v) == nil {
				continue
			}
			if !a.haveReadings || v > a.readMax {
				a.readMax = v
			}
			if !a.haveReadings || v < a.readMin {
				a.readMin = v
			}
			a.haveReadings = true
		}
	}

	keys := make([]string, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	trend := LocationTrend{Location: location, Days: []DayStat{}}
	byKey := map[string]DayStat{}
	for _, k := range keys {
		a := days[k]
		stat := DayStat{Day: a.day, Precipitation: a.dailyPrecip}
		switch {
		case a.dailyMax != nil && a.dailyMin != nil:
			stat.Max, stat.Min = *a.dailyMax, *a.dailyMin
		case a.haveReadings:
			stat.Max, stat.Min = a.readMax, a.readMin
		default:
			if a.dailyPrecip != nil {
				accumulatePrecip(&trend.Precipitation, *a.dailyPrecip, cfg)
			}
			continue
		}
		stat.Avg = (stat.Max + stat.Min) / 2

		if prev, ok := byKey[a.day.AddDate(0, 0, -1).Format(dayLayout)]; ok {
			delta := stat.Avg - prev.Avg
			stat.Delta = &delta
		}
		byKey[k] = stat
		trend.Days = append(trend.Days, stat)

		if a.dailyPrecip != nil {
			accumulatePrecip(&trend.Precipitation, *a.dailyPrecip, cfg)
		}
	}

	trend.Precipitation.Intensity = classifyIntensity(trend.Precipitation, cfg)
	return trend
}

func accumulatePrecip(p *PrecipitationStats, v float64, cfg Config) {
	p.Total += v
	p.Days++
	if v > cfg.RainyDayThreshold {
		p.RainyDays++
	}
}

// classifyIntensity uses the average amount per rainy day.
func classifyIntensity(p PrecipitationStats, cfg Config) string {
	if p.RainyDays == 0 {
		return IntensityNone
	}
	perDay := p.Total / float64(p.RainyDays)
	switch {
	case perDay < cfg.LightMax:
		return IntensityLight
	case perDay < cfg.ModerateMax:
		return IntensityModerate
	default:
		return IntensityHeavy
	}
}

// temperature returns v, or nil when it lies outside the physical bounds.
func (c Config) temperature(v *float64) *float64 {
	if v == nil || c.TemperatureMax <= c.TemperatureMin {
		return v
	}
	if *v < c.TemperatureMin || *v > c.TemperatureMax {
		return nil
	}
	return v
}

func (c Config) precipitation(v *float64) *float64 {
	if v != nil && *v < c.PrecipitationMin {
		return nil
	}
	return v
}

func valuePtr(rec models.PersistedRecord, m models.Metric) *float64 {
	if v, ok := rec.Value(m); ok {
		return &v
	}
	return nil
}
