package client

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
)

const (
	hourlyTimeLayout = "2006-01-02T15:04"
	dailyTimeLayout  = "2006-01-02"
)

type forecastResponse struct {
	UTCOffsetSeconds *int                       `json:"utc_offset_seconds"`
	Current          map[string]json.RawMessage `json:"current"`
	Hourly           *hourlyBlock               `json:"hourly"`
	Daily            *dailyBlock                `json:"daily"`
}

type hourlyBlock struct {
	Time          []string   `json:"time"`
	Temperature2m []*float64 `json:"temperature_2m"`
}

type dailyBlock struct {
	Time             []string   `json:"time"`
	Temperature2mMax []*float64 `json:"temperature_2m_max"`
	Temperature2mMin []*float64 `json:"temperature_2m_min"`
	PrecipitationSum []*float64 `json:"precipitation_sum"`
}

var currentFields = []struct {
	key    string
	metric models.Metric
}{
	{"temperature_2m", models.MetricTemperature},
	{"relative_humidity_2m", models.MetricHumidity},
	{"wind_speed_10m", models.MetricWindSpeed},
}

// parseForecast decodes and validates an Open-Meteo response body. Null values inside present
// fields are kept as nil; anything structurally wrong is a MalformedResponseError.
func parseForecast(body []byte, location string, horizonDays int) ([]models.RawObservation, error) {
	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedResponseError{Reason: "invalid JSON", Err: err}
	}

	loc := time.UTC
	if resp.UTCOffsetSeconds != nil {
		loc = time.FixedZone("", *resp.UTCOffsetSeconds)
	}

	current, err := parseCurrent(resp.Current, location, loc)
	if err != nil {
		return nil, err
	}
	hourly, err := parseHourly(resp.Hourly, location, loc)
	if err != nil {
		return nil, err
	}
	daily, err := parseDaily(resp.Daily, location, loc, horizonDays)
	if err != nil {
		return nil, err
	}

	obs := make([]models.RawObservation, 0, 1+len(hourly)+len(daily))
	obs = append(obs, current)
	obs = append(obs, hourly...)
	obs = append(obs, daily...)
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].Timestamp.Before(obs[j].Timestamp)
	})
	return obs, nil
}

func parseCurrent(raw map[string]json.RawMessage, location string, loc *time.Location) (models.RawObservation, error) {
	if raw == nil {
		return models.RawObservation{}, &MalformedResponseError{Reason: "missing current block"}
	}

	var ts string
	if err := json.Unmarshal(raw["time"], &ts); err != nil || ts == "" {
		return models.RawObservation{}, &MalformedResponseError{Reason: "current.time missing or invalid", Err: err}
	}
	t, err := time.ParseInLocation(hourlyTimeLayout, ts, loc)
	if err != nil {
		return models.RawObservation{}, &MalformedResponseError{Reason: "current.time unparseable", Err: err}
	}

	values := make(map[models.Metric]*float64, len(currentFields))
	for _, f := range currentFields {
		msg, ok := raw[f.key]
		if !ok {
			return models.RawObservation{}, &MalformedResponseError{Reason: "current." + f.key + " missing"}
		}
		var v *float64
		if err := json.Unmarshal(msg, &v); err != nil {
			return models.RawObservation{}, &MalformedResponseError{Reason: "current." + f.key + " not numeric", Err: err}
		}
		values[f.metric] = v
	}

	return models.RawObservation{
		Location:  location,
		Timestamp: t,
		Source:    models.SourceCurrent,
		Values:    values,
	}, nil
}

func parseHourly(h *hourlyBlock, location string, loc *time.Location) ([]models.RawObservation, error) {
	if h == nil {
		return nil, &MalformedResponseError{Reason: "missing hourly block"}
	}
	if len(h.Temperature2m) != len(h.Time) {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("hourly.temperature_2m has %d entries, hourly.time has %d", len(h.Temperature2m), len(h.Time))}
	}

	times, err := parseTimes(h.Time, hourlyTimeLayout, loc, "hourly")
	if err != nil {
		return nil, err
	}

	obs := make([]models.RawObservation, len(times))
	for i, t := range times {
		obs[i] = models.RawObservation{
			Location:  location,
			Timestamp: t,
			Source:    models.SourceHourly,
			Values:    map[models.Metric]*float64{models.MetricTemperature: h.Temperature2m[i]},
		}
	}
	return obs, nil
}

func parseDaily(d *dailyBlock, location string, loc *time.Location, horizonDays int) ([]models.RawObservation, error) {
	if d == nil || len(d.Time) == 0 {
		return nil, &MalformedResponseError{Reason: "daily.time is empty"}
	}
	if len(d.Time) > horizonDays {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("daily.time has %d entries for a %d day horizon", len(d.Time), horizonDays)}
	}
	for name, arr := range map[string][]*float64{
		"temperature_2m_max": d.Temperature2mMax,
		"temperature_2m_min": d.Temperature2mMin,
		"precipitation_sum":  d.PrecipitationSum,
	} {
		if len(arr) != len(d.Time) {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("daily.%s has %d entries, daily.time has %d", name, len(arr), len(d.Time))}
		}
	}

	times, err := parseTimes(d.Time, dailyTimeLayout, loc, "daily")
	if err != nil {
		return nil, err
	}

	obs := make([]models.RawObservation, len(times))
	for i, t := range times {
		obs[i] = models.RawObservation{
			Location:  location,
			Timestamp: t,
			Source:    models.SourceDaily,
			Values: map[models.Metric]*float64{
				models.MetricTemperatureMax: d.Temperature2mMax[i],
				models.MetricTemperatureMin: d.Temperature2mMin[i],
				models.MetricPrecipitation:  d.PrecipitationSum[i],
			},
		}
	}
	return obs, nil
}

func parseTimes(raw []string, layout string, loc *time.Location, block string) ([]time.Time, error) {
	times := make([]time.Time, len(raw))
	for i, s := range raw {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("%s.time[%d] unparseable", block, i), Err: err}
		}
		if i > 0 && t.Before(times[i-1]) {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("%s.time is not ordered at index %d", block, i)}
		}
		times[i] = t
	}
	return times, nil
}

// upstreamReason extracts the "reason" field of an Open-Meteo error body, if any.
func upstreamReason(body io.Reader) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&payload); err != nil {
		return ""
	}
	return payload.Reason
}
