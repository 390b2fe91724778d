package insight

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/storage"
)

var day0 = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

// recordStore serves fixed records per location.
type recordStore struct {
	recs map[string][]models.PersistedRecord
	err  error
}

func (s *recordStore) Put(context.Context, string, []models.RawObservation) error { return nil }

func (s *recordStore) Query(_ context.Context, loc string, _ storage.Timeframe) ([]models.PersistedRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.recs[loc], nil
}

func daily(day int, max, min, precip float64, collected time.Time) models.PersistedRecord {
	return models.PersistedRecord{
		RawObservation: models.RawObservation{
			Timestamp: day0.AddDate(0, 0, day),
			Source:    models.SourceDaily,
			Values: map[models.Metric]*float64{
				models.MetricTemperatureMax: models.Float(max),
				models.MetricTemperatureMin: models.Float(min),
				models.MetricPrecipitation:  models.Float(precip),
			},
		},
		CollectedAt: collected,
	}
}

func hourly(at time.Time, temp float64) models.PersistedRecord {
	return models.PersistedRecord{
		RawObservation: models.RawObservation{
			Timestamp: at,
			Source:    models.SourceHourly,
			Values:    map[models.Metric]*float64{models.MetricTemperature: models.Float(temp)},
		},
		CollectedAt: day0,
	}
}

// TestAnalyze_HeatThreshold verifies location A with readings 10, 12 and 14 and a heat
// threshold of 13 yields exactly one HIGH heat insight, while B peaking at 5 yields none.
func TestAnalyze_HeatThreshold(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {hourly(day0.Add(6*time.Hour), 10), hourly(day0.Add(12*time.Hour), 12), hourly(day0.Add(15*time.Hour), 14)},
		"B": {hourly(day0.Add(6*time.Hour), 2), hourly(day0.Add(12*time.Hour), 5)},
	}}
	cfg := DefaultConfig()
	cfg.HeatAvgMax = 13

	got, err := NewEngine(store, cfg, nil).Analyze(context.Background(), []models.Location{{Name: "A"}, {Name: "B"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Analyze() = %+v, want exactly 1 insight", got)
	}
	want := models.Insight{
		Kind:           models.InsightHeat,
		Location:       "A",
		Severity:       models.SeverityHigh,
		Message:        "High average daily maximum temperature: 14.0°C",
		Recommendation: "Prepare cooling systems",
	}
	if !reflect.DeepEqual(got[0], want) {
		t.Errorf("insight = %+v, want %+v", got[0], want)
	}
}

// TestAnalyze_HeatUsesMeanOfDailyMaxima pins the daily-record form of the heat rule: daily
// maxima 10, 12 and 14 average 12, so a threshold of 13 yields nothing and 11 yields one insight.
func TestAnalyze_HeatUsesMeanOfDailyMaxima(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {daily(0, 10, 5, 0, day0), daily(1, 12, 5, 0, day0), daily(2, 14, 5, 0, day0)},
	}}
	tests := []struct {
		threshold float64
		want      []string
	}{
		{13, nil},
		{11, []string{"High average daily maximum temperature: 12.0°C"}},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.HeatAvgMax = tt.threshold
		got, err := NewEngine(store, cfg, nil).Analyze(context.Background(), []models.Location{{Name: "A"}})
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		var msgs []string
		for _, in := range got {
			msgs = append(msgs, in.Message)
		}
		if !reflect.DeepEqual(msgs, tt.want) {
			t.Errorf("threshold %v: insights = %q, want %q", tt.threshold, msgs, tt.want)
		}
	}
}

// TestAnalyze_IgnoresPhysicallyImpossibleValues verifies values the quality engine flags as out
// of bounds never drive an insight.
func TestAnalyze_IgnoresPhysicallyImpossibleValues(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {daily(0, 80, 10, 0, day0)},
		"B": {hourly(day0.Add(9*time.Hour), 90), hourly(day0.Add(12*time.Hour), 20), daily(0, 80, 15, -4, day0)},
	}}
	e := NewEngine(store, DefaultConfig(), nil)

	got, err := e.Analyze(context.Background(), []models.Location{{Name: "A"}, {Name: "B"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Analyze() = %+v, want no insights", got)
	}

	trend, _ := e.Trends(context.Background(), models.Location{Name: "B"})
	if len(trend.Days) != 1 || trend.Days[0].Max != 20 || trend.Days[0].Min != 20 {
		t.Errorf("B days = %+v, want one day from the 20 °C reading only", trend.Days)
	}
	if trend.Precipitation.Days != 0 {
		t.Errorf("B precipitation = %+v, want negative amount ignored", trend.Precipitation)
	}
}

// TestAnalyze_DailyRecordsPreferred verifies the daily record wins over intraday readings for the same day.
func TestAnalyze_DailyRecordsPreferred(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {hourly(day0.Add(12*time.Hour), 30), daily(0, 20, 10, 0, day0)},
	}}
	trend, err := NewEngine(store, DefaultConfig(), nil).Trends(context.Background(), models.Location{Name: "A"})
	if err != nil {
		t.Fatalf("Trends() error = %v", err)
	}
	if len(trend.Days) != 1 || trend.Days[0].Max != 20 || trend.Days[0].Avg != 15 {
		t.Errorf("Days = %+v, want one day max 20 avg 15", trend.Days)
	}
}

// TestTrends_LatestCollectionWins verifies re-collected days are de-duplicated by CollectedAt.
func TestTrends_LatestCollectionWins(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {
			daily(0, 10, 0, 1, day0.Add(2*time.Hour)),
			daily(0, 30, 20, 9, day0.Add(time.Hour)),
			daily(1, 12, 2, 0, day0),
		},
	}}
	trend, _ := NewEngine(store, DefaultConfig(), nil).Trends(context.Background(), models.Location{Name: "A"})

	if len(trend.Days) != 2 {
		t.Fatalf("len(Days) = %d, want 2", len(trend.Days))
	}
	if trend.Days[0].Max != 10 {
		t.Errorf("day 0 max = %v, want 10 (latest collection)", trend.Days[0].Max)
	}
	if trend.Days[1].Delta == nil || *trend.Days[1].Delta != 2 {
		t.Errorf("day 1 delta = %v, want 2", trend.Days[1].Delta)
	}
	if trend.Precipitation.Total != 1 || trend.Precipitation.Days != 2 {
		t.Errorf("Precipitation = %+v, want total 1 over 2 days", trend.Precipitation)
	}
}

func TestTrends_DeltaNeedsAdjacentDay(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {daily(0, 10, 0, 0, day0), daily(2, 20, 10, 0, day0)},
	}}
	trend, _ := NewEngine(store, DefaultConfig(), nil).Trends(context.Background(), models.Location{Name: "A"})
	if trend.Days[1].Delta != nil {
		t.Errorf("delta across a gap = %v, want nil", *trend.Days[1].Delta)
	}
}

func TestPrecipitation_Stats(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {daily(0, 5, 0, 0.05, day0), daily(1, 5, 0, 3, day0), daily(2, 5, 0, 5, day0)},
	}}
	p, err := NewEngine(store, DefaultConfig(), nil).Precipitation(context.Background(), models.Location{Name: "A"})
	if err != nil {
		t.Fatalf("Precipitation() error = %v", err)
	}
	if p.RainyDays != 2 {
		t.Errorf("RainyDays = %d, want 2", p.RainyDays)
	}
	if math.Abs(p.Total-8.05) > 1e-9 {
		t.Errorf("Total = %v, want 8.05", p.Total)
	}
	if p.Intensity != IntensityModerate {
		t.Errorf("Intensity = %q, want moderate", p.Intensity)
	}
}

func TestClassifyIntensity(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		p    PrecipitationStats
		want string
	}{
		{"no rain", PrecipitationStats{Total: 0.1, RainyDays: 0}, IntensityNone},
		{"light", PrecipitationStats{Total: 4, RainyDays: 2}, IntensityLight},
		{"moderate boundary", PrecipitationStats{Total: 2.5, RainyDays: 1}, IntensityModerate},
		{"heavy boundary", PrecipitationStats{Total: 7.6, RainyDays: 1}, IntensityHeavy},
		{"heavy", PrecipitationStats{Total: 60, RainyDays: 3}, IntensityHeavy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyIntensity(tt.p, cfg); got != tt.want {
				t.Errorf("classifyIntensity() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAnalyze_RuleTable verifies each rule fires independently and a location can trigger several.
func TestAnalyze_RuleTable(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		// hot, then a 12 °C drop, and 60 mm of rain
		"Sochi": {daily(0, 32, 22, 30, day0), daily(1, 20, 10, 30, day0)},
		// deep frost
		"Omsk": {daily(0, -8, -25, 0, day0), daily(1, -6, -20, 0, day0)},
	}}

	got, err := NewEngine(store, DefaultConfig(), nil).Analyze(context.Background(), []models.Location{{Name: "Sochi"}, {Name: "Omsk"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	type key struct {
		kind models.InsightKind
		loc  string
	}
	seen := map[key]models.Severity{}
	for _, in := range got {
		seen[key{in.Kind, in.Location}] = in.Severity
	}
	want := map[key]models.Severity{
		{models.InsightHeat, "Sochi"}:               models.SeverityHigh,
		{models.InsightFrost, "Omsk"}:               models.SeverityHigh,
		{models.InsightHeavyPrecipitation, "Sochi"}: models.SeverityMedium,
		{models.InsightTemperatureSwing, "Sochi"}:   models.SeverityMedium,
		{models.InsightClimateDeviation, "Sochi"}:   models.SeverityLow,
		{models.InsightClimateDeviation, "Omsk"}:    models.SeverityLow,
	}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("insights = %v, want %v", seen, want)
	}

	wantOrder := []models.InsightKind{
		models.InsightFrost, models.InsightHeat,
		models.InsightHeavyPrecipitation, models.InsightTemperatureSwing,
		models.InsightClimateDeviation, models.InsightClimateDeviation,
	}
	for i, in := range got {
		if in.Kind != wantOrder[i] {
			t.Errorf("got[%d].Kind = %s, want %s", i, in.Kind, wantOrder[i])
		}
	}
	if got[4].Location != "Omsk" || got[5].Location != "Sochi" {
		t.Errorf("climate_deviation order = %s, %s; want Omsk, Sochi", got[4].Location, got[5].Location)
	}
	for _, in := range got {
		if in.Kind == models.InsightTemperatureSwing && (in.Day == nil || !in.Day.Equal(day0.AddDate(0, 0, 1))) {
			t.Errorf("temperature_swing day = %v, want day 1", in.Day)
		}
	}
}

// TestAnalyze_Deterministic verifies identical data yields an identical sequence regardless of input order.
func TestAnalyze_Deterministic(t *testing.T) {
	store := &recordStore{recs: map[string][]models.PersistedRecord{
		"A": {daily(0, 30, 15, 0, day0), daily(1, 15, 5, 0, day0), daily(2, 30, 15, 0, day0)},
		"B": {daily(0, 28, 14, 60, day0)},
		"C": {daily(0, 27, -15, 0, day0)},
	}}
	e := NewEngine(store, DefaultConfig(), nil)

	first, err := e.Analyze(context.Background(), []models.Location{{Name: "A"}, {Name: "B"}, {Name: "C"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	second, _ := e.Analyze(context.Background(), []models.Location{{Name: "C"}, {Name: "A"}, {Name: "B"}})
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Analyze() not deterministic:\n%+v\n%+v", first, second)
	}
	for i := 1; i < len(first); i++ {
		if first[i].Severity > first[i-1].Severity {
			t.Errorf("severity order broken at %d", i)
		}
	}
}

func TestAnalyze_SkipsLocationsWithoutData(t *testing.T) {
	got, err := NewEngine(&recordStore{}, DefaultConfig(), nil).Analyze(context.Background(), []models.Location{{Name: "A"}})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Analyze() = %v, want empty non-nil slice", got)
	}
}

// TestAnalyze_StorageErrorFatal verifies a storage failure aborts the analysis.
func TestAnalyze_StorageErrorFatal(t *testing.T) {
	store := &recordStore{err: &storage.Error{Op: "query", Backend: "test", Err: errors.New("down")}}
	_, err := NewEngine(store, DefaultConfig(), nil).Analyze(context.Background(), []models.Location{{Name: "A"}})
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("Analyze() error = %v, want *storage.Error", err)
	}
}

func TestSort(t *testing.T) {
	d1, d2 := day0, day0.AddDate(0, 0, 1)
	in := []models.Insight{
		{Kind: models.InsightClimateDeviation, Location: "A", Severity: models.SeverityLow},
		{Kind: models.InsightTemperatureSwing, Location: "A", Severity: models.SeverityMedium, Day: &d2},
		{Kind: models.InsightTemperatureSwing, Location: "A", Severity: models.SeverityMedium, Day: &d1},
		{Kind: models.InsightHeavyPrecipitation, Location: "B", Severity: models.SeverityMedium},
		{Kind: models.InsightHeat, Location: "B", Severity: models.SeverityHigh},
		{Kind: models.InsightHeat, Location: "A", Severity: models.SeverityHigh},
	}
	Sort(in)

	want := []struct {
		kind models.InsightKind
		loc  string
	}{
		{models.InsightHeat, "A"},
		{models.InsightHeat, "B"},
		{models.InsightHeavyPrecipitation, "B"},
		{models.InsightTemperatureSwing, "A"},
		{models.InsightTemperatureSwing, "A"},
		{models.InsightClimateDeviation, "A"},
	}
	for i, w := range want {
		if in[i].Kind != w.kind || in[i].Location != w.loc {
			t.Errorf("in[%d] = %s/%s, want %s/%s", i, in[i].Kind, in[i].Location, w.kind, w.loc)
		}
	}
	if !in[3].Day.Equal(d1) {
		t.Errorf("swing insights not ordered by day")
	}
}
