package models

import "time"

// LocationCount reports how many records were written for a successfully collected location.
type LocationCount struct {
	Location string `json:"location"`
	Records  int    `json:"records"`
}

// FailureReason explains why a location could not be collected in a batch.
type FailureReason struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// BatchResult is the outcome of one collection run. Succeeded keeps the order in which
// locations were requested; Failed is keyed by location name.
type BatchResult struct {
	ID         string                   `json:"id"`
	Horizon    int                      `json:"horizonDays"`
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
	Succeeded  []LocationCount          `json:"succeeded"`
	Failed     map[string]FailureReason `json:"failed"`
}

// RecordsWritten sums the records written across all succeeded locations.
func (b BatchResult) RecordsWritten() int {
	n := 0
	for _, s := range b.Succeeded {
		n += s.Records
	}
	return n
}
