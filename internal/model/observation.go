package model

import (
	"encoding/json"
	"time"
)

// Observation is one scalar sample of a named series (e.g. a price).
type Observation struct {
	Series string    `json:"series"` // series key, e.g. "NSE:99926000"
	TS     time.Time `json:"ts"`     // sample time (UTC)
	Value  float64   `json:"value"`
}

// StreamKey returns the Redis stream key: "obs:{series}".
func (o *Observation) StreamKey() string {
	return ObservationStreamKey(o.Series)
}

// JSON returns the JSON-encoded observation (ignoring errors for hot-path usage).
func (o *Observation) JSON() []byte {
	b, _ := json.Marshal(o)
	return b
}

// ObservationStreamKey returns the Redis stream key for a series.
func ObservationStreamKey(series string) string {
	return "obs:" + series
}

// SeriesFromStreamKey strips the "obs:" prefix. Keys without it are
// returned unchanged.
func SeriesFromStreamKey(stream string) string {
	if len(stream) > 4 && stream[:4] == "obs:" {
		return stream[4:]
	}
	return stream
}
