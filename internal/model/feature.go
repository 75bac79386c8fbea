package model

import (
	"encoding/json"
	"time"
)

// FeatureVector holds the outputs of every configured view for one series
// after a single observation. Names and Values are parallel slices in view
// registration order.
type FeatureVector struct {
	Series string    `json:"series"`
	TS     time.Time `json:"ts"`    // timestamp of the observation that produced it
	Seq    int64     `json:"seq"`   // 1-based observation count for this series
	Input  float64   `json:"input"` // raw observation value
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
	Ready  bool      `json:"ready"` // true once Seq covers the longest warm-up
}

// Value returns the output of the named view.
func (f *FeatureVector) Value(name string) (float64, bool) {
	for i, n := range f.Names {
		if n == name {
			return f.Values[i], true
		}
	}
	return 0, false
}

// StreamKey returns the Redis stream key: "feat:{series}".
func (f *FeatureVector) StreamKey() string {
	return "feat:" + f.Series
}

// LatestKey returns the Redis key holding the most recent vector.
func (f *FeatureVector) LatestKey() string {
	return "feat:latest:" + f.Series
}

// PubSubChannel returns the Redis PubSub channel for live subscribers.
func (f *FeatureVector) PubSubChannel() string {
	return "pub:feat:" + f.Series
}

// JSON returns the JSON-encoded feature vector.
func (f *FeatureVector) JSON() []byte {
	b, _ := json.Marshal(f)
	return b
}
