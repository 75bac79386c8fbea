package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestObservation_Keys(t *testing.T) {
	o := Observation{Series: "NSE:3045", Value: 101.5}
	if o.StreamKey() != "obs:NSE:3045" {
		t.Errorf("stream key: got %s", o.StreamKey())
	}
	if got := SeriesFromStreamKey(o.StreamKey()); got != "NSE:3045" {
		t.Errorf("series from stream key: got %s", got)
	}
	if got := SeriesFromStreamKey("plain"); got != "plain" {
		t.Errorf("unprefixed key: got %s", got)
	}
}

func TestObservation_JSON(t *testing.T) {
	ts := time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)
	o := Observation{Series: "A", TS: ts, Value: 3.25}

	var back Observation
	if err := json.Unmarshal(o.JSON(), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Series != "A" || back.Value != 3.25 || !back.TS.Equal(ts) {
		t.Errorf("decoded %+v", back)
	}
}

func TestFeatureVector_Value(t *testing.T) {
	fv := FeatureVector{
		Series: "X",
		Names:  []string{"ECHO", "TRENDFLEX_16_N64"},
		Values: []float64{10, -0.5},
	}
	if v, ok := fv.Value("TRENDFLEX_16_N64"); !ok || v != -0.5 {
		t.Errorf("got (%v, %v), want (-0.5, true)", v, ok)
	}
	if _, ok := fv.Value("missing"); ok {
		t.Error("expected missing name to report false")
	}
	if fv.StreamKey() != "feat:X" || fv.LatestKey() != "feat:latest:X" || fv.PubSubChannel() != "pub:feat:X" {
		t.Errorf("keys: %s %s %s", fv.StreamKey(), fv.LatestKey(), fv.PubSubChannel())
	}
}
