package gateway

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"viewengine/internal/model"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Type   string              `json:"type"`
	Series string              `json:"series"`
	Data   model.FeatureVector `json:"data"`
	TS     string              `json:"ts"`
	Seq    int64               `json:"seq"`
}

func fv(series string, seq int64, v float64) model.FeatureVector {
	return model.FeatureVector{
		Series: series, Seq: seq, TS: time.Now().UTC(),
		Names: []string{"ECHO"}, Values: []float64{v}, Ready: true,
	}
}

func dial(t *testing.T, srv *httptest.Server, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	want := hub.ClientCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// readEnvelopes reads frames until n envelopes arrived (frames may coalesce
// several newline-separated envelopes).
func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []envelope {
	t.Helper()
	var out []envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d envelopes: %v", len(out), err)
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				t.Fatalf("bad envelope %q: %v", line, err)
			}
			out = append(out, env)
		}
	}
	return out
}

func TestBuildEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	vec := fv(`we"ird`, 3, 1.5)
	buf := buildEnvelope(vec.Series, vec.JSON(), now, 42)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Type != "feature" || env.Series != `we"ird` || env.Seq != 42 {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.Data.Values[0] != 1.5 || env.Data.Seq != 3 {
		t.Errorf("data: %+v", env.Data)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, env.TS); err != nil || !parsed.Equal(now) {
		t.Errorf("ts: %q, %v", env.TS, err)
	}
}

func TestHub_BroadcastAndFilter(t *testing.T) {
	hub := NewHub(100)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dial(t, srv, hub, "")
	onlyB := dial(t, srv, hub, "?series=B")

	hub.Publish(fv("A", 1, 10))
	hub.Publish(fv("B", 1, 20))

	got := readEnvelopes(t, all, 2)
	if got[0].Series != "A" || got[1].Series != "B" || got[1].Seq != 2 {
		t.Errorf("all: %+v", got)
	}
	got = readEnvelopes(t, onlyB, 1)
	if got[0].Series != "B" || got[0].Data.Values[0] != 20 {
		t.Errorf("filtered: %+v", got)
	}
}

func TestHub_InitialLatest(t *testing.T) {
	hub := NewHub(100)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Publish(fv("B", 1, 1))
	hub.Publish(fv("A", 1, 2))
	hub.Publish(fv("A", 2, 3))

	conn := dial(t, srv, hub, "")
	got := readEnvelopes(t, conn, 2)
	// One envelope per series, sorted by series, latest value.
	if got[0].Series != "A" || got[0].Data.Values[0] != 3 || got[1].Series != "B" {
		t.Errorf("initial: %+v", got)
	}
}

func TestHub_ReplaySince(t *testing.T) {
	hub := NewHub(100)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	for i := int64(1); i <= 4; i++ {
		hub.Publish(fv("A", i, float64(i)))
	}

	conn := dial(t, srv, hub, "?since=2")
	got := readEnvelopes(t, conn, 2)
	if got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("replay: %+v", got)
	}
}

func TestHub_RemoveClient(t *testing.T) {
	hub := NewHub(10)
	counts := make(chan int, 8)
	hub.OnClientCount = func(n int) { counts <- n }
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, hub, "")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if first := <-counts; first != 1 {
		t.Errorf("first count callback: %d", first)
	}
}

func TestReplayBuffer(t *testing.T) {
	rb := NewReplayBuffer(3)
	if rb.Oldest() != 0 || rb.Len() != 0 {
		t.Fatal("expected empty buffer")
	}
	for i := int64(1); i <= 5; i++ {
		series := "A"
		if i%2 == 0 {
			series = "B"
		}
		rb.Push(i, series, []byte{byte('0' + i)})
	}
	if rb.Len() != 3 || rb.Oldest() != 3 {
		t.Fatalf("len=%d oldest=%d", rb.Len(), rb.Oldest())
	}
	got := rb.Since(0, nil)
	if len(got) != 3 || string(got[0]) != "3" || string(got[2]) != "5" {
		t.Errorf("since 0: %q", got)
	}
	got = rb.Since(3, func(s string) bool { return s == "A" })
	if len(got) != 1 || string(got[0]) != "5" {
		t.Errorf("since 3, series A: %q", got)
	}
}

func TestParseSeriesList(t *testing.T) {
	got := parseSeriesList(" A, ,B,")
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("got %v", got)
	}
	if parseSeriesList("") != nil {
		t.Error("expected nil for empty list")
	}
}

func TestHub_PublishSkipsUnencodable(t *testing.T) {
	hub := NewHub(10)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	if !hub.Publish(fv("A", 1, 1)) {
		t.Fatal("finite vector rejected")
	}
	if hub.Publish(fv("A", 2, math.NaN())) {
		t.Error("NaN vector was published")
	}
	if hub.Publish(fv("B", 1, math.Inf(-1))) {
		t.Error("-Inf vector was published")
	}
	if hub.Seq() != 1 || hub.replay.Len() != 1 {
		t.Errorf("seq=%d replay=%d, want 1/1", hub.Seq(), hub.replay.Len())
	}

	// A new client gets only the last valid envelope, never an empty payload.
	conn := dial(t, srv, hub, "")
	got := readEnvelopes(t, conn, 1)
	if got[0].Series != "A" || got[0].Data.Values[0] != 1 {
		t.Errorf("initial: %+v", got)
	}
}
