package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"viewengine/internal/model"
)

func obs(series string, v float64) model.Observation {
	return model.Observation{Series: series, TS: time.Now().UTC(), Value: v}
}

func mustEngine(t *testing.T, specs string) *Engine {
	t.Helper()
	parsed, err := ParseSpecs(specs)
	if err != nil {
		t.Fatalf("ParseSpecs(%q): %v", specs, err)
	}
	e, err := NewEngine(parsed)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngine_KnownNormalizedSequence(t *testing.T) {
	e := mustEngine(t, "ECHO,ECHO@3")

	var fv model.FeatureVector
	for _, v := range []float64{1, 5, 2, 8, 3} {
		fv = e.Process(obs("A", v))
	}
	if fv.Seq != 5 || fv.Input != 3 {
		t.Fatalf("seq=%d input=%v", fv.Seq, fv.Input)
	}
	if fv.Names[0] != "ECHO" || fv.Names[1] != "ECHO_N3" {
		t.Fatalf("names %v", fv.Names)
	}
	if fv.Values[0] != 3 {
		t.Errorf("echo: got %v, want 3", fv.Values[0])
	}
	if math.Abs(fv.Values[1]-(-2.0/3)) > 1e-9 {
		t.Errorf("normalized: got %v, want -0.6667", fv.Values[1])
	}
}

func TestEngine_SeriesAreIndependent(t *testing.T) {
	e := mustEngine(t, "SMA:2")

	e.Process(obs("A", 10))
	e.Process(obs("B", 100))
	a := e.Process(obs("A", 20))
	b := e.Process(obs("B", 300))

	if a.Values[0] != 15 {
		t.Errorf("A: got %v, want 15", a.Values[0])
	}
	if b.Values[0] != 200 {
		t.Errorf("B: got %v, want 200", b.Values[0])
	}
	if got := e.Series(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("series: %v", got)
	}
}

func TestEngine_Ready(t *testing.T) {
	e := mustEngine(t, "ECHO,TRENDFLEX:4")
	for i := 1; i <= 6; i++ {
		fv := e.Process(obs("A", float64(i)))
		if want := i >= 5; fv.Ready != want {
			t.Errorf("step %d: ready=%v, want %v", i, fv.Ready, want)
		}
	}
}

func TestEngine_Latest(t *testing.T) {
	e := mustEngine(t, "ECHO")
	if _, ok := e.Latest("A"); ok {
		t.Fatal("expected no latest before first observation")
	}
	e.Process(obs("A", 1))
	e.Process(obs("A", 2))
	fv, ok := e.Latest("A")
	if !ok || fv.Values[0] != 2 || fv.Seq != 2 {
		t.Errorf("latest: %+v ok=%v", fv, ok)
	}
}

func TestEngine_InvalidSpecs(t *testing.T) {
	if _, err := NewEngine(nil); err == nil {
		t.Error("expected error for empty spec list")
	}
	if _, err := NewEngine([]Spec{{Type: TypeSMA}}); err == nil {
		t.Error("expected error for zero period")
	}
}

func TestEngine_Reload_PreservesState(t *testing.T) {
	e := mustEngine(t, "SMA:3,EMA:3")
	for _, v := range []float64{1, 2, 3, 4} {
		e.Process(obs("A", v))
	}

	newSpecs, _ := ParseSpecs("SMA:3,RSI:2")
	preserved, created, err := e.Reload(newSpecs)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if preserved != 1 || created != 1 {
		t.Errorf("preserved=%d created=%d, want 1/1", preserved, created)
	}

	fv := e.Process(obs("A", 5))
	// SMA kept its window: (3+4+5)/3
	if v, _ := fv.Value("SMA_3"); v != 4 {
		t.Errorf("SMA_3 after reload: got %v, want 4", v)
	}
	if _, ok := fv.Value("EMA_3"); ok {
		t.Error("EMA_3 should have been removed")
	}
	// RSI:2 is cold and needs 3 observations after reload.
	if fv.Ready {
		t.Error("expected not ready while new view warms up")
	}
	e.Process(obs("A", 6))
	if fv = e.Process(obs("A", 7)); !fv.Ready {
		t.Error("expected ready once new view warmed up")
	}
}

func TestEngine_Reload_Invalid(t *testing.T) {
	e := mustEngine(t, "ECHO")
	e.Process(obs("A", 1))
	if _, _, err := e.Reload([]Spec{{Type: "BOGUS"}}); err == nil {
		t.Fatal("expected error")
	}
	if got := e.Names(); len(got) != 1 || got[0] != "ECHO" {
		t.Errorf("config changed after failed reload: %v", got)
	}
}

func TestEngine_Run(t *testing.T) {
	e := mustEngine(t, "ECHO")
	in := make(chan model.Observation, 10)
	out := make(chan model.FeatureVector, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx, in, out)
		close(done)
	}()

	in <- obs("A", 42)
	select {
	case fv := <-out:
		if fv.Values[0] != 42 {
			t.Errorf("got %v, want 42", fv.Values[0])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feature vector")
	}

	close(in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after input closed")
	}
}

func TestEngine_RunDropsWhenFull(t *testing.T) {
	e := mustEngine(t, "ECHO")
	dropped := 0
	e.OnDrop = func(model.FeatureVector) { dropped++ }

	in := make(chan model.Observation, 3)
	out := make(chan model.FeatureVector) // unbuffered, never read
	in <- obs("A", 1)
	in <- obs("A", 2)
	close(in)

	e.Run(context.Background(), in, out)
	if dropped != 2 {
		t.Errorf("dropped=%d, want 2", dropped)
	}
}
