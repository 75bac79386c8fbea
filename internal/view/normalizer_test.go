package view

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// randomWalk returns n samples of a Gaussian random walk starting at 100.
func randomWalk(seed int64, n int, scale float64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	v := 100.0
	for i := range out {
		v += rng.NormFloat64() * scale
		out[i] = v
	}
	return out
}

func mustNormalizer(t *testing.T, inner View, windowLen int) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(inner, windowLen)
	if err != nil {
		t.Fatalf("NewNormalizer(%d): %v", windowLen, err)
	}
	return n
}

func bruteExtent(vals []float64) (float64, float64) {
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	return min, max
}

// ────────────────────────────────────────────────────────────
// Normalizer
// ────────────────────────────────────────────────────────────

func TestNormalizer_KnownSequence(t *testing.T) {
	// Window 3 over identity: 1, 5, 2, 8, 3
	// after 8: window [5 2 8] → min 2, max 8 → +1
	// after 3: 5 evicted (not an extremum) → window [2 8 3] → -1 + 2*(1/6)
	n := mustNormalizer(t, NewEcho(), 3)
	inputs := []float64{1, 5, 2, 8, 3}
	want := []float64{0, 1, -1 + 2*(2.0-1)/(5-1), 1, -1 + 2*(3.0-2)/(8-2)}
	wantMin := []float64{1, 1, 1, 2, 2}
	wantMax := []float64{1, 5, 5, 8, 8}

	for i, v := range inputs {
		n.Update(v)
		assertClose(t, "last", n.Last(), want[i], 1e-12)
		min, max := n.Extent()
		if min != wantMin[i] || max != wantMax[i] {
			t.Errorf("step %d: extent=(%v, %v), want (%v, %v)", i, min, max, wantMin[i], wantMax[i])
		}
	}
	assertClose(t, "final", n.Last(), -0.666667, 1e-6)
}

func TestNormalizer_Bounded(t *testing.T) {
	vals := randomWalk(1, 1024, 1.0)
	for _, w := range []int{1, 2, 16, 1024} {
		n := mustNormalizer(t, NewEcho(), w)
		for i, v := range vals {
			n.Update(v)
			if last := n.Last(); last < -1 || last > 1 {
				t.Fatalf("window %d step %d: last=%v out of [-1, 1]", w, i, last)
			}
		}
	}
}

func TestNormalizer_ExtremaMatchBruteForce(t *testing.T) {
	for _, w := range []int{1, 2, 3, 7, 16, 50} {
		n := mustNormalizer(t, NewEcho(), w)
		var shadow []float64
		vals := randomWalk(int64(w), 10*w+100, 2.0)

		for i, v := range vals {
			n.Update(v)
			shadow = append(shadow, v)
			if len(shadow) > w {
				shadow = shadow[1:]
			}
			wantMin, wantMax := bruteExtent(shadow)
			min, max := n.Extent()
			if min != wantMin || max != wantMax {
				t.Fatalf("window %d step %d: extent=(%v, %v), want (%v, %v)", w, i, min, max, wantMin, wantMax)
			}
			if n.history.Len() != len(shadow) {
				t.Fatalf("window %d step %d: history len=%d, want %d", w, i, n.history.Len(), len(shadow))
			}
		}
	}
}

func TestNormalizer_ExtremaWithRepeatedValues(t *testing.T) {
	// Small integer alphabet forces frequent ties between evicted values and extrema.
	rng := rand.New(rand.NewSource(7))
	const w = 5
	n := mustNormalizer(t, NewEcho(), w)
	var shadow []float64
	for i := 0; i < 500; i++ {
		v := float64(rng.Intn(4))
		n.Update(v)
		shadow = append(shadow, v)
		if len(shadow) > w {
			shadow = shadow[1:]
		}
		wantMin, wantMax := bruteExtent(shadow)
		if min, max := n.Extent(); min != wantMin || max != wantMax {
			t.Fatalf("step %d: extent=(%v, %v), want (%v, %v)", i, min, max, wantMin, wantMax)
		}
	}
}

func TestNormalizer_MonotonicDrift(t *testing.T) {
	// Every eviction is the minimum on a rising series.
	const w = 4
	n := mustNormalizer(t, NewEcho(), w)
	for i := 0; i < 20; i++ {
		n.Update(float64(i))
		if i >= w-1 {
			min, max := n.Extent()
			if min != float64(i-w+1) || max != float64(i) {
				t.Fatalf("step %d: extent=(%v, %v)", i, min, max)
			}
			assertClose(t, "rising last", n.Last(), 1, 1e-12)
		}
	}
}

func TestNormalizer_ConstantInputIsZero(t *testing.T) {
	n := mustNormalizer(t, NewEcho(), 8)
	for i := 0; i < 40; i++ {
		n.Update(42)
		if n.Last() != 0 {
			t.Fatalf("step %d: expected 0 for constant input, got %v", i, n.Last())
		}
	}
}

func TestNormalizer_WindowOfOneIsZero(t *testing.T) {
	n := mustNormalizer(t, NewEcho(), 1)
	for i, v := range randomWalk(3, 100, 5) {
		n.Update(v)
		if n.Last() != 0 {
			t.Fatalf("step %d: expected 0 for window of one, got %v", i, n.Last())
		}
	}
}

func TestNormalizer_LastBeforeUpdate(t *testing.T) {
	n := mustNormalizer(t, NewEcho(), 4)
	if n.Last() != 0 {
		t.Errorf("expected 0 before first update, got %v", n.Last())
	}
}

func TestNormalizer_InvalidWindow(t *testing.T) {
	for _, w := range []int{0, -3} {
		_, err := NewNormalizer(NewEcho(), w)
		if !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("window %d: expected ErrInvalidWindow, got %v", w, err)
		}
	}
}

func TestNormalizer_NestedComposition(t *testing.T) {
	tf, err := NewTrendFlex(16)
	if err != nil {
		t.Fatal(err)
	}
	inner := mustNormalizer(t, tf, 64)
	outer := mustNormalizer(t, inner, 32)

	for i, v := range randomWalk(11, 2048, 1.0) {
		outer.Update(v)
		if last := outer.Last(); last < -1 || last > 1 || math.IsNaN(last) {
			t.Fatalf("step %d: nested last=%v out of range", i, last)
		}
	}
}

func TestNormalizer_CloneIsIndependent(t *testing.T) {
	tf, _ := NewTrendFlex(8)
	a := mustNormalizer(t, tf, 32)
	vals := randomWalk(5, 400, 1.0)
	for _, v := range vals[:100] {
		a.Update(v)
	}

	b := a.Clone()
	for i, v := range vals[100:] {
		a.Update(v)
		b.Update(v)
		if a.Last() != b.Last() {
			t.Fatalf("step %d: clone diverged: %v vs %v", i, a.Last(), b.Last())
		}
	}

	// Feeding only the clone must not move the original.
	before := a.Last()
	for _, v := range randomWalk(6, 50, 10) {
		b.Update(v)
	}
	if a.Last() != before {
		t.Errorf("original changed after updating clone: %v → %v", before, a.Last())
	}
}
