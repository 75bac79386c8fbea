package view

import "fmt"

// TrendFlex is a trend-standardizing oscillator. It super-smooths the input,
// averages the distance between the newest smoothed value and each of the
// last windowLen+1 smoothed values, and divides that trend statistic by its
// exponentially weighted RMS.
//
// Output is 0 until windowLen+1 smoothed values have been accumulated.
type TrendFlex struct {
	s   smoother
	ms  float64
	out float64
}

// NewTrendFlex creates a TrendFlex view over windowLen observations.
func NewTrendFlex(windowLen int) (*TrendFlex, error) {
	if windowLen <= 0 {
		return nil, fmt.Errorf("trendflex window %d: %w", windowLen, ErrInvalidWindow)
	}
	return &TrendFlex{s: newSmoother(windowLen)}, nil
}

func (t *TrendFlex) Update(val float64) {
	filt := t.s.step(val)

	var sum float64
	for i := 0; i < t.s.filts.Len(); i++ {
		sum += filt - t.s.filts.At(i)
	}
	sum /= float64(t.s.windowLen)

	t.out = standardize(sum, &t.ms, t.s.warm())
}

func (t *TrendFlex) Last() float64 { return t.out }

func (t *TrendFlex) Clone() View {
	c := *t
	c.s = t.s.clone()
	return &c
}
