package view

import "fmt"

// ReFlex is the cycle counterpart of TrendFlex. Instead of measuring distance
// from past smoothed values it measures distance from the straight line
// joining the oldest and newest smoothed values, which removes the trend
// component and leaves the cycle.
type ReFlex struct {
	s   smoother
	ms  float64
	out float64
}

// NewReFlex creates a ReFlex view over windowLen observations.
func NewReFlex(windowLen int) (*ReFlex, error) {
	if windowLen <= 0 {
		return nil, fmt.Errorf("reflex window %d: %w", windowLen, ErrInvalidWindow)
	}
	return &ReFlex{s: newSmoother(windowLen)}, nil
}

func (r *ReFlex) Update(val float64) {
	filt := r.s.step(val)
	n := r.s.filts.Len()

	// Lookback spans at most windowLen steps; fewer while warming up.
	span := n - 1
	var sum float64
	if span > 0 {
		oldest := r.s.filts.At(0)
		slope := (oldest - filt) / float64(span)
		for i := 1; i <= span; i++ {
			sum += (filt + float64(i)*slope) - r.s.filts.FromBack(i)
		}
		sum /= float64(r.s.windowLen)
	}

	r.out = standardize(sum, &r.ms, r.s.warm())
}

func (r *ReFlex) Last() float64 { return r.out }

func (r *ReFlex) Clone() View {
	c := *r
	c.s = r.s.clone()
	return &c
}
