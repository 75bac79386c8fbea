package view

import (
	"math"

	"viewengine/internal/ringbuf"
)

// Super-smoother constants, shared by TrendFlex and ReFlex.
const (
	smootherDecay  = 8.88442402435
	smootherPeriod = 4.44221201218

	msDecay = 0.96
	msGain  = 0.04
)

// smoother is the second-order recursive filter used by the flex family.
// It keeps the previous input and a bounded history of its own outputs,
// which the flex views also use as the lookback for their trend statistic.
type smoother struct {
	windowLen int
	c1, b1    float64
	c3        float64

	lastVal float64
	filts   *ringbuf.Window // capacity windowLen+1
}

func newSmoother(windowLen int) smoother {
	l := float64(windowLen)
	a1 := math.Exp(-smootherDecay / l)
	b1 := 2 * a1 * math.Cos(smootherPeriod/l)
	c3 := -a1 * a1
	return smoother{
		windowLen: windowLen,
		c1:        1 - b1 - c3,
		b1:        b1,
		c3:        c3,
		filts:     ringbuf.New(windowLen + 1),
	}
}

// step filters val, appends the result to the history (evicting the oldest
// once windowLen+1 values are held) and returns it.
func (s *smoother) step(val float64) float64 {
	if s.filts.Len() == 0 {
		s.lastVal = val
	}
	if s.filts.Full() {
		s.filts.PopFront()
	}

	filt := s.c1 * (val + s.lastVal) / 2
	switch l := s.filts.Len(); {
	case l == 1:
		filt += s.b1 * s.filts.FromBack(0)
	case l > 1:
		filt += s.b1*s.filts.FromBack(0) + s.c3*s.filts.FromBack(1)
	}

	s.lastVal = val
	s.filts.Push(filt)
	return filt
}

// warm reports whether the history has reached windowLen+1 values.
func (s *smoother) warm() bool { return s.filts.Full() }

func (s *smoother) clone() smoother {
	c := *s
	c.filts = s.filts.Clone()
	return c
}

// standardize folds sum into the exponentially weighted mean square ms and
// returns sum/sqrt(ms), or 0 while not warm or when ms is not positive.
func standardize(sum float64, ms *float64, warm bool) float64 {
	*ms = msGain*sum*sum + msDecay*(*ms)
	if !warm || *ms <= 0 {
		return 0
	}
	return sum / math.Sqrt(*ms)
}
