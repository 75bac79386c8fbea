package view

import (
	"fmt"

	"viewengine/internal/ringbuf"
)

// SMA calculates Simple Moving Average over a rolling window.
// The running sum is adjusted by the evicted value, so Update is O(1).
type SMA struct {
	period  int
	buf     *ringbuf.Window
	sum     float64
	current float64
}

// NewSMA creates a new SMA view with the given period.
func NewSMA(period int) (*SMA, error) {
	if period <= 0 {
		return nil, fmt.Errorf("sma period %d: %w", period, ErrInvalidWindow)
	}
	return &SMA{
		period: period,
		buf:    ringbuf.New(period),
	}, nil
}

func (s *SMA) Update(val float64) {
	if s.buf.Full() {
		old, _ := s.buf.PopFront()
		s.sum -= old
	}
	s.buf.Push(val)
	s.sum += val

	if s.buf.Full() {
		s.current = s.sum / float64(s.period)
	}
}

// Last returns the average, or 0 until period values have been seen.
func (s *SMA) Last() float64 { return s.current }

func (s *SMA) Clone() View {
	c := *s
	c.buf = s.buf.Clone()
	return &c
}
