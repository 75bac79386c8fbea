package view

import (
	"fmt"

	"viewengine/internal/ringbuf"
)

// Normalizer rescales the output of an inner view into [-1, 1] using the
// minimum and maximum of the last windowLen inner outputs.
//
// The extrema are maintained incrementally: inserting a value is O(1), and a
// full rescan of the history only happens when the value being evicted was
// itself the cached minimum or maximum.
type Normalizer struct {
	inner   View
	history *ringbuf.Window // capacity is the window length

	min  float64
	max  float64
	last float64
	init bool
}

// NewNormalizer wraps inner, taking ownership of it.
func NewNormalizer(inner View, windowLen int) (*Normalizer, error) {
	if windowLen <= 0 {
		return nil, fmt.Errorf("normalizer window %d: %w", windowLen, ErrInvalidWindow)
	}
	return &Normalizer{
		inner:   inner,
		history: ringbuf.New(windowLen),
		init:    true,
	}, nil
}

func (n *Normalizer) Update(val float64) {
	n.inner.Update(val)
	v := n.inner.Last()

	if n.init {
		n.init = false
		n.min = v
		n.max = v
		n.last = v
	}

	if n.history.Full() {
		old, _ := n.history.PopFront()
		if old <= n.min || old >= n.max {
			// The evicted value was an extremum; the cached bound is stale.
			if min, max, ok := n.history.Extent(); ok {
				n.min, n.max = min, max
			} else {
				n.min, n.max = v, v
			}
		}
	}

	n.history.Push(v)
	if v < n.min {
		n.min = v
	}
	if v > n.max {
		n.max = v
	}
	n.last = v
}

// Last returns the latest inner output mapped so that the window minimum is
// -1 and the window maximum is +1. A degenerate window (max == min) yields 0.
func (n *Normalizer) Last() float64 {
	if n.max == n.min {
		return 0
	}
	return -1 + 2*(n.last-n.min)/(n.max-n.min)
}

func (n *Normalizer) Clone() View {
	c := *n
	c.inner = n.inner.Clone()
	c.history = n.history.Clone()
	return &c
}

// Extent returns the cached window minimum and maximum.
func (n *Normalizer) Extent() (min, max float64) { return n.min, n.max }
