// Package view provides streaming single-scalar transforms ("views") over a
// sequence of observations.
//
// Every view consumes one float64 per Update and exposes its current output
// through Last. Views are composable: a Normalizer wraps any other view and
// rescales its output into [-1, 1]. A SlidingWindow fans one input stream out
// to many views and collects their outputs in registration order.
//
// Views are designed for single-goroutine usage. Independent replicas of the
// same configuration are obtained with Clone, which never shares mutable state.
package view

import "errors"

// View is the interface implemented by every streaming transform.
type View interface {
	// Update consumes exactly one observation and advances internal state.
	Update(val float64)

	// Last returns the current output. It has no side effects and returns
	// the same value until the next Update. Returns 0 before any Update.
	Last() float64

	// Clone returns a deep copy whose state evolves independently.
	Clone() View
}

// ErrInvalidWindow is returned by constructors given a non-positive window
// length or period.
var ErrInvalidWindow = errors.New("window length must be positive")
