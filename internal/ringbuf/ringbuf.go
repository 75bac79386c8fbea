// Package ringbuf provides a fixed-capacity circular buffer of float64 values
// used as the bounded history behind windowed views. Values are addressed
// oldest-first. A Window is not safe for concurrent use; each view owns its
// own buffer and copies it on Clone.
package ringbuf

// Window is a bounded FIFO of float64 backed by a preallocated slice.
// Pushing onto a full window is not allowed; callers pop the oldest value
// first so that eviction is always explicit.
type Window struct {
	buf   []float64
	start int // index of the oldest value
	n     int // number of stored values
}

// New creates a window holding at most capacity values.
// Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v as the newest value. Returns false if the window is full
// (v is NOT written in that case).
func (w *Window) Push(v float64) bool {
	if w.n == len(w.buf) {
		return false
	}
	w.buf[(w.start+w.n)%len(w.buf)] = v
	w.n++
	return true
}

// PopFront removes and returns the oldest value.
// Returns false if the window is empty.
func (w *Window) PopFront() (float64, bool) {
	if w.n == 0 {
		return 0, false
	}
	v := w.buf[w.start]
	w.start = (w.start + 1) % len(w.buf)
	w.n--
	return v, true
}

// At returns the i-th value counted from the oldest (0) to the newest (Len()-1).
// It panics if i is out of range, like a slice index.
func (w *Window) At(i int) float64 {
	if i < 0 || i >= w.n {
		panic("ringbuf: index out of range")
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// FromBack returns the i-th value counted from the newest (0) backwards.
func (w *Window) FromBack(i int) float64 {
	return w.At(w.n - 1 - i)
}

// Extent returns the minimum and maximum of the stored values.
// ok is false when the window is empty.
func (w *Window) Extent() (min, max float64, ok bool) {
	if w.n == 0 {
		return 0, 0, false
	}
	min = w.buf[w.start]
	max = min
	for i := 1; i < w.n; i++ {
		v := w.buf[(w.start+i)%len(w.buf)]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, true
}

// Values returns a copy of the stored values, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.n)
	for i := range out {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of stored values.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Full reports whether Len() == Cap().
func (w *Window) Full() bool { return w.n == len(w.buf) }

// Clone returns a deep copy that shares no storage with w.
func (w *Window) Clone() *Window {
	buf := make([]float64, len(w.buf))
	copy(buf, w.buf)
	return &Window{buf: buf, start: w.start, n: w.n}
}
