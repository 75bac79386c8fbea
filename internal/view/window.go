package view

// SlidingWindow fans each observation out to a set of views and collects
// their outputs in registration order. It owns every registered view.
// Designed for single-goroutine usage; no locks needed.
type SlidingWindow struct {
	views []View
}

// NewSlidingWindow creates an empty aggregator.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{}
}

// Register appends v, taking ownership. Its position in Snapshot output is
// the number of views registered before it.
func (w *SlidingWindow) Register(v View) {
	w.views = append(w.views, v)
}

// Update propagates val through all views in registration order.
func (w *SlidingWindow) Update(val float64) {
	for _, v := range w.views {
		v.Update(val)
	}
}

// Snapshot returns Last() of every view in registration order.
func (w *SlidingWindow) Snapshot() []float64 {
	return w.AppendSnapshot(make([]float64, 0, len(w.views)))
}

// AppendSnapshot appends Last() of every view to dst and returns the
// extended slice.
func (w *SlidingWindow) AppendSnapshot(dst []float64) []float64 {
	for _, v := range w.views {
		dst = append(dst, v.Last())
	}
	return dst
}

// View returns the i-th registered view.
func (w *SlidingWindow) View(i int) View { return w.views[i] }

// Len returns the number of registered views.
func (w *SlidingWindow) Len() int { return len(w.views) }

// Clone deep-copies every registered view into a new aggregator.
func (w *SlidingWindow) Clone() *SlidingWindow {
	views := make([]View, len(w.views))
	for i, v := range w.views {
		views[i] = v.Clone()
	}
	return &SlidingWindow{views: views}
}
