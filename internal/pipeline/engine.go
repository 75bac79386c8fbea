// Package pipeline runs a configured set of views over many independent
// observation series. Each series gets its own replica of the view set,
// cloned from a template on its first observation.
package pipeline

import (
	"context"
	"sort"

	"viewengine/internal/model"
	"viewengine/internal/view"
)

// seriesState holds the live view replica for one series.
type seriesState struct {
	window  *view.SlidingWindow
	seq     int64
	readyAt int64 // seq at which every view has warmed up
	latest  model.FeatureVector
}

// Engine computes every configured view for every series it sees.
// Designed for single-goroutine usage; callers sharing an Engine across
// goroutines must serialize access.
type Engine struct {
	specs    []Spec
	names    []string
	template *view.SlidingWindow
	warmup   int64

	state map[string]*seriesState

	// OnDrop is called by Run when a vector is dropped because out is full.
	OnDrop func(fv model.FeatureVector)
}

// NewEngine validates specs and builds the template view set.
func NewEngine(specs []Spec) (*Engine, error) {
	template, names, warmup, err := buildTemplate(specs)
	if err != nil {
		return nil, err
	}
	return &Engine{
		specs:    append([]Spec(nil), specs...),
		names:    names,
		template: template,
		warmup:   warmup,
		state:    make(map[string]*seriesState, 64),
	}, nil
}

func buildTemplate(specs []Spec) (*view.SlidingWindow, []string, int64, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, nil, 0, err
	}
	sw := view.NewSlidingWindow()
	names := make([]string, len(specs))
	var warmup int64
	for i, s := range specs {
		v, err := s.Build()
		if err != nil {
			return nil, nil, 0, err
		}
		sw.Register(v)
		names[i] = s.Name()
		if w := int64(s.Warmup()); w > warmup {
			warmup = w
		}
	}
	return sw, names, warmup, nil
}

// Process feeds one observation to its series' views and returns the
// resulting feature vector. The returned Names slice is shared and must not
// be modified.
func (e *Engine) Process(obs model.Observation) model.FeatureVector {
	st, ok := e.state[obs.Series]
	if !ok {
		// First observation for this series: replicate the template.
		st = &seriesState{
			window:  e.template.Clone(),
			readyAt: e.warmup,
		}
		e.state[obs.Series] = st
	}

	st.window.Update(obs.Value)
	st.seq++

	fv := model.FeatureVector{
		Series: obs.Series,
		TS:     obs.TS,
		Seq:    st.seq,
		Input:  obs.Value,
		Names:  e.names,
		Values: st.window.Snapshot(),
		Ready:  st.seq >= st.readyAt,
	}
	st.latest = fv
	return fv
}

// Latest returns the most recent vector for a series.
func (e *Engine) Latest(series string) (model.FeatureVector, bool) {
	st, ok := e.state[series]
	if !ok {
		return model.FeatureVector{}, false
	}
	return st.latest, true
}

// Series returns the known series keys, sorted.
func (e *Engine) Series() []string {
	keys := make([]string, 0, len(e.state))
	for k := range e.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SeriesCount returns the number of series with live state.
func (e *Engine) SeriesCount() int {
	return len(e.state)
}

// Specs returns a copy of the configured specs.
func (e *Engine) Specs() []Spec {
	return append([]Spec(nil), e.specs...)
}

// Names returns the output names in view order.
func (e *Engine) Names() []string {
	return append([]string(nil), e.names...)
}

// Run consumes observations and emits feature vectors. Blocks until ctx is
// done or in is closed. Vectors are dropped when out is full.
func (e *Engine) Run(ctx context.Context, in <-chan model.Observation, out chan<- model.FeatureVector) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-in:
			if !ok {
				return
			}
			fv := e.Process(obs)
			select {
			case out <- fv:
			default:
				if e.OnDrop != nil {
					e.OnDrop(fv)
				}
			}
		}
	}
}
