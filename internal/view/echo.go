package view

// Echo is the identity view: Last returns the most recent input.
type Echo struct {
	last float64
}

// NewEcho creates an identity view.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Update(val float64) { e.last = val }
func (e *Echo) Last() float64      { return e.last }

func (e *Echo) Clone() View {
	c := *e
	return &c
}
