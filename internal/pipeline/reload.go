package pipeline

import (
	"log"

	"viewengine/internal/view"
)

// Reload replaces the view configuration. Views whose name is unchanged keep
// their accumulated state in every series; new views start cold and delay the
// series' Ready flag by their warm-up. Removed views are dropped.
// Returns the number of preserved and newly created view instances.
func (e *Engine) Reload(specs []Spec) (preserved, created int, err error) {
	template, names, warmup, err := buildTemplate(specs)
	if err != nil {
		return 0, 0, err
	}

	for series, st := range e.state {
		oldByName := make(map[string]view.View, st.window.Len())
		for i, name := range e.names {
			oldByName[name] = st.window.View(i)
		}

		sw := view.NewSlidingWindow()
		for i, name := range names {
			if existing, ok := oldByName[name]; ok {
				sw.Register(existing) // keep accumulated state
				preserved++
				continue
			}
			sw.Register(template.View(i).Clone())
			created++
			if r := st.seq + int64(specs[i].Warmup()); r > st.readyAt {
				st.readyAt = r
			}
		}
		st.window = sw
		log.Printf("[pipeline] reload series=%s: %d views", series, sw.Len())
	}

	e.specs = append([]Spec(nil), specs...)
	e.names = names
	e.template = template
	e.warmup = warmup

	log.Printf("[pipeline] config reloaded: %d views, %d preserved, %d new", len(specs), preserved, created)
	return preserved, created, nil
}
