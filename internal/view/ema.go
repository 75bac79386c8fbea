package view

import "fmt"

// EMA calculates Exponential Moving Average.
// O(1) per update, seeded with the SMA of the first period values.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA view with the given period.
func NewEMA(period int) (*EMA, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ema period %d: %w", period, ErrInvalidWindow)
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}, nil
}

func (e *EMA) Update(val float64) {
	e.count++

	if e.count <= e.period {
		e.sum += val
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (val * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Last() float64 { return e.current }

func (e *EMA) Clone() View {
	c := *e
	return &c
}
