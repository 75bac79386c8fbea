package view

import "fmt"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Output is in [0, 100] once period+1 values have been seen, 0 before.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI view with the given period (typically 14).
func NewRSI(period int) (*RSI, error) {
	if period <= 0 {
		return nil, fmt.Errorf("rsi period %d: %w", period, ErrInvalidWindow)
	}
	return &RSI{period: period}, nil
}

func (r *RSI) Update(val float64) {
	r.count++
	if r.count == 1 {
		r.prevClose = val
		return
	}

	delta := val - r.prevClose
	r.prevClose = val

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	p := float64(r.period)
	if r.count <= r.period+1 {
		r.avgGain += gain
		r.avgLoss += loss
		if r.count < r.period+1 {
			return
		}
		// First value uses the SMA seed.
		r.avgGain /= p
		r.avgLoss /= p
	} else {
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}

	if r.avgLoss == 0 {
		r.current = 100.0
		return
	}
	rs := r.avgGain / r.avgLoss
	r.current = 100.0 - (100.0 / (1.0 + rs))
}

func (r *RSI) Last() float64 { return r.current }

func (r *RSI) Clone() View {
	c := *r
	return &c
}
