package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"viewengine/internal/view"
)

// View types understood by ParseSpec.
const (
	TypeEcho      = "ECHO"
	TypeTrendFlex = "TRENDFLEX"
	TypeReFlex    = "REFLEX"
	TypeSMA       = "SMA"
	TypeEMA       = "EMA"
	TypeRSI       = "RSI"
)

// ErrUnknownView is returned for a spec whose type has no constructor.
var ErrUnknownView = errors.New("unknown view type")

// Spec describes one view in text form: TYPE[:PERIOD][@WINDOW].
// A non-zero NormWindow wraps the view in a Normalizer over that many outputs.
//
//	ECHO            identity
//	TRENDFLEX:16    TrendFlex(16)
//	TRENDFLEX:16@1024  Normalizer(TrendFlex(16), 1024)
type Spec struct {
	Type       string
	Period     int
	NormWindow int
}

// ParseSpec parses a single view spec. Type names are case-insensitive.
func ParseSpec(s string) (Spec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Spec{}, fmt.Errorf("empty view spec")
	}

	var spec Spec
	body := raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		w, err := strconv.Atoi(strings.TrimSpace(raw[at+1:]))
		if err != nil {
			return Spec{}, fmt.Errorf("view spec %q: bad normalizer window: %w", raw, err)
		}
		spec.NormWindow = w
		body = raw[:at]
	}

	typ, period, hasPeriod := strings.Cut(body, ":")
	spec.Type = strings.ToUpper(strings.TrimSpace(typ))
	if hasPeriod {
		p, err := strconv.Atoi(strings.TrimSpace(period))
		if err != nil {
			return Spec{}, fmt.Errorf("view spec %q: bad period: %w", raw, err)
		}
		spec.Period = p
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, fmt.Errorf("view spec %q: %w", raw, err)
	}
	return spec, nil
}

// ParseSpecs parses a comma-separated list of view specs.
func ParseSpecs(s string) ([]Spec, error) {
	var specs []Spec
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spec, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// DefaultSpecs is the view set used when none is configured.
func DefaultSpecs() []Spec {
	return []Spec{
		{Type: TypeEcho},
		{Type: TypeEcho, NormWindow: 256},
		{Type: TypeTrendFlex, Period: 16},
		{Type: TypeTrendFlex, Period: 16, NormWindow: 1024},
		{Type: TypeReFlex, Period: 16, NormWindow: 1024},
		{Type: TypeRSI, Period: 14},
	}
}

// Validate checks the type and the period/window ranges.
func (s Spec) Validate() error {
	switch s.Type {
	case TypeEcho:
		if s.Period != 0 {
			return fmt.Errorf("%s takes no period", s.Type)
		}
	case TypeTrendFlex, TypeReFlex, TypeSMA, TypeEMA, TypeRSI:
		if s.Period <= 0 {
			return fmt.Errorf("%s period %d: %w", s.Type, s.Period, view.ErrInvalidWindow)
		}
	default:
		return fmt.Errorf("%q: %w", s.Type, ErrUnknownView)
	}
	if s.NormWindow < 0 {
		return fmt.Errorf("normalizer window %d: %w", s.NormWindow, view.ErrInvalidWindow)
	}
	return nil
}

// ValidateSpecs checks every spec and rejects duplicate names, since names
// identify outputs in feature vectors and state carried across reloads.
func ValidateSpecs(specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no views configured")
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		name := s.Name()
		if seen[name] {
			return fmt.Errorf("duplicate view %s", name)
		}
		seen[name] = true
	}
	return nil
}

// Name returns the output name, e.g. "TRENDFLEX_16" or "TRENDFLEX_16_N1024".
func (s Spec) Name() string {
	name := s.Type
	if s.Period > 0 {
		name += "_" + strconv.Itoa(s.Period)
	}
	if s.NormWindow > 0 {
		name += "_N" + strconv.Itoa(s.NormWindow)
	}
	return name
}

// String returns the canonical text form accepted by ParseSpec.
func (s Spec) String() string {
	out := s.Type
	if s.Period > 0 {
		out += ":" + strconv.Itoa(s.Period)
	}
	if s.NormWindow > 0 {
		out += "@" + strconv.Itoa(s.NormWindow)
	}
	return out
}

// FormatSpecs renders specs in the comma-separated form ParseSpecs reads.
func FormatSpecs(specs []Spec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// MarshalText encodes the spec in its text form (used for JSON).
func (s Spec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the text form.
func (s *Spec) UnmarshalText(b []byte) error {
	parsed, err := ParseSpec(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Warmup returns the number of observations the underlying view needs before
// its output is meaningful.
func (s Spec) Warmup() int {
	switch s.Type {
	case TypeSMA, TypeEMA:
		return s.Period
	case TypeRSI, TypeTrendFlex, TypeReFlex:
		return s.Period + 1
	default:
		return 1
	}
}

// Build constructs a fresh view for the spec.
func (s Spec) Build() (view.View, error) {
	var (
		v   view.View
		err error
	)
	switch s.Type {
	case TypeEcho:
		v = view.NewEcho()
	case TypeTrendFlex:
		v, err = view.NewTrendFlex(s.Period)
	case TypeReFlex:
		v, err = view.NewReFlex(s.Period)
	case TypeSMA:
		v, err = view.NewSMA(s.Period)
	case TypeEMA:
		v, err = view.NewEMA(s.Period)
	case TypeRSI:
		v, err = view.NewRSI(s.Period)
	default:
		return nil, fmt.Errorf("%q: %w", s.Type, ErrUnknownView)
	}
	if err != nil {
		return nil, err
	}
	if s.NormWindow == 0 {
		return v, nil
	}
	n, err := view.NewNormalizer(v, s.NormWindow)
	if err != nil {
		return nil, err
	}
	return n, nil
}
