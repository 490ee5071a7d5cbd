package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidLimit is returned by ParseLimit for malformed input.
var ErrInvalidLimit = errors.New("types: invalid cpu limit")

// Limit is a CPU budget as a fraction of one CPU. 0.5 is half a core,
// 1.5 is one and a half cores.
//
// It implements pflag.Value so it can back a command line flag directly.
type Limit float64

// ParseLimit accepts a percentage of one CPU with an optional "%" suffix:
// "50", "50%", "12.5" and "150" (one and a half cores) are all valid.
func ParseLimit(s string) (Limit, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimSpace(strings.TrimSuffix(v, "%"))
	if v == "" {
		return 0, errors.Wrapf(ErrInvalidLimit, "%q", s)
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return 0, errors.Wrapf(ErrInvalidLimit, "%q", s)
	}
	return FromPercent(p), nil
}

// FromPercent converts a percentage of one CPU.
func FromPercent(p float64) Limit { return Limit(p / 100) }

// Fraction returns the budget in CPUs.
func (l Limit) Fraction() float64 { return float64(l) }

// Percent returns the budget as a percentage of one CPU.
func (l Limit) Percent() float64 { return float64(l) * 100 }

// Unconstrained reports whether the budget covers every available core,
// in which case there is nothing to throttle.
func (l Limit) Unconstrained(cores int) bool {
	return float64(l) >= float64(cores)
}

// Humanized returns the budget in CPUs, e.g. "0.50 CPU" or "2.00 CPUs".
func (l Limit) Humanized() string {
	unit := "CPU"
	if l > 1 {
		unit = "CPUs"
	}
	return fmt.Sprintf("%.2f %s", float64(l), unit)
}

// String formats the budget as a percentage, e.g. "50%" or "12.5%".
func (l Limit) String() string {
	return strconv.FormatFloat(roundPercent(l.Percent()), 'f', -1, 64) + "%"
}

// Set implements pflag.Value.
func (l *Limit) Set(s string) error {
	v, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Type implements pflag.Value.
func (l *Limit) Type() string { return "percent" }

// roundPercent drops float noise such as 0.29*100 = 28.999999999999996.
func roundPercent(p float64) float64 {
	return math.Round(p*1e6) / 1e6
}
