package shipper

import (
	"math"
	"regexp"
	"strings"
)

const (
	gramsPerKilogram = 1000.0
	kilogramsPerLB   = 0.45359237
	kilogramsPerOZ   = 0.028349523125
	centimetersPerIN = 2.54
)

// Kilograms returns the weight in kilograms. Unknown units yield NaN.
func (w Weight) Kilograms() float64 {
	switch w.Unit {
	case WeightKG:
		return w.Amount
	case WeightG:
		return w.Amount / gramsPerKilogram
	case WeightLB:
		return w.Amount * kilogramsPerLB
	case WeightOZ:
		return w.Amount * kilogramsPerOZ
	default:
		return math.NaN()
	}
}

// Grams returns the weight in grams, rounded up to the next whole gram so a
// positive weight never becomes zero.
func (w Weight) Grams() int64 {
	return int64(math.Ceil(w.Kilograms()*gramsPerKilogram - 1e-9))
}

// KnownUnit reports whether the unit is one of the supported weight units.
func (u WeightUnit) KnownUnit() bool {
	switch u {
	case WeightKG, WeightG, WeightLB, WeightOZ:
		return true
	}
	return false
}

// Centimeters returns length, width and height in centimeters.
func (d Dimensions) Centimeters() (length, width, height float64) {
	factor := 1.0
	if d.Unit == DimensionIN {
		factor = centimetersPerIN
	}
	return d.Length * factor, d.Width * factor, d.Height * factor
}

var (
	trailingHouseNumber = regexp.MustCompile(`^(.*?\S)\s+(\d+[\p{L}\d\-/]*)$`)
	leadingHouseNumber  = regexp.MustCompile(`^(\d+[\p{L}\d\-/]*)\s+(\S.*)$`)
)

// SplitStreet separates a street line into street name and house number for
// carriers that require them as distinct fields. Both "Hauptstr. 5a" and
// "123 Main St" are understood; a line without a number is returned whole.
func SplitStreet(line string) (street, house string) {
	line = strings.TrimSpace(line)
	if m := trailingHouseNumber.FindStringSubmatch(line); m != nil {
		return m[1], m[2]
	}
	if m := leadingHouseNumber.FindStringSubmatch(line); m != nil {
		return m[2], m[1]
	}
	return line, ""
}

// Round2 rounds to two decimals, the precision carriers accept for money and kilograms.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
