package models

import (
	"fmt"
	"strconv"
)

// RangeRules defines the YAML configuration of expected parameter ranges
// used by the offline analyzer.
type RangeRules struct {
	Parameters []ParameterRange `json:"parameters" yaml:"parameters"`
}

// ParameterRange is the expected range for one measured parameter. A value
// outside Critical is a critical finding; outside Warning, a warning.
type ParameterRange struct {
	Name     string   `json:"name" yaml:"name"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Unit     string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Warning  *Bounds  `json:"warning,omitempty" yaml:"warning,omitempty"`
	Critical *Bounds  `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// Bounds is an inclusive interval; a nil side is unbounded.
type Bounds struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Contains reports whether v lies within b. A nil receiver contains everything.
func (b *Bounds) Contains(v float64) bool {
	if b == nil {
		return true
	}
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// String renders b as "6.5-8.5", ">=2" or "<=12".
func (b *Bounds) String() string {
	if b == nil {
		return ""
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	switch {
	case b.Min != nil && b.Max != nil:
		return fmt.Sprintf("%s-%s", f(*b.Min), f(*b.Max))
	case b.Min != nil:
		return ">=" + f(*b.Min)
	case b.Max != nil:
		return "<=" + f(*b.Max)
	}
	return ""
}
