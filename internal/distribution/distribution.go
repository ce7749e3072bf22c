// Package distribution holds the param-value and distribution descriptor
// types from the data model (spec.md section 3, "Param value"). The
// original Rust source (src/distribution.rs) defines a concrete set of
// samplers rather than leaving it opaque; we carry that supplement since
// nothing in the Non-goals excludes it.
package distribution

import "fmt"

// Kind tags which sampler a Distribution describes.
type Kind string

const (
	Uniform     Kind = "uniform"
	LogUniform  Kind = "log_uniform"
	IntUniform  Kind = "int_uniform"
	Categorical Kind = "categorical"
)

// Distribution is the opaque descriptor referenced by spec.md's "Param
// value" entity, made concrete per original_source/src/distribution.rs.
type Distribution struct {
	Kind    Kind     `json:"kind"`
	Low     float64  `json:"low,omitempty"`
	High    float64  `json:"high,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// Validate reports whether d is a well-formed distribution for its kind.
func (d Distribution) Validate() error {
	switch d.Kind {
	case Uniform, LogUniform, IntUniform:
		if d.Low > d.High {
			return fmt.Errorf("distribution %s: low %v > high %v", d.Kind, d.Low, d.High)
		}
		return nil
	case Categorical:
		if len(d.Choices) == 0 {
			return fmt.Errorf("distribution categorical: no choices")
		}
		return nil
	default:
		return fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
}

// ParamValue is a single trial parameter: the sampled float value plus
// the distribution it was drawn from (categorical choices are carried as
// their index, per original source convention).
type ParamValue struct {
	Value        float64      `json:"value"`
	Distribution Distribution `json:"distribution"`
}
