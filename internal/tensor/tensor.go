// Package tensor moves flat float slices in and out of gonum matrices,
// applying optional per-element normalization on the way.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/config"
)

// StdDevEpsilon is the magnitude below which a standard deviation is treated as zero.
const StdDevEpsilon = 1e-4

var (
	// ErrDimensionMismatch is returned when a slice does not fill the requested shape.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNonFinite is returned when a value is NaN or infinite.
	ErrNonFinite = errors.New("non-finite value")
)

// Converter converts between flat slices and matrices.
type Converter struct {
	logger zerolog.Logger
}

// NewConverter returns a converter that reports normalization problems to logger.
func NewConverter(logger zerolog.Logger) *Converter {
	return &Converter{logger: logger.With().Str("component", "tensor").Logger()}
}

// ToMatrix fills a rows x cols matrix from values in row-major order,
// normalizing each element when params are enabled.
func (c *Converter) ToMatrix(values []float64, rows, cols int, params config.NormalizationParams) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: shape %dx%d", ErrDimensionMismatch, rows, cols)
	}
	if len(values) != rows*cols {
		return nil, fmt.Errorf("%w: got %d values for shape %dx%d", ErrDimensionMismatch, len(values), rows, cols)
	}

	data := make([]float64, len(values))
	copy(data, values)
	if params.Enabled {
		s := c.stats(params, len(data), "normalize")
		for i, v := range data {
			if math.Abs(s.std[i]) < StdDevEpsilon {
				continue
			}
			data[i] = (v - s.mean[i]) / s.std[i]
		}
		if s.skipped > 0 {
			c.logger.Warn().Int("elements", s.skipped).Msg("standard deviation near zero, skipping normalization for those elements")
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

// ToRow builds a single-row matrix from values.
func (c *Converter) ToRow(values []float64, params config.NormalizationParams) (*mat.Dense, error) {
	return c.ToMatrix(values, 1, len(values), params)
}

// FromMatrix flattens m in row-major order, denormalizing each element when
// params are enabled.
func (c *Converter) FromMatrix(m mat.Matrix, params config.NormalizationParams) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, m.At(i, j))
		}
	}
	if params.Enabled {
		s := c.stats(params, len(out), "denormalize")
		for i, v := range out {
			out[i] = v*s.std[i] + s.mean[i]
		}
	}
	return out
}

type elementStats struct {
	mean    []float64
	std     []float64
	skipped int
}

// stats expands the parameter arrays to n elements. A single value
// broadcasts; a short array falls back to mean 0 and stddev 1 past its end.
func (c *Converter) stats(params config.NormalizationParams, n int, op string) elementStats {
	s := elementStats{
		mean: expand(params.Mean, n, 0),
		std:  expand(params.StdDev, n, 1),
	}
	if k := len(params.Mean); k > 1 && k < n {
		c.logger.Warn().Str("op", op).Int("have", k).Int("need", n).Msg("mean array too short, using 0 for missing elements")
	}
	if k := len(params.StdDev); k > 1 && k < n {
		c.logger.Warn().Str("op", op).Int("have", k).Int("need", n).Msg("stddev array too short, using 1 for missing elements")
	}
	for _, sd := range s.std {
		if math.Abs(sd) < StdDevEpsilon {
			s.skipped++
		}
	}
	return s
}

func expand(values []float64, n int, fallback float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		switch {
		case len(values) == 1:
			out[i] = values[0]
		case i < len(values):
			out[i] = values[i]
		default:
			out[i] = fallback
		}
	}
	return out
}

// Fit returns a copy of values padded with zeros or truncated to length n,
// and whether the length had to change.
func Fit(values []float64, n int) ([]float64, bool) {
	out := make([]float64, n)
	copy(out, values)
	return out, len(values) != n
}

// AllFinite reports whether every value is neither NaN nor infinite.
func AllFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Sanitize replaces NaN and infinite values with zero and returns how many
// were replaced.
func Sanitize(values []float64) int {
	replaced := 0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = 0
			replaced++
		}
	}
	return replaced
}
