// Package policy provides action selection strategies for the runner
package policy

import "gonum.org/v1/gonum/mat"

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses a 1 x ActionDim action row for a 1 x ObservationDim
	// observation row. Actions lie in the network's [-1, 1] range.
	SelectAction(observation mat.Matrix) (*mat.Dense, error)
}
