package sparse

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrSingular          = errors.New("matrix is singular")
	ErrNotAnalyzed       = errors.New("matrix has not been analyzed")
	ErrNotFactored       = errors.New("matrix has not been factored")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrStructure         = errors.New("invalid compressed-row structure")
)

// NumericalError reports a failed analysis or factorization.
type NumericalError struct {
	Op        string
	Size      int
	NNZ       int
	Perturbed int
	Err       error
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("%v of %vx%v matrix (%v nonzeros, %v perturbed pivots): %v", e.Op, e.Size, e.Size, e.NNZ, e.Perturbed, e.Err)
}

func (e *NumericalError) Unwrap() error { return e.Err }

// Kind describes the matrix type handed to a DirectSolver.
type Kind int

const (
	Symmetric Kind = iota
	Indefinite
	SPD
)

func (k Kind) String() string {
	switch k {
	case Symmetric:
		return "symmetric"
	case Indefinite:
		return "indefinite"
	case SPD:
		return "SPD"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DirectSolver factors and solves sparse symmetric systems. Analyze fixes the
// sparsity pattern; Factor may then be called any number of times with new
// values in the same pattern.
type DirectSolver interface {
	Analyze(A *CRS, kind Kind) error
	Factor(values []float64) error
	Solve(x, b []float64) error
	// SolveMulti solves for every column of B.
	SolveMulti(X, B *mat.Dense) error
	// IterativeSolve solves with new values in the analyzed pattern,
	// preconditioned by the last factorization, until the residual drops below
	// 10^-tolExp relative to b. It returns the number of iterations used, or a
	// value <= 0 if it did not converge.
	IterativeSolve(values, x, b []float64, tolExp int) int
	NumNonZerosInFactors() int
	NumPerturbedPivots() int
	Dispose()
	Status() string
}

// Preconditioner is a function that takes a (e.g. residual) vector r and
// applies a preconditioning matrix to it and stores the result in z.
type Preconditioner func(z, r []float64)

func solveColumns(s interface{ Solve(x, b []float64) error }, X, B *mat.Dense) error {
	r, c := B.Dims()
	xr, xc := X.Dims()
	if r != xr || c != xc {
		return fmt.Errorf("solve %vx%v into %vx%v: %w", r, c, xr, xc, ErrDimensionMismatch)
	}
	b := make([]float64, r)
	x := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(b, j, B)
		if err := s.Solve(x, b); err != nil {
			return err
		}
		X.SetCol(j, x)
	}
	return nil
}
