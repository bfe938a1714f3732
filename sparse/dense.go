package sparse

import (
	"bytes"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DenseLU is a DirectSolver that densifies the matrix and uses an LU
// factorization with partial pivoting. It is only suitable for small
// systems, but makes no assumptions about the pivot order.
type DenseLU struct {
	// MaxCond is the condition number above which a factorization is
	// reported as singular. Zero means 1e14.
	MaxCond float64
	// MaxRefinements bounds the iterations of IterativeSolve. Zero means 30.
	MaxRefinements int

	a        *CRS
	lu       mat.LU
	factored bool
	cond     float64
}

func (s *DenseLU) Analyze(A *CRS, kind Kind) error {
	if err := A.Check(); err != nil {
		return &NumericalError{Op: "analyze", Size: A.Size, NNZ: len(A.ColIdxs), Err: err}
	}
	s.a = &CRS{Size: A.Size, RowOffs: A.RowOffs, ColIdxs: A.ColIdxs}
	s.factored = false
	return nil
}

func (s *DenseLU) Factor(values []float64) error {
	if s.a == nil {
		return ErrNotAnalyzed
	}
	if len(values) != s.a.NNZ() {
		return &NumericalError{Op: "factor", Size: s.a.Size, NNZ: s.a.NNZ(), Err: ErrDimensionMismatch}
	}
	s.a.Values = values
	s.lu.Factorize(s.a.Dense())
	s.cond = s.lu.Cond()
	maxCond := s.MaxCond
	if maxCond == 0 {
		maxCond = 1e14
	}
	if math.IsInf(s.cond, 1) || s.cond > maxCond {
		s.factored = false
		return &NumericalError{Op: "factor", Size: s.a.Size, NNZ: s.a.NNZ(), Err: fmt.Errorf("condition number %g: %w", s.cond, ErrSingular)}
	}
	s.factored = true
	return nil
}

func (s *DenseLU) Solve(x, b []float64) error {
	if !s.factored {
		return ErrNotFactored
	}
	n := s.a.Size
	if len(x) != n || len(b) != n {
		return fmt.Errorf("solve of size %v with x=%v b=%v: %w", n, len(x), len(b), ErrDimensionMismatch)
	}
	var u mat.VecDense
	if err := s.lu.SolveVecTo(&u, false, mat.NewVecDense(n, b)); err != nil {
		return err
	}
	copy(x, u.RawVector().Data)
	return nil
}

func (s *DenseLU) SolveMulti(X, B *mat.Dense) error {
	if !s.factored {
		return ErrNotFactored
	}
	return s.lu.SolveTo(X, false, B)
}

func (s *DenseLU) IterativeSolve(values, x, b []float64, tolExp int) int {
	if !s.factored || len(values) != s.a.NNZ() {
		return -1
	}
	maxIter := s.MaxRefinements
	if maxIter == 0 {
		maxIter = 30
	}
	rf := &Refinement{
		MaxIter: maxIter,
		Tol:     math.Pow(10, -float64(tolExp)),
		Preconditioner: func(z, r []float64) {
			if err := s.Solve(z, r); err != nil {
				panic(err)
			}
		},
	}
	if err := rf.Solve(s.a, values, x, b); err != nil {
		return -1
	}
	return max(rf.Niter(), 1)
}

func (s *DenseLU) NumNonZerosInFactors() int {
	if s.a == nil {
		return 0
	}
	return s.a.Size * s.a.Size
}

func (s *DenseLU) NumPerturbedPivots() int { return 0 }

func (s *DenseLU) Dispose() {
	s.a = nil
	s.lu = mat.LU{}
	s.factored = false
}

func (s *DenseLU) Status() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "DenseLU Solver Stats:\n")
	if s.a != nil {
		fmt.Fprintf(&buf, "    %v dof\n", s.a.Size)
	}
	fmt.Fprintf(&buf, "    condition number %.3g", s.cond)
	return buf.String()
}
