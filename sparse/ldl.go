package sparse

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LDLConfig holds the tunables of the LDL backend.
type LDLConfig struct {
	// Perturbation is the pivot threshold relative to the largest diagonal
	// magnitude. Pivots smaller than this are replaced by a signed value of
	// that size and counted. Zero disables perturbation; tiny pivots then
	// fail the factorization.
	Perturbation float64 `yaml:"perturbation"`
	// MaxRefinements bounds the iterations of IterativeSolve.
	MaxRefinements int          `yaml:"max_refinements"`
	Log            *slog.Logger `yaml:"-"`
}

func DefaultLDLConfig() LDLConfig {
	return LDLConfig{Perturbation: 1e-8, MaxRefinements: 30}
}

// LDL is a sparse up-looking LDL^T factorization of a symmetric (possibly
// indefinite) matrix. SPD matrices are reordered with RCM; other kinds keep
// their natural order, so that saddle point systems with a positive definite
// leading block remain factorable without pivoting.
type LDL struct {
	cfg LDLConfig

	a    *CRS
	kind Kind
	n    int
	// perm[k] is the original index at permuted position k; pinv is its
	// inverse.
	perm []int
	pinv []int

	// upper CSC pattern of the permuted matrix; src maps each entry back to
	// its position in the CRS value array.
	ap  []int
	ai  []int
	src []int

	parent []int
	lnz    []int
	lp     []int
	li     []int
	lx     []float64
	d      []float64

	factored  bool
	perturbed int
	work      []float64
}

func NewLDL(cfg LDLConfig) *LDL {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &LDL{cfg: cfg}
}

func (s *LDL) Analyze(A *CRS, kind Kind) error {
	if err := A.Check(); err != nil {
		return &NumericalError{Op: "analyze", Size: A.Size, NNZ: len(A.ColIdxs), Err: err}
	}
	s.a = &CRS{Size: A.Size, RowOffs: A.RowOffs, ColIdxs: A.ColIdxs}
	s.kind = kind
	s.n = A.Size
	s.factored = false
	n := s.n

	s.perm = make([]int, n)
	s.pinv = make([]int, n)
	if kind == SPD {
		s.pinv = RCM(A)
		for i, k := range s.pinv {
			s.perm[k] = i
		}
	} else {
		for i := range s.perm {
			s.perm[i] = i
			s.pinv[i] = i
		}
	}

	// transpose the permuted pattern into upper CSC form
	s.ap = make([]int, n+1)
	for i := 0; i < n; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			s.ap[max(s.pinv[i], s.pinv[A.ColIdxs[p]])+1]++
		}
	}
	for k := 0; k < n; k++ {
		s.ap[k+1] += s.ap[k]
	}
	next := make([]int, n)
	copy(next, s.ap[:n])
	s.ai = make([]int, A.NNZ())
	s.src = make([]int, A.NNZ())
	for i := 0; i < n; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			a, b := s.pinv[i], s.pinv[A.ColIdxs[p]]
			if a > b {
				a, b = b, a
			}
			q := next[b]
			next[b]++
			s.ai[q] = a
			s.src[q] = p
		}
	}

	// elimination tree and column counts
	s.parent = make([]int, n)
	s.lnz = make([]int, n)
	flag := make([]int, n)
	for k := 0; k < n; k++ {
		s.parent[k] = -1
		flag[k] = k
		s.lnz[k] = 0
		for p := s.ap[k]; p < s.ap[k+1]; p++ {
			for i := s.ai[p]; i < k && flag[i] != k; i = s.parent[i] {
				if s.parent[i] == -1 {
					s.parent[i] = k
				}
				s.lnz[i]++
				flag[i] = k
			}
		}
	}
	s.lp = make([]int, n+1)
	for k := 0; k < n; k++ {
		s.lp[k+1] = s.lp[k] + s.lnz[k]
	}
	s.li = make([]int, s.lp[n])
	s.lx = make([]float64, s.lp[n])
	s.d = make([]float64, n)
	s.work = make([]float64, n)
	s.cfg.Log.Debug("ldl analyze", "size", n, "kind", kind, "nnz", A.NNZ(), "factor nnz", s.lp[n]+n)
	return nil
}

func (s *LDL) Factor(values []float64) error {
	if s.a == nil {
		return ErrNotAnalyzed
	}
	n := s.n
	if len(values) != s.a.NNZ() {
		return &NumericalError{Op: "factor", Size: n, NNZ: s.a.NNZ(), Err: ErrDimensionMismatch}
	}
	s.a.Values = values
	s.factored = false
	s.perturbed = 0

	dmax := 0.0
	for i := 0; i < n; i++ {
		dmax = math.Max(dmax, math.Abs(values[s.a.RowOffs[i]]))
	}
	thresh := s.cfg.Perturbation * dmax

	y := s.work
	for i := range y {
		y[i] = 0
	}
	flag := make([]int, n)
	pattern := make([]int, n)
	for k := 0; k < n; k++ {
		y[k] = 0
		top := n
		flag[k] = k
		s.lnz[k] = 0
		for p := s.ap[k]; p < s.ap[k+1]; p++ {
			i := s.ai[p]
			y[i] += values[s.src[p]]
			ln := 0
			for ; flag[i] != k; i = s.parent[i] {
				pattern[ln] = i
				ln++
				flag[i] = k
			}
			for ln > 0 {
				top--
				ln--
				pattern[top] = pattern[ln]
			}
		}

		dk := y[k]
		y[k] = 0
		for ; top < n; top++ {
			i := pattern[top]
			yi := y[i]
			y[i] = 0
			p2 := s.lp[i] + s.lnz[i]
			for p := s.lp[i]; p < p2; p++ {
				y[s.li[p]] -= s.lx[p] * yi
			}
			lki := yi / s.d[i]
			dk -= lki * yi
			s.li[p2] = k
			s.lx[p2] = lki
			s.lnz[i]++
		}

		if math.Abs(dk) <= thresh || dk == 0 {
			if s.cfg.Perturbation == 0 || thresh == 0 {
				return &NumericalError{Op: "factor", Size: n, NNZ: s.a.NNZ(), Perturbed: s.perturbed, Err: fmt.Errorf("zero pivot at %v: %w", s.perm[k], ErrSingular)}
			}
			if dk < 0 {
				dk = -thresh
			} else {
				dk = thresh
			}
			s.perturbed++
		}
		s.d[k] = dk
	}
	s.factored = true
	if s.perturbed > 0 {
		s.cfg.Log.Debug("ldl factor perturbed pivots", "size", n, "count", s.perturbed)
	}
	return nil
}

func (s *LDL) Solve(x, b []float64) error {
	if !s.factored {
		return ErrNotFactored
	}
	if len(x) != s.n || len(b) != s.n {
		return fmt.Errorf("solve of size %v with x=%v b=%v: %w", s.n, len(x), len(b), ErrDimensionMismatch)
	}
	z := s.work
	for k := 0; k < s.n; k++ {
		z[k] = b[s.perm[k]]
	}
	for j := 0; j < s.n; j++ {
		for p := s.lp[j]; p < s.lp[j+1]; p++ {
			z[s.li[p]] -= s.lx[p] * z[j]
		}
	}
	for j := 0; j < s.n; j++ {
		z[j] /= s.d[j]
	}
	for j := s.n - 1; j >= 0; j-- {
		for p := s.lp[j]; p < s.lp[j+1]; p++ {
			z[j] -= s.lx[p] * z[s.li[p]]
		}
	}
	for k := 0; k < s.n; k++ {
		x[s.perm[k]] = z[k]
	}
	return nil
}

func (s *LDL) SolveMulti(X, B *mat.Dense) error { return solveColumns(s, X, B) }

func (s *LDL) IterativeSolve(values, x, b []float64, tolExp int) int {
	if !s.factored || len(values) != s.a.NNZ() {
		return -1
	}
	pre := func(z, r []float64) {
		if err := s.Solve(z, r); err != nil {
			panic(err)
		}
	}
	tol := math.Pow(10, -float64(tolExp))

	var err error
	var niter int
	if s.kind == SPD {
		cg := &CG{MaxIter: s.cfg.MaxRefinements, Tol: tol, Preconditioner: pre}
		err = cg.Solve(s.a, values, x, b)
		niter = cg.Niter()
	} else {
		rf := &Refinement{MaxIter: s.cfg.MaxRefinements, Tol: tol, Preconditioner: pre}
		err = rf.Solve(s.a, values, x, b)
		niter = rf.Niter()
	}
	if err != nil {
		s.cfg.Log.Debug("ldl iterative solve failed", "size", s.n, "iterations", niter)
		return -1
	}
	return max(niter, 1)
}

func (s *LDL) NumNonZerosInFactors() int {
	if s.lp == nil {
		return 0
	}
	return s.lp[s.n] + s.n
}

func (s *LDL) NumPerturbedPivots() int { return s.perturbed }

func (s *LDL) Dispose() {
	*s = LDL{cfg: s.cfg}
}

func (s *LDL) Status() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "LDL Solver Stats:\n")
	fmt.Fprintf(&buf, "    %v dof (%v)\n", s.n, s.kind)
	fmt.Fprintf(&buf, "    %v nonzeros in factors\n", s.NumNonZerosInFactors())
	fmt.Fprintf(&buf, "    %v perturbed pivots", s.perturbed)
	return buf.String()
}
