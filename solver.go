// Package murty solves the mixed linear complementarity problems that arise
// in mechanical systems with bilateral, contact and friction constraints.
//
// The solver keeps a sparse factorization of the KKT matrix
//
//	A = [ M  G^T  C^T ]
//	    [ G  -Rg      ]
//	    [ C       -Rc ]
//
// where C holds the contact and friction constraints that were basic when A
// was built. Pivots that move constraints in or out of the basis are applied
// as a border J = [H; E] of extra rows, whose Schur complement is maintained
// with a signed incremental Cholesky factorization, so that A only needs to
// be refactored once per solve and reanalyzed only when its structure
// changes. The basis of one solve warm starts the next.
package murty

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/rwcarlsen/murty/chol"
	"github.com/rwcarlsen/murty/sparse"
)

// Solver is a stateful mixed LCP solver. It is not safe for concurrent use.
type Solver struct {
	cfg     Config
	log     *slog.Logger
	backend sparse.DirectSolver

	M        *sparse.BlockMatrix
	sizeM    int
	versionM int
	bm       []float64

	GT     *sparse.BlockMatrix
	rg, bg []float64
	sizeG  int
	sizeMG int

	NT     *sparse.BlockMatrix
	rn, bn []float64
	sizeN  int

	DT     *sparse.BlockMatrix
	rd, bd []float64
	sizeD  int
	sizeND int

	finfo []FrictionInfo
	flim  []float64

	stateN, stateD []State
	// J row of each N and D constraint, or -1
	jrowN, jrowD []int
	wn, wd       []float64

	gtSig, ntSig, dtSig *sparse.Signature

	acons []*aConstraint
	// aconsN and aconsD map constraint columns to their unmasked A slots.
	// aconsDFull is aconsD as of the last solve that had friction.
	aconsN, aconsD, aconsDFull []*aConstraint
	sizeA, sizeNA, sizeDA      int

	a              sparse.CRS
	analyzedA      bool
	patternChanged bool
	factored       bool
	hybridLast     bool
	b, x, y        []float64

	h     []hRow
	e     []eRow
	bchol chol.Signed

	structureChanged bool
	contactSolve     bool
	ntFrozen         bool
	tol              float64
	maxIter          int

	iterCnt       int
	pivotCnt      int
	blockFailCnt  int
	failedPivots  int
	solveCnt      int
	rebuildReason string

	analyzeTime, factorTime, solveTime time.Duration
	analyzeCnt, factorCnt, totalSolves int
	avgDirect, avgHybrid               float64
	hybridCnt                          int
}

// New returns a solver with the given configuration. Out of range
// tunables, such as the zero iteration limit of an empty Config, take their
// default values. A nil backend selects the sparse LDL^T solver.
func New(cfg Config, backend sparse.DirectSolver) *Solver {
	cfg = cfg.withDefaults()
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if backend == nil {
		lcfg := sparse.DefaultLDLConfig()
		lcfg.Log = cfg.Log
		backend = sparse.NewLDL(lcfg)
	}
	return &Solver{
		cfg:      cfg,
		log:      cfg.Log,
		backend:  backend,
		versionM: -1,
		tol:      cfg.Tolerance,
	}
}

// Solve computes velocities and constraint forces for p, storing them in
// sol. Friction limits are derived from the normal forces; the pivoting loop
// is repeated frictionIters more times with limits recomputed from the
// latest contact forces. Backend failures and inconsistent input are
// returned as errors; all LCP outcomes are a Status.
func (s *Solver) Solve(p *Problem, sol *Solution, frictionIters int, flags Flags) (Status, error) {
	return s.solveProblem(p, sol, frictionIters, flags, false)
}

func (s *Solver) solveProblem(p *Problem, sol *Solution, frictionIters int, flags Flags, contact bool) (Status, error) {
	s.contactSolve = contact
	if err := s.setup(p, sol, flags); err != nil {
		return NoSolution, err
	}
	if s.sizeD > 0 {
		if err := s.setFrictionInfo(p.Friction); err != nil {
			return NoSolution, err
		}
		s.updateFrictionLimits(sol.Lam, sol.The)
	} else {
		s.finfo = nil
		frictionIters = 0
	}
	return s.solve(sol, frictionIters, flags)
}

// ContactSolve is Solve without friction: DT is ignored. Friction slots in A
// from an earlier solve are kept masked so that the next friction solve can
// reuse them.
func (s *Solver) ContactSolve(p *Problem, sol *Solution, flags Flags) (Status, error) {
	if flags&NTInactive != 0 {
		return NoSolution, fmt.Errorf("NTInactive cannot be set for contact solves: %w", ErrInput)
	}
	q := *p
	q.DT, q.Rd, q.Bd, q.Friction = nil, nil, nil, nil
	return s.solveProblem(&q, sol, 0, flags, true)
}

// SolveWithLimits is Solve with the friction limits given directly in flim,
// which must cover every column of DT. There are no friction iterations.
func (s *Solver) SolveWithLimits(p *Problem, sol *Solution, flim []float64, flags Flags) (Status, error) {
	s.contactSolve = false
	if err := s.setup(p, sol, flags); err != nil {
		return NoSolution, err
	}
	if len(flim) < s.sizeD {
		return NoSolution, fmt.Errorf("flim has length %v, need %v: %w", len(flim), s.sizeD, ErrInput)
	}
	s.flim = append(s.flim[:0], flim[:s.sizeD]...)
	s.finfo = nil
	return s.solve(sol, 0, flags)
}

func (s *Solver) setup(p *Problem, sol *Solution, flags Flags) error {
	if err := p.check(); err != nil {
		return err
	}
	s.solveCnt = 0
	s.iterCnt = 0
	s.pivotCnt = 0
	s.blockFailCnt = 0
	s.failedPivots = 0
	s.structureChanged = false
	if flags&RebuildA != 0 {
		s.markChanged("flag")
	}
	s.setMG(p, sol)
	s.setN(p, sol)
	s.setD(p, sol)
	s.tol = s.cfg.Tolerance
	return nil
}

func (s *Solver) solve(sol *Solution, frictionIters int, flags Flags) (Status, error) {
	if err := s.updateAndSolveA(sol); err != nil {
		return NoSolution, err
	}
	s.ntFrozen = flags&NTInactive != 0
	defer func() { s.ntFrozen = false }()

	status := Solved
	if s.sizeND > 0 {
		nouter := frictionIters + 1
		s.maxIter = nouter*s.cfg.IterationLimit*s.sizeND + 1
		for k := 0; k < nouter && status == Solved; k++ {
			if k > 0 {
				s.updateFrictionLimits(sol.Lam, sol.The)
				if err := s.updateBasisForFrictionLimits(); err != nil {
					return NoSolution, err
				}
				s.ntFrozen = !s.cfg.NTFrictionActivity || flags&NTInactive != 0
				s.log.Debug("friction iteration", "k", k)
			}
			var err error
			status, err = s.runPivotingLoop(sol.Vel, sol.Lam, sol.The, sol.Phi)
			if err != nil {
				return NoSolution, err
			}
		}
		s.adjustStateForEqualBounds()
	} else {
		s.extractMGSolution(sol.Vel, sol.Lam)
	}
	copy(sol.StateN, s.stateN[:s.sizeN])
	copy(sol.StateD, s.stateD[:s.sizeD])
	s.log.Debug("status", "status", status, "iterations", s.iterCnt, "pivots", s.pivotCnt)
	return status, nil
}

func (s *Solver) markChanged(reason string) {
	if !s.structureChanged {
		s.log.Debug("rebuild", "reason", reason)
		s.structureChanged = true
		s.rebuildReason = reason
	}
}

func (s *Solver) setMG(p *Problem, sol *Solution) {
	sizeM := p.sizeM()
	if p.VersionM == -1 || p.VersionM != s.versionM || sizeM != s.sizeM || s.M == nil ||
		p.M.NumBlockRows() != s.M.NumBlockRows() || p.M.NumBlockCols() != s.M.NumBlockCols() {
		s.markChanged("M changed")
	}
	s.M = p.M
	s.sizeM = sizeM
	s.versionM = p.VersionM

	prev := s.gtSig
	s.GT = p.GT
	s.sizeG = cols(p.GT)
	s.gtSig = nil
	if p.GT != nil {
		s.gtSig = sparse.NewSignature(p.GT)
	}
	if !s.gtSig.Equal(prev) {
		s.markChanged("G changed")
	}
	s.rg, s.bg, s.bm = p.Rg, p.Bg, p.Bm
	s.sizeMG = s.sizeM + s.sizeG

	sol.Vel = resize(sol.Vel, s.sizeM)
	if s.sizeG > 0 {
		sol.Lam = resize(sol.Lam, s.sizeG)
	}
}

func (s *Solver) setN(p *Problem, sol *Solution) {
	s.NT = p.NT
	sizeN := cols(p.NT)
	if sizeN > len(s.stateN) {
		s.stateN = append(s.stateN, make([]State, sizeN-len(s.stateN))...)
		s.jrowN = make([]int, sizeN)
	}
	s.wn = resize(s.wn, sizeN)
	s.sizeN = sizeN
	s.rn, s.bn = p.Rn, p.Bn
	s.sizeND = sizeN
	if sizeN > 0 {
		sol.The = resize(sol.The, sizeN)
	}
}

func (s *Solver) setD(p *Problem, sol *Solution) {
	s.DT = p.DT
	sizeD := cols(p.DT)
	if sizeD > len(s.stateD) {
		s.stateD = append(s.stateD, make([]State, sizeD-len(s.stateD))...)
		s.jrowD = make([]int, sizeD)
	}
	s.wd = resize(s.wd, sizeD)
	s.sizeD = sizeD
	s.rd, s.bd = p.Rd, p.Bd
	if sizeD > 0 {
		sol.Phi = resize(sol.Phi, sizeD)
	}
	s.sizeND = s.sizeN + s.sizeD
}

// ResolveMG reuses the factorization of the last solve, and its final basis,
// to solve for new right hand sides bm and bg. Contact and friction forces
// are recomputed but not returned.
func (s *Solver) ResolveMG(vel, lam, bm, bg []float64) error {
	if !s.factored {
		return ErrNotFactored
	}
	if len(vel) != s.sizeM || len(bm) != s.sizeM {
		return fmt.Errorf("vel and bm must have length %v, got %v and %v: %w", s.sizeM, len(vel), len(bm), ErrInput)
	}
	if lam != nil && len(lam) != s.sizeG {
		return fmt.Errorf("lam has length %v, need %v: %w", len(lam), s.sizeG, ErrInput)
	}
	if bg != nil && len(bg) != s.sizeG {
		return fmt.Errorf("bg has length %v, need %v: %w", len(bg), s.sizeG, ErrInput)
	}
	if lam == nil {
		lam = make([]float64, s.sizeG)
	}
	if s.hybridLast {
		// the factorization predates the values of the hybrid solve
		if err := s.factorA(); err != nil {
			return err
		}
		s.hybridLast = false
	}
	s.b = resize(s.b, s.sizeA)
	copy(s.b, bm)
	for i := 0; i < s.sizeG; i++ {
		s.b[s.sizeM+i] = 0
		if bg != nil {
			s.b[s.sizeM+i] = bg[i]
		}
	}

	s.solveCnt = 0
	s.iterCnt = 0
	s.pivotCnt = 0
	s.blockFailCnt = 0
	s.failedPivots = 0

	if err := s.solveForY(); err != nil {
		return err
	}
	the := make([]float64, s.sizeN)
	phi := make([]float64, s.sizeD)
	return s.solveForBasicVariables(vel, lam, the, phi)
}

func (s *Solver) extractMGSolution(vel, lam []float64) {
	copy(vel, s.y[:s.sizeM])
	for i := 0; i < s.sizeG; i++ {
		lam[i] = -s.y[s.sizeM+i]
	}
}

// FrictionLimits returns a copy of the friction limits of the last solve.
func (s *Solver) FrictionLimits() []float64 {
	return append([]float64(nil), s.flim[:min(len(s.flim), s.sizeD)]...)
}

// W returns the contact and friction slacks [wn; wd] of the last solve.
func (s *Solver) W() []float64 {
	w := make([]float64, 0, s.sizeND)
	w = append(w, s.wn[:s.sizeN]...)
	return append(w, s.wd[:s.sizeD]...)
}

// StateA returns, for every contact and friction constraint, Z if it holds
// an unmasked slot in A and WLo otherwise.
func (s *Solver) StateA() []State {
	state := make([]State, s.sizeND)
	for _, c := range s.acons {
		if c.masked() {
			continue
		}
		if c.typ == typeN {
			state[c.col] = Z
		} else if s.sizeD > 0 {
			state[s.sizeN+c.col] = Z
		}
	}
	return state
}

// LastSolveTol is the tolerance used by the last solve.
func (s *Solver) LastSolveTol() float64 { return s.tol }

// Stats is a snapshot of the solver counters. Per-solve counts refer to the
// last solve; totals accumulate until ResetTimers.
type Stats struct {
	Iterations         int
	Pivots             int
	BlockPivotFailures int
	FailedPivots       int
	Solves             int

	TotalAnalyses int
	TotalFactors  int
	TotalSolves   int
	HybridSolves  int

	AvgAnalyzeTime time.Duration
	AvgFactorTime  time.Duration
	AvgSolveTime   time.Duration

	SizeA           int
	AConstraints    int
	MaskedA         int
	FactorNonZeros  int
	PerturbedPivots int
	// LastRebuild is the reason for the last structural rebuild of A.
	LastRebuild string
}

func avgDuration(total time.Duration, n int) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (s *Solver) Stats() Stats {
	st := Stats{
		Iterations:         s.iterCnt,
		Pivots:             s.pivotCnt,
		BlockPivotFailures: s.blockFailCnt,
		FailedPivots:       s.failedPivots,
		Solves:             s.solveCnt,
		TotalAnalyses:      s.analyzeCnt,
		TotalFactors:       s.factorCnt,
		TotalSolves:        s.totalSolves,
		HybridSolves:       s.hybridCnt,
		AvgAnalyzeTime:     avgDuration(s.analyzeTime, s.analyzeCnt),
		AvgFactorTime:      avgDuration(s.factorTime, s.factorCnt),
		AvgSolveTime:       avgDuration(s.solveTime, s.totalSolves),
		SizeA:              s.sizeA,
		AConstraints:       len(s.acons),
		FactorNonZeros:     s.backend.NumNonZerosInFactors(),
		PerturbedPivots:    s.backend.NumPerturbedPivots(),
		LastRebuild:        s.rebuildReason,
	}
	for _, c := range s.acons {
		if c.masked() {
			st.MaskedA++
		}
	}
	return st
}

// ResetTimers clears the accumulated analyze, factor and solve totals.
func (s *Solver) ResetTimers() {
	s.analyzeTime, s.analyzeCnt = 0, 0
	s.factorTime, s.factorCnt = 0, 0
	s.solveTime, s.totalSolves = 0, 0
}

func (s *Solver) Status() string {
	st := s.Stats()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Murty Solver Stats:\n")
	fmt.Fprintf(&buf, "    A: %v dof, %v constraint slots (%v masked)\n", st.SizeA, st.AConstraints, st.MaskedA)
	fmt.Fprintf(&buf, "    last solve: %v iterations, %v pivots, %v failed pivots, %v block pivot failures\n",
		st.Iterations, st.Pivots, st.FailedPivots, st.BlockPivotFailures)
	fmt.Fprintf(&buf, "    %v analyses (avg %v), %v factors (avg %v), %v solves (avg %v), %v hybrid\n",
		st.TotalAnalyses, st.AvgAnalyzeTime, st.TotalFactors, st.AvgFactorTime, st.TotalSolves, st.AvgSolveTime, st.HybridSolves)
	fmt.Fprintf(&buf, "    state %v|%v\n", FormatStates(s.stateN[:s.sizeN]), FormatStates(s.stateD[:s.sizeD]))
	fmt.Fprintf(&buf, "%v", s.backend.Status())
	return buf.String()
}

// Dispose releases the backend factorization.
func (s *Solver) Dispose() {
	s.backend.Dispose()
	s.factored = false
	s.analyzedA = false
}
