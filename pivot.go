package murty

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// computeSlacks sets wn = N vel + Rn the - bn and wd = D vel + Rd phi - bd.
func (s *Solver) computeSlacks(vel, the, phi []float64) {
	if s.sizeN > 0 {
		s.NT.MulTransposeTo(s.wn[:s.sizeN], vel)
		for i := 0; i < s.sizeN; i++ {
			s.wn[i] += regAt(s.rn, i)*the[i] - s.bn[i]
		}
	}
	if s.sizeD > 0 {
		s.DT.MulTransposeTo(s.wd[:s.sizeD], vel)
		for i := 0; i < s.sizeD; i++ {
			s.wd[i] += regAt(s.rd, i)*phi[i] - s.bd[i]
		}
	}
}

// findPivots returns a pivot for every constraint that violates its bounds
// by more than the tolerance.
func (s *Solver) findPivots(the, phi []float64) []pivot {
	var pivots []pivot
	tol := s.tol
	if !s.ntFrozen {
		for i := 0; i < s.sizeN; i++ {
			if s.stateN[i] == Z {
				if the[i] < -tol {
					pivots = append(pivots, pivot{typ: typeN, col: i, aidx: s.aIndexN(i), cur: Z, next: WLo})
				}
			} else if s.wn[i] < -tol {
				pivots = append(pivots, pivot{typ: typeN, col: i, aidx: s.aIndexN(i), cur: s.stateN[i], next: Z})
			}
		}
	}
	for i := 0; i < s.sizeD; i++ {
		cur := s.stateD[i]
		flim := s.flim[i]
		if cur == Z {
			switch {
			case phi[i]+flim < -tol:
				pivots = append(pivots, pivot{typ: typeD, col: i, aidx: s.aIndexD(i), cur: Z, next: WLo})
			case flim-phi[i] < -tol:
				pivots = append(pivots, pivot{typ: typeD, col: i, aidx: s.aIndexD(i), cur: Z, next: WHi})
			}
		} else if flim > 0 {
			w := s.wd[i]
			if (cur == WLo && w < -tol) || (cur == WHi && w > tol) {
				pivots = append(pivots, pivot{typ: typeD, col: i, aidx: s.aIndexD(i), cur: cur, next: Z})
			}
		}
	}
	return pivots
}

// applyBlockPivots applies all pivots at once. J rows are deleted first,
// then new rows are added from a single multi-column solve with A. It
// returns the number of pivots applied; rejected additions are skipped.
func (s *Solver) applyBlockPivots(pivots []pivot) (int, error) {
	var newH []hRow
	var newE []eRow
	var deleted []int
	resolveY := false
	for _, piv := range pivots {
		s.log.Debug("pivot", "pivot", piv, "mode", "block")
		if piv.needsJRow() {
			if piv.next == Z {
				newH = append(newH, s.newHRow(piv))
			} else {
				newE = append(newE, s.newERow(piv))
				if piv.typ == typeD {
					resolveY = true
				}
			}
			continue
		}
		j := piv.col
		if piv.typ == typeN {
			deleted = append(deleted, s.jrowN[j])
			s.stateN[j] = piv.next
			s.jrowN[j] = -1
		} else {
			deleted = append(deleted, s.jrowD[j])
			s.stateD[j] = piv.next
			s.jrowD[j] = -1
			if s.aconsD[j] == nil {
				resolveY = true
			}
		}
	}

	reindexFrom := s.numJ()
	if len(deleted) > 0 {
		slices.Sort(deleted)
		if deleted[0] < 0 {
			panic(fmt.Sprintf("murty: pivot deletes a constraint without a J row: %v", deleted))
		}
		if err := s.bchol.DeleteRowsAndColumns(deleted); err != nil {
			return 0, fmt.Errorf("deleting J rows %v: %w", deleted, err)
		}
		nh := len(s.h)
		for k := len(deleted) - 1; k >= 0; k-- {
			if i := deleted[k]; i >= nh {
				s.e = slices.Delete(s.e, i-nh, i-nh+1)
			} else {
				s.h = slices.Delete(s.h, i, i+1)
			}
		}
		reindexFrom = deleted[0]
	}

	added := 0
	if nnew := len(newH) + len(newE); nnew > 0 {
		B := mat.NewDense(s.sizeA, nnew, nil)
		for i := range newH {
			for k, r := range newH[i].rows {
				B.Set(r, i, newH[i].vals[k])
			}
		}
		for i := range newE {
			B.Set(newE[i].ai, len(newH)+i, 1)
		}
		X := mat.NewDense(s.sizeA, nnew, nil)
		if err := s.backend.SolveMulti(X, B); err != nil {
			return 0, err
		}
		s.solveCnt += nnew
		s.totalSolves += nnew

		sol := make([]float64, s.sizeA)
		if len(newH) > 0 {
			reindexFrom = min(reindexFrom, len(s.h))
		}
		for i := range newH {
			mat.Col(sol, i, X)
			if s.addHRow(&newH[i], sol) {
				added++
				if newH[i].piv.typ == typeD {
					resolveY = true
				}
			}
		}
		if len(newE) > 0 {
			reindexFrom = min(reindexFrom, s.numJ())
		}
		for i := range newE {
			mat.Col(sol, len(newH)+i, X)
			if s.addERow(&newE[i], sol) {
				added++
			}
		}
	}
	s.reindexJRows(reindexFrom)
	if resolveY {
		if err := s.solveForY(); err != nil {
			return 0, err
		}
	}
	return len(deleted) + added, nil
}

// applySinglePivot applies the last pivot that succeeds, trying them in
// reverse order. It reports false if none could be applied.
func (s *Solver) applySinglePivot(pivots []pivot) (bool, error) {
	for k := len(pivots) - 1; k >= 0; k-- {
		piv := pivots[k]
		s.log.Debug("pivot", "pivot", piv, "mode", "single")
		if !piv.needsJRow() {
			return true, s.deleteJRow(piv)
		}
		sol := make([]float64, s.sizeA)
		if piv.next == Z {
			h := s.newHRow(piv)
			vec := make([]float64, s.sizeA)
			for i, r := range h.rows {
				vec[r] = h.vals[i]
			}
			if err := s.solveA(sol, vec); err != nil {
				return false, err
			}
			if !s.addHRow(&h, sol) {
				continue
			}
			// E rows follow H rows and shift up by one
			s.reindexJRows(len(s.h) - 1)
			if piv.typ == typeD {
				return true, s.solveForY()
			}
			return true, nil
		}
		e := s.newERow(piv)
		vec := make([]float64, s.sizeA)
		vec[e.ai] = 1
		if err := s.solveA(sol, vec); err != nil {
			return false, err
		}
		if !s.addERow(&e, sol) {
			continue
		}
		s.reindexJRows(s.numJ() - 1)
		return true, nil
	}
	return false, nil
}

func (s *Solver) deleteJRow(piv pivot) error {
	j := piv.col
	var idx int
	if piv.typ == typeN {
		idx = s.jrowN[j]
		s.stateN[j] = piv.next
		s.jrowN[j] = -1
	} else {
		idx = s.jrowD[j]
		s.stateD[j] = piv.next
		s.jrowD[j] = -1
	}
	if idx < 0 {
		panic(fmt.Sprintf("murty: pivot %v deletes a constraint without a J row", piv))
	}
	resolveY := false
	if nh := len(s.h); idx < nh {
		s.h = slices.Delete(s.h, idx, idx+1)
		resolveY = piv.typ == typeD
	} else {
		s.e = slices.Delete(s.e, idx-nh, idx-nh+1)
	}
	if err := s.bchol.DeleteRowAndColumn(idx, 0); err != nil {
		return fmt.Errorf("deleting J row %v: %w", idx, err)
	}
	s.reindexJRows(idx)
	if resolveY {
		return s.solveForY()
	}
	return nil
}

// pivotSchedule chooses between block and single pivoting. Block pivoting
// is abandoned when the number of violations has not reached a new minimum
// within patience iterations, and resumed once single pivots reduce it by
// more than one.
type pivotSchedule struct {
	block    bool
	patience int
	ninfMin  int
	limit    int
}

func newPivotSchedule(block bool, patience, ninf int) *pivotSchedule {
	return &pivotSchedule{block: block, patience: patience, ninfMin: ninf, limit: patience}
}

// update records the number of violations found at iteration iter and
// reports whether block pivoting was just abandoned.
func (ps *pivotSchedule) update(iter, ninf int) bool {
	if !ps.block {
		if ninf < ps.ninfMin-1 {
			ps.ninfMin = ninf
			ps.block = true
			ps.limit = iter + ps.patience
		}
		return false
	}
	if ninf < ps.ninfMin {
		ps.ninfMin = ninf
		ps.limit = iter + ps.patience
		return false
	}
	if iter > ps.limit {
		ps.block = false
		return true
	}
	return false
}

// runPivotingLoop pivots until no constraint violates its bounds.
func (s *Solver) runPivotingLoop(vel, lam, the, phi []float64) (Status, error) {
	sched := newPivotSchedule(s.cfg.BlockPivoting, s.cfg.Patience, s.sizeND)
	for s.iterCnt < s.maxIter {
		s.iterCnt++
		if err := s.solveForBasicVariables(vel, lam, the, phi); err != nil {
			return NoSolution, err
		}
		s.computeSlacks(vel, the, phi)
		pivots := s.findPivots(the, phi)
		ninf := len(pivots)
		if ninf == 0 {
			return Solved, nil
		}
		if sched.block {
			npiv, err := s.applyBlockPivots(pivots)
			if err != nil {
				return NoSolution, err
			}
			if npiv == 0 {
				return NoSolution, nil
			}
			s.pivotCnt += npiv
		} else {
			ok, err := s.applySinglePivot(pivots)
			if err != nil {
				return NoSolution, err
			}
			if !ok {
				return NoSolution, nil
			}
			s.pivotCnt++
		}
		if sched.update(s.iterCnt, ninf) {
			s.log.Debug("block pivoting off", "iteration", s.iterCnt, "violations", ninf)
			s.blockFailCnt++
		}
	}
	return IterationLimitExceeded, nil
}

// adjustStateForEqualBounds settles the states of constraints whose bounds
// coincide, which the pivoting loop leaves at WLo, on the side the slack
// points to.
func (s *Solver) adjustStateForEqualBounds() {
	if s.ntFrozen {
		for i := 0; i < s.sizeN; i++ {
			if s.stateN[i] != Z && s.wn[i] != 0 {
				s.stateN[i] = WLo
				if s.wn[i] < 0 {
					s.stateN[i] = WHi
				}
			}
		}
	}
	for i := 0; i < s.sizeD; i++ {
		if s.flim[i] != 0 {
			continue
		}
		if s.stateD[i] == Z {
			// left basic by a rejected pivot; the basis no longer matches
			// the limits
			s.log.Debug("basic friction constraint with zero limit", "col", i)
			s.failedPivots++
			continue
		}
		if s.wd[i] == 0 {
			continue
		}
		s.stateD[i] = WLo
		if s.wd[i] < 0 {
			s.stateD[i] = WHi
		}
	}
}
