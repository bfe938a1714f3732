package murty

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
)

// pivot requests a change of state for one N or D constraint. aidx is the
// constraint's slot in A, or -1.
type pivot struct {
	typ       consType
	col       int
	aidx      int
	cur, next State
}

// needsJRow reports whether the pivot adds a J row: an H row when a
// constraint outside A becomes basic, an E row when a constraint held by A
// leaves the basis. The other pivots delete a J row.
func (p pivot) needsJRow() bool {
	if p.aidx == -1 {
		return p.next == Z
	}
	return p.next != Z
}

func (p pivot) String() string {
	return fmt.Sprintf("%v%v %v->%v", p.typ, p.col, p.cur, p.next)
}

// hRow adds a constraint outside A to the basis. Rows and vals hold its
// column of NT or DT within the first sizeM rows.
type hRow struct {
	piv  pivot
	rows []int
	vals []float64
	r, b float64
}

func (h *hRow) dot(v []float64) float64 {
	sum := 0.0
	for k, r := range h.rows {
		sum += h.vals[k] * v[r]
	}
	return sum
}

// eRow pins the A variable at index ai to b, taking its constraint out of
// the basis.
type eRow struct {
	piv pivot
	ai  int
	b   float64
}

func (s *Solver) numJ() int { return len(s.h) + len(s.e) }

func (s *Solver) newHRow(piv pivot) hRow {
	X, R, B := s.NT, s.rn, s.bn
	if piv.typ == typeD {
		X, R, B = s.DT, s.rd, s.bd
	}
	rows, vals := X.Column(piv.col, s.sizeM)
	return hRow{piv: piv, rows: rows, vals: vals, r: regAt(R, piv.col), b: B[piv.col]}
}

func (s *Solver) newERow(piv pivot) eRow {
	e := eRow{piv: piv, ai: s.sizeMG + piv.aidx}
	if piv.typ == typeD {
		switch piv.next {
		case WLo:
			e.b = s.flim[piv.col]
		case WHi:
			e.b = -s.flim[piv.col]
		}
	}
	return e
}

func (s *Solver) clearJ() {
	s.h = s.h[:0]
	s.e = s.e[:0]
	s.bchol.Clear()
}

// addHRow extends the border factorization with h, given sol = A^-1 h. On
// success the constraint takes the pivot's new state.
func (s *Solver) addHRow(h *hRow, sol []float64) bool {
	nh := len(s.h)
	col := make([]float64, s.numJ()+1)
	for i := range s.h {
		col[i] = s.h[i].dot(sol)
	}
	col[nh] = h.dot(sol) + h.r
	for k := range s.e {
		col[nh+1+k] = sol[s.e[k].ai]
	}
	if !s.bchol.AddPosRowAndColumn(col, 0) {
		s.rejectPivot(h.piv)
		return false
	}
	s.h = append(s.h, *h)
	s.setState(h.piv)
	return true
}

// addERow extends the border factorization with e, given sol = A^-1 e.
func (s *Solver) addERow(e *eRow, sol []float64) bool {
	nh := len(s.h)
	nj := s.numJ()
	col := make([]float64, nj+1)
	for i := range s.h {
		col[i] = s.h[i].dot(sol)
	}
	for k := range s.e {
		col[nh+k] = sol[s.e[k].ai]
	}
	col[nj] = sol[e.ai]
	if !s.bchol.AddNegRowAndColumn(col, 0) {
		s.rejectPivot(e.piv)
		return false
	}
	s.e = append(s.e, *e)
	s.setState(e.piv)
	return true
}

func (s *Solver) rejectPivot(piv pivot) {
	s.failedPivots++
	s.log.Debug("pivot rejected", "pivot", piv)
}

func (s *Solver) setState(piv pivot) {
	if piv.typ == typeN {
		s.stateN[piv.col] = piv.next
	} else {
		s.stateD[piv.col] = piv.next
	}
}

// reindexJRows refreshes the J row back references from J row idx on.
func (s *Solver) reindexJRows(idx int) {
	nh := len(s.h)
	for i := idx; i < s.numJ(); i++ {
		var piv pivot
		if i < nh {
			piv = s.h[i].piv
		} else {
			piv = s.e[i-nh].piv
		}
		if piv.typ == typeN {
			s.jrowN[piv.col] = i
		} else {
			s.jrowD[piv.col] = i
		}
	}
	s.checkJRows()
}

func (s *Solver) checkJRows() {
	if !s.cfg.CheckConsistency {
		return
	}
	nh := len(s.h)
	for i := 0; i < s.numJ(); i++ {
		var piv pivot
		if i < nh {
			piv = s.h[i].piv
		} else {
			piv = s.e[i-nh].piv
		}
		jrow := s.jrowN
		if piv.typ == typeD {
			jrow = s.jrowD
		}
		if jrow[piv.col] != i {
			panic(fmt.Sprintf("murty: J row %v (%v) is referenced as %v", i, piv, jrow[piv.col]))
		}
	}
}

// solveForY solves A y = b, where b is offset by the friction forces of
// nonbasic D constraints that are not held by A.
func (s *Solver) solveForY() error {
	offset := false
	var phi []float64
	for i := 0; i < s.sizeD; i++ {
		if s.stateD[i] == Z || s.aconsD[i] != nil {
			continue
		}
		if phi == nil {
			phi = make([]float64, s.sizeD)
		}
		phi[i] = s.flim[i]
		if s.stateD[i] == WLo {
			phi[i] = -s.flim[i]
		}
		offset = true
	}
	if !offset {
		return s.solveA(s.y, s.b)
	}
	clear(s.x)
	s.DT.MulAddTo(s.x[:s.sizeM], phi)
	floats.Add(s.x, s.b)
	return s.solveA(s.y, s.x)
}

// solveForBasicVariables corrects y for the J border and extracts the
// velocities and multipliers of the current basis.
func (s *Solver) solveForBasicVariables(vel, lam, the, phi []float64) error {
	nh := len(s.h)
	nj := s.numJ()
	psi := make([]float64, nj)
	if nj > 0 {
		rhs := make([]float64, nj)
		for i := range s.h {
			rhs[i] = s.h[i].dot(s.y) - s.h[i].b
		}
		for k := range s.e {
			rhs[nh+k] = s.y[s.e[k].ai] - s.e[k].b
		}
		s.bchol.Solve(psi, rhs)
		clear(s.x)
		for i := range s.h {
			for k, r := range s.h[i].rows {
				s.x[r] += s.h[i].vals[k] * psi[i]
			}
		}
		for k := range s.e {
			s.x[s.e[k].ai] += psi[nh+k]
		}
		if err := s.solveA(s.x, s.x); err != nil {
			return err
		}
		floats.SubTo(s.x, s.y, s.x)
	} else {
		copy(s.x, s.y)
	}

	copy(vel, s.x[:s.sizeM])
	for i := 0; i < s.sizeG; i++ {
		lam[i] = -s.x[s.sizeM+i]
	}
	clear(the[:s.sizeN])
	for i := 0; i < s.sizeD; i++ {
		switch s.stateD[i] {
		case WLo:
			phi[i] = -s.flim[i]
		case WHi:
			phi[i] = s.flim[i]
		}
	}
	for k, c := range s.acons {
		if c.masked() {
			continue
		}
		if c.typ == typeN {
			if s.stateN[c.col] == Z {
				the[c.col] = -s.x[s.sizeMG+k]
			}
		} else if s.stateD[c.col] == Z {
			phi[c.col] = -s.x[s.sizeMG+k]
		}
	}
	for i := range s.h {
		piv := s.h[i].piv
		if piv.next != Z {
			continue
		}
		if piv.typ == typeN {
			the[piv.col] = -psi[i]
		} else {
			phi[piv.col] = -psi[i]
		}
	}
	return nil
}

func (s *Solver) canDoHybridSolve() bool {
	if !s.cfg.HybridSolves || s.sizeND > 0 || s.structureChanged || !s.analyzedA || !s.factored {
		return false
	}
	return s.avgDirect > 0 && s.avgHybrid < s.cfg.HybridRatio*s.avgDirect
}

// hybridSolveA solves for y iteratively with the new values of A,
// preconditioned by the previous factorization.
func (s *Solver) hybridSolveA() bool {
	start := time.Now()
	if s.backend.IterativeSolve(s.a.Values, s.y, s.b, s.cfg.HybridTolExp) <= 0 {
		s.log.Debug("hybrid solve failed", "size", s.sizeA)
		return false
	}
	s.avgHybrid = s.smooth(s.avgHybrid, time.Since(start))
	s.hybridCnt++
	s.hybridLast = true
	return true
}

func (s *Solver) stopDirectTiming(d time.Duration) {
	s.hybridCnt = 0
	s.avgHybrid = 0
	s.avgDirect = s.smooth(s.avgDirect, d)
}

func (s *Solver) smooth(avg float64, d time.Duration) float64 {
	t := d.Seconds()
	if avg == 0 {
		return t
	}
	w := s.cfg.TimingWeight
	return w*t + (1-w)*avg
}
