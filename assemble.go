package murty

import (
	"fmt"
	"slices"
	"time"

	"github.com/rwcarlsen/murty/sparse"
)

// mask tells whether an A constraint slot takes part in the system.
type mask int8

const (
	active mask = iota
	// contactMasked slots hold friction constraints kept out of a contact
	// solve so that the next friction solve can reuse them.
	contactMasked
	// removed slots belong to constraints that no longer exist or are
	// inactive. They remain in the sparsity pattern until the next rebuild.
	removed
)

// aConstraint is a contact or friction constraint folded into A. Its row and
// column in A is sizeMG+idx. A masked slot has zero coupling values, a unit
// diagonal and a zero right hand side, which decouples it from the system
// without changing the structure of A.
type aConstraint struct {
	typ  consType
	col  int
	idx  int
	rows []int
	mask mask
}

func (c *aConstraint) masked() bool { return c.mask != active }

func (c *aConstraint) String() string {
	switch c.mask {
	case contactMasked:
		return "C"
	case removed:
		return "R"
	}
	return fmt.Sprintf("%v%v", c.typ, c.col)
}

func (s *Solver) aIndexN(col int) int {
	if c := s.aconsN[col]; c != nil {
		return c.idx
	}
	return -1
}

func (s *Solver) aIndexD(col int) int {
	if c := s.aconsD[col]; c != nil {
		return c.idx
	}
	return -1
}

func newSig(X *sparse.BlockMatrix) *sparse.Signature {
	if X == nil {
		return nil
	}
	return sparse.NewSignature(X)
}

// rebuildOrUpdateA decides whether A is rebuilt from the requested states or
// updated in place from the previous basis. On update it returns the pivots
// that bring the previous basis to the requested one.
func (s *Solver) rebuildOrUpdateA(sol *Solution) ([]pivot, error) {
	rebuild := !s.cfg.UpdateBetweenSolves
	switch {
	case !s.analyzedA || s.structureChanged:
		rebuild = true
	case !s.contactSolve && float64(s.sizeND)/float64(len(s.acons)) <= s.cfg.RebuildRatio:
		// drops the removed slots accumulated by updates
		s.markChanged("ratio")
		rebuild = true
	}

	var err error
	if sol.StateN, err = prepareStates(sol.StateN, s.sizeN, "stateN"); err != nil {
		return nil, err
	}
	if sol.StateD, err = prepareStates(sol.StateD, s.sizeD, "stateD"); err != nil {
		return nil, err
	}

	var prevAConsD []*aConstraint
	if !rebuild && s.sizeD > 0 {
		prevAConsD = s.aconsDFull
		s.aconsD = make([]*aConstraint, s.sizeD)
		if !s.contactSolve {
			s.aconsDFull = s.aconsD
		}
	}

	var prevNIdxs, prevDIdxs []int
	prevN := s.ntSig
	s.ntSig = newSig(s.NT)
	if !rebuild {
		if s.sizeN > 0 {
			prevNIdxs = s.ntSig.PrevColIdxs(prevN)
		}
	} else if !s.ntSig.Equal(prevN) {
		s.markChanged("N changed")
	}
	if !s.contactSolve {
		prevD := s.dtSig
		s.dtSig = newSig(s.DT)
		if !rebuild {
			if s.sizeD > 0 {
				prevDIdxs = s.dtSig.PrevColIdxs(prevD)
			}
		} else if !s.dtSig.Equal(prevD) {
			s.markChanged("D changed")
		}
	}

	if !rebuild {
		pivots := s.updateA(sol.StateN, prevNIdxs, sol.StateD, prevDIdxs, prevAConsD)
		// without an analysis time there is nothing to weigh the pivots against
		avgAnalyze := s.avgAnalyzeTime()
		if !s.cfg.AdaptiveRebuild || avgAnalyze == 0 || float64(len(pivots))*s.avgSolveTime() < 0.5*avgAnalyze {
			return pivots, nil
		}
		// updateA has already remapped the slots, so the table must be rebuilt
		s.markChanged("cost")
	}
	s.initializeState(sol.StateN, sol.StateD)
	s.buildA()
	return nil, nil
}

// updateA remaps the existing A slots onto the current constraint columns
// and returns the pivots that take the basis held by A to the requested
// states. Each constraint starts from the state its slot implies, so that a
// rejected pivot leaves the basis consistent.
func (s *Solver) updateA(stateN []State, prevNIdxs []int, stateD []State, prevDIdxs []int, prevAConsD []*aConstraint) []pivot {
	for _, c := range s.acons {
		if c.typ == typeD {
			if s.contactSolve {
				if c.mask != removed {
					c.mask = contactMasked
				}
			} else {
				c.mask = removed
			}
		} else {
			// unmasked below if still in use
			c.mask = removed
		}
	}

	prevAConsN := s.aconsN
	s.aconsN = make([]*aConstraint, s.sizeN)
	amax := s.sizeA - s.sizeMG

	var pivots []pivot
	for i := 0; i < s.sizeN; i++ {
		sval := stateN[i]
		var c *aConstraint
		if previ := prevNIdxs[i]; previ >= 0 && previ < len(prevAConsN) {
			c = prevAConsN[previ]
		}
		if c != nil {
			c.col = i
			c.mask = active
		}
		s.aconsN[i] = c
		switch {
		case sval == Z && c == nil:
			pivots = append(pivots, pivot{typ: typeN, col: i, aidx: -1, cur: WLo, next: Z})
			sval = WLo
		case sval != Z && c != nil:
			pivots = append(pivots, pivot{typ: typeN, col: i, aidx: c.idx, cur: Z, next: WLo})
			sval = Z
		}
		s.stateN[i] = sval
		s.jrowN[i] = -1
	}

	for i := 0; i < s.sizeD; i++ {
		sval := stateD[i]
		if s.flim[i] == 0 {
			sval = WLo
		}
		var c *aConstraint
		if previ := prevDIdxs[i]; previ >= 0 && previ < len(prevAConsD) {
			c = prevAConsD[previ]
		}
		if c != nil {
			c.col = i
			c.mask = active
		}
		s.aconsD[i] = c
		switch {
		case sval == Z && c == nil:
			pivots = append(pivots, pivot{typ: typeD, col: i, aidx: -1, cur: WLo, next: Z})
			sval = WLo
		case sval != Z && c != nil:
			if c.idx >= amax {
				panic(fmt.Sprintf("murty: D slot index %v exceeds %v", c.idx, amax))
			}
			pivots = append(pivots, pivot{typ: typeD, col: i, aidx: c.idx, cur: Z, next: sval})
			sval = Z
		}
		s.stateD[i] = sval
		s.jrowD[i] = -1
	}
	return pivots
}

// initializeState copies the requested states into the solver and marks
// the structure as changed if the basis differs from the one held by A.
func (s *Solver) initializeState(stateN, stateD []State) {
	changes := 0
	s.aconsN = resizeSlots(s.aconsN, s.sizeN)
	for i := 0; i < s.sizeN; i++ {
		sval := stateN[i]
		if (s.aconsN[i] == nil) != (sval != Z) {
			changes++
		}
		s.stateN[i] = sval
	}
	s.aconsD = resizeSlots(s.aconsD, s.sizeD)
	if !s.contactSolve {
		s.aconsDFull = s.aconsD
		if !s.cfg.UpdateBetweenSolves {
			s.aconsDFull = nil
		}
	}
	for i := 0; i < s.sizeD; i++ {
		sval := stateD[i]
		if s.flim[i] == 0 {
			sval = WLo
		}
		if (s.aconsD[i] == nil) != (sval != Z) {
			changes++
		}
		s.stateD[i] = sval
	}
	if changes > 0 {
		s.markChanged("basis")
	}
}

func resizeSlots(slots []*aConstraint, n int) []*aConstraint {
	r := make([]*aConstraint, n)
	copy(r, slots)
	return r
}

func (s *Solver) addAConstraint(typ consType, X *sparse.BlockMatrix, col int) *aConstraint {
	rows, _ := X.Column(col, s.sizeM)
	c := &aConstraint{typ: typ, col: col, idx: len(s.acons), rows: rows}
	s.acons = append(s.acons, c)
	return c
}

// buildA sizes A for the current basis. When the structure changed, or a
// contact solve must carry friction slots along, the slot table and the
// compressed-row pattern are rebuilt.
func (s *Solver) buildA() {
	s.sizeNA = 0
	for j := 0; j < s.sizeN; j++ {
		if s.stateN[j] == Z {
			s.sizeNA++
		}
		s.jrowN[j] = -1
	}
	var dcons []*aConstraint
	if s.contactSolve && s.cfg.UpdateBetweenSolves {
		for _, c := range s.acons {
			if c.typ == typeD && c.mask != removed {
				c.mask = contactMasked
				dcons = append(dcons, c)
			}
		}
		s.sizeDA = len(dcons)
	} else {
		s.sizeDA = 0
		for j := 0; j < s.sizeD; j++ {
			if s.stateD[j] == Z {
				s.sizeDA++
			}
			s.jrowD[j] = -1
		}
	}
	s.sizeA = s.sizeMG + s.sizeNA + s.sizeDA
	s.x = resize(s.x, s.sizeA)
	s.y = resize(s.y, s.sizeA)

	if s.structureChanged || len(dcons) > 0 {
		s.acons = s.acons[:0]
		for j := 0; j < s.sizeN; j++ {
			s.aconsN[j] = nil
			if s.stateN[j] == Z {
				s.aconsN[j] = s.addAConstraint(typeN, s.NT, j)
			}
		}
		for j := 0; j < s.sizeD; j++ {
			s.aconsD[j] = nil
			if s.stateD[j] == Z {
				s.aconsD[j] = s.addAConstraint(typeD, s.DT, j)
			}
		}
		for _, c := range dcons {
			c.idx = len(s.acons)
			s.acons = append(s.acons, c)
		}
		s.buildPattern()
	}
}

// buildPattern computes the compressed-row pattern of the upper triangle of
// A. Rows of M hold M, then G^T, then the constraint columns in slot order;
// the remaining rows hold only their diagonal.
func (s *Solver) buildPattern() {
	n := s.sizeA
	counts := make([]int, s.sizeM)
	for i := range counts {
		counts[i] = s.M.RowNonZeros(i, sparse.Upper, s.sizeM)
		if s.sizeG > 0 {
			counts[i] += s.GT.RowNonZeros(i, sparse.Full, s.sizeG)
		}
	}
	for _, c := range s.acons {
		for _, r := range c.rows {
			counts[r]++
		}
	}
	rowOffs := make([]int, n+1)
	off := 0
	for i := 0; i < s.sizeM; i++ {
		rowOffs[i] = off
		off += counts[i]
	}
	for i := s.sizeM; i < n; i++ {
		rowOffs[i] = off
		off++
	}
	rowOffs[n] = off

	colIdxs := make([]int, off)
	next := counts
	for i := 0; i < s.sizeM; i++ {
		row := colIdxs[rowOffs[i]:rowOffs[i]]
		row = s.M.AppendRowIndices(row, i, 0, sparse.Upper, s.sizeM)
		if s.sizeG > 0 {
			row = s.GT.AppendRowIndices(row, i, s.sizeM, sparse.Full, s.sizeG)
		}
		next[i] = rowOffs[i] + len(row)
	}
	for k, c := range s.acons {
		for _, r := range c.rows {
			colIdxs[next[r]] = s.sizeMG + k
			next[r]++
		}
	}
	for i := s.sizeM; i < n; i++ {
		colIdxs[rowOffs[i]] = i
	}

	if n == s.a.Size && slices.Equal(rowOffs, s.a.RowOffs) && slices.Equal(colIdxs, s.a.ColIdxs) {
		return
	}
	// new slices: the backend keeps the analyzed pattern
	s.a = sparse.CRS{Size: n, RowOffs: rowOffs, ColIdxs: colIdxs, Values: make([]float64, off)}
	s.patternChanged = true
}

// fillValues writes the current values of A into the pattern.
func (s *Solver) fillValues() {
	vals := s.a.Values
	rowOffs := s.a.RowOffs
	next := make([]int, s.sizeM)
	for i := 0; i < s.sizeM; i++ {
		row := vals[rowOffs[i]:rowOffs[i]]
		row = s.M.AppendRowValues(row, i, sparse.Upper, s.sizeM)
		if s.sizeG > 0 {
			row = s.GT.AppendRowValues(row, i, sparse.Full, s.sizeG)
		}
		next[i] = rowOffs[i] + len(row)
	}
	d := s.sizeM
	for i := 0; i < s.sizeG; i++ {
		vals[rowOffs[d]] = -regAt(s.rg, i)
		d++
	}
	for _, c := range s.acons {
		if c.masked() {
			for _, r := range c.rows {
				vals[next[r]] = 0
				next[r]++
			}
			vals[rowOffs[d]] = 1
			d++
			continue
		}
		X, R := s.NT, s.rn
		if c.typ == typeD {
			X, R = s.DT, s.rd
		}
		_, cv := X.Column(c.col, s.sizeM)
		if len(cv) != len(c.rows) {
			panic(fmt.Sprintf("murty: %v column %v has %v entries, slot %v expects %v", c.typ, c.col, len(cv), c.idx, len(c.rows)))
		}
		for k, r := range c.rows {
			vals[next[r]] = cv[k]
			next[r]++
		}
		vals[rowOffs[d]] = -regAt(R, c.col)
		d++
	}
}

// buildRhs assembles b = [bm; bg; bn/bd of every unmasked slot].
func (s *Solver) buildRhs() {
	s.b = resize(s.b, s.sizeA)
	copy(s.b, s.bm[:s.sizeM])
	copy(s.b[s.sizeM:], s.bg[:s.sizeG])
	for k, c := range s.acons {
		v := 0.0
		if !c.masked() {
			if c.typ == typeN {
				v = s.bn[c.col]
			} else {
				v = s.bd[c.col]
			}
		}
		s.b[s.sizeMG+k] = v
	}
}

func (s *Solver) analyzeA() error {
	kind := sparse.Symmetric
	if s.sizeA == s.sizeM {
		kind = sparse.SPD
	}
	start := time.Now()
	if err := s.backend.Analyze(&s.a, kind); err != nil {
		s.analyzedA = false
		return err
	}
	s.analyzeTime += time.Since(start)
	s.analyzeCnt++
	s.analyzedA = true
	s.patternChanged = false
	s.factored = false
	s.hybridCnt = 0
	s.avgDirect = 0
	return nil
}

func (s *Solver) factorA() error {
	start := time.Now()
	if err := s.backend.Factor(s.a.Values); err != nil {
		s.factored = false
		return err
	}
	s.factorTime += time.Since(start)
	s.factorCnt++
	s.factored = true
	return nil
}

func (s *Solver) solveA(x, b []float64) error {
	start := time.Now()
	if err := s.backend.Solve(x, b); err != nil {
		return err
	}
	s.solveTime += time.Since(start)
	s.solveCnt++
	s.totalSolves++
	return nil
}

func (s *Solver) avgSolveTime() float64 {
	if s.totalSolves == 0 {
		return 0
	}
	return s.solveTime.Seconds() / float64(s.totalSolves)
}

func (s *Solver) avgAnalyzeTime() float64 {
	if s.analyzeCnt == 0 {
		return 0
	}
	return s.analyzeTime.Seconds() / float64(s.analyzeCnt)
}

// updateAndSolveA brings A up to date for the current problem, factors it
// (or tries a hybrid solve), solves for y and applies the pivots that
// restore the requested basis.
func (s *Solver) updateAndSolveA(sol *Solution) error {
	pivots, err := s.rebuildOrUpdateA(sol)
	if err != nil {
		return err
	}
	s.checkConsistency()
	s.buildRhs()

	solved, valuesSet := false, false
	s.hybridLast = false
	if s.canDoHybridSolve() {
		s.fillValues()
		valuesSet = true
		solved = s.hybridSolveA()
	}
	if !solved {
		if s.structureChanged || s.patternChanged || !s.analyzedA {
			if err := s.analyzeA(); err != nil {
				return err
			}
		}
		if !valuesSet {
			s.fillValues()
		}
		start := time.Now()
		if err := s.factorA(); err != nil {
			return err
		}
		if err := s.solveForY(); err != nil {
			return err
		}
		s.stopDirectTiming(time.Since(start))
	}
	if s.sizeND > 0 {
		s.clearJ()
	}
	if len(pivots) > 0 {
		if _, err := s.applyBlockPivots(pivots); err != nil {
			return err
		}
	}
	return nil
}

// checkConsistency panics if the slot table, the slot maps or the J row
// back references disagree.
func (s *Solver) checkConsistency() {
	if !s.cfg.CheckConsistency {
		return
	}
	if s.sizeA != s.sizeMG+s.sizeNA+s.sizeDA {
		panic(fmt.Sprintf("murty: sizeA=%v != sizeMG=%v + sizeNA=%v + sizeDA=%v", s.sizeA, s.sizeMG, s.sizeNA, s.sizeDA))
	}
	if len(s.acons) != s.sizeNA+s.sizeDA {
		panic(fmt.Sprintf("murty: %v A slots != sizeNA=%v + sizeDA=%v", len(s.acons), s.sizeNA, s.sizeDA))
	}
	chkN := make([]*aConstraint, s.sizeN)
	chkD := make([]*aConstraint, s.sizeD)
	for idx, c := range s.acons {
		if !c.masked() {
			if c.typ == typeN {
				chkN[c.col] = c
			} else {
				chkD[c.col] = c
			}
		}
		if c.idx != idx {
			panic(fmt.Sprintf("murty: A slot %v has index %v", idx, c.idx))
		}
	}
	for i := range chkN {
		if chkN[i] != s.aconsN[i] {
			panic(fmt.Sprintf("murty: N %v maps to slot %v, expected %v", i, s.aconsN[i], chkN[i]))
		}
	}
	for i := range chkD {
		if chkD[i] != s.aconsD[i] {
			panic(fmt.Sprintf("murty: D %v maps to slot %v, expected %v", i, s.aconsD[i], chkD[i]))
		}
	}
}
