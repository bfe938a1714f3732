package murty

import (
	"fmt"
	"math"
)

// FrictionInfo describes how the limit of one block column of DT is derived
// from the normal force of its contact.
type FrictionInfo struct {
	// Mu is the friction coefficient.
	Mu float64
	// Contacts holds one or two indices of the normal force components. With
	// two, the normal force is their Euclidean norm.
	Contacts []int
	// Bilateral takes the normal force from the bilateral multipliers (lam)
	// instead of the contact multipliers (the).
	Bilateral bool
}

// MaxFriction returns the friction limit for the normal forces in f.
// Negative normal forces give no friction.
func (fi FrictionInfo) MaxFriction(f []float64) float64 {
	switch len(fi.Contacts) {
	case 1:
		n := f[fi.Contacts[0]]
		if fi.Bilateral {
			n = math.Abs(n)
		}
		return fi.Mu * math.Max(n, 0)
	case 2:
		return fi.Mu * math.Hypot(f[fi.Contacts[0]], f[fi.Contacts[1]])
	}
	return 0
}

func (s *Solver) setFrictionInfo(finfo []FrictionInfo) error {
	nb := s.DT.NumBlockCols()
	if len(finfo) < nb {
		return fmt.Errorf("%v friction infos for %v DT block columns: %w", len(finfo), nb, ErrInput)
	}
	for bk, info := range finfo[:nb] {
		cname, csize := "NT", s.sizeN
		if info.Bilateral {
			cname, csize = "GT", s.sizeG
		}
		if csize == 0 {
			return fmt.Errorf("friction info %v references %v, which has no columns: %w", bk, cname, ErrInput)
		}
		if len(info.Contacts) < 1 || len(info.Contacts) > 2 {
			return fmt.Errorf("friction info %v has %v contact indices: %w", bk, len(info.Contacts), ErrInput)
		}
		for _, c := range info.Contacts {
			if c < 0 || c >= csize {
				return fmt.Errorf("friction info %v: contact index %v out of range for %v: %w", bk, c, cname, ErrInput)
			}
		}
		if info.Mu < 0 {
			return fmt.Errorf("friction info %v has negative mu: %w", bk, ErrInput)
		}
	}
	s.finfo = finfo
	return nil
}

// updateFrictionLimits recomputes flim from lam and the, and refreshes the
// right hand sides of E rows that pin friction multipliers to a limit.
func (s *Solver) updateFrictionLimits(lam, the []float64) {
	s.flim = resize(s.flim, s.sizeD)
	k := 0
	for bk := 0; bk < s.DT.NumBlockCols(); bk++ {
		info := s.finfo[bk]
		f := the
		if info.Bilateral {
			f = lam
		}
		fmax := info.MaxFriction(f)
		for i := 0; i < s.DT.BlockColSize(bk); i++ {
			s.flim[k] = fmax
			k++
		}
	}

	for k := range s.e {
		piv := s.e[k].piv
		if piv.typ != typeD {
			continue
		}
		switch piv.next {
		case WLo:
			s.e[k].b = s.flim[piv.col]
		case WHi:
			s.e[k].b = -s.flim[piv.col]
		default:
			panic(fmt.Sprintf("murty: E pivot for D %v has Z target state", piv.col))
		}
	}
}

// updateBasisForFrictionLimits pivots out every basic friction constraint
// whose limit dropped to zero, then refreshes y for the new limits.
func (s *Solver) updateBasisForFrictionLimits() error {
	var pivots []pivot
	for i := 0; i < s.sizeD; i++ {
		if s.flim[i] == 0 && s.stateD[i] == Z {
			pivots = append(pivots, pivot{typ: typeD, col: i, aidx: s.aIndexD(i), cur: Z, next: WLo})
		}
	}
	if len(pivots) > 0 {
		_, err := s.applyBlockPivots(pivots)
		return err
	}
	return s.solveForY()
}
