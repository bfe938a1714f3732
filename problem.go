package murty

import (
	"errors"
	"fmt"

	"github.com/rwcarlsen/murty/sparse"
)

var (
	// ErrNotFactored is returned by ResolveMG before any successful solve.
	ErrNotFactored = errors.New("system has not been factored by a previous solve")
	// ErrInput reports inconsistent problem data.
	ErrInput = errors.New("invalid solver input")
)

// Problem is the data of one mechanical LCP:
//
//	M vel - G^T lam - N^T the - D^T phi = bm
//	G vel + Rg lam                       = bg
//	N vel + Rn the - bn = wn,  0 <= the  _|_ wn >= 0
//	D vel + Rd phi - bd = wd,  |phi| <= flim, complementary to wd
//
// The constraint matrices are supplied transposed, one scalar column per
// constraint. Only their rows within the first SizeM rows are used. Nil
// regularization vectors mean zero.
type Problem struct {
	M *sparse.BlockMatrix
	// SizeM is the number of leading rows and columns of M that form the
	// system. It must fall on a block boundary. Zero means all of M.
	SizeM int
	Bm    []float64
	// VersionM identifies the structure of M. A change, or -1, forces A to
	// be rebuilt.
	VersionM int

	GT *sparse.BlockMatrix
	Rg []float64
	Bg []float64

	NT *sparse.BlockMatrix
	Rn []float64
	Bn []float64

	DT *sparse.BlockMatrix
	Rd []float64
	Bd []float64

	// Friction has one entry per block column of DT.
	Friction []FrictionInfo
}

// Solution receives the solve outputs. The and Lam also seed the initial
// friction limits, and the state vectors are the warm start basis on input
// and the final basis on output. Empty state vectors are cleared to WLo.
type Solution struct {
	Vel []float64
	Lam []float64
	The []float64
	Phi []float64

	StateN []State
	StateD []State
}

func cols(X *sparse.BlockMatrix) int {
	if X == nil {
		return 0
	}
	return X.Cols()
}

func checkLen(name string, v []float64, n int, optional bool) error {
	if optional && v == nil {
		return nil
	}
	if len(v) < n {
		return fmt.Errorf("%v has length %v, need %v: %w", name, len(v), n, ErrInput)
	}
	return nil
}

func (p *Problem) sizeM() int {
	if p.SizeM == 0 && p.M != nil {
		return p.M.Rows()
	}
	return p.SizeM
}

func (p *Problem) check() error {
	if p.M == nil {
		return fmt.Errorf("missing M: %w", ErrInput)
	}
	sizeM := p.sizeM()
	if sizeM > p.M.Rows() || sizeM > p.M.Cols() {
		return fmt.Errorf("sizeM %v exceeds M of %vx%v: %w", sizeM, p.M.Rows(), p.M.Cols(), ErrInput)
	}
	if p.M.AlignedBlockRows(sizeM) < 0 {
		return fmt.Errorf("sizeM %v does not fall on a block boundary of M: %w", sizeM, ErrInput)
	}
	for _, X := range []struct {
		name string
		m    *sparse.BlockMatrix
	}{{"GT", p.GT}, {"NT", p.NT}, {"DT", p.DT}} {
		if X.m != nil && X.m.Rows() < sizeM {
			return fmt.Errorf("%v has %v rows, need %v: %w", X.name, X.m.Rows(), sizeM, ErrInput)
		}
	}
	sizeG, sizeN, sizeD := cols(p.GT), cols(p.NT), cols(p.DT)
	errs := []error{
		checkLen("bm", p.Bm, sizeM, false),
		checkLen("Rg", p.Rg, sizeG, true),
		checkLen("bg", p.Bg, sizeG, false),
		checkLen("Rn", p.Rn, sizeN, true),
		checkLen("bn", p.Bn, sizeN, false),
		checkLen("Rd", p.Rd, sizeD, true),
		checkLen("bd", p.Bd, sizeD, false),
	}
	return errors.Join(errs...)
}

// resize returns v with length n, reusing its storage when possible.
func resize(v []float64, n int) []float64 {
	if cap(v) < n {
		return make([]float64, n)
	}
	return v[:n]
}

// prepareStates sizes a caller state vector: an empty one is grown and
// cleared, a short one is an error.
func prepareStates(states []State, n int, name string) ([]State, error) {
	if len(states) == 0 {
		return make([]State, n), nil
	}
	if len(states) < n {
		return nil, fmt.Errorf("%v has length %v when constraint size is %v: %w", name, len(states), n, ErrInput)
	}
	return states, nil
}

func regAt(r []float64, i int) float64 {
	if r == nil {
		return 0
	}
	return r[i]
}
