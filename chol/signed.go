// Package chol provides a dense signed Cholesky factorization that can be
// grown and shrunk one row/column at a time.
package chol

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotDefinite = errors.New("matrix is not positive/negative definite")
	ErrIndex       = errors.New("row/column index out of range")
)

// Signed factors a symmetric matrix
//
//	M = [ MA  MB^T ]
//	    [ MB  MC   ]
//
// with MA (size R) positive definite and the Schur complement of MA
// negative definite, as M = L D L^T where L is lower triangular and D is +1
// on the first R diagonal entries and -1 on the rest.
//
// Rows are stored in a flat buffer of width w so that row operations touch
// contiguous memory.
type Signed struct {
	buf []float64
	sol []float64
	n   int
	r   int
	w   int
}

func (c *Signed) ensureCapacity(size int) {
	if c.w >= size {
		return
	}
	w := c.w + c.w>>1
	if w < size {
		w = size
	}
	buf := make([]float64, w*w)
	sol := make([]float64, w)
	for i := 0; i < c.n; i++ {
		copy(buf[i*w:i*w+c.n], c.buf[i*c.w:i*c.w+c.n])
	}
	copy(sol, c.sol)
	c.w = w
	c.buf = buf
	c.sol = sol
}

func (c *Signed) setSize(n, r int) {
	c.ensureCapacity(n)
	c.n = n
	c.r = r
}

// Size returns the dimension of the factored matrix.
func (c *Signed) Size() int { return c.n }

// R returns the size of the positive definite block.
func (c *Signed) R() int { return c.r }

func (c *Signed) row(i int) []float64 { return c.buf[i*c.w : i*c.w+c.w] }

// Factor computes the factorization of M, whose leading r x r block is
// positive definite.
func (c *Signed) Factor(M mat.Matrix, r int) error {
	n, nc := M.Dims()
	if n != nc {
		return fmt.Errorf("factor of %vx%v matrix: matrix not square", n, nc)
	}
	if r < 0 || r > n {
		return fmt.Errorf("positive block size %v for size %v: %w", r, n, ErrIndex)
	}
	c.setSize(n, r)
	w := c.w

	anorm := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c.buf[i*w+j] = M.At(i, j)
		}
		anorm = math.Max(anorm, math.Abs(c.buf[i*w+i]))
	}

	// Gaxpy Cholesky from Golub and Van Loan, "Matrix Computations"
	for j := 0; j < n; j++ {
		lj := c.row(j)
		for i := j; i < n; i++ {
			li := c.row(i)
			tmp := floats.Dot(li[:min(j, r)], lj[:min(j, r)])
			if j > r {
				tmp -= floats.Dot(li[r:j], lj[r:j])
			}
			li[j] -= tmp
		}
		d := lj[j]
		if j >= r {
			d = -d
		}
		if d < 0 {
			c.clear()
			return fmt.Errorf("pivot %v: %w", j, ErrNotDefinite)
		}
		d = math.Sqrt(d)
		if anorm+d == anorm {
			c.clear()
			return fmt.Errorf("pivot %v: %w", j, ErrNotDefinite)
		}
		if j >= r {
			d = -d
		}
		for i := j; i < n; i++ {
			c.buf[i*w+j] /= d
		}
	}
	return nil
}

// L returns a copy of the lower triangular factor.
func (c *Signed) L() *mat.TriDense {
	if c.n == 0 {
		return &mat.TriDense{}
	}
	L := mat.NewTriDense(c.n, mat.Lower, nil)
	for i := 0; i < c.n; i++ {
		for j := 0; j <= i; j++ {
			L.SetTri(i, j, c.buf[i*c.w+j])
		}
	}
	return L
}

// Reconstruct returns L D L^T.
func (c *Signed) Reconstruct() *mat.SymDense {
	if c.n == 0 {
		return &mat.SymDense{}
	}
	M := mat.NewSymDense(c.n, nil)
	for i := 0; i < c.n; i++ {
		for j := i; j < c.n; j++ {
			li, lj := c.row(i), c.row(j)
			v := floats.Dot(li[:min(i+1, c.r)], lj[:min(i+1, c.r)])
			if i >= c.r {
				v -= floats.Dot(li[c.r:i+1], lj[c.r:i+1])
			}
			M.SetSym(i, j, v)
		}
	}
	return M
}

// Solve solves M x = b. x and b may be the same slice.
func (c *Signed) Solve(x, b []float64) {
	if len(x) < c.n || len(b) < c.n {
		panic("chol: inconsistent lengths for solve")
	}
	c.solveL(x, b, c.n)
	c.solveDLT(x, x)
}

// solveL solves the leading maxi rows of L y = b.
func (c *Signed) solveL(y, b []float64, maxi int) {
	for i := 0; i < maxi; i++ {
		li := c.row(i)
		y[i] = (b[i] - floats.Dot(y[:i], li[:i])) / li[i]
	}
}

// solveDLT solves D L^T x = y, negative block first.
func (c *Signed) solveDLT(x, y []float64) {
	w := c.w
	for i := c.n - 1; i >= c.r; i-- {
		sum := y[i]
		for j := i + 1; j < c.n; j++ {
			sum += x[j] * c.buf[j*w+i]
		}
		x[i] = -sum / c.buf[i*w+i]
	}
	for i := c.r - 1; i >= 0; i-- {
		sum := y[i]
		for j := i + 1; j < c.n; j++ {
			sum -= x[j] * c.buf[j*w+i]
		}
		x[i] = sum / c.buf[i*w+i]
	}
}

// ConditionEstimate estimates the infinity-norm condition number of M, the
// matrix that was factored, using algorithm 3.5.1 of Golub and Van Loan.
func (c *Signed) ConditionEstimate(M mat.Matrix) float64 {
	n := c.n
	if r, cc := M.Dims(); r != n || cc != n {
		panic("chol: matrix does not match factorization size")
	}
	if n == 0 {
		return 1
	}
	w := c.w
	pvec := make([]float64, n)
	ppos := make([]float64, n)
	pneg := make([]float64, n)
	y := make([]float64, n)
	for j := 0; j < n; j++ {
		ljj := c.buf[j*w+j]
		ypos := (1 - pvec[j]) / ljj
		yneg := (-1 - pvec[j]) / ljj
		posNorm, negNorm := 0.0, 0.0
		for i := j + 1; i < n; i++ {
			ppos[i] = pvec[i] + ypos*c.buf[i*w+j]
			posNorm += math.Abs(ppos[i])
			pneg[i] = pvec[i] + yneg*c.buf[i*w+j]
			negNorm += math.Abs(pneg[i])
		}
		if math.Abs(ypos)+posNorm >= math.Abs(yneg)+negNorm {
			y[j] = ypos
			copy(pvec[j+1:], ppos[j+1:])
		} else {
			y[j] = yneg
			copy(pvec[j+1:], pneg[j+1:])
		}
	}

	c.solveDLT(y, y)
	rnorm := floats.Norm(y, math.Inf(1))
	c.solveL(y, y, n)
	c.solveDLT(y, y)
	znorm := floats.Norm(y, math.Inf(1))

	return mat.Norm(M, math.Inf(1)) * znorm / rnorm
}

// EigenValueRatio returns the ratio of the largest to the smallest diagonal
// magnitude of L, a cheap proxy for the conditioning of the factorization.
func (c *Signed) EigenValueRatio() float64 {
	maxL, minL := 0.0, math.MaxFloat64
	for i := 0; i < c.n; i++ {
		lii := math.Abs(c.buf[i*c.w+i])
		maxL = math.Max(maxL, lii)
		minL = math.Min(minL, lii)
	}
	return maxL / minL
}

func (c *Signed) Determinant() float64 {
	prod := 1.0
	for i := 0; i < c.n; i++ {
		prod *= c.buf[i*c.w+i]
	}
	if (c.n-c.r)%2 == 1 {
		return -prod * prod
	}
	return prod * prod
}

// Clear resets the factorization to size zero.
func (c *Signed) Clear() { c.clear() }

func (c *Signed) clear() {
	c.n = 0
	c.r = 0
}

// AddPosRowAndColumn extends the positive block by one. col holds the new
// column of M ordered as [MA entries; new diagonal; MC entries], so it must
// have length Size()+1. It returns false, leaving the factorization
// unchanged, if the new diagonal of L squared falls below tol.
func (c *Signed) AddPosRowAndColumn(col []float64, tol float64) bool {
	if len(col) < c.n+1 {
		panic(fmt.Sprintf("chol: new column must have %v elements", c.n+1))
	}
	oldr, oldn := c.r, c.n
	la := c.sol
	if oldr > 0 {
		c.solveL(la, col, oldr)
	}
	sum := col[oldr] - floats.Dot(la[:oldr], la[:oldr])
	if sum < tol {
		return false
	}
	ld := math.Sqrt(sum)

	c.setSize(oldn+1, oldr+1)
	// setSize may have reallocated the solution buffer
	la = c.sol
	w := c.w
	buf := c.buf
	if oldr < oldn {
		// shift LB down, and LC down and to the right
		for i := oldn - 1; i >= oldr; i-- {
			copy(buf[(i+1)*w:(i+1)*w+oldr], buf[i*w:i*w+oldr])
			for j := i; j >= oldr; j-- {
				buf[(i+1)*w+j+1] = buf[i*w+j]
			}
		}
	}

	// insert [ la ld ] at row oldr
	copy(buf[oldr*w:oldr*w+oldr], la[:oldr])
	buf[oldr*w+oldr] = ld

	if oldr < oldn {
		n, r := c.n, c.r
		// lb = (mc - LB la)/ld, using the shifted location of LB
		lb := make([]float64, n-r)
		for i := r; i < n; i++ {
			s := col[i] - floats.Dot(buf[i*w:i*w+oldr], la[:oldr])
			lb[i-r] = s / ld
			buf[i*w+oldr] = lb[i-r]
		}
		// fold lb into LC with Givens rotations
		for i := r; i < n; i++ {
			z1 := buf[i*w+i-1]
			z2 := buf[i*w+i]
			p := math.Hypot(z1, z2)
			cs, sn := z1/p, z2/p
			buf[i*w+i-1] = p
			for k := i + 1; k < n; k++ {
				off := k*w + i - 1
				z1, z2 = buf[off], buf[off+1]
				buf[off] = cs*z1 + sn*z2
				buf[off+1] = -sn*z1 + cs*z2
			}
		}
		// shift LC to the right and restore lb
		for i := r; i < n; i++ {
			for j := i; j >= r; j-- {
				buf[i*w+j] = buf[i*w+j-1]
			}
			buf[i*w+oldr] = lb[i-r]
		}
	}
	return true
}

// AddNegRowAndColumn appends a row/column to the negative block. col holds
// the new column of M in the current ordering followed by the new diagonal,
// so it must have length Size()+1. It returns false, leaving the
// factorization unchanged, if the new diagonal of L squared falls below tol.
func (c *Signed) AddNegRowAndColumn(col []float64, tol float64) bool {
	if len(col) < c.n+1 {
		panic(fmt.Sprintf("chol: new column must have %v elements", c.n+1))
	}
	n, r, w := c.n, c.r, c.w
	lb := make([]float64, r)
	if r > 0 {
		c.solveL(lb, col, r)
	}
	lbnorm2 := floats.Dot(lb, lb)

	// ca = -mb + LB lb, then solve lc = LC^-1 ca
	lc := make([]float64, n-r)
	for i := r; i < n; i++ {
		lc[i-r] = -col[i] + floats.Dot(c.buf[i*w:i*w+r], lb)
	}
	for i := r; i < n; i++ {
		s := lc[i-r] - floats.Dot(lc[:i-r], c.buf[i*w+r:i*w+i])
		lc[i-r] = s / c.buf[i*w+i]
	}
	sum := -col[n] + lbnorm2 - floats.Dot(lc, lc)
	if sum < tol {
		return false
	}

	c.setSize(n+1, r)
	row := c.row(n)
	copy(row[:r], lb)
	copy(row[r:n], lc)
	row[n] = math.Sqrt(sum)
	return true
}

// DeleteRowAndColumn removes row/column idx. Removing a row of the positive
// block requires downdating the negative block, which fails with
// ErrNotDefinite if the result would lose definiteness by more than tol; in
// that case the factorization is left in an undefined state and should be
// rebuilt.
func (c *Signed) DeleteRowAndColumn(idx int, tol float64) error {
	n, r, w := c.n, c.r, c.w
	if idx < 0 || idx >= n {
		return fmt.Errorf("delete %v of %v: %w", idx, n, ErrIndex)
	}
	buf := c.buf

	// Partition L as [L11; l21 l22; L31 l32 L33] where l21, l22 and l32
	// are removed. Givens rotations fold the diagonal of L33 into l32.
	imax := r
	if idx >= r {
		imax = n
	}
	for i := idx + 1; i < imax; i++ {
		z1 := buf[i*w+i-1]
		z2 := buf[i*w+i]
		p := math.Hypot(z1, z2)
		if z1 < 0 {
			p = -p
		}
		cs, sn := z1/p, z2/p
		buf[i*w+i-1] = p
		for k := i + 1; k < n; k++ {
			off := k*w + i - 1
			z1, z2 = buf[off], buf[off+1]
			buf[off] = cs*z1 + sn*z2
			buf[off+1] = -sn*z1 + cs*z2
		}
	}

	// shift L31 and L33 upwards
	for i := idx + 1; i < n; i++ {
		jmax := i
		if idx < r {
			jmax = min(i, r-1)
		}
		copy(buf[(i-1)*w:(i-1)*w+jmax], buf[i*w:i*w+jmax])
	}

	if idx < r {
		// the last column of the positive block now couples into LC;
		// a = LC^-1 buf[r:n, r-1]
		a := make([]float64, n-r)
		anorm2 := 0.0
		for i := r; i < n; i++ {
			s := buf[i*w+r-1] - floats.Dot(a[:i-r], buf[i*w+r:i*w+i])
			a[i-r] = s / buf[i*w+i]
			anorm2 += a[i-r] * a[i-r]
			buf[i*w+r-1] = 0
		}
		alpha2 := 1 - anorm2
		if alpha2 <= tol {
			return fmt.Errorf("delete %v: downdate norm %g: %w", idx, alpha2, ErrNotDefinite)
		}
		p := math.Sqrt(alpha2)
		for j := n - 1; j >= r; j-- {
			z1, z2 := p, a[j-r]
			p = math.Hypot(z1, z2)
			cs, sn := z1/p, z2/p
			for i := j; i < n; i++ {
				off1, off2 := i*w+r-1, i*w+j
				z1, z2 = buf[off1], buf[off2]
				buf[off1] = cs*z1 + sn*z2
				buf[off2] = -sn*z1 + cs*z2
			}
		}
		// shift LC up and to the left
		for i := r; i < n; i++ {
			copy(buf[(i-1)*w+r-1:(i-1)*w+i], buf[i*w+r:i*w+i+1])
		}
		c.setSize(n-1, r-1)
	} else {
		c.setSize(n-1, r)
	}
	return nil
}

// DeleteRowsAndColumns removes several rows/columns, given in any order.
func (c *Signed) DeleteRowsAndColumns(idxs []int) error {
	if len(idxs) > c.n {
		return fmt.Errorf("deleting %v rows of %v: %w", len(idxs), c.n, ErrIndex)
	}
	sorted := append([]int(nil), idxs...)
	sort.Ints(sorted)
	for k, i := range sorted {
		if i < 0 || i >= c.n {
			return fmt.Errorf("delete %v of %v: %w", i, c.n, ErrIndex)
		}
		if k > 0 && sorted[k-1] == i {
			return fmt.Errorf("repeated row/column %v: %w", i, ErrIndex)
		}
	}
	for k := len(sorted) - 1; k >= 0; k-- {
		if err := c.DeleteRowAndColumn(sorted[k], 0); err != nil {
			return err
		}
	}
	return nil
}
