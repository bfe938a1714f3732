package chol

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randSigned returns L D L^T for a random well conditioned unit-ish lower
// triangular L and D = diag(+1 x r, -1 x (n-r)).
func randSigned(rnd *rand.Rand, n, r int) *mat.SymDense {
	L := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		L.Set(i, i, 1+rnd.Float64())
		for j := 0; j < i; j++ {
			L.Set(i, j, 0.2*(rnd.Float64()-0.5))
		}
	}
	M := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.0
			for k := 0; k <= i; k++ {
				d := 1.0
				if k >= r {
					d = -1
				}
				v += d * L.At(i, k) * L.At(j, k)
			}
			M.SetSym(i, j, v)
		}
	}
	return M
}

// without returns M with row/column idx removed.
func without(M mat.Symmetric, idx int) *mat.SymDense {
	n := M.SymmetricDim()
	if n == 1 {
		return &mat.SymDense{}
	}
	S := mat.NewSymDense(n-1, nil)
	for i, si := 0, 0; i < n; i++ {
		if i == idx {
			continue
		}
		for j, sj := 0, 0; j < n; j++ {
			if j == idx {
				continue
			}
			if sj >= si {
				S.SetSym(si, sj, M.At(i, j))
			}
			sj++
		}
		si++
	}
	return S
}

func requireSame(t *testing.T, c *Signed, want mat.Symmetric) {
	t.Helper()
	got := c.Reconstruct()
	if !mat.EqualApprox(got, want, 1e-10) {
		t.Fatalf("reconstruction doesn't match:\ngot\n% .3v\nwant\n% .3v", mat.Formatted(got), mat.Formatted(want))
	}
}

func testFactor(n, r int) (string, func(t *testing.T)) {
	return fmt.Sprintf("n=%v,r=%v", n, r), func(t *testing.T) {
		rnd := rand.New(rand.NewSource(int64(n*100 + r)))
		M := randSigned(rnd, n, r)

		var c Signed
		require.NoError(t, c.Factor(M, r))
		assert.Equal(t, n, c.Size())
		assert.Equal(t, r, c.R())
		requireSame(t, &c, M)

		b := make([]float64, n)
		for i := range b {
			b[i] = rnd.Float64() - 0.5
		}
		var want mat.VecDense
		require.NoError(t, want.SolveVec(M, mat.NewVecDense(n, b)))
		x := make([]float64, n)
		c.Solve(x, b)
		for i := range x {
			assert.InDelta(t, want.AtVec(i), x[i], 1e-10)
		}

		assert.InDelta(t, mat.Det(M), c.Determinant(), 1e-8*math.Abs(mat.Det(M)))
	}
}

func TestSigned_Factor(t *testing.T) {
	for _, n := range []int{1, 4, 9} {
		for _, r := range []int{0, n / 2, n} {
			t.Run(testFactor(n, r))
		}
	}
}

func TestSigned_FactorNotDefinite(t *testing.T) {
	var c Signed
	M := mat.NewSymDense(2, []float64{-1, 0, 0, 1})
	assert.ErrorIs(t, c.Factor(M, 2), ErrNotDefinite)
	assert.Equal(t, 0, c.Size())
}

func TestSigned_AddPos(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, shape := range [][2]int{{0, 0}, {3, 0}, {0, 3}, {4, 5}} {
		r, neg := shape[0], shape[1]
		full := randSigned(rnd, r+1+neg, r+1)

		var c Signed
		require.NoError(t, c.Factor(without(full, r), r))
		col := make([]float64, r+1+neg)
		mat.Col(col, r, full)
		require.True(t, c.AddPosRowAndColumn(col, 0), "shape %v", shape)
		assert.Equal(t, r+1, c.R())
		requireSame(t, &c, full)
	}
}

func TestSigned_AddNeg(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for _, shape := range [][2]int{{0, 0}, {3, 0}, {0, 3}, {4, 5}} {
		r, neg := shape[0], shape[1]
		n := r + neg
		full := randSigned(rnd, n+1, r)

		var c Signed
		require.NoError(t, c.Factor(without(full, n), r))
		col := make([]float64, n+1)
		mat.Col(col, n, full)
		require.True(t, c.AddNegRowAndColumn(col, 0), "shape %v", shape)
		assert.Equal(t, r, c.R())
		requireSame(t, &c, full)
	}
}

func TestSigned_AddRejected(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	M := randSigned(rnd, 4, 2)
	var c Signed
	require.NoError(t, c.Factor(M, 2))

	// a new positive row that duplicates row 0 has a zero pivot
	col := make([]float64, 5)
	for i := 0; i < 4; i++ {
		col[i] = M.At(0, i)
	}
	pos := []float64{col[0], col[1], col[0], col[2], col[3]}
	assert.False(t, c.AddPosRowAndColumn(pos, 1e-8))
	// a new negative row that duplicates row 3 likewise
	neg := []float64{M.At(3, 0), M.At(3, 1), M.At(3, 2), M.At(3, 3), M.At(3, 3)}
	assert.False(t, c.AddNegRowAndColumn(neg, 1e-8))

	assert.Equal(t, 4, c.Size())
	requireSame(t, &c, M)
}

func TestSigned_Delete(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	n, r := 8, 4
	for idx := 0; idx < n; idx++ {
		M := randSigned(rnd, n, r)
		var c Signed
		require.NoError(t, c.Factor(M, r))
		require.NoError(t, c.DeleteRowAndColumn(idx, 0))
		wantR := r
		if idx < r {
			wantR--
		}
		assert.Equal(t, wantR, c.R())
		requireSame(t, &c, without(M, idx))
	}
}

func TestSigned_DeleteRows(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	M := randSigned(rnd, 9, 5)
	var c Signed
	require.NoError(t, c.Factor(M, 5))

	require.NoError(t, c.DeleteRowsAndColumns([]int{7, 1, 4}))
	want := without(without(without(M, 7), 4), 1)
	assert.Equal(t, 6, c.Size())
	assert.Equal(t, 3, c.R())
	requireSame(t, &c, want)

	assert.ErrorIs(t, c.DeleteRowsAndColumns([]int{2, 2}), ErrIndex)
	assert.ErrorIs(t, c.DeleteRowsAndColumns([]int{6}), ErrIndex)
	assert.ErrorIs(t, c.DeleteRowAndColumn(-1, 0), ErrIndex)
}

// TestSigned_Grow builds a factorization one row at a time from empty,
// exercising buffer growth, then shrinks it again.
func TestSigned_Grow(t *testing.T) {
	rnd := rand.New(rand.NewSource(6))
	n, r := 20, 12
	M := randSigned(rnd, n, r)

	var c Signed
	// positive rows in order, then negative rows appended
	for k := 0; k < n; k++ {
		col := make([]float64, k+1)
		for i := 0; i <= k; i++ {
			col[i] = M.At(i, k)
		}
		if k < r {
			require.True(t, c.AddPosRowAndColumn(col, 0))
		} else {
			require.True(t, c.AddNegRowAndColumn(col, 0))
		}
	}
	requireSame(t, &c, M)

	for k := n - 1; k >= 0; k-- {
		require.NoError(t, c.DeleteRowAndColumn(k, 0))
	}
	assert.Equal(t, 0, c.Size())
}

func TestSigned_ConditionEstimate(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	M := randSigned(rnd, 10, 6)
	var c Signed
	require.NoError(t, c.Factor(M, 6))

	var inv mat.Dense
	require.NoError(t, inv.Inverse(M))
	cond := mat.Norm(M, math.Inf(1)) * mat.Norm(&inv, math.Inf(1))

	est := c.ConditionEstimate(M)
	assert.LessOrEqual(t, est, cond*(1+1e-9))
	assert.Greater(t, est, cond/100)
	assert.GreaterOrEqual(t, c.EigenValueRatio(), 1.0)
}
