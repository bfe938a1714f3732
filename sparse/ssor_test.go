package sparse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ssorMatrix forms w/(2-w) (D/w + L) (D/w)^-1 (D/w + L^T) densely.
func ssorMatrix(d *mat.SymDense, omega float64) *mat.Dense {
	n := d.SymmetricDim()
	lo := mat.NewDense(n, n, nil)
	dinv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		lo.Set(i, i, d.At(i, i)/omega)
		dinv.Set(i, i, omega/d.At(i, i))
		for j := 0; j < i; j++ {
			lo.Set(i, j, d.At(i, j))
		}
	}
	var m mat.Dense
	m.Product(lo, dinv, lo.T())
	m.Scale(omega/(2-omega), &m)
	return &m
}

func TestSSOR(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	d := randSparse(rnd, 30, 4, 0)
	A := makeCRS(d)
	r := make([]float64, A.Size)
	for i := range r {
		r[i] = rnd.Float64() - 0.5
	}

	for _, omega := range []float64{0, 1, 1.3} {
		pre, err := SSOR{Omega: omega}.Preconditioner(A, A.Values)
		require.NoError(t, err)
		z := make([]float64, A.Size)
		pre(z, r)

		w := omega
		if w == 0 {
			w = 1.8
		}
		var got mat.VecDense
		got.MulVec(ssorMatrix(d, w), mat.NewVecDense(A.Size, z))
		assert.InDeltaSlice(t, r, got.RawVector().Data, 1e-10, "omega %v", omega)
	}
}

func TestSSOR_Errors(t *testing.T) {
	A := makeCRS(mat.NewSymDense(2, []float64{0, 1, 1, 2}))
	_, err := SSOR{}.Preconditioner(A, A.Values)
	assert.ErrorIs(t, err, ErrSingular)

	A = makeCRS(mat.NewSymDense(2, []float64{2, 1, 1, 2}))
	_, err = SSOR{Omega: 2}.Preconditioner(A, A.Values)
	assert.Error(t, err)
	_, err = SSOR{}.Preconditioner(A, A.Values[:1])
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCGSolve_Preconditioned(t *testing.T) {
	rnd := rand.New(rand.NewSource(8))
	d := randSparse(rnd, 80, 6, 0)
	A := makeCRS(d)
	f := make([]float64, A.Size)
	for i := range f {
		f[i] = 1
	}
	pre, err := SSOR{Omega: 1}.Preconditioner(A, A.Values)
	require.NoError(t, err)
	cg := &CG{MaxIter: 200, Tol: 1e-10, Preconditioner: pre}
	x := make([]float64, A.Size)
	require.NoError(t, cg.Solve(A, A.Values, x, f))

	var ax mat.VecDense
	ax.MulVec(d, mat.NewVecDense(A.Size, x))
	assert.InDeltaSlice(t, f, ax.RawVector().Data, 1e-8)
}
