package sparse

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// kkt returns the symmetric saddle point matrix [[M, G^T], [G, -r I]] with
// a random diagonally dominant M.
func kkt(rnd *rand.Rand, sizeM, sizeG, nfill int, r float64) *mat.SymDense {
	M := randSparse(rnd, sizeM, nfill, 0)
	size := sizeM + sizeG
	d := mat.NewSymDense(size, nil)
	for i := 0; i < sizeM; i++ {
		for j := i; j < sizeM; j++ {
			d.SetSym(i, j, M.At(i, j))
		}
	}
	for k := 0; k < sizeG; k++ {
		for n := 0; n < 3; n++ {
			d.SetSym(rnd.Intn(sizeM), sizeM+k, rnd.Float64()-0.5)
		}
		d.SetSym(sizeM+k, sizeM+k, -r)
	}
	return d
}

func checkSolve(t *testing.T, s DirectSolver, d *mat.SymDense, tol float64) {
	t.Helper()
	size := d.SymmetricDim()
	f := make([]float64, size)
	for i := range f {
		f[i] = float64(i%5) - 2
	}
	var want mat.VecDense
	require.NoError(t, want.SolveVec(d, mat.NewVecDense(size, f)))

	got := make([]float64, size)
	require.NoError(t, s.Solve(got, f))
	for i := range got {
		if math.Abs(got[i]-want.AtVec(i)) > tol {
			if size < 35 {
				t.Fatalf("solutions don't match at %v:\ngot %v\nwant %v", i, got, want.RawVector().Data)
			}
			t.Fatalf("solutions don't match at %v: got %v, want %v", i, got[i], want.AtVec(i))
		}
	}
}

func testLDL(size, nfill int, kind Kind) (string, func(t *testing.T)) {
	return fmt.Sprintf("size=%v,nfill=%v,kind=%v", size, nfill, kind), func(t *testing.T) {
		rnd := rand.New(rand.NewSource(int64(size*31 + nfill)))
		d := randSparse(rnd, size, nfill, 0)
		A := makeCRS(d)

		s := NewLDL(DefaultLDLConfig())
		require.NoError(t, s.Analyze(A, kind))
		require.NoError(t, s.Factor(A.Values))
		assert.Zero(t, s.NumPerturbedPivots())
		checkSolve(t, s, d, 1e-9)
	}
}

func TestLDL_Solve(t *testing.T) {
	for size := 10; size < 500; size = int(float64(size) * 1.5) {
		for nfill := 5; nfill <= size/2; nfill = nfill*2 + 1 {
			t.Run(testLDL(size, nfill, SPD))
			t.Run(testLDL(size, nfill, Symmetric))
		}
	}
}

func TestLDL_Indefinite(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, r := range []float64{0, 1e-3} {
		d := kkt(rnd, 30, 8, 6, r)
		A := makeCRS(d)

		s := NewLDL(DefaultLDLConfig())
		require.NoError(t, s.Analyze(A, Symmetric))
		require.NoError(t, s.Factor(A.Values))
		checkSolve(t, s, d, 1e-8)

		// refactor with new values in the same pattern
		vals := make([]float64, len(A.Values))
		for p, v := range A.Values {
			vals[p] = 2 * v
		}
		require.NoError(t, s.Factor(vals))
		d.ScaleSym(2, d)
		checkSolve(t, s, d, 1e-8)
	}
}

func TestLDL_Singular(t *testing.T) {
	d := mat.NewSymDense(3, []float64{
		1, 1, 0,
		1, 1, 0,
		0, 0, 2,
	})
	A := makeCRS(d)

	s := NewLDL(DefaultLDLConfig())
	require.NoError(t, s.Analyze(A, Symmetric))
	require.NoError(t, s.Factor(A.Values))
	assert.Equal(t, 1, s.NumPerturbedPivots())

	cfg := DefaultLDLConfig()
	cfg.Perturbation = 0
	s = NewLDL(cfg)
	require.NoError(t, s.Analyze(A, Symmetric))
	err := s.Factor(A.Values)
	require.ErrorIs(t, err, ErrSingular)
	var nerr *NumericalError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "factor", nerr.Op)

	x := make([]float64, 3)
	assert.ErrorIs(t, s.Solve(x, x), ErrNotFactored)
}

func TestLDL_SolveMulti(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	d := kkt(rnd, 20, 4, 5, 1e-2)
	A := makeCRS(d)
	s := NewLDL(DefaultLDLConfig())
	require.NoError(t, s.Analyze(A, Indefinite))
	require.NoError(t, s.Factor(A.Values))

	B := mat.NewDense(24, 3, nil)
	for i := 0; i < 24; i++ {
		for j := 0; j < 3; j++ {
			B.Set(i, j, rnd.Float64())
		}
	}
	X := mat.NewDense(24, 3, nil)
	require.NoError(t, s.SolveMulti(X, B))

	var want mat.Dense
	require.NoError(t, want.Solve(d, B))
	if !mat.EqualApprox(X, &want, 1e-9) {
		t.Fatalf("solutions don't match:\ngot\n% .3v\nwant\n% .3v", mat.Formatted(X), mat.Formatted(&want))
	}
}

func testIterativeSolve(s DirectSolver, kind Kind) (string, func(t *testing.T)) {
	return fmt.Sprintf("%T/%v", s, kind), func(t *testing.T) {
		rnd := rand.New(rand.NewSource(3))
		var d *mat.SymDense
		if kind == SPD {
			d = randSparse(rnd, 40, 6, 0)
		} else {
			d = kkt(rnd, 40, 6, 6, 1e-2)
		}
		A := makeCRS(d)
		require.NoError(t, s.Analyze(A, kind))
		require.NoError(t, s.Factor(A.Values))

		// perturb the values slightly; the old factorization is a good
		// preconditioner for the new matrix
		vals := make([]float64, len(A.Values))
		for p, v := range A.Values {
			vals[p] = v * (1 + 1e-4*(rnd.Float64()-0.5))
		}
		A.Values = vals
		d2 := A.Dense()

		size := d.SymmetricDim()
		b := make([]float64, size)
		for i := range b {
			b[i] = 1
		}
		x := make([]float64, size)
		n := s.IterativeSolve(vals, x, b, 10)
		require.Greater(t, n, 0)

		var want mat.VecDense
		require.NoError(t, want.SolveVec(d2, mat.NewVecDense(size, b)))
		for i := range x {
			assert.InDelta(t, want.AtVec(i), x[i], 1e-6)
		}
	}
}

func TestIterativeSolve(t *testing.T) {
	t.Run(testIterativeSolve(NewLDL(DefaultLDLConfig()), SPD))
	t.Run(testIterativeSolve(NewLDL(DefaultLDLConfig()), Symmetric))
	t.Run(testIterativeSolve(&DenseLU{}, Symmetric))
}

func TestCGSolve(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	size := 50
	d := randSparse(rnd, size, 4, 0)
	A := makeCRS(d)
	f := make([]float64, size)
	for i := range f {
		f[i] = 1
	}

	var want mat.VecDense
	require.NoError(t, want.SolveVec(d, mat.NewVecDense(size, f)))

	cg := &CG{MaxIter: 1000, Tol: 1e-10}
	got := make([]float64, size)
	require.NoError(t, cg.Solve(A, A.Values, got, f))
	t.Logf("converged in %v iterations", cg.Niter())
	for i := range got {
		if math.Abs(got[i]-want.AtVec(i)) > 1e-6 {
			t.Fatalf("solutions don't match")
		}
	}
	t.Logf("    solver stats:\n%v", cg.Status())

	cg = &CG{MaxIter: 1, Tol: 1e-14}
	assert.ErrorIs(t, cg.Solve(A, A.Values, make([]float64, size), f), ErrNotConverged)
}

func TestDenseLU(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	d := kkt(rnd, 15, 3, 4, 0)
	A := makeCRS(d)
	s := &DenseLU{}
	require.NoError(t, s.Analyze(A, Indefinite))
	require.NoError(t, s.Factor(A.Values))
	checkSolve(t, s, d, 1e-9)
	assert.Equal(t, 18*18, s.NumNonZerosInFactors())

	sing := makeCRS(mat.NewSymDense(2, []float64{1, 1, 1, 1}))
	require.NoError(t, s.Analyze(sing, Symmetric))
	assert.ErrorIs(t, s.Factor(sing.Values), ErrSingular)
}

func BenchmarkLDL(b *testing.B) {
	rnd := rand.New(rand.NewSource(1))
	d := kkt(rnd, 2000, 200, 6, 1e-3)
	A := makeCRS(d)
	f := make([]float64, A.Size)
	for i := range f {
		f[i] = 1
	}
	x := make([]float64, A.Size)
	s := NewLDL(DefaultLDLConfig())
	if err := s.Analyze(A, Symmetric); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Factor(A.Values); err != nil {
			b.Fatal(err)
		}
		if err := s.Solve(x, f); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCGSolve(b *testing.B) {
	rnd := rand.New(rand.NewSource(1))
	size := 5000
	A := makeCRS(randSparse(rnd, size, 6, 0))

	f := make([]float64, size)
	for i := range f {
		f[i] = 1
	}

	b.ResetTimer()
	cg := &CG{MaxIter: 1000, Tol: 1e-6}
	for i := 0; i < b.N; i++ {
		x := make([]float64, size)
		cg.Solve(A, A.Values, x, f)
	}
}
