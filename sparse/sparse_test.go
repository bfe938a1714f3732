package sparse

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randSparse returns a random symmetric diagonally dominant matrix with
// roughly fillPerRow off-diagonal entries per row. If off is nonzero, every
// off-diagonal entry has that value.
func randSparse(rnd *rand.Rand, size, fillPerRow int, off float64) *mat.SymDense {
	diag := math.Max(9, 2*float64(fillPerRow)*math.Max(1, off))
	s := mat.NewSymDense(size, nil)
	for i := 0; i < size; i++ {
		s.SetSym(i, i, diag)
	}

	for i := 0; i < size; i++ {
		nfill := fillPerRow / 2
		if i%7 == 0 {
			nfill = fillPerRow / 3
		}
		for n := 0; n < nfill; n++ {
			j := rnd.Intn(size)
			if i == j {
				continue
			}

			v := off
			if v == 0 {
				v = rnd.Float64()
			}
			s.SetSym(i, j, v)
		}
	}
	return s
}

// makeCRS compresses the upper triangle of d, keeping every diagonal entry.
func makeCRS(d mat.Symmetric) *CRS {
	size := d.SymmetricDim()
	A := &CRS{Size: size, RowOffs: make([]int, size+1)}
	for i := 0; i < size; i++ {
		for j := i; j < size; j++ {
			if v := d.At(i, j); v != 0 || j == i {
				A.ColIdxs = append(A.ColIdxs, j)
				A.Values = append(A.Values, v)
			}
		}
		A.RowOffs[i+1] = len(A.ColIdxs)
	}
	return A
}

func bandwidth(A *CRS, perm []int) int {
	bw := 0
	for i := 0; i < A.Size; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			d := perm[i] - perm[A.ColIdxs[p]]
			if d < 0 {
				d = -d
			}
			if d > bw {
				bw = d
			}
		}
	}
	return bw
}

func TestRCM(t *testing.T) {
	// a path graph 0-5-1-4-2-3 with scrambled numbering
	path := []int{0, 5, 1, 4, 2, 3}
	d := mat.NewSymDense(6, nil)
	for i := range path {
		d.SetSym(path[i], path[i], 1)
		if i > 0 {
			d.SetSym(path[i-1], path[i], 1)
		}
	}
	A := makeCRS(d)
	identity := []int{0, 1, 2, 3, 4, 5}

	perm := RCM(A)
	seen := make([]bool, len(perm))
	for _, k := range perm {
		require.False(t, seen[k], "RCM mapping %v is not a permutation", perm)
		seen[k] = true
	}
	assert.Equal(t, 1, bandwidth(A, perm), "mapping %v", perm)
	assert.Greater(t, bandwidth(A, identity), 1)
}

func TestRCM_disconnected(t *testing.T) {
	d := mat.NewSymDense(5, nil)
	for i := 0; i < 5; i++ {
		d.SetSym(i, i, 1)
	}
	d.SetSym(0, 3, 1)
	perm := RCM(makeCRS(d))
	seen := make([]bool, len(perm))
	for _, k := range perm {
		require.False(t, seen[k])
		seen[k] = true
	}
}

func TestCRS_Check(t *testing.T) {
	good := &CRS{Size: 2, RowOffs: []int{0, 2, 3}, ColIdxs: []int{0, 1, 1}}
	require.NoError(t, good.Check())

	var tests = []struct {
		name string
		A    *CRS
	}{
		{"missing diagonal", &CRS{Size: 2, RowOffs: []int{0, 1, 2}, ColIdxs: []int{1, 1}}},
		{"unsorted", &CRS{Size: 3, RowOffs: []int{0, 3, 4, 5}, ColIdxs: []int{0, 2, 1, 1, 2}}},
		{"short offsets", &CRS{Size: 2, RowOffs: []int{0, 1}, ColIdxs: []int{0}}},
	}
	for _, test := range tests {
		assert.ErrorIs(t, test.A.Check(), ErrStructure, test.name)
	}
}

func newTestBlockMatrix(t *testing.T, rnd *rand.Rand, rowSizes, colSizes []int, pattern [][2]int) *BlockMatrix {
	X := NewBlockMatrix(rowSizes, colSizes)
	for _, bij := range pattern {
		bi, bj := bij[0], bij[1]
		data := make([]float64, rowSizes[bi]*colSizes[bj])
		for k := range data {
			data[k] = rnd.Float64() - 0.5
		}
		require.NoError(t, X.SetBlock(bi, bj, mat.NewDense(rowSizes[bi], colSizes[bj], data)))
	}
	return X
}

func TestBlockMatrix(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	X := newTestBlockMatrix(t, rnd, []int{3, 2, 3}, []int{1, 2, 1}, [][2]int{{2, 0}, {0, 0}, {1, 1}, {0, 2}, {2, 2}})
	dense := X.Dense()

	require.Equal(t, 8, X.Rows())
	require.Equal(t, 4, X.Cols())
	assert.Equal(t, 1, X.BlockCol(2))
	assert.Equal(t, 2, X.BlockCol(3))
	assert.Equal(t, 1, X.BlockRow(4))
	assert.Equal(t, 2, X.AlignedBlockRows(5))
	assert.Equal(t, -1, X.AlignedBlockRows(4))

	rows, vals := X.Column(0, 8)
	assert.Equal(t, []int{0, 1, 2, 5, 6, 7}, rows)
	for k, i := range rows {
		assert.Equal(t, dense.At(i, 0), vals[k])
	}
	rows, _ = X.Column(3, 3)
	assert.Equal(t, []int{0, 1, 2}, rows)

	v := []float64{1, -2, 3, 0.5, 1, 2, -1, 0.25}
	got := make([]float64, 4)
	X.MulTransposeTo(got, v)
	var want mat.VecDense
	want.MulVec(dense.T(), mat.NewVecDense(8, v))
	for j := range got {
		assert.InDelta(t, want.AtVec(j), got[j], 1e-12)
	}

	x := []float64{1, 2, 3, 4}
	dst := make([]float64, 8)
	X.MulAddTo(dst, x)
	want.MulVec(dense, mat.NewVecDense(4, x))
	for i := range dst {
		assert.InDelta(t, want.AtVec(i), dst[i], 1e-12)
	}

	err := X.SetBlock(0, 1, mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBlockMatrix_UpperRows(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	sizes := []int{2, 3, 1}
	X := NewBlockMatrix(sizes, sizes)
	for bi := range sizes {
		for bj := range sizes {
			if bi != bj && (bi+bj)%2 == 0 {
				continue
			}
			require.NoError(t, X.SetBlock(bi, bj, mat.NewDense(sizes[bi], sizes[bj], nil)))
		}
	}
	// fill symmetric values
	d := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			bi, bj := X.BlockRow(i), X.BlockCol(j)
			if blk := X.Block(bi, bj); blk != nil {
				v := rnd.Float64()
				blk.Set(i-X.BlockRowOffset(bi), j-X.BlockColOffset(bj), v)
				X.Block(bj, bi).Set(j-X.BlockRowOffset(bj), i-X.BlockColOffset(bi), v)
				d.SetSym(i, j, v)
			}
		}
	}

	for i := 0; i < 6; i++ {
		idxs := X.AppendRowIndices(nil, i, 0, Upper, 6)
		vals := X.AppendRowValues(nil, i, Upper, 6)
		require.Equal(t, len(idxs), X.RowNonZeros(i, Upper, 6))
		require.Equal(t, i, idxs[0], "row %v must start at the diagonal", i)
		for k, j := range idxs {
			assert.Equal(t, d.At(i, j), vals[k])
			if k > 0 {
				assert.Greater(t, j, idxs[k-1])
			}
		}
	}
	// column window
	idxs := X.AppendRowIndices(nil, 0, 10, Full, 2)
	assert.Equal(t, []int{10, 11}, idxs)
}

func TestSignature(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	rowSizes := []int{6, 6, 3}
	prev := newTestBlockMatrix(t, rnd, rowSizes, []int{1, 1, 2, 1}, [][2]int{{0, 0}, {1, 1}, {0, 2}, {1, 2}, {0, 3}})
	// same columns, reordered, plus one new column
	cur := newTestBlockMatrix(t, rnd, rowSizes, []int{2, 1, 1, 1, 1}, [][2]int{{0, 0}, {1, 0}, {0, 1}, {0, 2}, {1, 3}, {2, 4}})

	psig := NewSignature(prev)
	csig := NewSignature(cur)
	assert.True(t, psig.Equal(NewSignature(prev)))
	assert.False(t, psig.Equal(csig))
	assert.False(t, psig.Equal(nil))

	got := csig.PrevColIdxs(psig)
	want := []int{2, 3, 0, 4, 1, -1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("previous column indices (-want +got):\n%v", diff)
	}

	for _, idx := range csig.PrevColIdxs(nil) {
		assert.Equal(t, -1, idx)
	}
}

func TestCRS_MulVec(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	d := randSparse(rnd, 20, 6, 0)
	A := makeCRS(d)
	x := make([]float64, 20)
	for i := range x {
		x[i] = rnd.Float64()
	}
	got := make([]float64, 20)
	A.MulVec(got, x, A.Values)
	var want mat.VecDense
	want.MulVec(d, mat.NewVecDense(20, x))
	for i := range got {
		if math.Abs(got[i]-want.AtVec(i)) > 1e-12 {
			t.Fatalf("products don't match:\ngot %v\nwant %v", got, want.RawVector().Data)
		}
	}
}
