package sparse

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CRS holds the upper triangle of a symmetric matrix in compressed-row form.
// Row i occupies ColIdxs[RowOffs[i]:RowOffs[i+1]], with column indices
// ascending and every column >= i.
type CRS struct {
	Size    int
	RowOffs []int
	ColIdxs []int
	Values  []float64
}

func (A *CRS) NNZ() int { return A.RowOffs[A.Size] }

// Check verifies that the structure describes an upper triangle with sorted
// column indices and that a diagonal entry is present in every row.
func (A *CRS) Check() error {
	if len(A.RowOffs) != A.Size+1 || A.RowOffs[0] != 0 {
		return fmt.Errorf("%v row offsets for size %v: %w", len(A.RowOffs), A.Size, ErrStructure)
	}
	if len(A.ColIdxs) != A.NNZ() {
		return fmt.Errorf("%v column indices for %v nonzeros: %w", len(A.ColIdxs), A.NNZ(), ErrStructure)
	}
	for i := 0; i < A.Size; i++ {
		lo, hi := A.RowOffs[i], A.RowOffs[i+1]
		if hi <= lo || A.ColIdxs[lo] != i {
			return fmt.Errorf("row %v has no leading diagonal entry: %w", i, ErrStructure)
		}
		for p := lo + 1; p < hi; p++ {
			if A.ColIdxs[p] <= A.ColIdxs[p-1] || A.ColIdxs[p] >= A.Size {
				return fmt.Errorf("row %v column indices out of order: %w", i, ErrStructure)
			}
		}
	}
	return nil
}

// MulVec computes dst = A x using values in place of A.Values, treating A as
// the full symmetric matrix.
func (A *CRS) MulVec(dst, x, values []float64) {
	if len(dst) != A.Size || len(x) != A.Size {
		panic("sparse: inconsistent lengths for product")
	}
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < A.Size; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			j := A.ColIdxs[p]
			v := values[p]
			dst[i] += v * x[j]
			if j != i {
				dst[j] += v * x[i]
			}
		}
	}
}

// Dense returns a dense symmetric copy of A.
func (A *CRS) Dense() *mat.SymDense {
	d := mat.NewSymDense(A.Size, nil)
	for i := 0; i < A.Size; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			d.SetSym(i, A.ColIdxs[p], A.Values[p])
		}
	}
	return d
}
