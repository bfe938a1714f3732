package sparse

import (
	"slices"
	"strconv"
)

// Signature records the block structure of a BlockMatrix column by column:
// for every block column, its size and the block rows it occupies. Two
// matrices with equal signatures have identical sparsity patterns.
type Signature struct {
	sizes  []int
	rows   [][]int
	ncols  int
	nbrows int
}

// NewSignature computes the column signature of X.
func NewSignature(X *BlockMatrix) *Signature {
	sig := &Signature{
		sizes:  make([]int, X.NumBlockCols()),
		rows:   make([][]int, X.NumBlockCols()),
		ncols:  X.Cols(),
		nbrows: X.NumBlockRows(),
	}
	for bj, col := range X.cols {
		sig.sizes[bj] = X.colSizes[bj]
		rows := make([]int, len(col))
		for k, e := range col {
			rows[k] = e.row
		}
		sig.rows[bj] = rows
	}
	return sig
}

// Equal reports whether sig and other describe the same structure. A nil
// signature only equals another nil signature.
func (sig *Signature) Equal(other *Signature) bool {
	if sig == nil || other == nil {
		return sig == other
	}
	if sig.nbrows != other.nbrows || !slices.Equal(sig.sizes, other.sizes) {
		return false
	}
	for bj := range sig.rows {
		if !slices.Equal(sig.rows[bj], other.rows[bj]) {
			return false
		}
	}
	return true
}

// PrevColIdxs maps every scalar column of sig to the matching scalar column
// of prev, or to -1 if it has no match. Block columns match when they have
// the same size and occupy the same block rows; when several candidates
// exist they are paired in order of appearance, and each block column of prev
// is used at most once.
func (sig *Signature) PrevColIdxs(prev *Signature) []int {
	idxs := make([]int, sig.ncols)
	for j := range idxs {
		idxs[j] = -1
	}
	if prev == nil {
		return idxs
	}

	prevOffs := make([]int, len(prev.sizes)+1)
	for bj, s := range prev.sizes {
		prevOffs[bj+1] = prevOffs[bj] + s
	}
	used := make([]bool, len(prev.sizes))
	// candidates are searched from the last match of the same key onward so
	// that repeated keys pair up in order
	next := map[string]int{}

	off := 0
	for bj, size := range sig.sizes {
		key := sigKey(size, sig.rows[bj])
		for pj := next[key]; pj < len(prev.sizes); pj++ {
			if used[pj] || prev.sizes[pj] != size || !slices.Equal(prev.rows[pj], sig.rows[bj]) {
				continue
			}
			used[pj] = true
			next[key] = pj + 1
			for k := 0; k < size; k++ {
				idxs[off+k] = prevOffs[pj] + k
			}
			break
		}
		off += size
	}
	return idxs
}

func sigKey(size int, rows []int) string {
	b := make([]byte, 0, 4*(len(rows)+1))
	b = strconv.AppendInt(b, int64(size), 10)
	for _, r := range rows {
		b = append(b, ',')
		b = strconv.AppendInt(b, int64(r), 10)
	}
	return string(b)
}
