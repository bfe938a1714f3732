package sparse

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Partition selects which entries of a matrix are visited when extracting
// compressed-row data.
type Partition int

const (
	// Full visits every stored entry.
	Full Partition = iota
	// Upper visits only entries on or above the diagonal.
	Upper
)

type blockEntry struct {
	row int
	blk *mat.Dense
}

// BlockMatrix is a sparse matrix made of dense blocks laid out on a fixed
// grid of block rows and block columns. Blocks that are not set are
// structurally zero. Every entry of a stored block counts as a structural
// nonzero, even if its value is zero.
type BlockMatrix struct {
	rowSizes []int
	colSizes []int
	rowOffs  []int
	colOffs  []int
	// cols[bj] holds the blocks of block column bj sorted by block row.
	cols [][]blockEntry
	// rows[bi] holds the occupied block columns of block row bi, ascending.
	rows [][]int
}

// NewBlockMatrix creates an empty block matrix with the given block row and
// block column sizes.
func NewBlockMatrix(rowSizes, colSizes []int) *BlockMatrix {
	X := &BlockMatrix{rowOffs: []int{0}, colOffs: []int{0}}
	for _, s := range rowSizes {
		X.addBlockRow(s)
	}
	for _, s := range colSizes {
		X.AddBlockCol(s)
	}
	return X
}

func (X *BlockMatrix) addBlockRow(size int) {
	if size <= 0 {
		panic(fmt.Sprintf("sparse: invalid block row size %v", size))
	}
	X.rowSizes = append(X.rowSizes, size)
	X.rowOffs = append(X.rowOffs, X.rowOffs[len(X.rowOffs)-1]+size)
	X.rows = append(X.rows, nil)
}

// AddBlockCol appends an empty block column of the given size and returns its
// block index.
func (X *BlockMatrix) AddBlockCol(size int) int {
	if size <= 0 {
		panic(fmt.Sprintf("sparse: invalid block column size %v", size))
	}
	X.colSizes = append(X.colSizes, size)
	X.colOffs = append(X.colOffs, X.colOffs[len(X.colOffs)-1]+size)
	X.cols = append(X.cols, nil)
	return len(X.colSizes) - 1
}

// SetBlock stores blk at block position (bi, bj), replacing any block already
// there. The block is referenced, not copied.
func (X *BlockMatrix) SetBlock(bi, bj int, blk *mat.Dense) error {
	if bi < 0 || bi >= len(X.rowSizes) || bj < 0 || bj >= len(X.colSizes) {
		return fmt.Errorf("block (%v,%v) outside %vx%v block grid: %w", bi, bj, len(X.rowSizes), len(X.colSizes), ErrDimensionMismatch)
	}
	r, c := blk.Dims()
	if r != X.rowSizes[bi] || c != X.colSizes[bj] {
		return fmt.Errorf("block (%v,%v) is %vx%v, want %vx%v: %w", bi, bj, r, c, X.rowSizes[bi], X.colSizes[bj], ErrDimensionMismatch)
	}

	col := X.cols[bj]
	k := sort.Search(len(col), func(k int) bool { return col[k].row >= bi })
	if k < len(col) && col[k].row == bi {
		col[k].blk = blk
		return nil
	}
	col = append(col, blockEntry{})
	copy(col[k+1:], col[k:])
	col[k] = blockEntry{row: bi, blk: blk}
	X.cols[bj] = col

	row := X.rows[bi]
	k = sort.SearchInts(row, bj)
	row = append(row, 0)
	copy(row[k+1:], row[k:])
	row[k] = bj
	X.rows[bi] = row
	return nil
}

// Block returns the block at (bi, bj) or nil if it is structurally zero.
func (X *BlockMatrix) Block(bi, bj int) *mat.Dense {
	for _, e := range X.cols[bj] {
		if e.row == bi {
			return e.blk
		}
	}
	return nil
}

func (X *BlockMatrix) Rows() int         { return X.rowOffs[len(X.rowOffs)-1] }
func (X *BlockMatrix) Cols() int         { return X.colOffs[len(X.colOffs)-1] }
func (X *BlockMatrix) NumBlockRows() int { return len(X.rowSizes) }
func (X *BlockMatrix) NumBlockCols() int { return len(X.colSizes) }

func (X *BlockMatrix) BlockRowOffset(bi int) int { return X.rowOffs[bi] }
func (X *BlockMatrix) BlockRowSize(bi int) int   { return X.rowSizes[bi] }
func (X *BlockMatrix) BlockColOffset(bj int) int { return X.colOffs[bj] }
func (X *BlockMatrix) BlockColSize(bj int) int   { return X.colSizes[bj] }

// BlockRow returns the block row containing scalar row i.
func (X *BlockMatrix) BlockRow(i int) int {
	return sort.SearchInts(X.rowOffs, i+1) - 1
}

// BlockCol returns the block column containing scalar column j.
func (X *BlockMatrix) BlockCol(j int) int {
	return sort.SearchInts(X.colOffs, j+1) - 1
}

// AlignedBlockRows returns the number of leading block rows that span exactly
// size scalar rows, or -1 if size does not fall on a block boundary.
func (X *BlockMatrix) AlignedBlockRows(size int) int {
	k := sort.SearchInts(X.rowOffs, size)
	if k < len(X.rowOffs) && X.rowOffs[k] == size {
		return k
	}
	return -1
}

// Column returns the structural nonzeros of scalar column j lying in rows
// below nrows.
func (X *BlockMatrix) Column(j, nrows int) (rows []int, vals []float64) {
	bj := X.BlockCol(j)
	lj := j - X.colOffs[bj]
	for _, e := range X.cols[bj] {
		off := X.rowOffs[e.row]
		for li := 0; li < X.rowSizes[e.row]; li++ {
			if off+li >= nrows {
				return rows, vals
			}
			rows = append(rows, off+li)
			vals = append(vals, e.blk.At(li, lj))
		}
	}
	return rows, vals
}

// ColumnDot returns the dot product of scalar column j with v, restricted to
// rows below len(v).
func (X *BlockMatrix) ColumnDot(j int, v []float64) float64 {
	bj := X.BlockCol(j)
	lj := j - X.colOffs[bj]
	sum := 0.0
	for _, e := range X.cols[bj] {
		off := X.rowOffs[e.row]
		for li := 0; li < X.rowSizes[e.row] && off+li < len(v); li++ {
			sum += e.blk.At(li, lj) * v[off+li]
		}
	}
	return sum
}

// MulTransposeTo computes dst = X^T v using only the rows below len(v).
func (X *BlockMatrix) MulTransposeTo(dst, v []float64) {
	if len(dst) != X.Cols() {
		panic("sparse: inconsistent lengths for transpose product")
	}
	for j := range dst {
		dst[j] = X.ColumnDot(j, v)
	}
}

// MulAddTo computes dst += X x for the rows below len(dst).
func (X *BlockMatrix) MulAddTo(dst, x []float64) {
	if len(x) != X.Cols() {
		panic("sparse: inconsistent lengths for product")
	}
	for bj, col := range X.cols {
		coff := X.colOffs[bj]
		for _, e := range col {
			off := X.rowOffs[e.row]
			for li := 0; li < X.rowSizes[e.row] && off+li < len(dst); li++ {
				sum := 0.0
				for lj := 0; lj < X.colSizes[bj]; lj++ {
					sum += e.blk.At(li, lj) * x[coff+lj]
				}
				dst[off+li] += sum
			}
		}
	}
}

// visitRow calls fn for every structural entry of scalar row i that lies in
// a column below ncols and, for the Upper partition, on or above the
// diagonal. Columns are visited in ascending order.
func (X *BlockMatrix) visitRow(i int, part Partition, ncols int, fn func(j int, v float64)) {
	bi := X.BlockRow(i)
	li := i - X.rowOffs[bi]
	for _, bj := range X.rows[bi] {
		blk := X.Block(bi, bj)
		off := X.colOffs[bj]
		for lj := 0; lj < X.colSizes[bj]; lj++ {
			j := off + lj
			if j >= ncols {
				return
			}
			if part == Upper && j < i {
				continue
			}
			fn(j, blk.At(li, lj))
		}
	}
}

// RowNonZeros returns the number of entries visited in row i.
func (X *BlockMatrix) RowNonZeros(i int, part Partition, ncols int) int {
	n := 0
	X.visitRow(i, part, ncols, func(int, float64) { n++ })
	return n
}

// AppendRowIndices appends the column indices of row i, shifted by colOff.
func (X *BlockMatrix) AppendRowIndices(dst []int, i, colOff int, part Partition, ncols int) []int {
	X.visitRow(i, part, ncols, func(j int, _ float64) { dst = append(dst, j+colOff) })
	return dst
}

// AppendRowValues appends the values of row i in the same order as
// AppendRowIndices.
func (X *BlockMatrix) AppendRowValues(dst []float64, i int, part Partition, ncols int) []float64 {
	X.visitRow(i, part, ncols, func(_ int, v float64) { dst = append(dst, v) })
	return dst
}

// Dense returns a dense copy of X.
func (X *BlockMatrix) Dense() *mat.Dense {
	if X.Rows() == 0 || X.Cols() == 0 {
		return &mat.Dense{}
	}
	d := mat.NewDense(X.Rows(), X.Cols(), nil)
	for bj, col := range X.cols {
		for _, e := range col {
			for li := 0; li < X.rowSizes[e.row]; li++ {
				for lj := 0; lj < X.colSizes[bj]; lj++ {
					d.Set(X.rowOffs[e.row]+li, X.colOffs[bj]+lj, e.blk.At(li, lj))
				}
			}
		}
	}
	return d
}
