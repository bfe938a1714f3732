package sparse

import "fmt"

// SSOR builds symmetric successive over-relaxation preconditioners: a forward
// Gauss-Seidel sweep followed by a backward one, both relaxed by Omega.
type SSOR struct {
	// Omega is the relaxation factor, between 0 and 2. Zero means 1.8.
	Omega float64
}

// Preconditioner returns z = M^-1 r for the SSOR splitting of A with the
// given values, where
//
//	M = w/(2-w) (D/w + L) (D/w)^-1 (D/w + L^T)
//
// and L is the strict lower triangle. A must have a nonzero diagonal.
func (g SSOR) Preconditioner(A *CRS, values []float64) (Preconditioner, error) {
	omega := g.Omega
	if omega == 0 {
		omega = 1.8
	}
	if omega <= 0 || omega >= 2 {
		return nil, fmt.Errorf("ssor relaxation factor %v outside (0, 2)", omega)
	}
	if len(values) != A.NNZ() {
		return nil, ErrDimensionMismatch
	}
	diag := make([]float64, A.Size)
	for i := range diag {
		diag[i] = values[A.RowOffs[i]]
		if diag[i] == 0 {
			return nil, fmt.Errorf("ssor: zero diagonal in row %v: %w", i, ErrSingular)
		}
	}

	acc := make([]float64, A.Size)
	return func(z, r []float64) {
		if len(z) != A.Size || len(r) != A.Size {
			panic("sparse: inconsistent lengths for preconditioner")
		}
		// forward sweep; the lower triangle is the transpose of the stored rows
		for i := range acc {
			acc[i] = 0
		}
		for i := 0; i < A.Size; i++ {
			z[i] = omega * (r[i] - acc[i]) / diag[i]
			for p := A.RowOffs[i] + 1; p < A.RowOffs[i+1]; p++ {
				acc[A.ColIdxs[p]] += values[p] * z[i]
			}
		}
		for i := range z {
			z[i] *= diag[i] / omega
		}
		// backward sweep
		for i := A.Size - 1; i >= 0; i-- {
			sum := z[i]
			for p := A.RowOffs[i] + 1; p < A.RowOffs[i+1]; p++ {
				sum -= values[p] * z[A.ColIdxs[p]]
			}
			z[i] = omega * sum / diag[i]
		}
		scale := (2 - omega) / omega
		for i := range z {
			z[i] *= scale
		}
	}, nil
}
