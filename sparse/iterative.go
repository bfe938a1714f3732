package sparse

import (
	"bytes"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

var ErrNotConverged = errors.New("iterative solve did not converge")

// CG implements a preconditioned linear conjugate gradient solver (see
// http://wikipedia.org/wiki/Conjugate_gradient_method). It is only valid for
// symmetric positive definite systems.
type CG struct {
	MaxIter int
	// Tol is the residual norm, relative to the norm of b, at which the
	// iteration stops.
	Tol float64
	// Preconditioner is applied to the residual at each iteration. If it is
	// nil, an SSOR sweep of A is used, or none if A has a zero diagonal.
	Preconditioner Preconditioner
	niter          int
	ndof           int
}

func (cg *CG) Niter() int { return cg.niter }

func (cg *CG) Status() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CG Solver Stats:\n")
	fmt.Fprintf(&buf, "    %v dof\n", cg.ndof)
	fmt.Fprintf(&buf, "    converged in %v iterations", cg.niter)
	return buf.String()
}

// Solve solves A x = b where A has the pattern of A and the given values.
// The initial contents of x are used as the starting guess.
func (cg *CG) Solve(A *CRS, values, x, b []float64) error {
	size := len(b)
	cg.ndof = size
	cg.niter = 0
	precond := cg.Preconditioner
	if precond == nil {
		var err error
		if precond, err = (SSOR{}).Preconditioner(A, values); err != nil {
			precond = func(z, r []float64) { copy(z, r) }
		}
	}

	r := make([]float64, size)
	z := make([]float64, size)
	p := make([]float64, size)
	ap := make([]float64, size)

	A.MulVec(r, x, values)
	floats.SubTo(r, b, r)
	tol := cg.Tol * floats.Norm(b, 2)
	if floats.Norm(r, 2) <= tol {
		return nil
	}
	precond(z, r)
	copy(p, z)
	rz := floats.Dot(r, z)

	for cg.niter = 1; cg.niter <= cg.MaxIter; cg.niter++ {
		A.MulVec(ap, p, values)
		alpha := rz / floats.Dot(p, ap)
		floats.AddScaled(x, alpha, p)   // xnext = x+alpha*p
		floats.AddScaled(r, -alpha, ap) // rnext = r-alpha*A*p
		if floats.Norm(r, 2) <= tol {
			return nil
		}
		precond(z, r)
		rznext := floats.Dot(r, z)
		beta := rznext / rz
		rz = rznext
		floats.AddScaledTo(p, z, beta, p) // pnext = znext + beta*p
	}
	return ErrNotConverged
}

// Refinement performs preconditioned iterative refinement:
// x += P(b - A x) until the residual is small enough. It works for any
// nonsingular A, provided the preconditioner is a good approximate inverse.
type Refinement struct {
	MaxIter        int
	Tol            float64
	Preconditioner Preconditioner
	niter          int
	ndof           int
}

func (rf *Refinement) Niter() int { return rf.niter }

func (rf *Refinement) Status() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Refinement Solver Stats:\n")
	fmt.Fprintf(&buf, "    %v dof\n", rf.ndof)
	fmt.Fprintf(&buf, "    converged in %v iterations", rf.niter)
	return buf.String()
}

func (rf *Refinement) Solve(A *CRS, values, x, b []float64) error {
	size := len(b)
	rf.ndof = size
	rf.niter = 0

	r := make([]float64, size)
	dx := make([]float64, size)
	tol := rf.Tol * floats.Norm(b, 2)
	for {
		A.MulVec(r, x, values)
		floats.SubTo(r, b, r)
		if floats.Norm(r, 2) <= tol {
			return nil
		}
		if rf.niter == rf.MaxIter {
			return ErrNotConverged
		}
		rf.niter++
		rf.Preconditioner(dx, r)
		floats.Add(x, dx)
	}
}
