// Package scenario builds small mechanical contact problems: rigid bodies
// resting on or inside other geometry, and chains of particles touching
// randomly oriented surfaces.
package scenario

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"github.com/rwcarlsen/murty/sparse"
)

// Problem holds the matrices and vectors of a contact problem in the layout
// the solver expects: constraint matrices are transposed, one scalar column
// per constraint, and friction directions come in block columns of two.
type Problem struct {
	M  *sparse.BlockMatrix
	Bm []float64

	GT *sparse.BlockMatrix
	Rg []float64
	Bg []float64

	NT *sparse.BlockMatrix
	Rn []float64
	Bn []float64

	DT *sparse.BlockMatrix
	Rd []float64
	Bd []float64

	// Friction has one entry per block column of DT.
	Friction []Friction
}

// Friction ties a pair of friction directions to the normal force of one
// contact (a column of NT) or, if Bilateral, one column of GT.
type Friction struct {
	Mu        float64
	Contact   int
	Bilateral bool
}

// Frame is an orthonormal contact frame: N is the contact normal and X, Y
// span the tangent plane.
type Frame struct {
	X, Y, N mgl64.Vec3
}

// RandomFrames returns n randomly rotated frames.
func RandomFrames(n int, rng *rand.Rand) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		axis := mgl64.Vec3{rng.Float64() - 0.5, rng.Float64() - 0.5, rng.Float64() - 0.5}
		if axis.Len() < 1e-6 {
			axis = mgl64.Vec3{0, 0, 1}
		}
		q := mgl64.QuatRotate(rng.Float64()*2*math.Pi, axis.Normalize())
		frames[i] = Frame{
			X: q.Rotate(mgl64.Vec3{1, 0, 0}),
			Y: q.Rotate(mgl64.Vec3{0, 1, 0}),
			N: q.Rotate(mgl64.Vec3{0, 0, 1}),
		}
	}
	return frames
}

// wrench returns the 6-vector [f; p x f] of a force f applied at p.
func wrench(f, p mgl64.Vec3) []float64 {
	m := p.Cross(f)
	return []float64{f[0], f[1], f[2], m[0], m[1], m[2]}
}

func vec3(v mgl64.Vec3) []float64 { return []float64{v[0], v[1], v[2]} }

// spatialInertia returns the 6x6 inertia of a body with the given mass and
// principal moments.
func spatialInertia(mass float64, moments mgl64.Vec3) *mat.Dense {
	J := mgl64.Diag3(moments)
	blk := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		blk.Set(i, i, mass)
		for j := 0; j < 3; j++ {
			blk.Set(3+i, 3+j, J.At(i, j))
		}
	}
	return blk
}

// BoxInertia returns the spatial inertia of a solid box.
func BoxInertia(mass, wx, wy, wz float64) *mat.Dense {
	return spatialInertia(mass, mgl64.Vec3{
		mass * (wy*wy + wz*wz) / 12,
		mass * (wx*wx + wz*wz) / 12,
		mass * (wx*wx + wy*wy) / 12,
	})
}

// CylinderInertia returns the spatial inertia of a solid cylinder whose axis
// is z.
func CylinderInertia(mass, rad, length float64) *mat.Dense {
	ixx := mass * (3*rad*rad + length*length) / 12
	return spatialInertia(mass, mgl64.Vec3{ixx, ixx, mass * rad * rad / 2})
}

func rigidBody(inertia *mat.Dense) (M, NT, DT *sparse.BlockMatrix) {
	M = sparse.NewBlockMatrix([]int{6}, []int{6})
	if err := M.SetBlock(0, 0, inertia); err != nil {
		panic(err)
	}
	NT = sparse.NewBlockMatrix([]int{6}, nil)
	DT = sparse.NewBlockMatrix([]int{6}, nil)
	return M, NT, DT
}

func addContact(NT, DT *sparse.BlockMatrix, p, n, tx, ty mgl64.Vec3) {
	bj := NT.AddBlockCol(1)
	if err := NT.SetBlock(0, bj, mat.NewDense(6, 1, wrench(n, p))); err != nil {
		panic(err)
	}
	blk := mat.NewDense(6, 2, nil)
	blk.SetCol(0, wrench(tx, p))
	blk.SetCol(1, wrench(ty, p))
	bj = DT.AddBlockCol(2)
	if err := DT.SetBlock(0, bj, blk); err != nil {
		panic(err)
	}
}

func fill(n int, v float64) []float64 {
	r := make([]float64, n)
	for i := range r {
		r[i] = v
	}
	return r
}

// BoxOnPlane is a unit cube of the given mass resting on the plane z = -0.5
// through its four bottom corners, pushed by the wrench bm. The contact
// offsets bn cancel the regularization of an even split of the downward
// push over the corners, so that the frictionless rest state has zero
// velocity.
func BoxOnPlane(mass float64, push mgl64.Vec3, mu float64) *Problem {
	M, NT, DT := rigidBody(BoxInertia(mass, 1, 1, 1))
	corners := []mgl64.Vec3{
		{0.5, 0.5, -0.5},
		{-0.5, 0.5, -0.5},
		{-0.5, -0.5, -0.5},
		{0.5, -0.5, -0.5},
	}
	for _, p := range corners {
		addContact(NT, DT, p, mgl64.Vec3{0, 0, 1}, mgl64.Vec3{1, 0, 0}, mgl64.Vec3{0, 1, 0})
	}
	const reg = 1e-6
	p := &Problem{
		M:  M,
		Bm: wrench(push, mgl64.Vec3{}),
		NT: NT,
		Rn: fill(4, reg),
		Bn: fill(4, -reg*push.Z()/4),
		DT: DT,
		Rd: fill(8, reg),
		Bd: make([]float64, 8),
	}
	for k := range corners {
		p.Friction = append(p.Friction, Friction{Mu: mu, Contact: k})
	}
	return p
}

// PegInHole is a cylindrical peg of radius 0.05 and length 0.2 held in a
// hole by nrings rings of npoints contacts each, spaced evenly along its
// length, and pushed at its center by force. Contact normals point inward;
// friction acts along the ring tangent and the peg axis.
func PegInHole(nrings, npoints int, force mgl64.Vec3, mu float64) *Problem {
	if nrings < 2 || npoints < 1 {
		panic(fmt.Sprintf("scenario: peg needs at least 2 rings and 1 point per ring, got %v and %v", nrings, npoints))
	}
	const (
		rad    = 0.05
		length = 0.20
		mass   = 2.0
	)
	M, NT, DT := rigidBody(CylinderInertia(mass, rad, length))
	for i := 0; i < nrings; i++ {
		z := -length/2 + float64(i)*length/float64(nrings-1)
		for j := 0; j < npoints; j++ {
			ang := float64(j) * 2 * math.Pi / float64(npoints)
			c, s := math.Cos(ang), math.Sin(ang)
			pnt := mgl64.Vec3{rad * c, rad * s, z}
			addContact(NT, DT, pnt, mgl64.Vec3{-c, -s, 0}, mgl64.Vec3{-s, c, 0}, mgl64.Vec3{0, 0, 1})
		}
	}
	numc := nrings * npoints
	// a penetration of 0.001 under a force of 10 m at a step size of 0.01
	rn := 0.001 / (10 * mass) / (0.01 * 0.01)
	p := &Problem{
		M:  M,
		Bm: wrench(force, mgl64.Vec3{}),
		NT: NT,
		Rn: fill(numc, rn),
		Bn: make([]float64, numc),
		DT: DT,
		Rd: fill(2*numc, 1e-2),
		Bd: make([]float64, 2*numc),
	}
	for k := 0; k < numc; k++ {
		p.Friction = append(p.Friction, Friction{Mu: mu, Contact: k})
	}
	return p
}

// Chain describes particles of unit block size 3 joined in a line by
// springs. Particle i may touch a surface with frame Frames[i], either as a
// bilateral constraint (its index listed in Bilateral) or as a unilateral
// contact (listed in Contacts).
//
// The loads are chosen per constraint by the matching character of
// BilateralLoads and ContactLoads: 'Z' pushes the particle into the surface
// with a tangential component that friction can hold, 'S' pushes with a
// tangential component large enough to slide, and ' ' pulls it away.
type Chain struct {
	Parts     int
	Mass      float64
	Stiffness float64
	Frames    []Frame

	Bilateral      []int
	BilateralLoads string
	Contacts       []int
	ContactLoads   string

	// Mu is the friction coefficient. If negative, the problem has no
	// friction.
	Mu float64
}

// ChainMass returns the block tridiagonal mass-stiffness matrix of n
// particles joined by springs.
func ChainMass(n int, mass, stiffness float64) *sparse.BlockMatrix {
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = 3
	}
	M := sparse.NewBlockMatrix(sizes, sizes)
	diag := func(v float64) *mat.Dense {
		return mat.NewDense(3, 3, []float64{v, 0, 0, 0, v, 0, 0, 0, v})
	}
	for bi := 0; bi < n; bi++ {
		must(M.SetBlock(bi, bi, diag(mass+2*stiffness)))
		if bi < n-1 {
			must(M.SetBlock(bi, bi+1, diag(-stiffness)))
			must(M.SetBlock(bi+1, bi, diag(-stiffness)))
		}
	}
	return M
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Build assembles the chain problem. Random offsets are drawn from rng.
func (c *Chain) Build(rng *rand.Rand) (*Problem, error) {
	if c.Parts > len(c.Frames) {
		return nil, fmt.Errorf("%v parts exceed %v frames", c.Parts, len(c.Frames))
	}
	if len(c.Bilateral) != len(c.BilateralLoads) || len(c.Contacts) != len(c.ContactLoads) {
		return nil, fmt.Errorf("index and load strings have different lengths")
	}
	for _, idxs := range [][]int{c.Bilateral, c.Contacts} {
		for _, i := range idxs {
			if i < 0 || i >= c.Parts {
				return nil, fmt.Errorf("particle index %v out of range [0,%v)", i, c.Parts)
			}
		}
	}

	sizes := make([]int, c.Parts)
	for i := range sizes {
		sizes[i] = 3
	}
	sizeM := 3 * c.Parts
	p := &Problem{M: ChainMass(c.Parts, c.Mass, c.Stiffness), Bm: make([]float64, sizeM)}

	column := func(X *sparse.BlockMatrix, part int, dirs ...mgl64.Vec3) {
		blk := mat.NewDense(3, len(dirs), nil)
		for k, d := range dirs {
			blk.SetCol(k, vec3(d))
		}
		bj := X.AddBlockCol(len(dirs))
		must(X.SetBlock(part, bj, blk))
	}

	if len(c.Bilateral) > 0 {
		p.GT = sparse.NewBlockMatrix(sizes, nil)
		for _, i := range c.Bilateral {
			column(p.GT, i, c.Frames[i].N)
		}
		p.Rg = fill(len(c.Bilateral), 0.001)
		p.Bg = make([]float64, len(c.Bilateral))
		for k := range p.Bg {
			p.Bg[k] = 0.0005 * (2*rng.Float64() - 1)
		}
	}
	if len(c.Contacts) > 0 {
		p.NT = sparse.NewBlockMatrix(sizes, nil)
		for _, i := range c.Contacts {
			column(p.NT, i, c.Frames[i].N)
		}
		p.Rn = fill(len(c.Contacts), 0.001)
		p.Bn = make([]float64, len(c.Contacts))
		for k := range p.Bn {
			p.Bn[k] = 0.0001 * (2*rng.Float64() - 1)
		}
	}
	if c.Mu >= 0 && len(c.Bilateral)+len(c.Contacts) > 0 {
		p.DT = sparse.NewBlockMatrix(sizes, nil)
		for k, i := range c.Bilateral {
			column(p.DT, i, c.Frames[i].X, c.Frames[i].Y)
			p.Friction = append(p.Friction, Friction{Mu: c.Mu, Contact: k, Bilateral: true})
		}
		for k, i := range c.Contacts {
			column(p.DT, i, c.Frames[i].X, c.Frames[i].Y)
			p.Friction = append(p.Friction, Friction{Mu: c.Mu, Contact: k})
		}
		nd := p.DT.Cols()
		p.Rd = fill(nd, 0.0001)
		p.Bd = make([]float64, nd)
		for k := range p.Bd {
			p.Bd[k] = 0.0001 * (2*rng.Float64() - 1)
		}
	}

	mu := math.Max(c.Mu, 0)
	for _, set := range []struct {
		idxs  []int
		loads string
	}{{c.Bilateral, c.BilateralLoads}, {c.Contacts, c.ContactLoads}} {
		for k, i := range set.idxs {
			fr := c.Frames[i]
			s := rng.Float64()
			t := fr.X.Mul(s).Add(fr.Y.Mul(1 - s)).Normalize()
			var f mgl64.Vec3
			switch set.loads[k] {
			case 'Z':
				f = fr.N.Add(t.Mul(0.5 * mu)).Mul(-1)
			case 'S':
				f = fr.N.Add(t.Mul(2 * mu)).Mul(-1)
			case ' ':
				f = fr.N
			default:
				return nil, fmt.Errorf("unrecognized load %q", set.loads[k])
			}
			copy(p.Bm[3*i:3*i+3], vec3(f))
		}
	}
	return p, nil
}

// PrevIndices maps each entry of cur to the position of the same particle
// in prev, or -1 if it is new.
func PrevIndices(cur, prev []int) []int {
	back := make(map[int]int, len(prev))
	for k, i := range prev {
		back[i] = k
	}
	idxs := make([]int, len(cur))
	for k, i := range cur {
		idxs[k] = -1
		if pk, ok := back[i]; ok {
			idxs[k] = pk
		}
	}
	return idxs
}
