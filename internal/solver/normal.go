package solver

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	minDiagonal = 1e-6
	maxDiagonal = 1e32
	minDamping  = 1e-16
)

// normalEquations is the block-sparse Gauss-Newton system J^T J dx = -J^T r.
// Only blocks of free parameters that share a residual are stored.
type normalEquations struct {
	l      layout
	keys   [][2]int
	blocks map[[2]int]*mat.Dense
	g      []float64
	diag   []float64
}

func newNormalEquations(l layout, lin *linearization) *normalEquations {
	ne := &normalEquations{
		l:      l,
		blocks: make(map[[2]int]*mat.Dense),
		g:      make([]float64, l.n),
	}
	for i, jacs := range lin.jacobians {
		if len(jacs) == 0 || len(lin.residuals[i]) == 0 {
			continue
		}
		r := mat.NewVecDense(len(lin.residuals[i]), lin.residuals[i])
		sorted := append([]jacobianBlock(nil), jacs...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].slot < sorted[b].slot })
		for a, ja := range sorted {
			var ga mat.VecDense
			ga.MulVec(ja.jac.T(), r)
			floats.Add(ne.g[l.offset[ja.slot]:l.offset[ja.slot]+l.size[ja.slot]], ga.RawVector().Data)
			for _, jb := range sorted[a:] {
				key := [2]int{ja.slot, jb.slot}
				h, ok := ne.blocks[key]
				if !ok {
					h = mat.NewDense(l.size[ja.slot], l.size[jb.slot], nil)
					ne.blocks[key] = h
					ne.keys = append(ne.keys, key)
				}
				var prod mat.Dense
				prod.Mul(ja.jac.T(), jb.jac)
				h.Add(h, &prod)
			}
		}
	}
	sort.Slice(ne.keys, func(i, j int) bool {
		if ne.keys[i][0] != ne.keys[j][0] {
			return ne.keys[i][0] < ne.keys[j][0]
		}
		return ne.keys[i][1] < ne.keys[j][1]
	})

	ne.diag = make([]float64, l.n)
	for i := range ne.diag {
		ne.diag[i] = minDiagonal
	}
	for slot := range l.free {
		h, ok := ne.blocks[[2]int{slot, slot}]
		if !ok {
			continue
		}
		for k := 0; k < l.size[slot]; k++ {
			ne.diag[l.offset[slot]+k] = math.Min(math.Max(h.At(k, k), minDiagonal), maxDiagonal)
		}
	}
	return ne
}

// gradientMax is the infinity norm of J^T r.
func (ne *normalEquations) gradientMax() float64 {
	if len(ne.g) == 0 {
		return 0
	}
	return floats.Norm(ne.g, math.Inf(1))
}

// mulVec sets y = (J^T J + lambda D) v.
func (ne *normalEquations) mulVec(y, v []float64, lambda float64) {
	for i := range y {
		y[i] = lambda * ne.diag[i] * v[i]
	}
	l := ne.l
	for _, key := range ne.keys {
		h := ne.blocks[key]
		a, b := key[0], key[1]
		va := mat.NewVecDense(l.size[a], v[l.offset[a]:l.offset[a]+l.size[a]])
		vb := mat.NewVecDense(l.size[b], v[l.offset[b]:l.offset[b]+l.size[b]])
		// Off-diagonal blocks are rectangular: H_ab v_b has the size of a,
		// H_ab^T v_a the size of b.
		var ta mat.VecDense
		ta.MulVec(h, vb)
		floats.Add(y[l.offset[a]:l.offset[a]+l.size[a]], ta.RawVector().Data)
		if a != b {
			var tb mat.VecDense
			tb.MulVec(h.T(), va)
			floats.Add(y[l.offset[b]:l.offset[b]+l.size[b]], tb.RawVector().Data)
		}
	}
}

// modelDecrease is the reduction of the undamped quadratic model for step dx.
func (ne *normalEquations) modelDecrease(dx []float64) float64 {
	hx := make([]float64, len(dx))
	ne.mulVec(hx, dx, 0)
	return -(floats.Dot(ne.g, dx) + 0.5*floats.Dot(dx, hx))
}

// solve returns the damped step. The second result counts linear
// iterations, zero for a direct solve.
func (ne *normalEquations) solve(lambda float64, kind LinearSolver, maxIter int) ([]float64, int, bool) {
	if kind == Auto {
		kind = DenseCholesky
		if ne.l.n > denseLimit {
			kind = ConjugateGradient
		}
	}
	if kind == ConjugateGradient {
		return ne.solveCG(lambda, maxIter)
	}
	dx, ok := ne.solveDense(lambda)
	return dx, 0, ok
}

func (ne *normalEquations) solveDense(lambda float64) ([]float64, bool) {
	n, l := ne.l.n, ne.l
	a := mat.NewSymDense(n, nil)
	for _, key := range ne.keys {
		h := ne.blocks[key]
		oa, ob := l.offset[key[0]], l.offset[key[1]]
		rows, cols := h.Dims()
		for i := 0; i < rows; i++ {
			j0 := 0
			if key[0] == key[1] {
				j0 = i
			}
			for j := j0; j < cols; j++ {
				a.SetSym(oa+i, ob+j, h.At(i, j))
			}
		}
	}
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+lambda*ne.diag[i])
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, false
	}
	rhs := make([]float64, n)
	floats.ScaleTo(rhs, -1, ne.g)
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, mat.NewVecDense(n, rhs)); err != nil {
		return nil, false
	}
	return dx.RawVector().Data, true
}

// solveCG runs preconditioned conjugate gradients with the inverse of the
// damped diagonal blocks as preconditioner.
func (ne *normalEquations) solveCG(lambda float64, maxIter int) ([]float64, int, bool) {
	n, l := ne.l.n, ne.l
	precond := make([]*mat.Cholesky, len(l.free))
	for slot := range l.free {
		k := l.size[slot]
		m := mat.NewSymDense(k, nil)
		if h, ok := ne.blocks[[2]int{slot, slot}]; ok {
			for i := 0; i < k; i++ {
				for j := i; j < k; j++ {
					m.SetSym(i, j, h.At(i, j))
				}
			}
		}
		for i := 0; i < k; i++ {
			m.SetSym(i, i, m.At(i, i)+lambda*ne.diag[l.offset[slot]+i])
		}
		var chol mat.Cholesky
		if !chol.Factorize(m) {
			return nil, 0, false
		}
		precond[slot] = &chol
	}
	apply := func(z, r []float64) {
		for slot, chol := range precond {
			off, k := l.offset[slot], l.size[slot]
			var out mat.VecDense
			if err := chol.SolveVecTo(&out, mat.NewVecDense(k, r[off:off+k])); err != nil {
				copy(z[off:off+k], r[off:off+k])
				continue
			}
			copy(z[off:off+k], out.RawVector().Data)
		}
	}

	x := make([]float64, n)
	r := make([]float64, n)
	floats.ScaleTo(r, -1, ne.g)
	bnorm := floats.Norm(r, 2)
	if bnorm == 0 {
		return x, 0, true
	}
	z := make([]float64, n)
	apply(z, r)
	p := append([]float64(nil), z...)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)

	iter := 0
	for ; iter < maxIter; iter++ {
		ne.mulVec(ap, p, lambda)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= 1e-10*bnorm {
			iter++
			break
		}
		apply(z, r)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		floats.AddScaledTo(p, z, beta, p)
	}
	return x, iter, iter > 0
}
