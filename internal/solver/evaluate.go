package solver

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// layout maps parameter blocks to positions in the tangent vector.
type layout struct {
	// free lists the indices of non-constant blocks in problem order.
	free []int
	// slot is the position of each block in free, or -1 when constant.
	slot []int
	// offset is the tangent offset of each free slot.
	offset []int
	size   []int
	n      int
}

func newLayout(p *Problem) layout {
	l := layout{slot: make([]int, len(p.blocks))}
	for i, b := range p.blocks {
		if b.constant || len(b.values) == 0 {
			l.slot[i] = -1
			continue
		}
		l.slot[i] = len(l.free)
		l.free = append(l.free, i)
		l.offset = append(l.offset, l.n)
		l.size = append(l.size, len(b.values))
		l.n += len(b.values)
	}
	return l
}

// jacobianBlock is the derivative of one residual block with respect to
// one free parameter block.
type jacobianBlock struct {
	slot int
	jac  *mat.Dense
}

// linearization holds the robustified residuals and Jacobians at one point.
type linearization struct {
	cost      float64
	residuals [][]float64
	jacobians [][]jacobianBlock
}

type evaluator struct {
	p       *Problem
	l       layout
	threads int
}

func (e *evaluator) gather(rb residualBlock, values [][]float64) [][]float64 {
	params := make([][]float64, len(rb.blocks))
	for i, id := range rb.blocks {
		params[i] = values[id]
	}
	return params
}

// each runs fn for every residual block on the worker pool.
func (e *evaluator) each(fn func(i int, rb residualBlock)) {
	var g errgroup.Group
	g.SetLimit(e.threads)
	for i, rb := range e.p.residuals {
		g.Go(func() error {
			fn(i, rb)
			return nil
		})
	}
	_ = g.Wait()
}

// cost returns the total robustified cost, or false when any residual
// block fails to evaluate.
func (e *evaluator) cost(values [][]float64) (float64, bool) {
	costs := make([]float64, len(e.p.residuals))
	oks := make([]bool, len(e.p.residuals))
	e.each(func(i int, rb residualBlock) {
		r := make([]float64, rb.cost.NumResiduals())
		if !rb.cost.Evaluate(e.gather(rb, values), r) || !finite(r) {
			return
		}
		rho, _ := rb.loss.Evaluate(floats.Dot(r, r))
		costs[i] = 0.5 * rho
		oks[i] = true
	})
	total := 0.0
	for i, c := range costs {
		if !oks[i] {
			return math.Inf(1), false
		}
		total += c
	}
	return total, true
}

// linearize evaluates residuals and central-difference Jacobians for every
// free block, scaled so that the Gauss-Newton model matches the robust loss
// to first order.
func (e *evaluator) linearize(values [][]float64) (*linearization, bool) {
	n := len(e.p.residuals)
	lin := &linearization{
		residuals: make([][]float64, n),
		jacobians: make([][]jacobianBlock, n),
	}
	costs := make([]float64, n)
	oks := make([]bool, n)
	e.each(func(i int, rb residualBlock) {
		m := rb.cost.NumResiduals()
		base := e.gather(rb, values)
		r := make([]float64, m)
		if !rb.cost.Evaluate(base, r) || !finite(r) {
			return
		}
		var jacs []jacobianBlock
		for k, id := range rb.blocks {
			slot := e.l.slot[id]
			if slot < 0 {
				continue
			}
			jac := mat.NewDense(m, len(values[id]), nil)
			params := append([][]float64(nil), base...)
			failed := false
			fd.Jacobian(jac, func(y, x []float64) {
				local := append([][]float64(nil), params...)
				local[k] = x
				if !rb.cost.Evaluate(local, y) {
					failed = true
				}
			}, values[id], &fd.JacobianSettings{Formula: fd.Central})
			if failed || !finite(jac.RawMatrix().Data) {
				return
			}
			jacs = append(jacs, jacobianBlock{slot: slot, jac: jac})
		}

		rho, drho := rb.loss.Evaluate(floats.Dot(r, r))
		w := 0.0
		if drho > 0 {
			w = math.Sqrt(drho)
		}
		if w != 1 {
			for j := range r {
				r[j] *= w
			}
			for _, jb := range jacs {
				jb.jac.Scale(w, jb.jac)
			}
		}
		costs[i] = 0.5 * rho
		lin.residuals[i] = r
		lin.jacobians[i] = jacs
		oks[i] = true
	})
	for i := range oks {
		if !oks[i] {
			return nil, false
		}
		lin.cost += costs[i]
	}
	return lin, true
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
