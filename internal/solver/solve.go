package solver

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Solve minimises the problem's cost starting from the current block
// values. Free blocks are overwritten with the best point found; constant
// blocks are left untouched. Solve blocks until a tolerance or a limit is
// reached and is not cancellable.
func Solve(p *Problem, opts Options) Summary {
	opts = opts.withDefaults()
	start := opts.Clock.Now()

	l := newLayout(p)
	e := &evaluator{p: p, l: l, threads: opts.NumThreads}
	x := make([][]float64, len(p.blocks))
	for i, b := range p.blocks {
		x[i] = append([]float64(nil), b.values...)
	}

	sum := Summary{
		NumParameterBlocks: len(l.free),
		NumParameters:      l.n,
		NumResidualBlocks:  len(p.residuals),
		NumResiduals:       p.NumResiduals(),
	}
	finish := func(t Termination, msg string) Summary {
		sum.Termination = t
		sum.Message = msg
		sum.Elapsed = opts.Clock.Since(start)
		for _, i := range l.free {
			copy(p.blocks[i].values, x[i])
		}
		tracef("%s: %s", t, msg)
		return sum
	}

	lin, ok := e.linearize(x)
	if !ok {
		sum.InitialCost, sum.FinalCost = math.Inf(1), math.Inf(1)
		return finish(Failure, "residual evaluation failed at the initial point")
	}
	sum.InitialCost, sum.FinalCost = lin.cost, lin.cost
	if l.n == 0 {
		return finish(Convergence, "no free parameters")
	}

	ne := newNormalEquations(l, lin)
	lambda, nu := opts.InitialDamping, 2.0
	for {
		if sum.Iterations >= opts.MaxIterations {
			return finish(NoConvergence, "maximum iterations reached")
		}
		if opts.Clock.Since(start) > opts.MaxSolverTime {
			return finish(Timeout, "maximum solver time reached")
		}
		gmax := ne.gradientMax()
		if gmax <= opts.GradientTolerance {
			return finish(Convergence, "gradient tolerance reached")
		}
		if lambda > maxDiagonal {
			return finish(Convergence, "damping exceeded its upper bound")
		}

		sum.Iterations++
		it := IterationSummary{Iteration: sum.Iterations, Cost: lin.cost, GradientMax: gmax, Damping: lambda}

		dx, linIters, solved := ne.solve(lambda, opts.LinearSolver, opts.MaxLinearIterations)
		it.LinearIters = linIters
		if !solved {
			lambda *= nu
			nu *= 2
			report(opts, it)
			continue
		}
		it.StepNorm = floats.Norm(dx, 2)
		if it.StepNorm <= opts.ParameterTolerance*(norm(x, l)+opts.ParameterTolerance) {
			report(opts, it)
			return finish(Convergence, "parameter tolerance reached")
		}

		trial := step(x, dx, l)
		newCost, ok := e.cost(trial)
		predicted := ne.modelDecrease(dx)
		actual := lin.cost - newCost
		if !ok || predicted <= 0 || actual/predicted <= 1e-3 {
			lambda *= nu
			nu *= 2
			report(opts, it)
			continue
		}

		rho := actual / predicted
		lambda = math.Max(lambda*math.Max(1.0/3, 1-math.Pow(2*rho-1, 3)), minDamping)
		nu = 2
		it.StepAccepted = true
		it.CostChange = actual
		sum.SuccessfulSteps++
		report(opts, it)

		x = trial
		prev := lin.cost
		sum.FinalCost = newCost
		if actual <= opts.FunctionTolerance*prev {
			return finish(Convergence, "function tolerance reached")
		}
		next, ok := e.linearize(x)
		if !ok {
			return finish(Failure, "residual evaluation failed after an accepted step")
		}
		lin = next
		ne = newNormalEquations(l, lin)
	}
}

func report(opts Options, it IterationSummary) {
	if opts.Progress {
		tracef("iter %3d cost %.6e change %.3e |g| %.3e |dx| %.3e lambda %.3e accepted %t cg %d",
			it.Iteration, it.Cost, it.CostChange, it.GradientMax, it.StepNorm, it.Damping, it.StepAccepted, it.LinearIters)
	}
	if opts.Callback != nil {
		opts.Callback(it)
	}
}

// step returns x with dx added to its free blocks. Constant blocks share
// storage with x.
func step(x [][]float64, dx []float64, l layout) [][]float64 {
	out := append([][]float64(nil), x...)
	for slot, i := range l.free {
		v := append([]float64(nil), x[i]...)
		floats.Add(v, dx[l.offset[slot]:l.offset[slot]+l.size[slot]])
		out[i] = v
	}
	return out
}

func norm(x [][]float64, l layout) float64 {
	s := 0.0
	for _, i := range l.free {
		n := floats.Norm(x[i], 2)
		s += n * n
	}
	return math.Sqrt(s)
}
