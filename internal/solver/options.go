package solver

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/deepdive/internal/timeutil"
)

// LinearSolver selects how each damped normal-equation system is solved.
type LinearSolver int

const (
	// Auto uses DenseCholesky for small problems and ConjugateGradient otherwise.
	Auto LinearSolver = iota
	// DenseCholesky assembles the full normal matrix and factorises it.
	DenseCholesky
	// ConjugateGradient iterates on the block-sparse normal matrix with a
	// block Jacobi preconditioner.
	ConjugateGradient
)

// denseLimit is the largest tangent dimension Auto solves densely.
const denseLimit = 1500

// Options bounds and tunes Solve. The zero value is usable.
type Options struct {
	MaxIterations int
	MaxSolverTime time.Duration
	// NumThreads bounds the residual evaluation worker pool.
	NumThreads int

	FunctionTolerance  float64
	GradientTolerance  float64
	ParameterTolerance float64

	// InitialDamping is the first Levenberg-Marquardt damping factor.
	InitialDamping float64

	LinearSolver LinearSolver
	// MaxLinearIterations bounds each ConjugateGradient solve.
	MaxLinearIterations int

	// Progress traces every iteration to the solver trace stream.
	Progress bool
	// Callback, when set, is invoked after every iteration.
	Callback func(IterationSummary)

	Clock timeutil.Clock
}

// DefaultOptions returns the stock limits: 100 iterations, 60 s, one thread.
func DefaultOptions() Options {
	return Options{
		MaxIterations:       100,
		MaxSolverTime:       60 * time.Second,
		NumThreads:          1,
		FunctionTolerance:   1e-6,
		GradientTolerance:   1e-10,
		ParameterTolerance:  1e-8,
		InitialDamping:      1e-4,
		MaxLinearIterations: 500,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxSolverTime <= 0 {
		o.MaxSolverTime = d.MaxSolverTime
	}
	if o.NumThreads <= 0 {
		o.NumThreads = d.NumThreads
	}
	if o.FunctionTolerance <= 0 {
		o.FunctionTolerance = d.FunctionTolerance
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = d.GradientTolerance
	}
	if o.ParameterTolerance <= 0 {
		o.ParameterTolerance = d.ParameterTolerance
	}
	if o.InitialDamping <= 0 {
		o.InitialDamping = d.InitialDamping
	}
	if o.MaxLinearIterations <= 0 {
		o.MaxLinearIterations = d.MaxLinearIterations
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Termination describes why Solve returned.
type Termination int

const (
	// Convergence means one of the tolerances was met.
	Convergence Termination = iota
	// NoConvergence means MaxIterations was reached.
	NoConvergence
	// Timeout means MaxSolverTime was exceeded.
	Timeout
	// Failure means the residuals could not be evaluated or the iteration
	// could not make progress.
	Failure
)

func (t Termination) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Timeout:
		return "TIMEOUT"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Termination(%d)", int(t))
	}
}

// IterationSummary describes one Levenberg-Marquardt iteration.
type IterationSummary struct {
	Iteration    int
	Cost         float64
	CostChange   float64
	GradientMax  float64
	StepNorm     float64
	Damping      float64
	StepAccepted bool
	LinearIters  int
}

// Summary reports the outcome of Solve.
type Summary struct {
	InitialCost     float64
	FinalCost       float64
	Iterations      int
	SuccessfulSteps int
	Termination     Termination
	Message         string
	Elapsed         time.Duration

	NumParameterBlocks int
	NumParameters      int
	NumResidualBlocks  int
	NumResiduals       int
}

// Usable reports whether the parameters left by Solve may be committed:
// either a tolerance was met, or a limit stopped an iteration whose cost
// is finite and no worse than where it started.
func (s Summary) Usable() bool {
	switch s.Termination {
	case Convergence:
		return true
	case NoConvergence, Timeout:
		return !math.IsNaN(s.FinalCost) && !math.IsInf(s.FinalCost, 0) && s.FinalCost <= s.InitialCost
	default:
		return false
	}
}

// Brief is a one-line account of the solve.
func (s Summary) Brief() string {
	return fmt.Sprintf("%s after %d iterations (%d accepted) in %s: cost %.6e -> %.6e, %d blocks, %d parameters, %d residuals",
		s.Termination, s.Iterations, s.SuccessfulSteps, s.Elapsed.Round(time.Millisecond),
		s.InitialCost, s.FinalCost, s.NumParameterBlocks, s.NumParameters, s.NumResiduals)
}
