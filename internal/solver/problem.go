// Package solver minimises sums of robustified squared residuals over named
// parameter blocks with a Levenberg-Marquardt iteration. Derivatives are
// taken numerically so cost functions only need to evaluate residuals.
package solver

import (
	"errors"
	"fmt"
)

// BlockID identifies a parameter block within a Problem.
type BlockID int

// CostFunction computes a fixed number of residuals from the values of the
// parameter blocks it was registered with, in registration order.
type CostFunction interface {
	NumResiduals() int
	// Evaluate fills residuals and reports false when the parameters are
	// outside the function's domain. It must not modify params and must be
	// safe to call concurrently.
	Evaluate(params [][]float64, residuals []float64) bool
}

var (
	// ErrUnknownBlock is returned when a residual references a block that
	// was never added to the problem.
	ErrUnknownBlock = errors.New("solver: unknown parameter block")
	// ErrDuplicateBlock is returned when a residual lists a block twice.
	ErrDuplicateBlock = errors.New("solver: parameter block listed twice")
)

type parameterBlock struct {
	values   []float64
	constant bool
}

type residualBlock struct {
	cost   CostFunction
	loss   LossFunction
	blocks []BlockID
}

// Problem collects parameter blocks and residual blocks.
type Problem struct {
	blocks    []parameterBlock
	residuals []residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{}
}

// AddParameterBlock registers values as an optimisation variable. The slice
// is read when Solve starts and, unless the block is constant, overwritten
// with the solution when it returns.
func (p *Problem) AddParameterBlock(values []float64) BlockID {
	p.blocks = append(p.blocks, parameterBlock{values: values})
	return BlockID(len(p.blocks) - 1)
}

// SetConstant holds a block at its initial value. Constant blocks are never
// written by Solve.
func (p *Problem) SetConstant(id BlockID) {
	if p.valid(id) {
		p.blocks[id].constant = true
	}
}

// SetVariable reverses SetConstant.
func (p *Problem) SetVariable(id BlockID) {
	if p.valid(id) {
		p.blocks[id].constant = false
	}
}

// IsConstant reports whether the block is held fixed.
func (p *Problem) IsConstant(id BlockID) bool {
	return p.valid(id) && p.blocks[id].constant
}

// AddResidualBlock adds a cost term over the given blocks. A nil loss is
// treated as TrivialLoss.
func (p *Problem) AddResidualBlock(cost CostFunction, loss LossFunction, blocks ...BlockID) error {
	seen := make(map[BlockID]bool, len(blocks))
	for _, id := range blocks {
		if !p.valid(id) {
			return fmt.Errorf("%w: %d", ErrUnknownBlock, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %d", ErrDuplicateBlock, id)
		}
		seen[id] = true
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	p.residuals = append(p.residuals, residualBlock{
		cost:   cost,
		loss:   loss,
		blocks: append([]BlockID(nil), blocks...),
	})
	return nil
}

// NumParameterBlocks returns the number of registered blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

// NumResidualBlocks returns the number of registered residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumResiduals returns the total residual dimension.
func (p *Problem) NumResiduals() int {
	n := 0
	for _, r := range p.residuals {
		n += r.cost.NumResiduals()
	}
	return n
}

func (p *Problem) valid(id BlockID) bool {
	return id >= 0 && int(id) < len(p.blocks)
}
