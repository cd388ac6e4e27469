package solver

import "math"

// LossFunction robustifies a residual block. Given the squared norm s of
// the block's residuals it returns rho(s) and its derivative.
type LossFunction interface {
	Evaluate(s float64) (rho, drho float64)
}

// TrivialLoss is plain least squares.
type TrivialLoss struct{}

func (TrivialLoss) Evaluate(s float64) (float64, float64) { return s, 1 }

// HuberLoss is quadratic for residual norms below Delta and linear above.
type HuberLoss struct {
	Delta float64
}

func (h HuberLoss) Evaluate(s float64) (float64, float64) {
	b := h.Delta * h.Delta
	if s <= b {
		return s, 1
	}
	r := math.Sqrt(s)
	return 2*h.Delta*r - b, h.Delta / r
}
