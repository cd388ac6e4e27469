// Package bearing maps points in a lighthouse frame to the pair of sweep
// angles the lighthouse reports, and maps measured angle pairs back to the
// ideal pinhole angles.
package bearing

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Per-axis calibration parameter offsets. Each lighthouse carries
// NumParams values for axis 0 followed by NumParams values for axis 1.
const (
	ParamPhase = iota
	ParamTilt
	ParamGibPhase
	ParamGibMag
	ParamCurve
	NumParams
)

// NumAxes is the number of sweep axes per lighthouse.
const NumAxes = 2

// Params is the calibration vector of one lighthouse.
type Params [NumParams * NumAxes]float64

// Axis returns the parameter slice for axis a.
func (p *Params) Axis(a int) []float64 {
	return p[a*NumParams : (a+1)*NumParams]
}

// ParamNames labels the per-axis parameters for logs and exports.
var ParamNames = [NumParams]string{"phase", "tilt", "gib_phase", "gib_mag", "curve"}

// Model converts between geometry and measured sweep angles. Predict and
// Correct must be inverses of one another for a given parameter vector.
type Model interface {
	// Predict returns the angle pair expected for a point in the lighthouse frame.
	Predict(params []float64, x r3.Vector, correct bool) [2]float64
	// Correct turns a measured angle pair into the ideal pinhole angle pair.
	Correct(params []float64, angles [2]float64, correct bool) [2]float64
	// Name identifies the model in configuration.
	Name() string
}

// Ideal returns the uncorrected pinhole angles of x: the arctangents of the
// two in-plane ratios x/z and y/z.
func Ideal(x r3.Vector) [2]float64 {
	return [2]float64{math.Atan2(x.X, x.Z), math.Atan2(x.Y, x.Z)}
}

// IdealModel ignores the calibration vector entirely.
type IdealModel struct{}

func (IdealModel) Name() string { return "ideal" }

func (IdealModel) Predict(_ []float64, x r3.Vector, _ bool) [2]float64 {
	return Ideal(x)
}

func (IdealModel) Correct(_ []float64, angles [2]float64, _ bool) [2]float64 {
	return angles
}

// LighthouseModel perturbs each ideal angle by the sweep non-idealities of a
// rotating-laser lighthouse. For axis a with own angle θa and the tangent
// ratio q of the other axis the measured angle is
//
//	θa + phase + tan(tilt)·q + curve·q² + gib_mag·sin(θa + gib_phase)
//
// The inverse is solved by fixed-point iteration, which converges for the
// small perturbations a real lighthouse exhibits.
type LighthouseModel struct {
	// Iterations bounds the fixed-point inversion. Zero means 10.
	Iterations int
}

func (LighthouseModel) Name() string { return "lighthouse" }

func (m LighthouseModel) Predict(params []float64, x r3.Vector, correct bool) [2]float64 {
	ideal := Ideal(x)
	if !correct {
		return ideal
	}
	return [2]float64{
		ideal[0] + perturbation(params, 0, ideal),
		ideal[1] + perturbation(params, 1, ideal),
	}
}

func (m LighthouseModel) Correct(params []float64, angles [2]float64, correct bool) [2]float64 {
	if !correct {
		return angles
	}
	n := m.Iterations
	if n <= 0 {
		n = 10
	}
	est := angles
	for i := 0; i < n; i++ {
		next := [2]float64{
			angles[0] - perturbation(params, 0, est),
			angles[1] - perturbation(params, 1, est),
		}
		done := math.Abs(next[0]-est[0]) < 1e-14 && math.Abs(next[1]-est[1]) < 1e-14
		est = next
		if done {
			break
		}
	}
	return est
}

func perturbation(params []float64, axis int, ideal [2]float64) float64 {
	p := params[axis*NumParams : (axis+1)*NumParams]
	q := math.Tan(ideal[1-axis])
	return p[ParamPhase] +
		math.Tan(p[ParamTilt])*q +
		p[ParamCurve]*q*q +
		p[ParamGibMag]*math.Sin(ideal[axis]+p[ParamGibPhase])
}

// ByName returns the model registered under name.
func ByName(name string) (Model, error) {
	switch name {
	case "", "lighthouse":
		return LighthouseModel{}, nil
	case "ideal":
		return IdealModel{}, nil
	default:
		return nil, fmt.Errorf("unknown bearing model %q", name)
	}
}
