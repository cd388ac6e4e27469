package refine

import (
	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/bootstrap"
	"github.com/banshee-data/deepdive/internal/solver"
)

// Policy selects which rig quantities the solve may change. Anything not
// selected is held at its configured value. The first lighthouse pose is
// always held regardless of Lighthouses.
type Policy struct {
	Registration bool `json:"registration"`
	Lighthouses  bool `json:"lighthouses"`
	Extrinsics   bool `json:"extrinsics"`
	Head         bool `json:"head"`
	Sensors      bool `json:"sensors"`
	Params       bool `json:"params"`
}

// DefaultPolicy refines only the registration.
func DefaultPolicy() Policy {
	return Policy{Registration: true}
}

// Options configures an Engine.
type Options struct {
	// Resolution is the epoch width in seconds.
	Resolution float64
	// Smoothing weights the constant-position prior between consecutive
	// epochs. Zero disables it.
	Smoothing float64
	// Force2D holds every body pose level at the mean seeded height.
	Force2D bool
	// Correct applies the lighthouse calibration model.
	Correct bool
	// Huber is the robust loss scale shared by all residual blocks.
	Huber float64

	Policy Policy
	Model  bearing.Model
	Solver solver.Options
	PnP    bootstrap.Options
}

// DefaultOptions mirrors the stock configuration.
func DefaultOptions() Options {
	return Options{
		Resolution: 0.1,
		Smoothing:  10,
		Huber:      1.0,
		Policy:     DefaultPolicy(),
		Model:      bearing.LighthouseModel{},
		Solver:     solver.DefaultOptions(),
		PnP:        bootstrap.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Resolution <= 0 {
		o.Resolution = d.Resolution
	}
	if o.Huber <= 0 {
		o.Huber = d.Huber
	}
	if o.Model == nil {
		o.Model = d.Model
	}
	if o.PnP.Iterations <= 0 {
		o.PnP = d.PnP
	}
	return o
}
