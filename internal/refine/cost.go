package refine

import (
	"github.com/golang/geo/r3"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/bundle"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
)

// BodyPose is the world-frame pose of the body at one epoch, split so that
// a planar constraint can hold exactly the height and the tilt.
type BodyPose struct {
	PosXY [2]float64
	PosZ  [1]float64
	RotXY [2]float64
	RotZ  [1]float64
}

// NewBodyPose splits p.
func NewBodyPose(p geom.Pose) *BodyPose {
	return &BodyPose{
		PosXY: [2]float64{p[0], p[1]},
		PosZ:  [1]float64{p[2]},
		RotXY: [2]float64{p[3], p[4]},
		RotZ:  [1]float64{p[5]},
	}
}

// Pose joins the sub-blocks.
func (b *BodyPose) Pose() geom.Pose {
	return geom.Pose{b.PosXY[0], b.PosXY[1], b.PosZ[0], b.RotXY[0], b.RotXY[1], b.RotZ[0]}
}

func joinPose(xy, z, rxy, rz []float64) geom.Pose {
	return geom.Pose{xy[0], xy[1], z[0], rxy[0], rxy[1], rz[0]}
}

func pose(block []float64) geom.Pose {
	var p geom.Pose
	copy(p[:], block)
	return p
}

// Parameter block order of GroupCost.
const (
	blockRegistration = iota
	blockBeacon
	blockPosXY
	blockPosZ
	blockRotXY
	blockRotZ
	blockBodyHead
	blockLightHead
	blockSensors
	blockParams
	numGroupBlocks
)

// GroupCost is the bearing residual of one tracker/lighthouse/epoch group:
// each sensor is carried from the light frame to the lighthouse frame and
// its predicted angle compared with the measured mean.
type GroupCost struct {
	Samples []bundle.Sample
	Model   bearing.Model
	Correct bool
}

func (c *GroupCost) NumResiduals() int { return len(c.Samples) }

func (c *GroupCost) Evaluate(params [][]float64, residuals []float64) bool {
	wTv := pose(params[blockRegistration])
	vTl := pose(params[blockBeacon])
	wTb := joinPose(params[blockPosXY], params[blockPosZ], params[blockRotXY], params[blockRotZ])
	bTh := pose(params[blockBodyHead])
	tTh := pose(params[blockLightHead])
	sensors := params[blockSensors]
	calib := params[blockParams]

	for i, s := range c.Samples {
		off := s.Sensor * rig.SensorStride
		if off+3 > len(sensors) {
			return false
		}
		x := r3.Vector{X: sensors[off], Y: sensors[off+1], Z: sensors[off+2]}
		x = tTh.ApplyInverse(x)
		x = bTh.Apply(x)
		x = wTb.Apply(x)
		x = wTv.ApplyInverse(x)
		x = vTl.ApplyInverse(x)
		residuals[i] = c.Model.Predict(calib, x, c.Correct)[s.Axis] - s.Angle
	}
	return true
}

// MotionCost is the constant-position prior between two consecutive body
// poses: (previous - next) * Weight over all six components. Parameters are
// the four sub-blocks of the previous pose followed by those of the next.
type MotionCost struct {
	Weight float64
}

func (MotionCost) NumResiduals() int { return 6 }

func (c MotionCost) Evaluate(params [][]float64, residuals []float64) bool {
	prev := joinPose(params[0], params[1], params[2], params[3])
	next := joinPose(params[4], params[5], params[6], params[7])
	for i := range residuals {
		residuals[i] = (prev[i] - next[i]) * c.Weight
	}
	return true
}
