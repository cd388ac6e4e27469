// Package synthetic builds noiseless rigs and recordings by projecting a
// known trajectory through the bearing model.
package synthetic

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
)

// Config describes a generated scenario.
type Config struct {
	Beacons int
	Sensors int
	// Radius of the sphere cap the sensors sit on, in metres.
	Radius float64
	Start  time.Time
	// Step is the spacing between body poses.
	Step  time.Duration
	Steps int
	// Height of the body above the world origin.
	Height float64
	// Planar keeps the body level at a constant height.
	Planar bool
	// Params draws non-zero lighthouse calibration vectors.
	Params bool
	// AngleNoise is the standard deviation of additive angle noise in radians.
	AngleNoise float64
	// Jitter spreads sweep times uniformly within +/- Jitter of each step.
	Jitter time.Duration
	Seed   int64
}

// DefaultConfig is two lighthouses watching a twelve-sensor tracker for
// three seconds at 10 Hz.
func DefaultConfig() Config {
	return Config{
		Beacons: 2,
		Sensors: 12,
		Radius:  0.08,
		Start:   time.Unix(1500000000, 0),
		Step:    100 * time.Millisecond,
		Steps:   30,
		Height:  1.0,
		Seed:    1,
	}
}

// TruthPoint is one body pose of the generated trajectory.
type TruthPoint struct {
	Time time.Time
	Pose geom.Pose
}

// Scenario is a generated rig with its trajectory.
type Scenario struct {
	Config     Config
	Rig        *rig.Rig
	Trajectory []TruthPoint
	Model      bearing.Model
	Correct    bool
}

// Generate builds a scenario from cfg.
func Generate(cfg Config) *Scenario {
	rng := rand.New(rand.NewSource(cfg.Seed))
	r := rig.New()
	r.SetRegistration(geom.NewPose(r3.Vector{X: 0.1, Y: -0.05, Z: 0.02}, r3.Vector{Z: 0.05}))

	target := r3.Vector{Z: cfg.Height}
	for i := 0; i < cfg.Beacons; i++ {
		theta := math.Pi * float64(i) / math.Max(1, float64(cfg.Beacons))
		pos := r3.Vector{X: -2.5 * math.Cos(theta), Y: -2.5 * math.Sin(theta) + 0.3*float64(i), Z: 2.4 + 0.1*float64(i)}
		b := rig.Beacon{
			Serial: fmt.Sprintf("LH%d", i),
			Pose:   LookAt(pos, target),
			Ready:  true,
		}
		if cfg.Params {
			for a := 0; a < bearing.NumAxes; a++ {
				p := b.Params.Axis(a)
				p[bearing.ParamPhase] = 0.004 * (rng.Float64() - 0.5)
				p[bearing.ParamTilt] = 0.02 * (rng.Float64() - 0.5)
				p[bearing.ParamGibPhase] = 2 * math.Pi * rng.Float64()
				p[bearing.ParamGibMag] = 0.002 * (rng.Float64() - 0.5)
				p[bearing.ParamCurve] = 0.004 * (rng.Float64() - 0.5)
			}
		}
		r.UpsertBeacon(b)
	}

	r.UpsertTracker(rig.Tracker{
		Serial:    "TR0",
		BodyHead:  geom.NewPose(r3.Vector{Z: 0.05}, r3.Vector{Z: 0.1}),
		LightHead: geom.NewPose(r3.Vector{X: 0.01}, r3.Vector{X: 0.02}),
		Sensors:   SphereCap(cfg.Sensors, cfg.Radius),
		Ready:     true,
	})

	s := &Scenario{Config: cfg, Rig: r, Model: bearing.LighthouseModel{}, Correct: cfg.Params}
	for k := 0; k < cfg.Steps; k++ {
		at := cfg.Start.Add(time.Duration(k) * cfg.Step)
		s.Trajectory = append(s.Trajectory, TruthPoint{Time: at, Pose: bodyPose(cfg, at.Sub(cfg.Start).Seconds())})
	}
	return s
}

// bodyPose traces a slow circle of 0.5 m radius, yawing along the path.
func bodyPose(cfg Config, secs float64) geom.Pose {
	phase := 2 * math.Pi * secs / 10
	t := r3.Vector{X: 0.5 * math.Cos(phase), Y: 0.5 * math.Sin(phase), Z: cfg.Height}
	rot := r3.Vector{Z: phase + math.Pi/2}
	if !cfg.Planar {
		t.Z += 0.05 * math.Sin(2*phase)
		rot.X = 0.05 * math.Sin(phase)
		rot.Y = 0.04 * math.Cos(phase)
	}
	return geom.NewPose(t, rot)
}

// SphereCap spreads n sensors over the upper half of a sphere with a
// golden-angle spiral. Normals point outward.
func SphereCap(n int, radius float64) []rig.Sensor {
	golden := math.Pi * (3 - math.Sqrt(5))
	out := make([]rig.Sensor, n)
	for i := 0; i < n; i++ {
		z := 1 - (float64(i)+0.5)/float64(n)
		rho := math.Sqrt(1 - z*z)
		normal := r3.Vector{X: rho * math.Cos(golden*float64(i)), Y: rho * math.Sin(golden*float64(i)), Z: z}
		out[i] = rig.Sensor{Position: normal.Mul(radius), Normal: normal}
	}
	return out
}

// LookAt returns the pose of a frame at pos whose +z axis points at target
// and whose x axis is horizontal.
func LookAt(pos, target r3.Vector) geom.Pose {
	z := target.Sub(pos).Normalize()
	up := r3.Vector{Z: 1}
	x := z.Cross(up).Normalize()
	y := z.Cross(x)
	m := mat.NewDense(3, 3, []float64{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	})
	return geom.PoseFromMatrix(m, pos)
}

// SensorInBeacon maps sensor s of tracker tr into the frame of lighthouse lh
// for body pose wTb: vTl^-1 * wTv^-1 * wTb * bTh * tTh^-1.
func SensorInBeacon(wTv, vTl, wTb geom.Pose, tr rig.Tracker, s int) r3.Vector {
	x := tr.LightHead.ApplyInverse(tr.Sensors[s].Position)
	x = tr.BodyHead.Apply(x)
	x = wTb.Apply(x)
	x = wTv.ApplyInverse(x)
	return vTl.ApplyInverse(x)
}

// maxAngle is the half field of view a sensor must fall inside.
const maxAngle = 1.0

// Observations projects every sensor into every lighthouse at every
// trajectory point, both axes.
func (s *Scenario) Observations() []session.Observation {
	rng := rand.New(rand.NewSource(s.Config.Seed + 1))
	wTv := s.Rig.Registration()
	var out []session.Observation
	for _, tp := range s.Trajectory {
		for _, serial := range s.Rig.TrackerSerials() {
			tr, _ := s.Rig.Tracker(serial)
			for _, bs := range s.Rig.BeaconSerials() {
				lh, _ := s.Rig.Beacon(bs)
				var axes [2][]session.Pulse
				for i := range tr.Sensors {
					x := SensorInBeacon(wTv, lh.Pose, tp.Pose, tr, i)
					if x.Z <= 0 {
						continue
					}
					angles := s.Model.Predict(lh.Params[:], x, s.Correct)
					if math.Abs(angles[0]) > maxAngle || math.Abs(angles[1]) > maxAngle {
						continue
					}
					for a := 0; a < 2; a++ {
						angle := angles[a]
						if s.Config.AngleNoise > 0 {
							angle += rng.NormFloat64() * s.Config.AngleNoise
						}
						axes[a] = append(axes[a], session.Pulse{Sensor: i, Angle: angle, Duration: 10e6})
					}
				}
				for a := 0; a < 2; a++ {
					if len(axes[a]) == 0 {
						continue
					}
					at := tp.Time
					if s.Config.Jitter > 0 {
						at = at.Add(time.Duration((rng.Float64()*2 - 1) * float64(s.Config.Jitter)))
					}
					out = append(out, session.Observation{
						Time: at, Tracker: serial, Beacon: bs, Axis: a, Pulses: axes[a],
					})
				}
			}
		}
	}
	return out
}

// Corrections returns the trajectory as reference poses.
func (s *Scenario) Corrections() []session.Correction {
	out := make([]session.Correction, len(s.Trajectory))
	for i, tp := range s.Trajectory {
		out[i] = session.Correction{Time: tp.Time, Pose: tp.Pose}
	}
	return out
}

// Snapshot bundles the observations and corrections of the scenario.
func (s *Scenario) Snapshot() session.Snapshot {
	return session.Snapshot{Observations: s.Observations(), Corrections: s.Corrections()}
}

// Perturb adds uniform noise of up to dt metres and dr radians to p.
func Perturb(p geom.Pose, dt, dr float64, rng *rand.Rand) geom.Pose {
	for i := 0; i < 3; i++ {
		p[i] += dt * (2*rng.Float64() - 1)
		p[3+i] += dr * (2*rng.Float64() - 1)
	}
	return p
}
