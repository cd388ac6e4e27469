// Package refine jointly adjusts the rig geometry and the body trajectory
// of one recording so that predicted sweep angles match the measured ones.
package refine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/deepdive/internal/bootstrap"
	"github.com/banshee-data/deepdive/internal/bundle"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/solver"
)

var (
	// ErrNoMeasurements is returned for an empty recording.
	ErrNoMeasurements = errors.New("refine: no measurements")
	// ErrNoSeededEpochs is returned when no epoch could be bootstrapped.
	ErrNoSeededEpochs = errors.New("refine: no epoch could be seeded")
	// ErrUnusableSolution is returned when the solver did not reach a
	// solution that may be committed.
	ErrUnusableSolution = errors.New("refine: no usable solution")
)

// TrajectoryPoint is the solved body pose at one epoch, with the reference
// pose for the same epoch when one was recorded.
type TrajectoryPoint struct {
	Epoch    bundle.Epoch
	Time     time.Time
	Pose     geom.Pose
	Truth    geom.Pose
	HasTruth bool
}

// Stats describes the assembled problem.
type Stats struct {
	Observations  int
	Corrections   int
	Epochs        int
	SeededEpochs  int
	BearingBlocks int
	MotionBlocks  int
	Seeding       bootstrap.Report
	MeanHeight    float64
	// Gauge is the lighthouse held fixed to anchor the world frame.
	Gauge string
}

// Result is the outcome of a solve. Rig is a solved copy of the input rig;
// the input is never modified.
type Result struct {
	Rig        *rig.Rig
	Trajectory []TrajectoryPoint
	Summary    solver.Summary
	Stats      Stats
	Options    Options
}

// Engine runs the bundle adjustment.
type Engine struct {
	opts Options
}

// New returns an engine using opts, with zero fields defaulted.
func New(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// trajectory is the ordered sequence of seeded epochs. The previous epoch
// of index i is i-1.
type trajectory struct {
	epochs []bundle.Epoch
	index  map[bundle.Epoch]int
	poses  []*BodyPose
	blocks [][4]solver.BlockID
}

type beaconBlocks struct {
	beacon rig.Beacon
	pose   solver.BlockID
	params solver.BlockID
}

type trackerBlocks struct {
	tracker   rig.Tracker
	sensors   []float64
	bodyHead  solver.BlockID
	lightHead solver.BlockID
	sensorsID solver.BlockID
}

// Solve bundles the snapshot, seeds body poses, and refines the selected
// quantities of a copy of r. It returns an error wrapping one of the
// package sentinels when there is nothing to commit; the Result is still
// returned alongside ErrUnusableSolution for inspection.
func (e *Engine) Solve(r *rig.Rig, snap session.Snapshot) (*Result, error) {
	opts := e.opts
	if snap.Empty() {
		return nil, ErrNoMeasurements
	}
	first, last := snap.Span()
	opsf("solving %d observations and %d corrections spanning %s",
		len(snap.Observations), len(snap.Corrections), last.Sub(first).Round(time.Millisecond))

	b := bundle.Build(snap, opts.Resolution)
	work := r.Clone()

	seeder := bootstrap.Seeder{Model: opts.Model, Correct: opts.Correct, PnP: opts.PnP}
	seeds, report := seeder.Seed(b, work)
	stats := Stats{
		Observations: len(snap.Observations),
		Corrections:  len(snap.Corrections),
		Epochs:       len(b.Epochs()),
		SeededEpochs: len(seeds.Epochs),
		Seeding:      report,
		MeanHeight:   report.MeanHeight,
	}
	if len(seeds.Epochs) == 0 {
		return nil, fmt.Errorf("%w: %d epochs, %d attempted", ErrNoSeededEpochs, stats.Epochs, report.Attempted)
	}

	traj := &trajectory{
		epochs: seeds.Epochs,
		index:  make(map[bundle.Epoch]int, len(seeds.Epochs)),
	}
	for i, ep := range seeds.Epochs {
		bp := NewBodyPose(seeds.Poses[ep])
		if opts.Force2D {
			bp.PosZ[0] = report.MeanHeight
			bp.RotXY = [2]float64{}
		}
		traj.index[ep] = i
		traj.poses = append(traj.poses, bp)
	}

	problem := solver.NewProblem()
	used := make(map[solver.BlockID]bool)

	registration := work.Registration()
	regID := problem.AddParameterBlock(registration[:])

	beacons := make(map[string]*beaconBlocks)
	beaconOrder := work.BeaconSerials()
	for _, serial := range beaconOrder {
		lh, _ := work.Beacon(serial)
		bb := &beaconBlocks{beacon: lh}
		bb.pose = problem.AddParameterBlock(bb.beacon.Pose[:])
		bb.params = problem.AddParameterBlock(bb.beacon.Params[:])
		beacons[serial] = bb
	}
	trackers := make(map[string]*trackerBlocks)
	trackerOrder := work.TrackerSerials()
	for _, serial := range trackerOrder {
		tr, _ := work.Tracker(serial)
		tb := &trackerBlocks{tracker: tr, sensors: tr.SensorBlock()}
		tb.bodyHead = problem.AddParameterBlock(tb.tracker.BodyHead[:])
		tb.lightHead = problem.AddParameterBlock(tb.tracker.LightHead[:])
		tb.sensorsID = problem.AddParameterBlock(tb.sensors)
		trackers[serial] = tb
	}
	for _, bp := range traj.poses {
		traj.blocks = append(traj.blocks, [4]solver.BlockID{
			problem.AddParameterBlock(bp.PosXY[:]),
			problem.AddParameterBlock(bp.PosZ[:]),
			problem.AddParameterBlock(bp.RotXY[:]),
			problem.AddParameterBlock(bp.RotZ[:]),
		})
	}

	huber := solver.HuberLoss{Delta: opts.Huber}
	for _, tserial := range trackerOrder {
		tb := trackers[tserial]
		nsensors := len(tb.tracker.Sensors)
		for _, bserial := range beaconOrder {
			bb := beacons[bserial]
			for _, ep := range b.PairEpochs(tserial, bserial) {
				i, ok := traj.index[ep]
				if !ok {
					continue
				}
				var samples []bundle.Sample
				for _, s := range b.Group(tserial, bserial, ep) {
					if s.Sensor >= 0 && s.Sensor < nsensors {
						samples = append(samples, s)
					}
				}
				if len(samples) == 0 {
					continue
				}
				var ids [numGroupBlocks]solver.BlockID
				ids[blockRegistration] = regID
				ids[blockBeacon] = bb.pose
				ids[blockPosXY] = traj.blocks[i][0]
				ids[blockPosZ] = traj.blocks[i][1]
				ids[blockRotXY] = traj.blocks[i][2]
				ids[blockRotZ] = traj.blocks[i][3]
				ids[blockBodyHead] = tb.bodyHead
				ids[blockLightHead] = tb.lightHead
				ids[blockSensors] = tb.sensorsID
				ids[blockParams] = bb.params
				cost := &GroupCost{Samples: samples, Model: opts.Model, Correct: opts.Correct}
				if err := problem.AddResidualBlock(cost, huber, ids[:]...); err != nil {
					return nil, fmt.Errorf("add bearing residual: %w", err)
				}
				for _, id := range ids {
					used[id] = true
				}
				stats.BearingBlocks++
			}
		}
	}

	if opts.Smoothing > 0 {
		for i := 1; i < len(traj.poses); i++ {
			prev, next := traj.blocks[i-1], traj.blocks[i]
			ids := append(prev[:], next[:]...)
			if err := problem.AddResidualBlock(MotionCost{Weight: opts.Smoothing}, huber, ids...); err != nil {
				return nil, fmt.Errorf("add motion residual: %w", err)
			}
			stats.MotionBlocks++
		}
	}

	// Freeze according to the policy.
	pol := opts.Policy
	if !pol.Registration {
		problem.SetConstant(regID)
	}
	// The gauge is the first lighthouse some bearing residual observes.
	stats.Gauge = beaconOrder[0]
	for _, serial := range beaconOrder {
		if used[beacons[serial].pose] {
			stats.Gauge = serial
			break
		}
	}
	for _, serial := range beaconOrder {
		bb := beacons[serial]
		if serial == stats.Gauge || !pol.Lighthouses {
			problem.SetConstant(bb.pose)
		}
		if !pol.Params {
			problem.SetConstant(bb.params)
		}
	}
	for _, serial := range trackerOrder {
		tb := trackers[serial]
		if !pol.Extrinsics {
			problem.SetConstant(tb.bodyHead)
		}
		if !pol.Head {
			problem.SetConstant(tb.lightHead)
		}
		if !pol.Sensors {
			problem.SetConstant(tb.sensorsID)
		}
	}
	if opts.Force2D {
		for _, ids := range traj.blocks {
			problem.SetConstant(ids[1])
			problem.SetConstant(ids[2])
		}
	}
	// Blocks no bearing residual touches carry no information.
	for id := solver.BlockID(0); int(id) < problem.NumParameterBlocks(); id++ {
		if !used[id] {
			problem.SetConstant(id)
		}
	}

	diagf("problem: %d bearing blocks, %d motion blocks over %d epochs, gauge %s, policy %+v, force2d %t",
		stats.BearingBlocks, stats.MotionBlocks, len(traj.epochs), stats.Gauge, pol, opts.Force2D)
	logParameters("BEFORE", registration, beacons, beaconOrder, trackers, trackerOrder)

	summary := solver.Solve(problem, opts.Solver)
	opsf("solver: %s", summary.Brief())

	res := &Result{Summary: summary, Stats: stats, Options: opts}
	if !summary.Usable() {
		return res, fmt.Errorf("%w: %s (%s)", ErrUnusableSolution, summary.Termination, summary.Message)
	}

	work.SetRegistration(registration)
	for _, serial := range beaconOrder {
		work.UpsertBeacon(beacons[serial].beacon)
	}
	for _, serial := range trackerOrder {
		tb := trackers[serial]
		tb.tracker.SetSensorBlock(tb.sensors)
		work.UpsertTracker(tb.tracker)
	}
	logParameters("AFTER", registration, beacons, beaconOrder, trackers, trackerOrder)

	res.Rig = work
	res.Trajectory = make([]TrajectoryPoint, len(traj.epochs))
	for i, ep := range traj.epochs {
		tp := TrajectoryPoint{Epoch: ep, Time: ep.Time(opts.Resolution), Pose: traj.poses[i].Pose()}
		if truth, ok := b.Corrections[ep]; ok {
			tp.Truth, tp.HasTruth = truth, true
		}
		res.Trajectory[i] = tp
	}
	return res, nil
}

func logParameters(stage string, registration geom.Pose, beacons map[string]*beaconBlocks, beaconOrder []string,
	trackers map[string]*trackerBlocks, trackerOrder []string) {
	diagf("Parameters %s solving:", stage)
	diagf("- registration %s", formatPose(registration))
	for _, serial := range beaconOrder {
		lh := beacons[serial].beacon
		diagf("- lighthouse %s pose %s", serial, formatPose(lh.Pose))
		for a := 0; a < 2; a++ {
			p := lh.Params.Axis(a)
			diagf("  axis %d phase %.6f tilt %.6f gib_phase %.6f gib_mag %.6f curve %.6f",
				a, p[0], p[1], p[2], p[3], p[4])
		}
	}
	for _, serial := range trackerOrder {
		tr := trackers[serial].tracker
		diagf("- tracker %s bTh %s tTh %s", serial, formatPose(tr.BodyHead), formatPose(tr.LightHead))
	}
}

func formatPose(p geom.Pose) string {
	aa := p.Rotation()
	return fmt.Sprintf("[%.4f %.4f %.4f | %.4f %.4f %.4f] (%.2f deg)",
		p[0], p[1], p[2], p[3], p[4], p[5], aa.Norm()*180/math.Pi)
}
