package refine

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/bundle"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/synthetic"
)

func poseBits(p geom.Pose) [6]uint64 {
	var out [6]uint64
	for i, v := range p {
		out[i] = math.Float64bits(v)
	}
	return out
}

func rotationError(a, b geom.Pose) float64 {
	return a.Inverse().Compose(b).Rotation().Norm()
}

func translationError(a, b geom.Pose) float64 {
	return a.Translation().Sub(b.Translation()).Norm()
}

// perturbed returns a copy of the scenario rig with lighthouse LH1 moved.
func perturbed(sc *synthetic.Scenario) *rig.Rig {
	r := sc.Rig.Clone()
	lh, _ := r.Beacon("LH1")
	lh.Pose = synthetic.Perturb(lh.Pose, 0.02, 0.02, rand.New(rand.NewSource(3)))
	r.UpsertBeacon(lh)
	return r
}

func TestSolveRecoversLighthouse(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Params = true
	sc := synthetic.Generate(cfg)
	start := perturbed(sc)

	opts := DefaultOptions()
	opts.Correct = true
	opts.Smoothing = 0
	opts.Policy = Policy{Lighthouses: true}
	res, err := New(opts).Solve(start, sc.Snapshot())
	require.NoError(t, err)
	require.True(t, res.Summary.Usable(), res.Summary.Brief())

	want, _ := sc.Rig.Beacon("LH1")
	got, _ := res.Rig.Beacon("LH1")
	assert.Less(t, translationError(want.Pose, got.Pose), 1e-5)
	assert.Less(t, rotationError(want.Pose, got.Pose), 1e-5)

	require.Len(t, res.Trajectory, cfg.Steps)
	for i, tp := range res.Trajectory {
		require.True(t, tp.HasTruth)
		assert.Less(t, translationError(sc.Trajectory[i].Pose, tp.Pose), 1e-5)
		assert.Less(t, rotationError(sc.Trajectory[i].Pose, tp.Pose), 1e-5)
		assert.Equal(t, sc.Trajectory[i].Pose, tp.Truth)
	}

	before, _ := start.Beacon("LH1")
	assert.NotEqual(t, before.Pose, got.Pose, "input rig is not modified by the solve")
	assert.Equal(t, 2*cfg.Steps, res.Stats.BearingBlocks)
	assert.Equal(t, 0, res.Stats.MotionBlocks)
}

func TestSolveAllRefined(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Params = true
	sc := synthetic.Generate(cfg)

	opts := DefaultOptions()
	opts.Correct = true
	opts.Smoothing = 0
	opts.Policy = Policy{Registration: true, Lighthouses: true, Extrinsics: true, Head: true, Sensors: true, Params: true}
	opts.Solver.NumThreads = 4
	res, err := New(opts).Solve(perturbed(sc), sc.Snapshot())
	require.NoError(t, err)
	require.True(t, res.Summary.Usable(), res.Summary.Brief())

	// With every block free the solution is only defined up to a similarity
	// of the vive frame, so judge it by how well it explains the bearings.
	require.Positive(t, res.Summary.NumResiduals)
	rms := math.Sqrt(2 * res.Summary.FinalCost / float64(res.Summary.NumResiduals))
	assert.Less(t, rms, 1e-5, res.Summary.Brief())
	assert.Less(t, res.Summary.FinalCost, 1e-6*res.Summary.InitialCost)
	assert.Len(t, res.Trajectory, cfg.Steps)
	assert.Equal(t, "LH0", res.Stats.Gauge)
}

func TestGaugeSkipsUnobservedLighthouse(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	start := perturbed(sc)
	spare := rig.Beacon{Serial: "AAA", Pose: geom.Pose{3, 3, 2, 0, 0, 0.5}, Ready: true}
	start.UpsertBeacon(spare)
	require.Equal(t, "AAA", start.BeaconSerials()[0])
	lh0, _ := start.Beacon("LH0")

	opts := DefaultOptions()
	opts.Smoothing = 0
	opts.Policy = Policy{Lighthouses: true}
	res, err := New(opts).Solve(start, sc.Snapshot())
	require.NoError(t, err)
	require.True(t, res.Summary.Usable(), res.Summary.Brief())
	assert.Equal(t, "LH0", res.Stats.Gauge)

	got0, _ := res.Rig.Beacon("LH0")
	assert.Equal(t, poseBits(lh0.Pose), poseBits(got0.Pose))
	gotSpare, _ := res.Rig.Beacon("AAA")
	assert.Equal(t, poseBits(spare.Pose), poseBits(gotSpare.Pose))

	want, _ := sc.Rig.Beacon("LH1")
	got1, _ := res.Rig.Beacon("LH1")
	assert.Less(t, translationError(want.Pose, got1.Pose), 1e-5)
	assert.Less(t, rotationError(want.Pose, got1.Pose), 1e-5)
}

func TestFrozenRegistrationIsBitIdentical(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	start := perturbed(sc)
	start.SetRegistration(geom.Pose{0.1, 0.2, 0.3, 0.01, 0.02, 1.0 / 3})

	opts := DefaultOptions()
	opts.Policy = Policy{Lighthouses: true, Extrinsics: true}
	res, err := New(opts).Solve(start, sc.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, poseBits(start.Registration()), poseBits(res.Rig.Registration()))
}

func TestGaugeLighthouseAlwaysFrozen(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	start := sc.Rig.Clone()
	lh, _ := start.Beacon("LH0")
	lh.Pose = synthetic.Perturb(lh.Pose, 0.01, 0.01, rand.New(rand.NewSource(9)))
	start.UpsertBeacon(lh)

	opts := DefaultOptions()
	opts.Policy = Policy{Registration: true, Lighthouses: true}
	res, err := New(opts).Solve(start, sc.Snapshot())
	require.NoError(t, err)

	got, _ := res.Rig.Beacon("LH0")
	assert.Equal(t, poseBits(lh.Pose), poseBits(got.Pose))
}

func TestForce2D(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Planar = true
	sc := synthetic.Generate(cfg)

	opts := DefaultOptions()
	opts.Force2D = true
	res, err := New(opts).Solve(sc.Rig, sc.Snapshot())
	require.NoError(t, err)
	require.NotEmpty(t, res.Trajectory)

	mean := res.Stats.MeanHeight
	assert.InDelta(t, cfg.Height, mean, 1e-4)
	for _, tp := range res.Trajectory {
		assert.Equal(t, mean, tp.Pose[2])
		assert.Equal(t, 0.0, tp.Pose[3])
		assert.Equal(t, 0.0, tp.Pose[4])
	}
}

func TestSolveWithoutObservations(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	before := sc.Rig.Clone()

	res, err := New(DefaultOptions()).Solve(sc.Rig, session.Snapshot{})
	assert.True(t, errors.Is(err, ErrNoMeasurements))
	assert.Nil(t, res)

	for _, serial := range before.BeaconSerials() {
		want, _ := before.Beacon(serial)
		got, _ := sc.Rig.Beacon(serial)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("beacon %s mutated (-want +got):\n%s", serial, diff)
		}
	}
}

func TestSolveWithoutSeeds(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	obs := sc.Observations()
	for i := range obs {
		obs[i].Pulses = obs[i].Pulses[:3]
	}
	_, err := New(DefaultOptions()).Solve(sc.Rig, session.Snapshot{Observations: obs})
	assert.True(t, errors.Is(err, ErrNoSeededEpochs))
}

func TestSmoothingLinksConsecutiveEpochs(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Beacons = 1
	cfg.Steps = 2
	sc := synthetic.Generate(cfg)
	obs := sc.Observations()
	for i := range obs {
		obs[i].Pulses = obs[i].Pulses[:5]
	}

	opts := DefaultOptions()
	opts.Resolution = 0.1
	opts.Smoothing = 10
	res, err := New(opts).Solve(sc.Rig, session.Snapshot{Observations: obs})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.SeededEpochs)
	assert.Equal(t, 2, res.Stats.BearingBlocks)
	assert.Equal(t, 1, res.Stats.MotionBlocks)
	assert.Equal(t, res.Trajectory[0].Time.Add(100*time.Millisecond), res.Trajectory[1].Time)
}

func TestMotionCost(t *testing.T) {
	prev := NewBodyPose(geom.Pose{1, 2, 3, 0.1, 0.2, 0.3})
	next := NewBodyPose(geom.Pose{1.5, 2, 2, 0.1, 0.4, 0.3})
	r := make([]float64, 6)
	ok := MotionCost{Weight: 10}.Evaluate([][]float64{
		prev.PosXY[:], prev.PosZ[:], prev.RotXY[:], prev.RotZ[:],
		next.PosXY[:], next.PosZ[:], next.RotXY[:], next.RotZ[:],
	}, r)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{-5, 0, 10, 0, -2, 0}, r, 1e-12)
}

func TestGroupCostZeroAtTruth(t *testing.T) {
	sc := synthetic.Generate(synthetic.DefaultConfig())
	snap := sc.Snapshot()
	tr, _ := sc.Rig.Tracker("TR0")
	lh, _ := sc.Rig.Beacon("LH0")
	wTv := sc.Rig.Registration()
	bp := NewBodyPose(sc.Trajectory[0].Pose)

	cost := &GroupCost{Model: sc.Model}
	for _, o := range snap.Observations {
		if !o.Time.Equal(sc.Trajectory[0].Time) || o.Beacon != "LH0" {
			continue
		}
		for _, p := range o.Pulses {
			cost.Samples = append(cost.Samples, sampleOf(p, o.Axis))
		}
	}
	require.NotEmpty(t, cost.Samples)
	r := make([]float64, cost.NumResiduals())
	ok := cost.Evaluate([][]float64{
		wTv[:], lh.Pose[:], bp.PosXY[:], bp.PosZ[:], bp.RotXY[:], bp.RotZ[:],
		tr.BodyHead[:], tr.LightHead[:], tr.SensorBlock(), lh.Params[:],
	}, r)
	require.True(t, ok)
	for _, v := range r {
		assert.InDelta(t, 0, v, 1e-12)
	}

	bp.PosXY[0] += 0.01
	ok = cost.Evaluate([][]float64{
		wTv[:], lh.Pose[:], bp.PosXY[:], bp.PosZ[:], bp.RotXY[:], bp.RotZ[:],
		tr.BodyHead[:], tr.LightHead[:], tr.SensorBlock(), lh.Params[:],
	}, r)
	require.True(t, ok)
	assert.Greater(t, math.Abs(r[0]), 1e-4)
}

func TestBodyPoseSplit(t *testing.T) {
	p := geom.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, r3.Vector{X: 4, Y: 5, Z: 6})
	bp := NewBodyPose(p)
	assert.Equal(t, [2]float64{1, 2}, bp.PosXY)
	assert.Equal(t, [1]float64{3}, bp.PosZ)
	assert.Equal(t, [2]float64{4, 5}, bp.RotXY)
	assert.Equal(t, [1]float64{6}, bp.RotZ)
	assert.Equal(t, p, bp.Pose())
}

func sampleOf(p session.Pulse, axis int) bundle.Sample {
	return bundle.Sample{Sensor: p.Sensor, Axis: axis, Angle: p.Angle}
}
