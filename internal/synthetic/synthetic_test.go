package synthetic

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/geom"
)

func TestGenerateDefault(t *testing.T) {
	sc := Generate(DefaultConfig())

	assert.Equal(t, []string{"LH0", "LH1"}, sc.Rig.BeaconSerials())
	tr, ok := sc.Rig.Tracker("TR0")
	require.True(t, ok)
	assert.Len(t, tr.Sensors, 12)
	assert.True(t, sc.Rig.Accepts("TR0", "LH1"))

	require.Len(t, sc.Trajectory, 30)
	assert.Equal(t, 2900*time.Millisecond, sc.Trajectory[29].Time.Sub(sc.Trajectory[0].Time))
	assert.Len(t, sc.Corrections(), 30)
}

func TestObservationsAreDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AngleNoise = 1e-3
	cfg.Jitter = 5 * time.Millisecond
	a := Generate(cfg).Observations()
	b := Generate(cfg).Observations()
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestObservationsMatchModel(t *testing.T) {
	sc := Generate(DefaultConfig())
	obs := sc.Observations()
	require.NotEmpty(t, obs)

	o := obs[0]
	lh, _ := sc.Rig.Beacon(o.Beacon)
	tr, _ := sc.Rig.Tracker(o.Tracker)
	p := o.Pulses[0]
	x := SensorInBeacon(sc.Rig.Registration(), lh.Pose, sc.Trajectory[0].Pose, tr, p.Sensor)
	want := sc.Model.Predict(lh.Params[:], x, sc.Correct)
	assert.InDelta(t, want[o.Axis], p.Angle, 1e-12)
}

func TestSphereCapNormals(t *testing.T) {
	for _, s := range SphereCap(8, 0.1) {
		assert.InDelta(t, 1.0, s.Normal.Norm(), 1e-12)
		assert.InDelta(t, 0.1, s.Position.Norm(), 1e-12)
		assert.Greater(t, s.Normal.Z, 0.0)
	}
}

func TestLookAtPointsZAtTarget(t *testing.T) {
	pos := r3.Vector{X: -2, Y: 1, Z: 2.5}
	target := r3.Vector{Z: 1}
	p := LookAt(pos, target)

	local := p.ApplyInverse(target)
	assert.InDelta(t, 0, local.X, 1e-9)
	assert.InDelta(t, 0, local.Y, 1e-9)
	assert.InDelta(t, pos.Sub(target).Norm(), local.Z, 1e-9)
}

func TestPerturbBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var p geom.Pose
	q := Perturb(p, 0.1, 0.01, rng)
	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, math.Abs(q[i]), 0.1)
		assert.LessOrEqual(t, math.Abs(q[3+i]), 0.01)
	}
	assert.NotEqual(t, p, q)
}
