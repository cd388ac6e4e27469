package bundle

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/session"
)

func obs(t time.Time, axis int, angles ...float64) session.Observation {
	o := session.Observation{Time: t, Tracker: "T0", Beacon: "LH0", Axis: axis}
	for i, a := range angles {
		o.Pulses = append(o.Pulses, session.Pulse{Sensor: i, Angle: a, Duration: 1e7})
	}
	return o
}

func TestEpochOf(t *testing.T) {
	base := time.Unix(1000, 0)
	tests := []struct {
		name string
		t    time.Time
		res  float64
		want Epoch
	}{
		{"exact", base, 0.1, 10000},
		{"rounds down", base.Add(40 * time.Millisecond), 0.1, 10000},
		{"rounds up", base.Add(60 * time.Millisecond), 0.1, 10001},
		{"coarse", base.Add(1400 * time.Millisecond), 1.0, 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EpochOf(tt.t, tt.res))
			assert.Equal(t, tt.want, EpochOf(tt.t, tt.res), "pure function")
		})
	}
	assert.InDelta(t, 1000.1, Epoch(10001).Seconds(0.1), 1e-9)
	assert.Equal(t, time.Unix(1000, 100_000_000), Epoch(10001).Time(0.1))
	assert.Equal(t, 100*time.Millisecond, Epoch(15000000001).Time(0.1).Sub(Epoch(15000000000).Time(0.1)))
}

func TestMeanOrderIndependent(t *testing.T) {
	xs := []float64{0.1, 1e-17, 0.3, -0.2, 1e17, -1e17}
	ys := []float64{-1e17, 0.3, 1e17, 1e-17, -0.2, 0.1}
	assert.Equal(t, Mean(xs), Mean(ys))
	assert.True(t, math.IsNaN(Mean(nil)))
	assert.Equal(t, 2.0, Mean([]float64{1, 3}))
}

func TestBuildAggregates(t *testing.T) {
	base := time.Unix(1000, 0)
	snap := session.Snapshot{Observations: []session.Observation{
		obs(base, 0, 0.1, 0.2),
		obs(base.Add(20*time.Millisecond), 0, 0.3, 0.4),
		obs(base.Add(10*time.Millisecond), 1, 0.5),
		obs(base.Add(100*time.Millisecond), 1, 0.7),
	}}
	b := Build(snap, 0.1)

	assert.Equal(t, []Epoch{10000, 10001}, b.Epochs())
	assert.Equal(t, 2, b.Size())

	group := b.Group("T0", "LH0", 10000)
	require.Len(t, group, 3)
	assert.Equal(t, Sample{Sensor: 0, Axis: 0, Angle: 0.2}, group[0])
	assert.Equal(t, Sample{Sensor: 0, Axis: 1, Angle: 0.5}, group[1])
	assert.Equal(t, 1, group[2].Sensor)
	assert.InDelta(t, 0.3, group[2].Angle, 1e-15)

	pairs := b.Pair("T0", "LH0", 10000)
	assert.Len(t, pairs, 1, "sensor 1 has no axis 1 sample")
	assert.Empty(t, b.Group("T0", "LH9", 10000))
}

func TestBuildIdempotentAndOrderIndependent(t *testing.T) {
	base := time.Unix(2000, 0)
	rng := rand.New(rand.NewSource(7))
	var records []session.Observation
	for i := 0; i < 60; i++ {
		at := base.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		records = append(records, obs(at, i%2, rng.Float64(), rng.Float64(), rng.Float64()))
	}
	corr := []session.Correction{
		{Time: base.Add(10 * time.Millisecond), Pose: geom.Pose{1}},
		{Time: base.Add(-30 * time.Millisecond), Pose: geom.Pose{2}},
		{Time: base.Add(210 * time.Millisecond), Pose: geom.Pose{3}},
	}

	groups := func(b *Bundle) map[Epoch][]Sample {
		out := make(map[Epoch][]Sample)
		for _, e := range b.Epochs() {
			out[e] = b.Group("T0", "LH0", e)
		}
		return out
	}

	first := Build(session.Snapshot{Observations: records, Corrections: corr}, 0.1)
	again := Build(session.Snapshot{Observations: records, Corrections: corr}, 0.1)
	if diff := cmp.Diff(groups(first), groups(again)); diff != "" {
		t.Errorf("rebundling differs (-first +again):\n%s", diff)
	}

	shuffled := append([]session.Observation(nil), records...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	reversed := []session.Correction{corr[2], corr[1], corr[0]}
	other := Build(session.Snapshot{Observations: shuffled, Corrections: reversed}, 0.1)
	if diff := cmp.Diff(groups(first), groups(other)); diff != "" {
		t.Errorf("bundling depends on order (-sorted +shuffled):\n%s", diff)
	}
	assert.Equal(t, first.Corrections, other.Corrections)
	assert.Equal(t, geom.Pose{1}, first.Corrections[20000], "nearest to the bucket centre wins")
	assert.Equal(t, []Epoch{20000, 20002}, first.CorrectionEpochs())
}

func TestInvalidAxisIgnored(t *testing.T) {
	b := New(0.1)
	b.AddObservation(obs(time.Unix(1, 0), 2, 0.1, 0.2, 0.3, 0.4))
	assert.Empty(t, b.Epochs())
}
