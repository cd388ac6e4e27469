package rig

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/geom"
)

func TestSensorBlockRoundTrip(t *testing.T) {
	tr := Tracker{Sensors: []Sensor{
		{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Normal: r3.Vector{Z: 1}},
		{Position: r3.Vector{X: -1, Y: 0.5, Z: 0}, Normal: r3.Vector{X: 1}},
	}}
	block := tr.SensorBlock()
	require.Len(t, block, 12)
	assert.Equal(t, []float64{1, 2, 3, 0, 0, 1, -1, 0.5, 0, 1, 0, 0}, block)

	var other Tracker
	other.SetSensorBlock(block)
	assert.Equal(t, tr.Sensors, other.Sensors)
}

func TestAcceptsRequiresReadiness(t *testing.T) {
	r := New()
	r.UpsertBeacon(Beacon{Serial: "LH0"})
	r.UpsertTracker(Tracker{Serial: "T0"})

	assert.False(t, r.Accepts("T0", "LH0"))
	require.True(t, r.SetBeaconReady("LH0", true))
	assert.False(t, r.Accepts("T0", "LH0"))
	require.True(t, r.SetTrackerReady("T0", true))
	assert.True(t, r.Accepts("T0", "LH0"))

	assert.False(t, r.Accepts("T0", "unknown"))
	assert.False(t, r.SetBeaconReady("unknown", true))
}

func TestOnNewFiresOnce(t *testing.T) {
	r := New()
	var beacons, trackers []string
	r.OnNew(func(s string) { beacons = append(beacons, s) }, func(s string) { trackers = append(trackers, s) })

	r.UpsertBeacon(Beacon{Serial: "LH0"})
	r.UpsertBeacon(Beacon{Serial: "LH0", Ready: true})
	r.UpsertTracker(Tracker{Serial: "T0"})

	assert.Equal(t, []string{"LH0"}, beacons)
	assert.Equal(t, []string{"T0"}, trackers)
}

func TestSerialsSorted(t *testing.T) {
	r := New()
	for _, s := range []string{"c", "a", "b"} {
		r.UpsertBeacon(Beacon{Serial: s})
		r.UpsertTracker(Tracker{Serial: s})
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.BeaconSerials())
	assert.Equal(t, []string{"a", "b", "c"}, r.TrackerSerials())
}

func TestCloneIsDeep(t *testing.T) {
	r := New()
	r.UpsertTracker(Tracker{Serial: "T0", Sensors: []Sensor{{Position: r3.Vector{X: 1}}}})
	c := r.Clone()

	tr, _ := c.Tracker("T0")
	tr.Sensors[0].Position.X = 42
	c.UpsertTracker(tr)

	orig, _ := r.Tracker("T0")
	assert.Equal(t, 1.0, orig.Sensors[0].Position.X)
}

func TestCommitKeepsReadiness(t *testing.T) {
	r := New()
	r.UpsertBeacon(Beacon{Serial: "LH0", Ready: true})
	solved := r.Clone()
	solved.SetRegistration(geom.Pose{1, 2, 3, 0, 0, 0})
	solved.UpsertBeacon(Beacon{Serial: "LH0", Pose: geom.Pose{0, 0, 1, 0, 0, 0}})

	r.Commit(solved)

	b, ok := r.Beacon("LH0")
	require.True(t, ok)
	assert.True(t, b.Ready)
	assert.Equal(t, geom.Pose{0, 0, 1, 0, 0, 0}, b.Pose)
	assert.Equal(t, geom.Pose{1, 2, 3, 0, 0, 0}, r.Registration())
}
