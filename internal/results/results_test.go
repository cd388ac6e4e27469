package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/fsutil"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/synthetic"
)

var finished = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func sampleTrajectory() []refine.TrajectoryPoint {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out []refine.TrajectoryPoint
	for i := 0; i < 4; i++ {
		tp := refine.TrajectoryPoint{
			Epoch: 0,
			Time:  start.Add(time.Duration(i) * 100 * time.Millisecond),
			Pose:  geom.Pose{float64(i), 0.5, 1, 0, 0, 0.1},
		}
		if i != 0 && i != 2 {
			tp.Truth = geom.Pose{float64(i) + 0.5, 0.5, 1, 0, 0, 0.1}
			tp.HasTruth = true
		}
		out = append(out, tp)
	}
	return out
}

func TestCalfileRoundTrip(t *testing.T) {
	sc := synthetic.Generate(synthetic.Config{
		Beacons: 2, Sensors: 4, Radius: 0.05, Start: finished, Step: time.Second, Steps: 1,
		Height: 1, Params: true, Seed: 7,
	})
	set := NewTransformSet(sc.Rig, DefaultFrames(), finished)
	assert.Len(t, set.Transforms, 1+2+2)

	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, WriteCalfile(fsys, "/etc/deepdive/cal.json", set))
	loaded, err := ReadCalfile(fsys, "/etc/deepdive/cal.json")
	require.NoError(t, err)
	if diff := cmp.Diff(set, loaded); diff != "" {
		t.Errorf("calfile round trip mismatch (-want +got):\n%s", diff)
	}

	// Restore into a rig that only knows the devices, keeping readiness.
	live := rig.New()
	live.UpsertBeacon(rig.Beacon{Serial: "LH0", Ready: true})
	ok, err := Restore(fsys, "/etc/deepdive/cal.json", live)
	require.NoError(t, err)
	require.True(t, ok)

	approx := cmpopts.EquateApprox(0, 1e-12)
	if diff := cmp.Diff(sc.Rig.Registration(), live.Registration(), approx); diff != "" {
		t.Errorf("registration (-want +got):\n%s", diff)
	}
	for _, serial := range sc.Rig.BeaconSerials() {
		want, _ := sc.Rig.Beacon(serial)
		got, ok := live.Beacon(serial)
		require.True(t, ok, serial)
		assert.Empty(t, cmp.Diff(want.Pose, got.Pose, approx), serial)
		assert.Equal(t, want.Params, got.Params, serial)
	}
	lh0, _ := live.Beacon("LH0")
	assert.True(t, lh0.Ready, "known devices keep readiness")
	lh1, _ := live.Beacon("LH1")
	assert.False(t, lh1.Ready, "restored devices wait for ingestion")

	want, _ := sc.Rig.Tracker("TR0")
	got, ok := live.Tracker("TR0")
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(want.BodyHead, got.BodyHead, approx))
	assert.Empty(t, cmp.Diff(want.LightHead, got.LightHead, approx))
	assert.Equal(t, want.Sensors, got.Sensors)
}

func TestRestoreMissingFile(t *testing.T) {
	ok, err := Restore(fsutil.NewMemoryFileSystem(), "/nope.json", rig.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyRequiresRegistration(t *testing.T) {
	set := TransformSet{Frames: DefaultFrames()}
	_, err := set.Apply(rig.New())
	assert.ErrorIs(t, err, ErrNoRegistration)
}

func TestCalfileCorrupt(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/cal.json", []byte("{"), 0o644))
	_, err := Restore(fsys, "/cal.json", rig.New())
	assert.Error(t, err)
}

func TestPerformanceCSVOnlyEpochsWithTruth(t *testing.T) {
	var buf bytes.Buffer
	rows, err := WritePerformanceCSV(&buf, sampleTrajectory(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Len(t, recs[0], 13)
	assert.Equal(t, "0.1", recs[0][0], "offset from the first solved epoch")
	assert.Equal(t, "1", recs[0][1])
	assert.Equal(t, "1.5", recs[0][7])
	assert.Equal(t, "0.3", recs[1][0])
}

func TestPerformanceCSVHeader(t *testing.T) {
	var buf bytes.Buffer
	rows, err := WritePerformanceCSV(&buf, nil, true)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.True(t, strings.HasPrefix(buf.String(), "offset,x,y,z"))
}

func TestPlotTrajectoryPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PlotTrajectory(&buf, sampleTrajectory(), "test"))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestTrajectoryChartHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, TrajectoryChart(&buf, sampleTrajectory(), "Trajectory"))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "truth rz")
}

type fakeStore struct {
	outcomes []recording.Outcome
	sets     []*TransformSet
	err      error
}

func (f *fakeStore) RecordRun(_ context.Context, o recording.Outcome, set *TransformSet) (string, error) {
	f.outcomes = append(f.outcomes, o)
	f.sets = append(f.sets, set)
	return "run-1", f.err
}

func TestEmitterSuccess(t *testing.T) {
	r := rig.New()
	r.SetRegistration(geom.NewPose(r3.Vector{X: 1}, r3.Vector{}))
	store := &fakeStore{}
	fsys := fsutil.NewMemoryFileSystem()
	e := &Emitter{
		FS:     fsys,
		Paths:  Paths{Calfile: "/out/cal.json", Perfile: "/out/perf.csv", PlotDir: "/out/plots"},
		Frames: DefaultFrames(),
		Store:  store,
	}
	out := recording.Outcome{
		Finished: finished,
		Result:   &refine.Result{Rig: r, Trajectory: sampleTrajectory()},
	}
	require.NoError(t, e.Emit(out))

	assert.Equal(t, []string{
		"/out/cal.json",
		"/out/perf.csv",
		"/out/plots/trajectory-20260301T123000.html",
		"/out/plots/trajectory-20260301T123000.png",
	}, fsys.Files("/out"))
	require.Len(t, store.sets, 1)
	require.NotNil(t, store.sets[0])
	reg, ok := store.sets[0].Find("world", "vive")
	require.True(t, ok)
	assert.InDelta(t, 1.0, reg.Transform[0], 1e-12)
	body, ok := store.sets[0].Find("world", "body")
	require.True(t, ok)
	assert.InDelta(t, 3.0, body.Transform[0], 1e-12)
}

func TestEmitterFailureOnlyRecords(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	fsys := fsutil.NewMemoryFileSystem()
	e := &Emitter{FS: fsys, Paths: Paths{Calfile: "/out/cal.json"}, Frames: DefaultFrames(), Store: store}

	err := e.Emit(recording.Outcome{Finished: finished, Err: refine.ErrUnusableSolution})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, fsys.Files("/out"))
	require.Len(t, store.sets, 1)
	assert.Nil(t, store.sets[0])
}

func TestEmitterLogs(t *testing.T) {
	var ops, diag bytes.Buffer
	SetLogWriters(&ops, &diag, nil)
	defer SetLogWriters(nil, nil, nil)

	r := rig.New()
	r.SetRegistration(geom.NewPose(r3.Vector{X: 1}, r3.Vector{}))
	e := &Emitter{
		FS:     fsutil.NewMemoryFileSystem(),
		Paths:  Paths{Calfile: "/out/cal.json"},
		Frames: DefaultFrames(),
		Store:  &fakeStore{},
	}
	require.NoError(t, e.Emit(recording.Outcome{Finished: finished, Result: &refine.Result{Rig: r}}))

	assert.Contains(t, ops.String(), "[results] wrote calibration to /out/cal.json")
	assert.Contains(t, diag.String(), "[results] recorded run run-1")
}
