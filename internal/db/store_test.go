package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/results"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/solver"
	"github.com/banshee-data/deepdive/internal/synthetic"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "deepdive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func successOutcome(finished time.Time) (recording.Outcome, results.TransformSet) {
	cfg := synthetic.DefaultConfig()
	cfg.Sensors = 4
	cfg.Params = true
	sc := synthetic.Generate(cfg)

	opts := refine.DefaultOptions()
	opts.Correct = true
	opts.Policy.Lighthouses = true
	res := &refine.Result{
		Rig: sc.Rig,
		Summary: solver.Summary{
			InitialCost: 2.5, FinalCost: 1e-9, Iterations: 7, Termination: solver.Convergence,
		},
		Stats:   refine.Stats{Epochs: 3, SeededEpochs: 2},
		Options: opts,
	}
	base := sc.Config.Start
	res.Trajectory = []refine.TrajectoryPoint{
		{Epoch: 15000000000, Time: base, Pose: geom.Pose{1, 2, 3, 0.1, 0.2, 0.3}},
		{Epoch: 15000000001, Time: base.Add(100 * time.Millisecond), Pose: geom.Pose{1.1, 2, 3, 0.1, 0.2, 0.3},
			Truth: geom.Pose{1.09, 2, 3, 0.1, 0.2, 0.3}, HasTruth: true},
	}
	out := recording.Outcome{
		Started:  finished.Add(-2 * time.Second),
		Finished: finished,
		Stats:    session.Stats{Accepted: 120, Corrections: 30},
		Result:   res,
	}
	return out, results.NewTransformSet(sc.Rig, results.DefaultFrames(), finished)
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)
	fsys, err := MigrationsFS("")
	require.NoError(t, err)

	version, dirty, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown(fsys))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'trajectory'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp(fsys))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrationsDirOverride(t *testing.T) {
	_, err := MigrationsFS(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	db, err := NewDBWithMigrations(filepath.Join(t.TempDir(), "x.db"), "migrations")
	require.NoError(t, err)
	db.Close()
}

func TestRecordRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out, set := successOutcome(finished)

	id, err := db.RecordRun(ctx, out, &set)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := db.GetRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, "CONVERGENCE", run.Termination)
	assert.Equal(t, 7, run.Iterations)
	assert.Equal(t, 120, run.Observations)
	assert.Equal(t, 2, run.SeededEpochs)
	assert.True(t, run.Correct)
	assert.True(t, run.Policy.Lighthouses)
	assert.True(t, run.Finished.Equal(finished))

	loaded, err := db.LoadTransforms(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(set, loaded); diff != "" {
		t.Errorf("transform set mismatch (-want +got):\n%s", diff)
	}

	traj, err := db.LoadTrajectory(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(out.Result.Trajectory, traj); diff != "" {
		t.Errorf("trajectory mismatch (-want +got):\n%s", diff)
	}
}

func TestListAndLatestRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok1, set1 := successOutcome(t0)
	id1, err := db.RecordRun(ctx, ok1, &set1)
	require.NoError(t, err)

	failed := recording.Outcome{Started: t0, Finished: t0.Add(time.Minute), Err: refine.ErrNoSeededEpochs}
	id2, err := db.RecordRun(ctx, failed, nil)
	require.NoError(t, err)

	runs, err := db.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id2, runs[0].ID, "newest first")
	assert.False(t, runs[0].Success)
	assert.Contains(t, runs[0].Message, "no epoch could be seeded")

	latest, err := db.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, latest.ID, "failed runs are never the latest calibration")

	set, err := db.LoadTransforms(ctx, id2)
	require.NoError(t, err)
	assert.Empty(t, set.Transforms)
}

func TestRunNotFound(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = db.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = db.LoadTransforms(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestInsertRunAssignsID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	id, err := db.InsertRun(ctx, Run{Finished: time.Unix(10, 0)}, results.DefaultFrames())
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			// Registered routes may still refuse non-local callers.
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}
}
