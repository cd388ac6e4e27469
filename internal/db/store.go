package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/bundle"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/results"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("db: run not found")

// Run is one stored calibration attempt.
type Run struct {
	ID           string        `json:"run_id"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Termination  string        `json:"termination"`
	InitialCost  float64       `json:"initial_cost"`
	FinalCost    float64       `json:"final_cost"`
	Iterations   int           `json:"iterations"`
	Observations int           `json:"observations"`
	Corrections  int           `json:"corrections"`
	Epochs       int           `json:"epochs"`
	SeededEpochs int           `json:"seeded_epochs"`
	Resolution   float64       `json:"resolution"`
	Force2D      bool          `json:"force2d"`
	Correct      bool          `json:"correct"`
	Policy       refine.Policy `json:"policy"`
}

// NewRun summarizes an outcome. The id is left empty.
func NewRun(o recording.Outcome) Run {
	run := Run{
		Started:      o.Started,
		Finished:     o.Finished,
		Success:      o.Success(),
		Observations: o.Stats.Accepted,
		Corrections:  o.Stats.Corrections,
	}
	if o.Err != nil {
		run.Message = o.Err.Error()
	}
	if res := o.Result; res != nil {
		s := res.Summary
		run.Termination = s.Termination.String()
		run.InitialCost = s.InitialCost
		run.FinalCost = s.FinalCost
		run.Iterations = s.Iterations
		run.Epochs = res.Stats.Epochs
		run.SeededEpochs = res.Stats.SeededEpochs
		run.Resolution = res.Options.Resolution
		run.Force2D = res.Options.Force2D
		run.Correct = res.Options.Correct
		run.Policy = res.Options.Policy
		if run.Message == "" {
			run.Message = s.Brief()
		}
	}
	return run
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RecordRun stores the outcome and, when set is non-nil, the solved
// calibration and trajectory, in one transaction. It implements
// results.Store.
func (db *DB) RecordRun(ctx context.Context, o recording.Outcome, set *results.TransformSet) (string, error) {
	run := NewRun(o)
	run.ID = uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var frames results.Frames
	if set != nil {
		frames = set.Frames
	}
	if err := insertRun(ctx, tx, run, frames); err != nil {
		return "", err
	}
	if set != nil {
		if err := InsertTransforms(ctx, tx, run.ID, set.Transforms); err != nil {
			return "", err
		}
		if err := InsertBeaconParams(ctx, tx, run.ID, set.Lighthouses); err != nil {
			return "", err
		}
		if err := insertSensors(ctx, tx, run.ID, set.Trackers); err != nil {
			return "", err
		}
	}
	if o.Success() {
		if err := InsertTrajectory(ctx, tx, run.ID, o.Result.Trajectory); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	tracef("stored run %s success=%t", run.ID, run.Success)
	return run.ID, nil
}

// InsertRun stores a run summary, assigning an id when run.ID is empty.
func (db *DB) InsertRun(ctx context.Context, run Run, frames results.Frames) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return run.ID, insertRun(ctx, db.DB, run, frames)
}

func insertRun(ctx context.Context, ex execer, run Run, frames results.Frames) error {
	policy, err := json.Marshal(run.Policy)
	if err != nil {
		return err
	}
	fr, err := json.Marshal(frames)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO runs (
			run_id, started_unix_nanos, finished_unix_nanos, success, message, termination,
			initial_cost, final_cost, iterations, observations, corrections, epochs,
			seeded_epochs, resolution, force2d, correct, policy_json, frames_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Started.UnixNano(), run.Finished.UnixNano(), run.Success, run.Message, run.Termination,
		run.InitialCost, run.FinalCost, run.Iterations, run.Observations, run.Corrections, run.Epochs,
		run.SeededEpochs, run.Resolution, run.Force2D, run.Correct, string(policy), string(fr),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertTransforms stores the transform tree of a run in order.
func InsertTransforms(ctx context.Context, ex execer, runID string, ts []results.Transform) error {
	for i, t := range ts {
		v := t.Transform
		if _, err := ex.ExecContext(ctx, `INSERT INTO transforms
				(run_id, seq, parent, child, x, y, z, qx, qy, qz, qw)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, t.Parent, t.Child, v[0], v[1], v[2], v[3], v[4], v[5], v[6]); err != nil {
			return fmt.Errorf("insert transform %s->%s: %w", t.Parent, t.Child, err)
		}
	}
	return nil
}

// InsertBeaconParams stores the calibration vectors of a run, one row per
// lighthouse axis.
func InsertBeaconParams(ctx context.Context, ex execer, runID string, lhs []results.BeaconCalibration) error {
	for _, lc := range lhs {
		for a := 0; a < bearing.NumAxes; a++ {
			p := lc.Params.Axis(a)
			if _, err := ex.ExecContext(ctx, `INSERT INTO beacon_params
					(run_id, serial, axis, phase, tilt, gib_phase, gib_mag, curve)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, lc.Serial, a,
				p[bearing.ParamPhase], p[bearing.ParamTilt], p[bearing.ParamGibPhase],
				p[bearing.ParamGibMag], p[bearing.ParamCurve]); err != nil {
				return fmt.Errorf("insert params %s: %w", lc.Serial, err)
			}
		}
	}
	return nil
}

func insertSensors(ctx context.Context, ex execer, runID string, trs []results.TrackerCalibration) error {
	for _, tc := range trs {
		for i, s := range tc.Sensors {
			if _, err := ex.ExecContext(ctx, `INSERT INTO tracker_sensors
					(run_id, serial, sensor, px, py, pz, nx, ny, nz)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, tc.Serial, i, s[0], s[1], s[2], s[3], s[4], s[5]); err != nil {
				return fmt.Errorf("insert sensor %s/%d: %w", tc.Serial, i, err)
			}
		}
	}
	return nil
}

// InsertTrajectory stores the solved body poses of a run.
func InsertTrajectory(ctx context.Context, ex execer, runID string, traj []refine.TrajectoryPoint) error {
	for _, tp := range traj {
		var truth [6]any
		if tp.HasTruth {
			for i, v := range tp.Truth {
				truth[i] = v
			}
		}
		p := tp.Pose
		if _, err := ex.ExecContext(ctx, `INSERT INTO trajectory
				(run_id, epoch, unix_nanos, x, y, z, rx, ry, rz, has_truth,
				 truth_x, truth_y, truth_z, truth_rx, truth_ry, truth_rz)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, int64(tp.Epoch), tp.Time.UnixNano(), p[0], p[1], p[2], p[3], p[4], p[5], tp.HasTruth,
			truth[0], truth[1], truth[2], truth[3], truth[4], truth[5]); err != nil {
			return fmt.Errorf("insert trajectory epoch %d: %w", tp.Epoch, err)
		}
	}
	return nil
}

const runColumns = `run_id, started_unix_nanos, finished_unix_nanos, success, message, termination,
	COALESCE(initial_cost, 0), COALESCE(final_cost, 0), iterations, observations, corrections,
	epochs, seeded_epochs, COALESCE(resolution, 0), force2d, correct, policy_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run              Run
		started, finished int64
		policy           string
	)
	err := s.Scan(&run.ID, &started, &finished, &run.Success, &run.Message, &run.Termination,
		&run.InitialCost, &run.FinalCost, &run.Iterations, &run.Observations, &run.Corrections,
		&run.Epochs, &run.SeededEpochs, &run.Resolution, &run.Force2D, &run.Correct, &policy)
	if err != nil {
		return run, err
	}
	run.Started = time.Unix(0, started)
	run.Finished = time.Unix(0, finished)
	if err := json.Unmarshal([]byte(policy), &run.Policy); err != nil {
		return run, fmt.Errorf("run %s policy: %w", run.ID, err)
	}
	return run, nil
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrRunNotFound
	}
	return run, err
}

// LatestRun returns the most recent successful run.
func (db *DB) LatestRun(ctx context.Context) (Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE success = 1 ORDER BY finished_unix_nanos DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY finished_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LoadTransforms rebuilds the calibration stored with a run.
func (db *DB) LoadTransforms(ctx context.Context, runID string) (results.TransformSet, error) {
	var set results.TransformSet
	var finished int64
	var frames string
	err := db.QueryRowContext(ctx, `SELECT finished_unix_nanos, frames_json FROM runs WHERE run_id = ?`, runID).
		Scan(&finished, &frames)
	if errors.Is(err, sql.ErrNoRows) {
		return set, ErrRunNotFound
	}
	if err != nil {
		return set, err
	}
	set.Generated = time.Unix(0, finished)
	if err := json.Unmarshal([]byte(frames), &set.Frames); err != nil {
		return set, fmt.Errorf("run %s frames: %w", runID, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT parent, child, x, y, z, qx, qy, qz, qw
		FROM transforms WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return set, err
	}
	for rows.Next() {
		var t results.Transform
		v := &t.Transform
		if err := rows.Scan(&t.Parent, &t.Child, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6]); err != nil {
			rows.Close()
			return set, err
		}
		set.Transforms = append(set.Transforms, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return set, err
	}

	rows, err = db.QueryContext(ctx, `SELECT serial, axis, phase, tilt, gib_phase, gib_mag, curve
		FROM beacon_params WHERE run_id = ? ORDER BY serial, axis`, runID)
	if err != nil {
		return set, err
	}
	for rows.Next() {
		var serial string
		var axis int
		var p [bearing.NumParams]float64
		if err := rows.Scan(&serial, &axis, &p[bearing.ParamPhase], &p[bearing.ParamTilt],
			&p[bearing.ParamGibPhase], &p[bearing.ParamGibMag], &p[bearing.ParamCurve]); err != nil {
			rows.Close()
			return set, err
		}
		n := len(set.Lighthouses)
		if n == 0 || set.Lighthouses[n-1].Serial != serial {
			set.Lighthouses = append(set.Lighthouses, results.BeaconCalibration{Serial: serial})
			n++
		}
		if axis >= 0 && axis < bearing.NumAxes {
			copy(set.Lighthouses[n-1].Params.Axis(axis), p[:])
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return set, err
	}

	rows, err = db.QueryContext(ctx, `SELECT serial, px, py, pz, nx, ny, nz
		FROM tracker_sensors WHERE run_id = ? ORDER BY serial, sensor`, runID)
	if err != nil {
		return set, err
	}
	defer rows.Close()
	for rows.Next() {
		var serial string
		var s [6]float64
		if err := rows.Scan(&serial, &s[0], &s[1], &s[2], &s[3], &s[4], &s[5]); err != nil {
			return set, err
		}
		n := len(set.Trackers)
		if n == 0 || set.Trackers[n-1].Serial != serial {
			set.Trackers = append(set.Trackers, results.TrackerCalibration{Serial: serial})
			n++
		}
		set.Trackers[n-1].Sensors = append(set.Trackers[n-1].Sensors, s)
	}
	return set, rows.Err()
}

// LoadTrajectory returns the stored trajectory of a run.
func (db *DB) LoadTrajectory(ctx context.Context, runID string) ([]refine.TrajectoryPoint, error) {
	rows, err := db.QueryContext(ctx, `SELECT epoch, unix_nanos, x, y, z, rx, ry, rz, has_truth,
			COALESCE(truth_x, 0), COALESCE(truth_y, 0), COALESCE(truth_z, 0),
			COALESCE(truth_rx, 0), COALESCE(truth_ry, 0), COALESCE(truth_rz, 0)
		FROM trajectory WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []refine.TrajectoryPoint
	for rows.Next() {
		var (
			tp    refine.TrajectoryPoint
			epoch int64
			nanos int64
			p, tr geom.Pose
		)
		if err := rows.Scan(&epoch, &nanos, &p[0], &p[1], &p[2], &p[3], &p[4], &p[5], &tp.HasTruth,
			&tr[0], &tr[1], &tr[2], &tr[3], &tr[4], &tr[5]); err != nil {
			return nil, err
		}
		tp.Epoch = bundle.Epoch(epoch)
		tp.Time = time.Unix(0, nanos)
		tp.Pose = p
		if tp.HasTruth {
			tp.Truth = tr
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}
