package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/banshee-data/deepdive/internal/fsutil"
	"github.com/banshee-data/deepdive/internal/recording"
)

// Store persists solve outcomes. The transform set is nil when the solve
// failed.
type Store interface {
	RecordRun(ctx context.Context, o recording.Outcome, set *TransformSet) (string, error)
}

// Paths locates the file outputs. Empty paths disable the output.
type Paths struct {
	Calfile string
	Perfile string
	PlotDir string
}

// Emitter writes the outputs of every successful solve and records every
// outcome in the store. It implements recording.Sink.
type Emitter struct {
	FS     fsutil.FileSystem
	Paths  Paths
	Frames Frames
	Store  Store
}

// NewEmitter returns an emitter writing to the local filesystem.
func NewEmitter(paths Paths, frames Frames, store Store) *Emitter {
	return &Emitter{FS: fsutil.OSFileSystem{}, Paths: paths, Frames: frames, Store: store}
}

// Emit implements recording.Sink.
func (e *Emitter) Emit(o recording.Outcome) error {
	var errs []error
	var set *TransformSet
	if o.Success() {
		s := NewTransformSet(o.Result.Rig, e.Frames, o.Finished)
		if traj := o.Result.Trajectory; len(traj) > 0 {
			// final body pose
			s.Transforms = append(s.Transforms, Transform{
				Parent: e.Frames.World, Child: e.Frames.Body, Transform: traj[len(traj)-1].Pose.Transform7(),
			})
		}
		set = &s
		errs = append(errs, e.writeFiles(o, s))
	}
	if e.Store != nil {
		id, err := e.Store.RecordRun(context.Background(), o, set)
		if err != nil {
			errs = append(errs, fmt.Errorf("record run: %w", err))
		} else {
			diagf("recorded run %s", id)
		}
	}
	return errors.Join(errs...)
}

func (e *Emitter) writeFiles(o recording.Outcome, set TransformSet) error {
	var errs []error
	if e.Paths.Calfile != "" {
		if err := WriteCalfile(e.FS, e.Paths.Calfile, set); err != nil {
			errs = append(errs, err)
		} else {
			opsf("wrote calibration to %s", e.Paths.Calfile)
		}
	}
	traj := o.Result.Trajectory
	if e.Paths.Perfile != "" {
		rows, err := e.create(e.Paths.Perfile, func(w io.Writer) (int, error) {
			return WritePerformanceCSV(w, traj, false)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("performance log: %w", err))
		} else {
			diagf("wrote %d performance rows to %s", rows, e.Paths.Perfile)
		}
	}
	if e.Paths.PlotDir != "" {
		if err := e.FS.MkdirAll(e.Paths.PlotDir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("plot dir: %w", err))
			return errors.Join(errs...)
		}
		stamp := o.Finished.UTC().Format("20060102T150405")
		title := fmt.Sprintf("Trajectory %s", o.Finished.UTC().Format(time.RFC3339))
		png := filepath.Join(e.Paths.PlotDir, "trajectory-"+stamp+".png")
		if _, err := e.create(png, func(w io.Writer) (int, error) { return 0, PlotTrajectory(w, traj, title) }); err != nil {
			errs = append(errs, fmt.Errorf("trajectory plot: %w", err))
		}
		html := filepath.Join(e.Paths.PlotDir, "trajectory-"+stamp+".html")
		if _, err := e.create(html, func(w io.Writer) (int, error) { return 0, TrajectoryChart(w, traj, title) }); err != nil {
			errs = append(errs, fmt.Errorf("trajectory chart: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Emitter) create(path string, fill func(w io.Writer) (int, error)) (int, error) {
	f, err := e.FS.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := fill(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
