// Package results turns a solved recording into the artifacts consumed
// downstream: the calibration file, the performance log, trajectory plots
// and the stored run history.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/fsutil"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
)

// Frames names the coordinate frames of the transform tree.
type Frames struct {
	World string `json:"world"`
	Vive  string `json:"vive"`
	Body  string `json:"body"`
	Truth string `json:"truth"`
}

// DefaultFrames returns the stock frame names.
func DefaultFrames() Frames {
	return Frames{World: "world", Vive: "vive", Body: "body", Truth: "truth"}
}

// HeadFrame is the head frame of a tracker.
func HeadFrame(serial string) string { return serial + "/head" }

// LightFrame is the light-sensing frame of a tracker.
func LightFrame(serial string) string { return serial + "/light" }

// Transform maps the Child frame into the Parent frame. Transform holds
// {x, y, z, qx, qy, qz, qw}.
type Transform struct {
	Parent    string     `json:"parent"`
	Child     string     `json:"child"`
	Transform [7]float64 `json:"transform"`
}

// Pose returns the transform in axis-angle form.
func (t Transform) Pose() geom.Pose { return geom.FromTransform7(t.Transform) }

// BeaconCalibration is the calibration vector of one lighthouse.
type BeaconCalibration struct {
	Serial string         `json:"serial"`
	Params bearing.Params `json:"params"`
}

// TrackerCalibration is the sensor table of one tracker, six values per
// sensor: position then normal.
type TrackerCalibration struct {
	Serial  string       `json:"serial"`
	Sensors [][6]float64 `json:"sensors"`
}

// TransformSet is the persisted calibration of a rig.
type TransformSet struct {
	Generated   time.Time            `json:"generated"`
	Frames      Frames               `json:"frames"`
	Transforms  []Transform          `json:"transforms"`
	Lighthouses []BeaconCalibration  `json:"lighthouses"`
	Trackers    []TrackerCalibration `json:"trackers"`
}

// ErrNoRegistration is returned when a transform set lacks the world to
// vive transform.
var ErrNoRegistration = errors.New("calfile: missing registration transform")

// NewTransformSet captures the calibration of r.
func NewTransformSet(r *rig.Rig, frames Frames, at time.Time) TransformSet {
	set := TransformSet{Generated: at, Frames: frames}
	set.Transforms = append(set.Transforms, Transform{
		Parent: frames.World, Child: frames.Vive, Transform: r.Registration().Transform7(),
	})
	for _, serial := range r.BeaconSerials() {
		lh, _ := r.Beacon(serial)
		set.Transforms = append(set.Transforms, Transform{
			Parent: frames.Vive, Child: serial, Transform: lh.Pose.Transform7(),
		})
		set.Lighthouses = append(set.Lighthouses, BeaconCalibration{Serial: serial, Params: lh.Params})
	}
	for _, serial := range r.TrackerSerials() {
		tr, _ := r.Tracker(serial)
		set.Transforms = append(set.Transforms,
			Transform{Parent: frames.Body, Child: HeadFrame(serial), Transform: tr.BodyHead.Transform7()},
			Transform{Parent: LightFrame(serial), Child: HeadFrame(serial), Transform: tr.LightHead.Transform7()},
		)
		tc := TrackerCalibration{Serial: serial}
		for _, s := range tr.Sensors {
			tc.Sensors = append(tc.Sensors, [6]float64{
				s.Position.X, s.Position.Y, s.Position.Z, s.Normal.X, s.Normal.Y, s.Normal.Z,
			})
		}
		set.Trackers = append(set.Trackers, tc)
	}
	return set
}

// Find returns the transform between parent and child.
func (s TransformSet) Find(parent, child string) (Transform, bool) {
	for _, t := range s.Transforms {
		if t.Parent == parent && t.Child == child {
			return t, true
		}
	}
	return Transform{}, false
}

// Apply restores the calibration into r. Lighthouses and trackers that r
// does not know yet are added, not ready. It returns the number of devices
// updated.
func (s TransformSet) Apply(r *rig.Rig) (int, error) {
	reg, ok := s.Find(s.Frames.World, s.Frames.Vive)
	if !ok {
		return 0, ErrNoRegistration
	}
	r.SetRegistration(reg.Pose())

	params := make(map[string]bearing.Params, len(s.Lighthouses))
	for _, lc := range s.Lighthouses {
		params[lc.Serial] = lc.Params
	}
	sensors := make(map[string][][6]float64, len(s.Trackers))
	for _, tc := range s.Trackers {
		sensors[tc.Serial] = tc.Sensors
	}

	updated := 0
	seen := make(map[string]bool)
	for _, t := range s.Transforms {
		if t.Parent != s.Frames.Vive {
			continue
		}
		lh, _ := r.Beacon(t.Child)
		lh.Serial = t.Child
		lh.Pose = t.Pose()
		lh.Params = params[t.Child]
		r.UpsertBeacon(lh)
		updated++
	}
	for _, t := range s.Transforms {
		if t.Parent != s.Frames.Body {
			continue
		}
		serial, ok := trackerOf(t.Child)
		if !ok || seen[serial] {
			continue
		}
		seen[serial] = true
		tr, _ := r.Tracker(serial)
		tr.Serial = serial
		tr.BodyHead = t.Pose()
		if lt, ok := s.Find(LightFrame(serial), HeadFrame(serial)); ok {
			tr.LightHead = lt.Pose()
		}
		if table, ok := sensors[serial]; ok {
			block := make([]float64, 0, len(table)*rig.SensorStride)
			for _, row := range table {
				block = append(block, row[:]...)
			}
			tr.SetSensorBlock(block)
		}
		r.UpsertTracker(tr)
		updated++
	}
	return updated, nil
}

func trackerOf(headFrame string) (string, bool) {
	serial, ok := strings.CutSuffix(headFrame, "/head")
	return serial, ok && serial != ""
}

// WriteCalfile writes set as indented JSON.
func WriteCalfile(fsys fsutil.FileSystem, path string, set TransformSet) error {
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calfile: %w", err)
	}
	if err := fsys.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write calfile %s: %w", path, err)
	}
	return nil
}

// ReadCalfile loads a transform set. A missing file is reported with an
// error satisfying errors.Is(err, os.ErrNotExist).
func ReadCalfile(fsys fsutil.FileSystem, path string) (TransformSet, error) {
	var set TransformSet
	data, err := fsys.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("read calfile: %w", err)
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("parse calfile %s: %w", path, err)
	}
	return set, nil
}

// Restore applies the calfile at path to r, if one exists.
func Restore(fsys fsutil.FileSystem, path string, r *rig.Rig) (bool, error) {
	set, err := ReadCalfile(fsys, path)
	if errors.Is(err, os.ErrNotExist) {
		diagf("no calibration at %s, starting from configuration", path)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := set.Apply(r)
	if err != nil {
		return false, fmt.Errorf("restore %s: %w", path, err)
	}
	opsf("restored calibration of %d devices from %s (generated %s)", n, path, set.Generated.Format(time.RFC3339))
	return true, nil
}
