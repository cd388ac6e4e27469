package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
)

// RigFile describes the devices of a rig and their prior calibration.
// Transforms are x, y, z, qx, qy, qz, qw. An all-zero quaternion reads as
// the identity rotation.
type RigFile struct {
	Registration *[7]float64     `yaml:"registration,omitempty,flow"`
	Lighthouses  []LighthouseDef `yaml:"lighthouses"`
	Trackers     []TrackerDef    `yaml:"trackers"`
}

// LighthouseDef is one lighthouse of a rig file.
type LighthouseDef struct {
	Serial    string         `yaml:"serial"`
	Transform [7]float64     `yaml:"transform,flow"` // vTl
	Params    bearing.Params `yaml:"params,flow"`
	Ready     *bool          `yaml:"ready,omitempty"`
}

// TrackerDef is one tracker of a rig file.
type TrackerDef struct {
	Serial     string       `yaml:"serial"`
	Extrinsics [7]float64   `yaml:"extrinsics,flow"` // bTh
	Head       [7]float64   `yaml:"head,flow"`       // tTh
	Sensors    [][6]float64 `yaml:"sensors,flow"`
	Ready      *bool        `yaml:"ready,omitempty"`
}

func pose7(v [7]float64) geom.Pose {
	if v[3] == 0 && v[4] == 0 && v[5] == 0 && v[6] == 0 {
		v[6] = 1
	}
	return geom.FromTransform7(v)
}

// ParseRig decodes a YAML rig file.
func ParseRig(data []byte) (*RigFile, error) {
	var rf RigFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to parse rig YAML: %w", err)
	}
	if err := rf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rig: %w", err)
	}
	return &rf, nil
}

// Validate checks serials are present and unique and sensor tables are
// non-empty.
func (rf *RigFile) Validate() error {
	seen := make(map[string]bool)
	for i, l := range rf.Lighthouses {
		if l.Serial == "" {
			return fmt.Errorf("lighthouse %d has no serial", i)
		}
		if seen["lh:"+l.Serial] {
			return fmt.Errorf("duplicate lighthouse %s", l.Serial)
		}
		seen["lh:"+l.Serial] = true
	}
	for i, t := range rf.Trackers {
		if t.Serial == "" {
			return fmt.Errorf("tracker %d has no serial", i)
		}
		if seen["tr:"+t.Serial] {
			return fmt.Errorf("duplicate tracker %s", t.Serial)
		}
		seen["tr:"+t.Serial] = true
		if len(t.Sensors) == 0 {
			return fmt.Errorf("tracker %s has no sensors", t.Serial)
		}
	}
	return nil
}

// Rig builds a rig from the file. Devices are ready unless the file says
// otherwise.
func (rf *RigFile) Rig() *rig.Rig {
	r := rig.New()
	if rf.Registration != nil {
		r.SetRegistration(pose7(*rf.Registration))
	}
	for _, l := range rf.Lighthouses {
		r.UpsertBeacon(rig.Beacon{
			Serial: l.Serial,
			Pose:   pose7(l.Transform),
			Params: l.Params,
			Ready:  l.Ready == nil || *l.Ready,
		})
	}
	for _, t := range rf.Trackers {
		tr := rig.Tracker{
			Serial:    t.Serial,
			BodyHead:  pose7(t.Extrinsics),
			LightHead: pose7(t.Head),
			Ready:     t.Ready == nil || *t.Ready,
		}
		block := make([]float64, 0, len(t.Sensors)*rig.SensorStride)
		for _, s := range t.Sensors {
			block = append(block, s[:]...)
		}
		tr.SetSensorBlock(block)
		r.UpsertTracker(tr)
	}
	return r
}

// RigFileFrom captures r, including its registration.
func RigFileFrom(r *rig.Rig) *RigFile {
	reg := r.Registration().Transform7()
	rf := &RigFile{Registration: &reg}
	for _, s := range r.BeaconSerials() {
		b, _ := r.Beacon(s)
		rf.Lighthouses = append(rf.Lighthouses, LighthouseDef{
			Serial:    b.Serial,
			Transform: b.Pose.Transform7(),
			Params:    b.Params,
			Ready:     ptrBool(b.Ready),
		})
	}
	for _, s := range r.TrackerSerials() {
		t, _ := r.Tracker(s)
		def := TrackerDef{
			Serial:     t.Serial,
			Extrinsics: t.BodyHead.Transform7(),
			Head:       t.LightHead.Transform7(),
			Ready:      ptrBool(t.Ready),
		}
		for _, sn := range t.Sensors {
			def.Sensors = append(def.Sensors, [6]float64{
				sn.Position.X, sn.Position.Y, sn.Position.Z,
				sn.Normal.X, sn.Normal.Y, sn.Normal.Z,
			})
		}
		rf.Trackers = append(rf.Trackers, def)
	}
	return rf
}

// Marshal encodes the rig file as YAML.
func (rf *RigFile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadRig reads a YAML rig file. The same size limit as LoadConfig applies.
func LoadRig(path string) (*rig.Rig, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("rig file must have .yaml or .yml extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rig file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("rig file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rig file: %w", err)
	}
	rf, err := ParseRig(data)
	if err != nil {
		return nil, err
	}
	return rf.Rig(), nil
}
