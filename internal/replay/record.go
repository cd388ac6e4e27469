// Package replay reads and writes JSON-lines recordings of lighthouse
// sweeps, reference poses and device announcements, and feeds them to a
// recording controller at a chosen speed.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
)

// Record types.
const (
	TypeLight      = "light"
	TypeCorrection = "correction"
	TypeLighthouse = "lighthouse"
	TypeTracker    = "tracker"
)

// Record is one line of a recording. Exactly one payload matches Type.
type Record struct {
	Type       string               `json:"type"`
	Light      *session.Observation `json:"light,omitempty"`
	Correction *session.Correction  `json:"correction,omitempty"`
	Lighthouse *Lighthouse          `json:"lighthouse,omitempty"`
	Tracker    *Tracker             `json:"tracker,omitempty"`
}

// Lighthouse announces a lighthouse and its factory calibration.
type Lighthouse struct {
	Serial string `json:"serial"`
	// Transform is vTl as x, y, z, qx, qy, qz, qw.
	Transform [7]float64     `json:"transform"`
	Params    bearing.Params `json:"params"`
	Ready     bool           `json:"ready"`
}

// Tracker announces a tracker and its sensor table.
type Tracker struct {
	Serial string `json:"serial"`
	// Extrinsics is bTh, Head is tTh, both as x, y, z, qx, qy, qz, qw.
	Extrinsics [7]float64   `json:"extrinsics"`
	Head       [7]float64   `json:"head"`
	Sensors    [][6]float64 `json:"sensors"`
	Ready      bool         `json:"ready"`
}

// Time returns the timestamp of a measurement record, or the zero time for
// device announcements.
func (r Record) Time() time.Time {
	switch {
	case r.Light != nil:
		return r.Light.Time
	case r.Correction != nil:
		return r.Correction.Time
	}
	return time.Time{}
}

// Validate checks that the payload matches the type.
func (r Record) Validate() error {
	var ok bool
	switch r.Type {
	case TypeLight:
		ok = r.Light != nil
	case TypeCorrection:
		ok = r.Correction != nil
	case TypeLighthouse:
		ok = r.Lighthouse != nil && r.Lighthouse.Serial != ""
	case TypeTracker:
		ok = r.Tracker != nil && r.Tracker.Serial != ""
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}
	if !ok {
		return fmt.Errorf("%s record without payload", r.Type)
	}
	return nil
}

// Beacon converts the announcement to a rig lighthouse.
func (l Lighthouse) Beacon() rig.Beacon {
	return rig.Beacon{
		Serial: l.Serial,
		Pose:   geom.FromTransform7(l.Transform),
		Params: l.Params,
		Ready:  l.Ready,
	}
}

// RigTracker converts the announcement to a rig tracker.
func (t Tracker) RigTracker() rig.Tracker {
	out := rig.Tracker{
		Serial:    t.Serial,
		BodyHead:  geom.FromTransform7(t.Extrinsics),
		LightHead: geom.FromTransform7(t.Head),
		Ready:     t.Ready,
	}
	block := make([]float64, 0, len(t.Sensors)*rig.SensorStride)
	for _, s := range t.Sensors {
		block = append(block, s[:]...)
	}
	out.SetSensorBlock(block)
	return out
}

// LighthouseFrom is the inverse of Lighthouse.Beacon.
func LighthouseFrom(b rig.Beacon) Lighthouse {
	return Lighthouse{Serial: b.Serial, Transform: b.Pose.Transform7(), Params: b.Params, Ready: b.Ready}
}

// TrackerFrom is the inverse of Tracker.RigTracker.
func TrackerFrom(t rig.Tracker) Tracker {
	out := Tracker{
		Serial:     t.Serial,
		Extrinsics: t.BodyHead.Transform7(),
		Head:       t.LightHead.Transform7(),
		Ready:      t.Ready,
	}
	block := t.SensorBlock()
	for i := 0; i+rig.SensorStride <= len(block); i += rig.SensorStride {
		var s [6]float64
		copy(s[:], block[i:])
		out.Sensors = append(out.Sensors, s)
	}
	return out
}

// Writer encodes records one per line.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
	n   int
}

// NewWriter returns a Writer on w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{w: bw, enc: json.NewEncoder(bw)}
}

// Write encodes one record.
func (w *Writer) Write(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("encode record %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Flush writes any buffered data.
func (w *Writer) Flush() error { return w.w.Flush() }

// WriteRig announces every lighthouse and tracker of r.
func (w *Writer) WriteRig(r *rig.Rig) error {
	for _, s := range r.BeaconSerials() {
		b, _ := r.Beacon(s)
		l := LighthouseFrom(b)
		if err := w.Write(Record{Type: TypeLighthouse, Lighthouse: &l}); err != nil {
			return err
		}
	}
	for _, s := range r.TrackerSerials() {
		t, _ := r.Tracker(s)
		tr := TrackerFrom(t)
		if err := w.Write(Record{Type: TypeTracker, Tracker: &tr}); err != nil {
			return err
		}
	}
	return nil
}

// WriteMeasurements writes observations and corrections merged in time
// order. Ties put the observation first.
func (w *Writer) WriteMeasurements(obs []session.Observation, corrs []session.Correction) error {
	recs := make([]Record, 0, len(obs)+len(corrs))
	for i := range obs {
		recs = append(recs, Record{Type: TypeLight, Light: &obs[i]})
	}
	for i := range corrs {
		recs = append(recs, Record{Type: TypeCorrection, Correction: &corrs[i]})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Time().Before(recs[j].Time())
	})
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}
