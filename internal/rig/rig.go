// Package rig holds the static geometry of the tracking rig: the
// lighthouses, the trackers and the registration between the lighthouse
// frame and the world frame.
package rig

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/deepdive/internal/bearing"
	"github.com/banshee-data/deepdive/internal/geom"
)

// SensorStride is the number of parameters stored per sensor: position
// followed by outward normal.
const SensorStride = 6

// Beacon is one lighthouse.
type Beacon struct {
	Serial string
	// Pose maps the lighthouse frame into the shared vive frame (vTl).
	Pose   geom.Pose
	Params bearing.Params
	// Ready gates acceptance of this lighthouse's measurements.
	Ready bool
}

// Sensor is one photodiode in the light frame of a tracker.
type Sensor struct {
	Position r3.Vector
	Normal   r3.Vector
}

// Tracker is one rigid tracker attached to the tracked body.
type Tracker struct {
	Serial string
	// BodyHead maps the head frame into the body frame (bTh).
	BodyHead geom.Pose
	// LightHead maps the head frame into the light-sensing frame (tTh).
	LightHead geom.Pose
	Sensors   []Sensor
	Ready     bool
}

// SensorBlock flattens the sensor table into {px, py, pz, nx, ny, nz} per sensor.
func (t *Tracker) SensorBlock() []float64 {
	out := make([]float64, 0, len(t.Sensors)*SensorStride)
	for _, s := range t.Sensors {
		out = append(out,
			s.Position.X, s.Position.Y, s.Position.Z,
			s.Normal.X, s.Normal.Y, s.Normal.Z)
	}
	return out
}

// SetSensorBlock is the inverse of SensorBlock.
func (t *Tracker) SetSensorBlock(block []float64) {
	n := len(block) / SensorStride
	if len(t.Sensors) != n {
		t.Sensors = make([]Sensor, n)
	}
	for i := 0; i < n; i++ {
		b := block[i*SensorStride:]
		t.Sensors[i] = Sensor{
			Position: r3.Vector{X: b[0], Y: b[1], Z: b[2]},
			Normal:   r3.Vector{X: b[3], Y: b[4], Z: b[5]},
		}
	}
}

// Rig is the set of lighthouses and trackers plus the vive to world
// registration. Methods are safe for concurrent use; the structs returned by
// Beacon and Tracker are copies.
type Rig struct {
	mu sync.RWMutex
	// Registration maps the vive frame into the world frame (wTv).
	registration geom.Pose
	beacons      map[string]*Beacon
	trackers     map[string]*Tracker

	onNewBeacon  func(serial string)
	onNewTracker func(serial string)
}

// New returns an empty rig.
func New() *Rig {
	return &Rig{
		beacons:  make(map[string]*Beacon),
		trackers: make(map[string]*Tracker),
	}
}

// OnNew registers callbacks fired the first time a lighthouse or tracker is
// added. Either may be nil.
func (r *Rig) OnNew(beacon, tracker func(serial string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewBeacon = beacon
	r.onNewTracker = tracker
}

// Registration returns wTv.
func (r *Rig) Registration() geom.Pose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registration
}

// SetRegistration replaces wTv.
func (r *Rig) SetRegistration(p geom.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registration = p
}

// UpsertBeacon inserts or replaces a lighthouse.
func (r *Rig) UpsertBeacon(b Beacon) {
	r.mu.Lock()
	_, existed := r.beacons[b.Serial]
	cp := b
	r.beacons[b.Serial] = &cp
	cb := r.onNewBeacon
	r.mu.Unlock()
	if !existed && cb != nil {
		cb(b.Serial)
	}
}

// UpsertTracker inserts or replaces a tracker.
func (r *Rig) UpsertTracker(t Tracker) {
	r.mu.Lock()
	_, existed := r.trackers[t.Serial]
	cp := t
	cp.Sensors = append([]Sensor(nil), t.Sensors...)
	r.trackers[t.Serial] = &cp
	cb := r.onNewTracker
	r.mu.Unlock()
	if !existed && cb != nil {
		cb(t.Serial)
	}
}

// SetBeaconReady flips the readiness flag. It reports false for an unknown serial.
func (r *Rig) SetBeaconReady(serial string, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.beacons[serial]
	if ok {
		b.Ready = ready
	}
	return ok
}

// SetTrackerReady flips the readiness flag. It reports false for an unknown serial.
func (r *Rig) SetTrackerReady(serial string, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[serial]
	if ok {
		t.Ready = ready
	}
	return ok
}

// Beacon returns a copy of the lighthouse with the given serial.
func (r *Rig) Beacon(serial string) (Beacon, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.beacons[serial]
	if !ok {
		return Beacon{}, false
	}
	return *b, true
}

// Tracker returns a copy of the tracker with the given serial.
func (r *Rig) Tracker(serial string) (Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[serial]
	if !ok {
		return Tracker{}, false
	}
	cp := *t
	cp.Sensors = append([]Sensor(nil), t.Sensors...)
	return cp, true
}

// Accepts reports whether measurements between the tracker and the
// lighthouse may be recorded: both must be known and ready.
func (r *Rig) Accepts(tracker, beacon string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[tracker]
	if !ok || !t.Ready {
		return false
	}
	b, ok := r.beacons[beacon]
	return ok && b.Ready
}

// BeaconSerials returns lighthouse serials in sorted order. The first one
// that is observed anchors the vive frame during a solve.
func (r *Rig) BeaconSerials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.beacons))
	for s := range r.beacons {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// TrackerSerials returns tracker serials in sorted order.
func (r *Rig) TrackerSerials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.trackers))
	for s := range r.trackers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy without callbacks.
func (r *Rig) Clone() *Rig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := New()
	out.registration = r.registration
	for k, b := range r.beacons {
		cp := *b
		out.beacons[k] = &cp
	}
	for k, t := range r.trackers {
		cp := *t
		cp.Sensors = append([]Sensor(nil), t.Sensors...)
		out.trackers[k] = &cp
	}
	return out
}

// Commit copies the geometry of other into r. Readiness flags of r are kept,
// since they track the live state of the devices rather than calibration.
func (r *Rig) Commit(other *Rig) {
	src := other.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registration = src.registration
	for k, b := range src.beacons {
		if cur, ok := r.beacons[k]; ok {
			b.Ready = cur.Ready
		}
		r.beacons[k] = b
	}
	for k, t := range src.trackers {
		if cur, ok := r.trackers[k]; ok {
			t.Ready = cur.Ready
		}
		r.trackers[k] = t
	}
}
