// Package session accumulates the light observations and ground-truth
// corrections of one recording. A Session replaces the process-wide
// measurement and correction queues: ingestion appends to it while
// recording, and the solve reads an immutable Snapshot of it.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/deepdive/internal/geom"
)

// Pulse is one sensor hit within a sweep.
type Pulse struct {
	Sensor   int     `json:"sensor"`
	Angle    float64 `json:"angle"`
	Duration float64 `json:"duration"`
}

// Observation is one sweep of one lighthouse axis as seen by one tracker.
type Observation struct {
	Time    time.Time `json:"time"`
	Tracker string    `json:"tracker"`
	Beacon  string    `json:"lighthouse"`
	Axis    int       `json:"axis"`
	Pulses  []Pulse   `json:"pulses"`
}

// Correction is an external reference pose of the body in the world frame.
// It is only used to compare against the solution.
type Correction struct {
	Time time.Time `json:"time"`
	Pose geom.Pose `json:"pose"`
}

// CorrectionFromQuaternion converts a translation and (w, x, y, z)
// quaternion reference pose to axis-angle form.
func CorrectionFromQuaternion(t time.Time, pos r3.Vector, w, x, y, z float64) Correction {
	return Correction{Time: t, Pose: geom.FromQuaternion(pos, w, x, y, z)}
}

// Gate decides whether a tracker/lighthouse pair is accepting measurements.
type Gate interface {
	Accepts(tracker, beacon string) bool
}

// Stats counts ingestion outcomes.
type Stats struct {
	Accepted    int
	NotReady    int
	TooFew      int
	Corrections int
}

// Session is the accumulation context of one recording.
type Session struct {
	mu          sync.Mutex
	filter      Filter
	gate        Gate
	obs         []Observation
	corrections []Correction
	stats       Stats
}

// New returns an empty session that filters with f and accepts pairs that
// gate admits. A nil gate accepts everything.
func New(f Filter, gate Gate) *Session {
	return &Session{filter: f, gate: gate}
}

// AddObservation filters and records o. It reports whether o was kept.
func (s *Session) AddObservation(o Observation) bool {
	if s.gate != nil && !s.gate.Accepts(o.Tracker, o.Beacon) {
		s.mu.Lock()
		s.stats.NotReady++
		s.mu.Unlock()
		tracef("ignored %s/%s: pair not ready", o.Tracker, o.Beacon)
		return false
	}
	kept, ok := s.filter.Apply(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.stats.TooFew++
		return false
	}
	s.obs = append(s.obs, kept)
	s.stats.Accepted++
	tracef("accepted %s/%s axis %d with %d pulses", o.Tracker, o.Beacon, o.Axis, len(kept.Pulses))
	return true
}

// AddCorrection records a reference pose.
func (s *Session) AddCorrection(c Correction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = append(s.corrections, c)
	s.stats.Corrections++
}

// Stats returns the ingestion counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Len returns the number of recorded observations.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs)
}

// Clear drops everything recorded so far.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.obs) > 0 || len(s.corrections) > 0 {
		diagf("discarding %d observations and %d corrections", len(s.obs), len(s.corrections))
	}
	s.obs = nil
	s.corrections = nil
	s.stats = Stats{}
}

// Snapshot is a closed, time-ordered copy of a session.
type Snapshot struct {
	Observations []Observation
	Corrections  []Correction
}

// Snapshot copies the recorded data, ordered by time.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Observations: make([]Observation, len(s.obs)),
		Corrections:  append([]Correction(nil), s.corrections...),
	}
	for i, o := range s.obs {
		o.Pulses = append([]Pulse(nil), o.Pulses...)
		snap.Observations[i] = o
	}
	sort.SliceStable(snap.Observations, func(i, j int) bool {
		return snap.Observations[i].Time.Before(snap.Observations[j].Time)
	})
	sort.SliceStable(snap.Corrections, func(i, j int) bool {
		return snap.Corrections[i].Time.Before(snap.Corrections[j].Time)
	})
	return snap
}

// Span returns the first and last observation times.
func (s Snapshot) Span() (first, last time.Time) {
	if len(s.Observations) == 0 {
		return time.Time{}, time.Time{}
	}
	return s.Observations[0].Time, s.Observations[len(s.Observations)-1].Time
}

// Empty reports whether the snapshot holds no observations.
func (s Snapshot) Empty() bool {
	return len(s.Observations) == 0
}
