// Package bundle discretises a recording into fixed-width epochs and
// averages the redundant angle samples that land in each one.
package bundle

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/deepdive/internal/geom"
	"github.com/banshee-data/deepdive/internal/session"
)

// Epoch is the index of a time bucket: round(t / resolution).
type Epoch int64

// EpochOf returns the epoch containing t for the given resolution in seconds.
func EpochOf(t time.Time, resolution float64) Epoch {
	secs := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return Epoch(math.Round(secs / resolution))
}

// Seconds returns the bucket centre in seconds since the Unix epoch.
func (e Epoch) Seconds(resolution float64) float64 {
	return float64(e) * resolution
}

// Time returns the bucket centre as a wall time. The resolution is rounded
// to whole nanoseconds so that consecutive epochs are exactly one step apart.
func (e Epoch) Time(resolution float64) time.Time {
	step := int64(math.Round(resolution * 1e9))
	return time.Unix(0, int64(e)*step)
}

// Samples holds every angle recorded for one sensor, per sweep axis.
type Samples [2][]float64

// Sample is one averaged (sensor, axis) angle in a group.
type Sample struct {
	Sensor int
	Axis   int
	Angle  float64
}

// Bundle is the epoch table of one recording.
type Bundle struct {
	Resolution float64
	// Light is indexed tracker, lighthouse, epoch, sensor.
	Light map[string]map[string]map[Epoch]map[int]*Samples
	// Corrections holds one reference pose per epoch.
	Corrections map[Epoch]geom.Pose

	correctionTime map[Epoch]time.Time
}

// New returns an empty bundle.
func New(resolution float64) *Bundle {
	return &Bundle{
		Resolution:     resolution,
		Light:          make(map[string]map[string]map[Epoch]map[int]*Samples),
		Corrections:    make(map[Epoch]geom.Pose),
		correctionTime: make(map[Epoch]time.Time),
	}
}

// Build bundles a snapshot. The result does not depend on the order of the
// snapshot's records.
func Build(snap session.Snapshot, resolution float64) *Bundle {
	b := New(resolution)
	for _, o := range snap.Observations {
		b.AddObservation(o)
	}
	for _, c := range snap.Corrections {
		b.AddCorrection(c)
	}
	return b
}

// AddObservation appends the pulses of o to their buckets.
func (b *Bundle) AddObservation(o session.Observation) {
	if o.Axis < 0 || o.Axis > 1 {
		return
	}
	e := EpochOf(o.Time, b.Resolution)
	byBeacon, ok := b.Light[o.Tracker]
	if !ok {
		byBeacon = make(map[string]map[Epoch]map[int]*Samples)
		b.Light[o.Tracker] = byBeacon
	}
	byEpoch, ok := byBeacon[o.Beacon]
	if !ok {
		byEpoch = make(map[Epoch]map[int]*Samples)
		byBeacon[o.Beacon] = byEpoch
	}
	bySensor, ok := byEpoch[e]
	if !ok {
		bySensor = make(map[int]*Samples)
		byEpoch[e] = bySensor
	}
	for _, p := range o.Pulses {
		s, ok := bySensor[p.Sensor]
		if !ok {
			s = &Samples{}
			bySensor[p.Sensor] = s
		}
		s[o.Axis] = append(s[o.Axis], p.Angle)
	}
}

// AddCorrection buckets a reference pose. When several fall in the same
// epoch the one nearest the bucket centre is kept, the later one on a tie.
func (b *Bundle) AddCorrection(c session.Correction) {
	e := EpochOf(c.Time, b.Resolution)
	prev, ok := b.correctionTime[e]
	if ok {
		centre := e.Time(b.Resolution)
		dNew, dOld := absDuration(c.Time.Sub(centre)), absDuration(prev.Sub(centre))
		if dNew > dOld || (dNew == dOld && c.Time.Before(prev)) {
			return
		}
	}
	b.correctionTime[e] = c.Time
	b.Corrections[e] = c.Pose
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Mean averages samples independently of their order. It returns NaN for
// an empty slice.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Mean(sorted, nil)
}

// Trackers returns the tracker serials with at least one sample, sorted.
func (b *Bundle) Trackers() []string {
	out := make([]string, 0, len(b.Light))
	for k := range b.Light {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Beacons returns the lighthouses seen by tracker, sorted.
func (b *Bundle) Beacons(tracker string) []string {
	byBeacon := b.Light[tracker]
	out := make([]string, 0, len(byBeacon))
	for k := range byBeacon {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Epochs returns every epoch holding light data, sorted.
func (b *Bundle) Epochs() []Epoch {
	seen := make(map[Epoch]struct{})
	for _, byBeacon := range b.Light {
		for _, byEpoch := range byBeacon {
			for e := range byEpoch {
				seen[e] = struct{}{}
			}
		}
	}
	return sortedEpochs(seen)
}

// PairEpochs returns the epochs holding data for one tracker/lighthouse pair, sorted.
func (b *Bundle) PairEpochs(tracker, beacon string) []Epoch {
	seen := make(map[Epoch]struct{})
	for e := range b.Light[tracker][beacon] {
		seen[e] = struct{}{}
	}
	return sortedEpochs(seen)
}

// CorrectionEpochs returns the epochs holding a reference pose, sorted.
func (b *Bundle) CorrectionEpochs() []Epoch {
	seen := make(map[Epoch]struct{}, len(b.Corrections))
	for e := range b.Corrections {
		seen[e] = struct{}{}
	}
	return sortedEpochs(seen)
}

func sortedEpochs(seen map[Epoch]struct{}) []Epoch {
	out := make([]Epoch, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Group returns the averaged samples of one tracker/lighthouse/epoch triple,
// ordered by sensor then axis.
func (b *Bundle) Group(tracker, beacon string, e Epoch) []Sample {
	bySensor := b.Light[tracker][beacon][e]
	sensors := make([]int, 0, len(bySensor))
	for s := range bySensor {
		sensors = append(sensors, s)
	}
	sort.Ints(sensors)
	var out []Sample
	for _, s := range sensors {
		for axis, angles := range bySensor[s] {
			if len(angles) == 0 {
				continue
			}
			out = append(out, Sample{Sensor: s, Axis: axis, Angle: Mean(angles)})
		}
	}
	return out
}

// Pair returns the mean angle pair of every sensor in the group that has
// samples on both axes, keyed by sensor.
func (b *Bundle) Pair(tracker, beacon string, e Epoch) map[int][2]float64 {
	out := make(map[int][2]float64)
	for s, samples := range b.Light[tracker][beacon][e] {
		if len(samples[0]) == 0 || len(samples[1]) == 0 {
			continue
		}
		out[s] = [2]float64{Mean(samples[0]), Mean(samples[1])}
	}
	return out
}

// Size counts the tracker/lighthouse/epoch groups in the bundle.
func (b *Bundle) Size() int {
	n := 0
	for _, byBeacon := range b.Light {
		for _, byEpoch := range byBeacon {
			n += len(byEpoch)
		}
	}
	return n
}
