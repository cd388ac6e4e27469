package session

// degreesPerRadian matches the conversion the pulse thresholds are quoted in.
const degreesPerRadian = 57.2958

// Filter drops unreliable pulses and under-populated sweeps.
type Filter struct {
	// MinCount is the minimum number of pulses that must survive for the
	// observation to be kept.
	MinCount int
	// MaxAngleDeg rejects pulses whose angle exceeds it once converted to
	// radians. Negative angles are not bounded.
	MaxAngleDeg float64
	// MinDuration rejects pulses whose duration is below MinDuration/1e-6,
	// compared in the raw units the tracker reports durations in.
	MinDuration float64
}

// DefaultFilter returns the stock thresholds.
func DefaultFilter() Filter {
	return Filter{MinCount: 4, MaxAngleDeg: 60, MinDuration: 1.0}
}

// Keep reports whether a single pulse passes.
func (f Filter) Keep(p Pulse) bool {
	if p.Angle > f.MaxAngleDeg/degreesPerRadian {
		return false
	}
	return !(p.Duration < f.MinDuration/1e-6)
}

// Apply returns o with rejected pulses removed. The second result is false
// when fewer than MinCount pulses remain.
func (f Filter) Apply(o Observation) (Observation, bool) {
	kept := make([]Pulse, 0, len(o.Pulses))
	for _, p := range o.Pulses {
		if f.Keep(p) {
			kept = append(kept, p)
		}
	}
	if len(kept) < f.MinCount {
		diagf("dropped %s/%s axis %d: %d of %d pulses kept, need %d",
			o.Tracker, o.Beacon, o.Axis, len(kept), len(o.Pulses), f.MinCount)
		return o, false
	}
	o.Pulses = kept
	return o, true
}
