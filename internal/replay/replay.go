package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/timeutil"
)

// maxLine bounds a single record.
const maxLine = 1 << 20

// Target receives replayed records. *recording.Controller satisfies it.
type Target interface {
	Observe(o session.Observation) bool
	Correct(c session.Correction) bool
	UpdateBeacon(b rig.Beacon)
	UpdateTracker(t rig.Tracker)
}

// Stats counts replayed records.
type Stats struct {
	Records     int
	Light       int
	Accepted    int
	Corrections int
	Devices     int
	// Span is the recording time covered by measurement records.
	Span time.Duration
}

// Replay decodes records from r and feeds them to t in order. With speed > 0
// the gaps between measurement timestamps are slept on clock, divided by
// speed; speed <= 0 replays as fast as possible. A malformed line stops the
// replay with an error naming it.
func Replay(ctx context.Context, r io.Reader, t Target, clock timeutil.Clock, speed float64) (Stats, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	var st Stats
	var first, prev time.Time
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return st, fmt.Errorf("line %d: %w", line, err)
		}
		if err := rec.Validate(); err != nil {
			return st, fmt.Errorf("line %d: %w", line, err)
		}

		if at := rec.Time(); !at.IsZero() {
			if first.IsZero() {
				first = at
			}
			if speed > 0 && !prev.IsZero() && at.After(prev) {
				clock.Sleep(time.Duration(float64(at.Sub(prev)) / speed))
			}
			if at.After(prev) {
				prev = at
			}
			st.Span = prev.Sub(first)
		}

		st.Records++
		switch rec.Type {
		case TypeLight:
			st.Light++
			if t.Observe(*rec.Light) {
				st.Accepted++
			}
		case TypeCorrection:
			if t.Correct(*rec.Correction) {
				st.Corrections++
			}
		case TypeLighthouse:
			st.Devices++
			t.UpdateBeacon(rec.Lighthouse.Beacon())
		case TypeTracker:
			st.Devices++
			t.UpdateTracker(rec.Tracker.RigTracker())
		}
		tracef("line %d: %s", line, rec.Type)
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read recording: %w", err)
	}
	diagf("replayed %d records (%d light, %d accepted, %d corrections, %d devices) spanning %v",
		st.Records, st.Light, st.Accepted, st.Corrections, st.Devices, st.Span)
	return st, nil
}
