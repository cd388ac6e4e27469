// Package recording decides when measurements are accepted and when the
// accumulated recording is handed to the bundle adjustment.
//
// A Controller moves between three states. Idle ignores measurements.
// Recording appends them to the session. Solving is entered from Recording
// by Trigger (or by the idle timer), closes the session and runs the solve;
// the session is cleared on the way back to Idle whatever the outcome.
package recording

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/rig"
	"github.com/banshee-data/deepdive/internal/session"
	"github.com/banshee-data/deepdive/internal/timeutil"
)

// State is the recording state.
type State int

const (
	Idle State = iota
	Recording
	Solving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Solving:
		return "solving"
	default:
		return "unknown"
	}
}

// Trigger responses.
const (
	MsgStarted  = "Recording started."
	MsgSolved   = "Recording stopped. Solution found."
	MsgUnsolved = "Recording stopped. Solution not found."
	MsgBusy     = "Solve in progress."
)

// Solver runs the bundle adjustment over a closed recording.
// *refine.Engine satisfies it.
type Solver interface {
	Solve(r *rig.Rig, snap session.Snapshot) (*refine.Result, error)
}

// Outcome describes one completed solve.
type Outcome struct {
	Started  time.Time
	Finished time.Time
	Stats    session.Stats
	// Result is nil when the solve failed before the optimizer ran.
	Result *refine.Result
	Err    error
}

// Success reports whether the solution was committed.
func (o Outcome) Success() bool {
	return o.Err == nil && o.Result != nil && o.Result.Rig != nil
}

// Sink receives every outcome after the rig has been updated.
type Sink interface {
	Emit(o Outcome) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(o Outcome) error

func (f SinkFunc) Emit(o Outcome) error { return f(o) }

// Config configures a Controller.
type Config struct {
	Filter session.Filter
	// IdleTimeout triggers a solve once no observation has been accepted
	// for this long while recording. Zero disables the timer.
	IdleTimeout time.Duration
	// Offline starts the controller in the Recording state.
	Offline bool
	Clock   timeutil.Clock
}

// Status is a point-in-time view of the controller.
type Status struct {
	State        string        `json:"state"`
	Observations int           `json:"observations"`
	Ingest       session.Stats `json:"ingest"`
	Solves       int           `json:"solves"`
	LastMessage  string        `json:"last_message,omitempty"`
	LastSolve    time.Time     `json:"last_solve,omitempty"`
	Beacons      []string      `json:"lighthouses"`
	Trackers     []string      `json:"trackers"`
}

// Controller owns the live rig and the current session.
type Controller struct {
	mu      sync.Mutex
	state   State
	rig     *rig.Rig
	session *session.Session
	solver  Solver
	sinks   []Sink
	clock   timeutil.Clock
	timeout time.Duration
	idle    timeutil.Timer
	armed   bool

	solves      int
	lastMessage string
	lastSolve   time.Time
	last        *Outcome
}

// New returns a controller that records into a fresh session gated by r
// and solves with s.
func New(r *rig.Rig, s Solver, cfg Config) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Controller{
		rig:     r,
		session: session.New(cfg.Filter, r),
		solver:  s,
		clock:   clock,
		timeout: cfg.IdleTimeout,
	}
	if c.timeout > 0 {
		c.idle = clock.NewTimer(c.timeout)
		c.idle.Stop()
	}
	r.OnNew(
		func(serial string) { opsf("Found lighthouse %s", serial) },
		func(serial string) { opsf("Found tracker %s", serial) },
	)
	if cfg.Offline {
		c.state = Recording
		opsf("offline mode: recording until %s without observations", c.timeout)
	}
	return c
}

// AddSink registers a sink for solve outcomes.
func (c *Controller) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Rig returns the live rig.
func (c *Controller) Rig() *rig.Rig { return c.rig }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Observe records o if the controller is recording and the pair is ready.
// Every accepted observation restarts the idle timer.
func (c *Controller) Observe(o session.Observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return false
	}
	if !c.session.AddObservation(o) {
		return false
	}
	if c.idle != nil {
		c.idle.Reset(c.timeout)
		c.armed = true
	}
	return true
}

// Correct records a reference pose if the controller is recording.
func (c *Controller) Correct(corr session.Correction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return false
	}
	c.session.AddCorrection(corr)
	return true
}

// UpdateBeacon inserts or replaces a lighthouse in the live rig.
func (c *Controller) UpdateBeacon(b rig.Beacon) {
	c.rig.UpsertBeacon(b)
}

// UpdateTracker inserts or replaces a tracker in the live rig.
func (c *Controller) UpdateTracker(t rig.Tracker) {
	c.rig.UpsertTracker(t)
}

// Trigger toggles recording. From Idle it starts a recording. From
// Recording it solves, commits a usable solution to the live rig, notifies
// the sinks and returns to Idle. ok is false only when the solve failed or
// another solve is still running.
func (c *Controller) Trigger() (ok bool, msg string) {
	c.mu.Lock()
	switch c.state {
	case Solving:
		c.mu.Unlock()
		return false, MsgBusy
	case Idle:
		c.session.Clear()
		c.state = Recording
		c.lastMessage = MsgStarted
		c.mu.Unlock()
		opsf("%s", MsgStarted)
		return true, MsgStarted
	}

	c.state = Solving
	c.stopIdle()
	snap := c.session.Snapshot()
	stats := c.session.Stats()
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	out := Outcome{Started: c.clock.Now(), Stats: stats}
	opsf("recording stopped: %d accepted, %d not ready, %d too few pulses, %d corrections",
		stats.Accepted, stats.NotReady, stats.TooFew, stats.Corrections)
	out.Result, out.Err = c.solver.Solve(c.rig, snap)
	out.Finished = c.clock.Now()

	msg = MsgUnsolved
	if out.Success() {
		c.rig.Commit(out.Result.Rig)
		msg = MsgSolved
	} else {
		if out.Err == nil {
			out.Err = refine.ErrUnusableSolution
		}
		opsf("solve failed: %v", out.Err)
	}
	for _, s := range sinks {
		if err := s.Emit(out); err != nil {
			opsf("emit: %v", err)
		}
	}

	c.mu.Lock()
	c.session.Clear()
	c.state = Idle
	c.solves++
	c.lastMessage = msg
	c.lastSolve = out.Finished
	c.last = &out
	c.mu.Unlock()
	opsf("%s (%s)", msg, out.Finished.Sub(out.Started).Round(time.Millisecond))
	return out.Success(), msg
}

func (c *Controller) stopIdle() {
	if c.idle != nil && c.armed {
		c.idle.Stop()
		c.armed = false
	}
}

// LastOutcome returns the most recent solve outcome.
func (c *Controller) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// Status summarizes the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.state.String(),
		Observations: c.session.Len(),
		Ingest:       c.session.Stats(),
		Solves:       c.solves,
		LastMessage:  c.lastMessage,
		LastSolve:    c.lastSolve,
		Beacons:      c.rig.BeaconSerials(),
		Trackers:     c.rig.TrackerSerials(),
	}
}

// ErrNoIdleTimer is returned by Run when the controller has no idle timeout.
var ErrNoIdleTimer = errors.New("recording: idle timeout disabled")

// Run triggers a solve each time the idle timer expires while recording.
// It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if c.idle == nil {
		return ErrNoIdleTimer
	}
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stopIdle()
			c.mu.Unlock()
			return ctx.Err()
		case <-c.idle.C():
			c.mu.Lock()
			c.armed = false
			recording := c.state == Recording
			c.mu.Unlock()
			if !recording {
				continue
			}
			diagf("no observations for %s, triggering", c.timeout)
			ok, msg := c.Trigger()
			diagf("idle trigger: ok=%t %s", ok, msg)
		}
	}
}
