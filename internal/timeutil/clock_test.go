package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_AdvanceAndSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	if !clock.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("got %v, want %v", clock.Now(), start.Add(time.Hour))
	}
	if d := clock.Since(start); d != time.Hour {
		t.Errorf("Since() = %v, want 1h", d)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Sleep(time.Second)
	clock.Sleep(2 * time.Second)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("Sleeps() = %v, want [1s 2s]", sleeps)
	}
	if got := clock.Since(start); got != 3*time.Second {
		t.Errorf("clock moved %v, want 3s", got)
	}
}

func TestMockTimer_FiresAtDeadline(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(5 * time.Minute)

	clock.Advance(4 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("timer fired too early")
	default:
	}

	clock.Advance(time.Minute)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	if timer.Stop() {
		t.Error("Stop() after firing should report the timer was not armed")
	}
}

func TestMockTimer_Stop(t *testing.T) {
	clock := NewMockClock(time.Now())
	timer := clock.NewTimer(time.Minute)

	if !timer.Stop() {
		t.Error("Stop should return true for an armed timer")
	}
	clock.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Error("stopped timer should not fire")
	default:
	}
}

func TestMockTimer_ResetMovesDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(time.Minute)

	clock.Advance(50 * time.Second)
	if !timer.Reset(time.Minute) {
		t.Error("Reset of an armed timer should return true")
	}
	if want := start.Add(110 * time.Second); !timer.(*MockTimer).Deadline().Equal(want) {
		t.Errorf("deadline = %v, want %v", timer.(*MockTimer).Deadline(), want)
	}

	clock.Advance(30 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired at its original deadline after Reset")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at the reset deadline")
	}
}
