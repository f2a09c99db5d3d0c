package timeutil

import (
	"testing"
	"time"
)

func TestSnapshot_Elapsed(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Snapshot{Now: base.Add(1500 * time.Millisecond)}
	if got := s.Elapsed(base); got != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 1.5s", got)
	}
	if got := s.Elapsed(time.Time{}); got != 0 {
		t.Errorf("Elapsed(zero) = %v, want 0", got)
	}
}

func TestTake_UsesClock(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(at)
	if got := Take(c).Now; !got.Equal(at) {
		t.Errorf("Take().Now = %v, want %v", got, at)
	}
}

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AdvanceFiresAfter(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ch := c.After(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(1, 0)) {
			t.Errorf("After delivered %v, want 1s", got)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestMockClock_AfterNonPositive(t *testing.T) {
	c := NewMockClock(time.Unix(10, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)

	c.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewMockClock(start)
	c.Set(start.Add(3 * time.Second))
	if got := c.Since(start); got != 3*time.Second {
		t.Errorf("Since() = %v, want 3s", got)
	}
}
