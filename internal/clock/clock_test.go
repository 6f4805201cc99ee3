package clock

import (
	"testing"
	"time"
)

func TestMockClock_AdvanceFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	c := NewMock(start)

	var fired []string
	c.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })
	c.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	c.AfterFunc(50*time.Millisecond, func() { fired = append(fired, "c") })

	c.Advance(25 * time.Millisecond)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(25 * time.Millisecond)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(25*time.Millisecond))
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestMockClock_TimerSeesItsOwnDeadline(t *testing.T) {
	start := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	c := NewMock(start)

	var seen time.Time
	c.AfterFunc(10*time.Millisecond, func() { seen = c.Now() })
	c.Advance(time.Second)

	if !seen.Equal(start.Add(10 * time.Millisecond)) {
		t.Errorf("callback saw %v, want %v", seen, start.Add(10*time.Millisecond))
	}
}

func TestMockClock_Stop(t *testing.T) {
	c := NewMock(time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC))

	called := false
	timer := c.AfterFunc(time.Millisecond, func() { called = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false, want true for armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	c.Advance(time.Second)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestMockClock_CallbackCanRearm(t *testing.T) {
	c := NewMock(time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC))

	count := 0
	var arm func()
	arm = func() {
		c.AfterFunc(10*time.Millisecond, func() {
			count++
			if count < 3 {
				arm()
			}
		})
	}
	arm()

	c.Advance(100 * time.Millisecond)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	RealClock{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
