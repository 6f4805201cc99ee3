package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a one-shot timer armed by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a manually driven clock. Timers armed through AfterFunc fire
// synchronously from Advance/Set, in deadline order, on the caller's goroutine.
type MockClock struct {
	mu      sync.Mutex
	NowTime time.Time
	timers  []*mockTimer
	seq     int
}

func NewMock(now time.Time) *MockClock {
	return &MockClock{NowTime: now}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- m.Now().Add(d)
	return ch
}

func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &mockTimer{clock: m, at: m.NowTime.Add(d), fn: f, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

func (m *MockClock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to now and fires every timer due at or before it.
func (m *MockClock) Set(now time.Time) {
	for {
		m.mu.Lock()
		if now.Before(m.NowTime) {
			now = m.NowTime
		}
		t := m.popDue(now)
		if t == nil {
			m.NowTime = now
			m.mu.Unlock()
			return
		}
		if t.at.After(m.NowTime) {
			m.NowTime = t.at
		}
		m.mu.Unlock()
		t.fn()
	}
}

// Pending returns the number of armed timers.
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// NextDeadline returns the earliest armed timer deadline.
func (m *MockClock) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return time.Time{}, false
	}
	m.sortTimers()
	return m.timers[0].at, true
}

func (m *MockClock) popDue(now time.Time) *mockTimer {
	if len(m.timers) == 0 {
		return nil
	}
	m.sortTimers()
	t := m.timers[0]
	if t.at.After(now) {
		return nil
	}
	m.timers = m.timers[1:]
	return t
}

func (m *MockClock) sortTimers() {
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
}

type mockTimer struct {
	clock *MockClock
	at    time.Time
	fn    func()
	seq   int
}

func (t *mockTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}
