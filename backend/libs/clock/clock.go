package clock

import (
	"sync"
	"time"
)

// Clock abstracts the wall clock so time-stamping components can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock reports the current time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock returns a settable instant. When a step is configured every Now call
// advances the clock by that amount after reading it.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFakeClock starts the fake clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now
	f.now = f.now.Add(f.step)
	return now
}

// Set moves the clock to t.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// SetStep makes every subsequent Now call advance the clock by d.
func (f *FakeClock) SetStep(d time.Duration) {
	f.mu.Lock()
	f.step = d
	f.mu.Unlock()
}
