// Package clock abstracts time so liveness and staleness logic can be
// tested deterministically — a fake clock advances past a timeout without
// sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// System is the wall-clock implementation used in production.
type System struct{}

// NewSystem returns a wall-clock backed Clock.
func NewSystem() *System { return &System{} }

// Now returns the current wall-clock time in UTC.
func (*System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced Clock for tests. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned to the given start time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to an absolute time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
