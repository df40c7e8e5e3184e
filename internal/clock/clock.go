// Package clock provides the time source and id generator used across the
// engine, injectable so tests can pin both.
package clock

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and unique identifiers
type Clock interface {
	Now() time.Time
	NewID() string
}

// System is the production clock: wall time in UTC and random UUIDs
type System struct{}

// Now returns the current time in UTC
func (System) Now() time.Time { return time.Now().UTC() }

// NewID returns a fresh UUID string
func (System) NewID() string { return uuid.New().String() }

// Fake is a deterministic clock for tests. Each Now advances by Step so
// ordered writes get strictly increasing timestamps. Safe for concurrent
// use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
	nextID  int
}

// NewFake returns a fake clock starting at t with 1ms steps
func NewFake(t time.Time) *Fake {
	return &Fake{current: t, step: time.Millisecond}
}

// Now returns the current fake time and advances it by Step
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.current
	f.current = f.current.Add(f.step)
	return now
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// NewID returns a sequential id ("id-1", "id-2", ...)
func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "id-" + strconv.Itoa(f.nextID)
}
