package graphstore

import (
	"context"
	"sync"
)

// State is the load state of an adapter.
type State int

const (
	Uninitialized State = iota
	Loaded
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loaded:
		return "loaded"
	case Active:
		return "active"
	}
	return "unknown"
}

// Lifecycle is the plumbing every adapter shares: a lazy, idempotent load on
// first access and a persist hook that runs after each write when autoPersist
// is on. With autoPersist off, writes only mark the adapter dirty until Save.
type Lifecycle struct {
	mu          sync.Mutex
	state       State
	dirty       bool
	autoPersist bool
	load        func(ctx context.Context) error
	persist     func(ctx context.Context) error
}

// NewLifecycle returns a lifecycle in the Uninitialized state. Either hook may
// be nil.
func NewLifecycle(autoPersist bool, load, persist func(ctx context.Context) error) *Lifecycle {
	return &Lifecycle{autoPersist: autoPersist, load: load, persist: persist}
}

// EnsureLoaded runs the load hook once. A failed load leaves the lifecycle
// Uninitialized so the next call tries again.
func (l *Lifecycle) EnsureLoaded(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Uninitialized {
		return nil
	}
	if l.load != nil {
		if err := l.load(ctx); err != nil {
			return err
		}
	}
	l.state = Loaded
	return nil
}

// AfterWrite records a successful write and flushes it when autoPersist is on.
func (l *Lifecycle) AfterWrite(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = Active
	if !l.autoPersist {
		l.dirty = true
		return nil
	}
	return l.flushLocked(ctx)
}

// Save flushes buffered writes. It is a no-op when nothing is pending.
func (l *Lifecycle) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}
	return l.flushLocked(ctx)
}

func (l *Lifecycle) flushLocked(ctx context.Context) error {
	if l.persist != nil {
		if err := l.persist(ctx); err != nil {
			l.dirty = true
			return err
		}
	}
	l.dirty = false
	return nil
}

// State returns the current load state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Dirty reports whether writes are waiting for Save.
func (l *Lifecycle) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// AutoPersist reports whether writes are flushed immediately.
func (l *Lifecycle) AutoPersist() bool {
	return l.autoPersist
}
