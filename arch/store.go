package arch

import "fmt"

// Store is the fixed-size set of Contexts, one per logical processor. The
// count is fixed when the Store is built; Contexts are created lazily by the
// host, in order.
type Store struct {
	contexts []*Context
	created  int
}

// NewStore creates a Store for count logical processors.
func NewStore(count int) *Store {
	if count <= 0 {
		panic(fmt.Sprintf("arch: context count must be positive, got %d", count))
	}
	return &Store{contexts: make([]*Context, count)}
}

// Create allocates the next Context. It panics when called more times than
// there are processors.
func (s *Store) Create() *Context {
	if s.created >= len(s.contexts) {
		panic(fmt.Sprintf("arch: all %d contexts already created", len(s.contexts)))
	}
	ctx := NewContext(s.created)
	s.contexts[s.created] = ctx
	s.created++
	return ctx
}

// Count returns the configured number of processors.
func (s *Store) Count() int {
	return len(s.contexts)
}

// Created returns how many Contexts exist so far.
func (s *Store) Created() int {
	return s.created
}

// Get returns Context id, or nil if it has not been created yet. It panics
// for an id outside the processor count.
func (s *Store) Get(id int) *Context {
	if id < 0 || id >= len(s.contexts) {
		panic(fmt.Sprintf("arch: context %d out of range [0, %d)", id, len(s.contexts)))
	}
	return s.contexts[id]
}

// All returns the created Contexts in ID order.
func (s *Store) All() []*Context {
	return s.contexts[:s.created]
}

// SwitchAllToSimulation hands every Context to the simulation side. last,
// if not nil, is switched after all others.
func (s *Store) SwitchAllToSimulation(last *Context) {
	for _, ctx := range s.All() {
		if ctx != last {
			ctx.SwitchToSimulation()
		}
	}
	if last != nil {
		last.SwitchToSimulation()
	}
}

// SwitchAllToFunctional hands every Context to the functional engine. last,
// if not nil, is switched after all others.
func (s *Store) SwitchAllToFunctional(last *Context) {
	for _, ctx := range s.All() {
		if ctx != last {
			ctx.SwitchToFunctional()
		}
	}
	if last != nil {
		last.SwitchToFunctional()
	}
}
