package circuit

import (
	"sort"
	"sync"
)

// Set holds one breaker per name, created on first use with shared settings.
type Set struct {
	config Config
	opts   []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set whose breakers use config and opts.
func NewSet(config Config, opts ...Option) *Set {
	return &Set{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.config, s.opts...)
		s.breakers[name] = b
	}
	return b
}

// States snapshots the state of every breaker created so far.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.State()
	}
	return out
}

// Names returns the breaker names in lexical order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnyOpen reports whether at least one breaker is not closed.
func (s *Set) AnyOpen() bool {
	for _, st := range s.States() {
		if st != Closed {
			return true
		}
	}
	return false
}
