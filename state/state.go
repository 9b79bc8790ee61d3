// Package state holds the observable SSH connection state shared with the UI.
package state

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Config is the fixed set of connection parameters.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Addr())
}

// DefaultConfig is the config a store is seeded with when none is supplied.
func DefaultConfig() Config {
	return Config{
		Host:     "100.98.93.96",
		Port:     22,
		Username: "opc",
	}
}

// ConnectionState is a snapshot of the last known connection liveness.
type ConnectionState struct {
	IsConnected bool   `json:"isConnected"`
	Config      Config `json:"config"`
}

// Subscriber receives the state after every update.
type Subscriber func(ConnectionState)

type subscription struct {
	id uint64
	fn Subscriber
}

// Store is a publish/subscribe container for ConnectionState.
//
// Only one goroutine delivers notifications at a time. A write that lands while
// another goroutine is delivering is handed to that goroutine, which restarts
// its round with the latest value, so every subscriber ends on the most recent
// write.
type Store struct {
	mu          sync.Mutex
	value       ConnectionState
	config      Config
	subs        []subscription
	nextID      uint64
	version     uint64
	dispatching bool
	pending     bool
}

// NewConnectionStore returns a store seeded with DefaultConfig and not connected.
func NewConnectionStore() *Store {
	return New(DefaultConfig())
}

// New returns a store seeded with cfg and not connected.
func New(cfg Config) *Store {
	return &Store{
		value:  ConnectionState{IsConnected: false, Config: cfg},
		config: cfg,
	}
}

// Get returns the current state.
func (s *Store) Get() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Len returns the number of active subscriptions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscribe calls fn with the current state and again on every update.
// The returned function removes the subscription; calling it more than once is a no-op.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	current, seen := s.value, s.version
	owner := !s.dispatching
	if owner {
		s.dispatching = true
	}
	s.mu.Unlock()

	fn(current)

	s.mu.Lock()
	switch {
	case owner && s.pending:
		s.dispatchLocked()
	case owner:
		s.dispatching = false
		s.mu.Unlock()
	case s.version == seen:
		s.mu.Unlock()
	case s.dispatching:
		// the dispatcher may have raced ahead of fn(current); resend
		s.pending = true
		s.mu.Unlock()
	default:
		s.dispatching = true
		s.dispatchLocked()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Set replaces the connection flag from st. The config is kept as constructed.
func (s *Store) Set(st ConnectionState) {
	s.Update(func(ConnectionState) ConnectionState { return st })
}

// SetConnected updates only the connection flag.
func (s *Store) SetConnected(connected bool) {
	s.Update(func(st ConnectionState) ConnectionState {
		st.IsConnected = connected
		return st
	})
}

// Update applies fn to the current state and notifies every subscriber, even
// when the result equals the previous state.
// fn runs with the store locked and must not call back into the store.
func (s *Store) Update(fn func(ConnectionState) ConnectionState) {
	s.mu.Lock()
	next := fn(s.value)
	next.Config = s.config
	s.value = next
	s.version++

	if s.dispatching {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.dispatchLocked()
}

// dispatchLocked delivers the latest value to every subscriber until no write
// is pending. It is called with s.mu held and s.dispatching set, and returns
// with s.mu released.
func (s *Store) dispatchLocked() {
	for {
		s.pending = false
		value := s.value
		subs := make([]subscription, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		for _, sub := range subs {
			if s.isPending() {
				break
			}
			sub.fn(value)
		}

		s.mu.Lock()
		if !s.pending {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Store) isPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
