// Package breaker implements a process-local circuit breaker keyed by
// provider name. State is intentionally lossy on restart: the cost of
// rebuilding it is one extra failed call before reopening.
package breaker

import (
	"sync"
	"time"
)

// State of a single provider's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type providerHealth struct {
	failures    int
	lastFailure time.Time
	state       State
}

// Breaker tracks provider health independently per provider.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	providers map[string]*providerHealth
}

// Option tweaks breaker construction.
type Option func(*Breaker)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a breaker that opens after maxFailures consecutive failures and
// permits a half-open probe once resetTimeout has elapsed.
func New(maxFailures int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		providers:    make(map[string]*providerHealth),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsOpen reports whether calls to the provider should be short-circuited.
// Once the reset timeout has passed the circuit flips to half-open and
// exactly one probing call is permitted through the normal call path; other
// callers stay short-circuited until that probe's RecordSuccess or
// RecordFailure decides the outcome.
func (b *Breaker) IsOpen(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.providers[provider]
	if !ok || h.state == StateClosed {
		return false
	}
	if h.state == StateHalfOpen {
		// A probe is already in flight.
		return true
	}
	if b.now().Sub(h.lastFailure) >= b.resetTimeout {
		h.state = StateHalfOpen
		return false
	}
	return true
}

// RecordFailure counts a consecutive failure, opening the circuit at the
// threshold. A failure during half-open reopens immediately.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.health(provider)
	h.failures++
	h.lastFailure = b.now()
	if h.state == StateHalfOpen || h.failures >= b.maxFailures {
		h.state = StateOpen
	}
}

// RecordSuccess resets the provider to closed with a zero failure count.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.health(provider)
	h.failures = 0
	h.state = StateClosed
}

// StateOf returns the current state for observability endpoints.
func (b *Breaker) StateOf(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.providers[provider]
	if !ok {
		return StateClosed
	}
	return h.state
}

func (b *Breaker) health(provider string) *providerHealth {
	h, ok := b.providers[provider]
	if !ok {
		h = &providerHealth{state: StateClosed}
		b.providers[provider] = h
	}
	return h
}
