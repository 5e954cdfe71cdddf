// Package retry implements exponential backoff with jitter and a
// per-identifier circuit breaker, shared by TunnelManager (spawn
// retries) and the client side of ConnectionManager (dial retries).
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Policy implements exponential backoff with jitter and a simple circuit breaker.
type Policy struct {
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64

	mu       sync.Mutex
	failures map[string]int
	state    map[string]CircuitState
}

// NewPolicy creates a new Policy with sane defaults.
func NewPolicy() *Policy {
	return &Policy{
		MaxRetries:        5,
		BaseBackoff:       100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
		failures:          make(map[string]int),
		state:             make(map[string]CircuitState),
	}
}

// ShouldRetry returns whether another attempt should be made.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return true
}

// NextBackoff calculates the next backoff duration given the attempt count and an RTT hint.
func (p *Policy) NextBackoff(attempt int, rttHint time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := float64(p.BaseBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if rttHint > 0 {
		backoff = math.Max(backoff, float64(rttHint))
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	jitter := backoff * p.JitterFactor * (rand.Float64()*2 - 1) // +/- jitterFactor
	backoff += jitter
	if backoff < float64(p.BaseBackoff) {
		backoff = float64(p.BaseBackoff)
	}
	return time.Duration(backoff)
}

// RecordSuccess resets failure count and closes the circuit for identifier.
func (p *Policy) RecordSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, id)
	p.state[id] = CircuitClosed
}

// RecordFailure increments failure count and may open the circuit.
func (p *Policy) RecordFailure(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[id]++
	if p.failures[id] > p.MaxRetries {
		p.state[id] = CircuitOpen
	}
}

// CircuitStateFor returns the current circuit state for identifier.
func (p *Policy) CircuitStateFor(id string) CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[id]; ok {
		return s
	}
	return CircuitClosed
}
