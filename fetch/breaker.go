package fetch

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when a host has failed too often and is not being contacted.
var ErrBreakerOpen = errors.New("fetch: circuit open for host")

// BreakerState is the state of a host breaker
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures the per-host breaker. A zero MaxFailures disables it.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive network failures before the host is skipped
	MaxFailures int
	// Cooldown is how long an open breaker waits before letting a probe through
	Cooldown time.Duration
	// SuccessThreshold is the number of consecutive probe successes needed to close again
	SuccessThreshold int
}

// DefaultBreakerConfig returns the configuration used when none is given
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker tracks consecutive failures for one host.
// Unlike a request wrapper it never imposes a deadline on the call itself.
type Breaker struct {
	config      BreakerConfig
	now         func() time.Time
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
}

// NewBreaker returns a closed breaker
func NewBreaker(config BreakerConfig) *Breaker {
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{config: config, now: time.Now}
}

// Allow reports whether a request may proceed. It must be paired with Done when it returns nil.
func (b *Breaker) Allow() error {
	if b.config.MaxFailures <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Done records the outcome of an allowed request
func (b *Breaker) Done(err error) {
	if b.config.MaxFailures <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.state = StateOpen
		}
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	default:
		b.failures = 0
	}
}

// Abandon releases an allowed request whose caller gave up, recording no outcome
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset manually closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.mu.Unlock()
}
