package backends

import (
	"sync"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// BreakerState is the state of one endpoint's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-endpoint breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before a probe is allowed
	HalfOpenMax      int           // probes allowed while half-open
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type endpointCircuit struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers tracks one circuit per remote endpoint.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*endpointCircuit
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers returns an empty breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{circuits: make(map[string]*endpointCircuit), cfg: cfg, now: time.Now}
}

// Allow returns nil when a request to endpoint may proceed.
func (b *Breakers) Allow(endpoint string) error {
	c := b.get(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.lastFailure) >= b.cfg.Cooldown {
			c.state = BreakerHalfOpen
			c.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeBackend,
			"circuit open for endpoint %s after %d consecutive failures", endpoint, c.failures).
			WithDetails(map[string]any{
				"endpoint":             endpoint,
				"consecutive_failures": c.failures,
				"cooldown_remaining":   (b.cfg.Cooldown - b.now().Sub(c.lastFailure)).String(),
			})
	case BreakerHalfOpen:
		if c.halfOpenAttempts >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeBackend, "circuit half-open for endpoint %s: probe in flight", endpoint)
		}
		c.halfOpenAttempts++
	}
	return nil
}

// Success closes the endpoint's circuit.
func (b *Breakers) Success(endpoint string) {
	c := b.get(endpoint)
	c.mu.Lock()
	c.failures = 0
	c.halfOpenAttempts = 0
	c.state = BreakerClosed
	c.mu.Unlock()
}

// Failure records a failed request and returns the resulting state.
func (b *Breakers) Failure(endpoint string) BreakerState {
	c := b.get(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = b.now()
	if c.state == BreakerHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = BreakerOpen
	}
	return c.state
}

// State returns the endpoint's current state.
func (b *Breakers) State(endpoint string) BreakerState {
	c := b.get(endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && b.now().Sub(c.lastFailure) >= b.cfg.Cooldown {
		c.state = BreakerHalfOpen
		c.halfOpenAttempts = 0
	}
	return c.state
}

func (b *Breakers) get(endpoint string) *endpointCircuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[endpoint]
	if !ok {
		c = &endpointCircuit{}
		b.circuits[endpoint] = c
	}
	return c
}
