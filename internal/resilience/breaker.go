package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitOpenError is returned when a call is blocked by an open breaker.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// BreakerConfig holds per-breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count in closed state
	// that trips the breaker open.
	FailureThreshold int

	// Timeout is how long the breaker stays open before the next call
	// attempt transitions it to half-open.
	Timeout time.Duration

	// HalfOpenMaxCalls caps concurrent probe calls in half-open state.
	HalfOpenMaxCalls int

	// SuccessThreshold is the probe-success count in half-open state that
	// closes the breaker.
	SuccessThreshold int

	// OnStateChange is invoked after every state transition.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the thresholds used when none are supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// BreakerStats is a snapshot of one breaker's counters.
type BreakerStats struct {
	Name            string       `json:"name"`
	State           string       `json:"state"`
	TotalCalls      int64        `json:"total_calls"`
	SuccessfulCalls int64        `json:"successful_calls"`
	FailedCalls     int64        `json:"failed_calls"`
	BlockedCalls    int64        `json:"blocked_calls"`
	TimesOpened     int64        `json:"times_opened"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	OpenedAt        time.Time    `json:"opened_at,omitempty"`
}

// Breaker guards one named external resource with the closed/open/half-open
// state machine. All transitions happen atomically with respect to the call
// that triggers them; the underlying error of a failed call is propagated
// unwrapped so callers keep their error kinds.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	halfOpenCalls int
	openedAt      time.Time

	total       int64
	successful  int64
	failed      int64
	blocked     int64
	timesOpened int64
	lastFailure time.Time

	now func() time.Time // test seam
}

// NewBreaker creates a breaker with the given config. Zero-valued config
// fields fall back to DefaultBreakerConfig.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half-open timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Do runs fn under the breaker. When the breaker is open the call fails
// fast with *CircuitOpenError; otherwise fn's error is returned as-is.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:            b.name,
		State:           b.currentState().String(),
		TotalCalls:      b.total,
		SuccessfulCalls: b.successful,
		FailedCalls:     b.failed,
		BlockedCalls:    b.blocked,
		TimesOpened:     b.timesOpened,
		LastFailureTime: b.lastFailure,
		OpenedAt:        b.openedAt,
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		b.blocked++
		remaining := b.cfg.Timeout - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &CircuitOpenError{Name: b.name, Remaining: remaining}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.blocked++
			return &CircuitOpenError{Name: b.name, Remaining: 0}
		}
		b.halfOpenCalls++
	}

	b.total++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if success {
		b.successful++
		switch state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.failed++
	b.lastFailure = b.now()
	switch state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// currentState lazily applies the open→half-open timeout. Caller holds mu.
func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition moves to a new state and resets per-state counters. Caller
// holds mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.timesOpened++
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenCalls = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry maps breaker names to process-wide breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the named breaker, creating it with the default config on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Stats snapshots every registered breaker.
func (r *Registry) Stats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
