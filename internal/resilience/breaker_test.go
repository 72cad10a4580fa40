package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// testClock lets tests advance the breaker's view of time.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *testClock) {
	b := NewBreaker("test", cfg)
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func tripOpen(t *testing.T, b *Breaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		err := b.Do(func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Timeout: time.Minute})

	require.Equal(t, StateClosed, b.State())
	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errBackend })
		assert.Equal(t, StateClosed, b.State())
	}
	_ = b.Do(func() error { return errBackend })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	tripOpen(t, b, 1)

	called := false
	err := b.Do(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)

	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "test", open.Name)
	assert.Greater(t, open.Remaining, time.Duration(0))
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Timeout: 30 * time.Second})
	tripOpen(t, b, 1)

	clock.advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1, Timeout: time.Second,
		HalfOpenMaxCalls: 3, SuccessThreshold: 2,
	})
	tripOpen(t, b, 1)
	clock.advance(time.Second)

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	tripOpen(t, b, 1)
	clock.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(func() error { return errBackend })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCapsHalfOpenProbes(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1, Timeout: time.Second,
		HalfOpenMaxCalls: 1, SuccessThreshold: 5,
	})
	tripOpen(t, b, 1)
	clock.advance(time.Second)

	require.NoError(t, b.Do(func() error { return nil }))

	// Probe budget spent; further calls are blocked until close or reopen.
	err := b.Do(func() error { return nil })
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestBreakerPropagatesErrorsUnwrapped(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5, Timeout: time.Minute})
	wrapped := Errorf(KindNotFound, "no such workflow")

	err := b.Do(func() error { return wrapped })
	assert.Equal(t, wrapped, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestBreakerStatsCounters(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 2, Timeout: time.Second})

	require.NoError(t, b.Do(func() error { return nil }))
	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return errBackend }) // trips open
	_ = b.Do(func() error { return nil })        // blocked

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.SuccessfulCalls)
	assert.Equal(t, int64(2), stats.FailedCalls)
	assert.Equal(t, int64(1), stats.BlockedCalls)
	assert.Equal(t, int64(1), stats.TimesOpened)
	assert.Equal(t, "OPEN", stats.State)
	assert.False(t, stats.LastFailureTime.IsZero())

	// Reopen after a half-open failure bumps the open counter again.
	clock.advance(time.Second)
	_ = b.Do(func() error { return errBackend })
	assert.Equal(t, int64(2), b.Stats().TimesOpened)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{
		FailureThreshold: 1, Timeout: time.Second, SuccessThreshold: 1,
		OnStateChange: func(name string, from, to BreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}
	b, clock := newTestBreaker(cfg)

	tripOpen(t, b, 1)
	clock.advance(time.Second)
	require.NoError(t, b.Do(func() error { return nil }))

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestRegistryReturnsSameInstancePerName(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())
	a := r.Get("robot-7")
	b := r.Get("robot-7")
	c := r.Get("robot-8")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.Stats(), 2)
}
