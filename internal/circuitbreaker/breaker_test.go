package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New(threshold, open)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	assert.True(t, b.Allow("stripe"))

	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))
	assert.Equal(t, StateOpen, b.State("stripe"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))

	clock.Advance(time.Minute)
	assert.True(t, b.Allow("stripe"), "first request after open duration is a trial")
	assert.Equal(t, StateHalfOpen, b.State("stripe"))
	assert.False(t, b.Allow("stripe"), "only one trial in half-open")

	b.RecordSuccess("stripe")
	assert.Equal(t, StateClosed, b.State("stripe"))
	assert.True(t, b.Allow("stripe"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure("stripe")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("stripe"))

	b.RecordFailure("stripe")
	assert.Equal(t, StateOpen, b.State("stripe"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))
	assert.True(t, b.Allow("hmac"))
}

func TestExecute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")
	notFound := errors.New("not found")
	ignoreNotFound := func(err error) bool { return !errors.Is(err, notFound) }

	// Uncounted errors never trip the circuit.
	for i := 0; i < 5; i++ {
		err := b.Execute("stripe", ignoreNotFound, func() error { return notFound })
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, b.State("stripe"))

	_ = b.Execute("stripe", ignoreNotFound, func() error { return boom })
	_ = b.Execute("stripe", ignoreNotFound, func() error { return boom })

	called := false
	err := b.Execute("stripe", ignoreNotFound, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
