package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdjustTracksSuccessEWMA(t *testing.T) {
	b := NewBook()

	b.Adjust("a1", true, 100*time.Millisecond)
	s := b.Get("a1")
	assert.InDelta(t, 1.0, s.EWMASuccess, 0.001)
	assert.Equal(t, 0, s.FailureStreak)

	b.Adjust("a1", false, 2*time.Second)
	s = b.Get("a1")
	assert.Less(t, s.EWMASuccess, 1.0)
	assert.Equal(t, 1, s.FailureStreak)

	b.Adjust("a1", false, 2*time.Second)
	assert.Equal(t, 2, b.Get("a1").FailureStreak)

	// A success resets the streak.
	b.Adjust("a1", true, 100*time.Millisecond)
	assert.Equal(t, 0, b.Get("a1").FailureStreak)
}

func TestUnknownAccountHasOptimisticPrior(t *testing.T) {
	b := NewBook()
	s := b.Get("new")
	assert.Equal(t, 1.0, s.EWMASuccess)
	assert.True(t, b.Healthy("new", 3))
}

func TestCompositeOrdersAccounts(t *testing.T) {
	b := NewBook()

	// a-good: fast and reliable. a-bad: slow with failures.
	for i := 0; i < 10; i++ {
		b.Adjust("a-good", true, 50*time.Millisecond)
		b.Adjust("a-bad", false, 5*time.Second)
	}

	good := b.Get("a-good").Composite(DefaultWeights)
	bad := b.Get("a-bad").Composite(DefaultWeights)
	assert.Greater(t, good, bad)
}

func TestHealthyCutoff(t *testing.T) {
	b := NewBook()
	for i := 0; i < 3; i++ {
		b.Adjust("a1", false, time.Second)
	}
	assert.False(t, b.Healthy("a1", 3))
	assert.True(t, b.Healthy("a1", 0), "zero cutoff disables the check")
}
