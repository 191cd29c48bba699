package warmup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapForDay(t *testing.T) {
	assert.Equal(t, 50, CapForDay(1))
	assert.Equal(t, 250, CapForDay(7))
	assert.Equal(t, 1000, CapForDay(14))
	assert.Equal(t, 25000, CapForDay(30))
	assert.Equal(t, 50000, CapForDay(31), "graduated accounts cap at the final volume")
}

func TestCanSendRespectsDailyCap(t *testing.T) {
	c := NewController(true)
	c.SetPlan("a1", 1) // day 1, cap 50

	for i := 0; i < 50; i++ {
		assert.True(t, c.CanSend("a1"), "send %d within cap", i+1)
		c.OnSend("a1")
	}
	assert.False(t, c.CanSend("a1"), "cap exhausted")

	remaining, cap := c.Remaining("a1")
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 50, cap)
}

func TestAccountsWithoutPlanAreUnlimited(t *testing.T) {
	c := NewController(true)
	assert.True(t, c.CanSend("unknown"))
	c.OnSend("unknown") // no-op, must not panic
	assert.True(t, c.CanSend("unknown"))
}

func TestDisabledControllerAlwaysAllows(t *testing.T) {
	c := NewController(false)
	c.SetPlan("a1", 1)
	for i := 0; i < 100; i++ {
		c.OnSend("a1")
	}
	assert.True(t, c.CanSend("a1"))
}

func TestAdvanceMovesDayAndResetsCounters(t *testing.T) {
	c := NewController(true)
	c.SetPlan("a1", 2) // cap 50
	for i := 0; i < 50; i++ {
		c.OnSend("a1")
	}
	assert.False(t, c.CanSend("a1"))

	c.Advance()

	assert.Equal(t, 3, c.Day("a1"))
	assert.True(t, c.CanSend("a1"))
	remaining, cap := c.Remaining("a1")
	assert.Equal(t, 100, cap, "day 3 cap")
	assert.Equal(t, 100, remaining)
}

func TestRestore(t *testing.T) {
	c := NewController(true)
	c.Restore("a1", 5, 240) // day 5, cap 250, 240 already sent

	assert.True(t, c.CanSend("a1"))
	remaining, _ := c.Remaining("a1")
	assert.Equal(t, 10, remaining)
}
