package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	clock := NewFake(time.Unix(1000, 0))
	var fired []string

	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clock.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, time.Unix(1003, 0), clock.Now())
	assert.Len(t, clock.Pending(), 1)
}

func TestFake_StopPreventsFire(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	called := false
	h := clock.AfterFunc(time.Second, func() { called = true })

	require.True(t, h.Stop())
	assert.False(t, h.Stop())
	clock.Advance(time.Minute)
	assert.False(t, called)
}

func TestFake_CallbackCanRearm(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(10*time.Second, tick)
	}
	clock.AfterFunc(10*time.Second, tick)

	clock.Advance(35 * time.Second)
	assert.Equal(t, 3, count)
}

func TestFake_SleepAdvancesWithoutFiring(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	called := false
	clock.AfterFunc(time.Second, func() { called = true })

	require.NoError(t, clock.Sleep(context.Background(), 5*time.Second))
	assert.False(t, called)
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.Slept())
}

func TestChain_ArmReplacesAndCancel(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	chain := NewChain(clock)
	var fired []int

	chain.Arm(time.Second, func() { fired = append(fired, 1) })
	chain.Arm(2*time.Second, func() { fired = append(fired, 2) })
	clock.Advance(3 * time.Second)
	assert.Equal(t, []int{2}, fired)

	chain.Cancel()
	assert.True(t, chain.Cancelled())
	assert.False(t, chain.Arm(time.Second, func() { fired = append(fired, 3) }))
	clock.Advance(time.Minute)
	assert.Equal(t, []int{2}, fired)
}
