package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })

	c.Advance(500 * time.Millisecond)
	require.Empty(t, order)
	require.Equal(t, 2, c.Pending())

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, epoch.Add(2500*time.Millisecond), c.Now())
	require.Zero(t, c.Pending())
}

func TestFake_StopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	require.False(t, fired)
}

func TestFake_CallbackSchedulesFollowUp(t *testing.T) {
	c := NewFake(epoch)
	var at []time.Time
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now())
		c.AfterFunc(time.Second, func() { at = append(at, c.Now()) })
	})

	c.Advance(5 * time.Second)
	require.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(2 * time.Second)}, at)
}

func TestReal_AfterFuncStops(t *testing.T) {
	timer := Real().AfterFunc(time.Hour, func() {})
	require.True(t, timer.Stop())
}
