package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestGuardLocksAfterThreshold(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	g := New(Config{Window: time.Minute, Threshold: 3, Lockout: 5 * time.Minute, Now: c.Now})

	g.RegisterFailure()
	g.RegisterFailure()
	assert.False(t, g.Locked())

	g.RegisterFailure()
	assert.True(t, g.Locked())

	c.now = c.now.Add(5*time.Minute + time.Second)
	assert.False(t, g.Locked())
}

func TestGuardForgetsOldFailures(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	g := New(Config{Window: time.Minute, Threshold: 3, Now: c.Now})

	g.RegisterFailure()
	g.RegisterFailure()
	c.now = c.now.Add(2 * time.Minute)
	g.RegisterFailure()
	assert.False(t, g.Locked())
}

func TestGuardReset(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	g := New(Config{Threshold: 2, Now: c.Now})

	g.RegisterFailure()
	g.Reset()
	g.RegisterFailure()
	assert.False(t, g.Locked())
}
