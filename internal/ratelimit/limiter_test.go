package ratelimit

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestLimiterIsPerUser(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(3600, 2)
	l.now = func() time.Time { return now }

	ok, left, _ := l.Allow("alice")
	assert.Check(t, ok)
	assert.Check(t, is.Equal(left, 1))
	ok, _, _ = l.Allow("alice")
	assert.Check(t, ok)

	ok, _, wait := l.Allow("alice")
	assert.Check(t, !ok)
	assert.Check(t, is.Equal(wait, time.Second))

	ok, _, _ = l.Allow("bob")
	assert.Check(t, ok, "other users have their own bucket")

	now = now.Add(time.Second)
	ok, _, _ = l.Allow("alice")
	assert.Check(t, ok)
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		ok, _, _ := l.Allow("alice")
		assert.Assert(t, ok)
	}
}

func TestLimiterDropsIdleUsers(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(60, 5)
	l.now = func() time.Time { return now }

	l.Allow("alice")
	l.Allow("bob")
	assert.Check(t, is.Equal(l.Len(), 2))

	now = now.Add(2 * time.Hour)
	l.Allow("carol")
	assert.Check(t, is.Equal(l.Len(), 1))
}
