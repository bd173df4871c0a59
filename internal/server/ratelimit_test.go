package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(4) // burst of 1

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterPerClientIsolation(t *testing.T) {
	rl := NewRateLimiter(4)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiterMinimumOfOne(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterPrunesStaleClients(t *testing.T) {
	rl := NewRateLimiter(60)

	rl.Allow("10.0.0.1")
	assert.Equal(t, 1, rl.Clients())

	// Age the entry past the stale window, then trigger a prune via a
	// request from a different client.
	rl.mu.Lock()
	rl.limiters["10.0.0.1"].lastSeen = time.Now().Add(-staleAfter - time.Minute)
	rl.mu.Unlock()

	rl.Allow("10.0.0.2")
	assert.Equal(t, 1, rl.Clients())
}
