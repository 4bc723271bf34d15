package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter(t *testing.T) {
	t.Run("should allow requests within the burst", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(1, 5, 10)
		for i := 0; i < 5; i++ {
			allowed, reason := limiter.Acquire()
			assert.True(t, allowed, reason)
			limiter.Release()
		}
	})

	t.Run("should refuse once the bucket is empty", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0.001, 2, 10)
		for i := 0; i < 2; i++ {
			allowed, _ := limiter.Acquire()
			assert.True(t, allowed)
			limiter.Release()
		}

		allowed, reason := limiter.Acquire()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("should cap concurrent requests", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 100, 2)
		allowed, _ := limiter.Acquire()
		assert.True(t, allowed)
		allowed, _ = limiter.Acquire()
		assert.True(t, allowed)

		allowed, reason := limiter.Acquire()
		assert.False(t, allowed)
		assert.Equal(t, "too many concurrent requests", reason)

		limiter.Release()
		allowed, _ = limiter.Acquire()
		assert.True(t, allowed)
		assert.Equal(t, 2, limiter.InFlight())
	})

	t.Run("should not go negative on extra releases", func(t *testing.T) {
		limiter := NewClientRateLimiter()
		limiter.Release()
		assert.Equal(t, 0, limiter.InFlight())
	})

	t.Run("should disable the bucket for a non-positive rate", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0, 1, 1000)
		for i := 0; i < 100; i++ {
			allowed, _ := limiter.Acquire()
			assert.True(t, allowed)
			limiter.Release()
		}
	})

	t.Run("should apply updated limits", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 100, 1)
		allowed, _ := limiter.Acquire()
		assert.True(t, allowed)

		limiter.UpdateLimits(100, 100, 2)
		allowed, _ = limiter.Acquire()
		assert.True(t, allowed)
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0, 1, 1000)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := limiter.Acquire(); ok {
					limiter.Release()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, limiter.InFlight())
	})
}
