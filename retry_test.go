package boreal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextSleepTime(t *testing.T) {
	t.Run("Stays within bounds", func(t *testing.T) {
		sleep := 1.0
		for i := 0; i < 1000; i++ {
			sleep = NextSleepTime(1, 16, sleep)
			assert.GreaterOrEqual(t, sleep, 0.0)
			assert.LessOrEqual(t, sleep, 16.0)
		}
	})

	t.Run("Caps at the ceiling", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			assert.LessOrEqual(t, NextSleepTime(1, 16, 1000), 16.0)
		}
	})

	t.Run("Zero previous sleep never goes negative", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			assert.GreaterOrEqual(t, NextSleepTime(1, 16, 0), 0.0)
		}
	})
}

func TestJitteredSleepTime(t *testing.T) {
	t.Run("Accumulates elapsed time", func(t *testing.T) {
		sleep, elapsed := JitteredSleepTime(1, 1, 0, 300)
		assert.Equal(t, sleep, elapsed)

		_, elapsed2 := JitteredSleepTime(2, sleep, elapsed, 300)
		assert.Greater(t, elapsed2, elapsed)
	})

	t.Run("Cumulative cap is honored", func(t *testing.T) {
		var (
			sleep   float64 = 1
			elapsed float64
		)
		for retry := 1; retry <= 20; retry++ {
			sleep, elapsed = JitteredSleepTime(retry, sleep, elapsed, 30)
			assert.LessOrEqual(t, elapsed, 30.0)
		}
		// Once the budget is exhausted the next sleep is non-positive.
		next, _ := JitteredSleepTime(21, sleep, 30, 30)
		assert.LessOrEqual(t, next, 0.0)
	})

	t.Run("Zero timeout means unlimited", func(t *testing.T) {
		sleep, elapsed := JitteredSleepTime(10, 512, 10000, 0)
		assert.Greater(t, sleep, 0.0)
		assert.Greater(t, elapsed, 10000.0)
	})

	t.Run("Jitter keeps the sleep near the exponential candidate", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			sleep, _ := JitteredSleepTime(4, 8, 0, 0)
			// current=8, candidate=16, jitter within ±4 of either bound.
			assert.GreaterOrEqual(t, sleep, 4.0)
			assert.LessOrEqual(t, sleep, 20.0)
		}
	})
}

func TestIsRetryableStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		retry403 bool
		want     bool
	}{
		{"500 retries", 500, false, true},
		{"503 retries", 503, false, true},
		{"599 retries", 599, false, true},
		{"600 does not retry", 600, false, false},
		{"408 retries", 408, false, true},
		{"429 retries", 429, false, true},
		{"403 does not retry by default", 403, false, false},
		{"403 retries when opted in", 403, true, true},
		{"404 does not retry", 404, false, false},
		{"401 does not retry", 401, false, false},
		{"200 does not retry", 200, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableStatusCode(tt.code, tt.retry403))
		})
	}
}
