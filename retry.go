package boreal

import (
	"math"
	"math/rand"
)

// NextSleepTime computes the next sleep duration, in seconds, for a retry
// using exponential backoff with decorrelated jitter: the next delay is
// randomized between the base and three times the previous delay, capped,
// so that competing retriers desynchronize.
//
// For all base <= cap and previousSleep >= 0 the result is in [0, cap].
func NextSleepTime(base, cap, previousSleep float64) float64 {
	sleep := base + rand.Float64()*(previousSleep*3-base)
	if sleep > cap {
		sleep = cap
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// JitteredSleepTime computes the next sleep duration, in seconds, for a retry
// using exponential backoff with symmetric jitter. The candidate sleep is
// 2^retryCount; a jitter term of up to half the current sleep is added to
// both the current and candidate sleep, and a uniformly random value between
// them is chosen. The result is capped so that the cumulative elapsed time
// never exceeds maxRetryTimeout (0 means unlimited).
//
// It returns the chosen sleep and the updated cumulative elapsed time.
func JitteredSleepTime(retryCount int, currentSleep, totalElapsed, maxRetryTimeout float64) (float64, float64) {
	sleep := nextExponentialSleep(retryCount, currentSleep)
	if maxRetryTimeout != 0 {
		sleep = math.Min(maxRetryTimeout-totalElapsed, sleep)
	}
	totalElapsed += sleep
	return sleep, totalElapsed
}

func nextExponentialSleep(retryCount int, currentSleep float64) float64 {
	candidate := math.Pow(2, float64(retryCount))
	return chooseRandom(currentSleep+jitter(currentSleep), candidate+jitter(currentSleep))
}

// chooseRandom picks a uniformly random value between two numbers, in either
// order.
func chooseRandom(a, b float64) float64 {
	return rand.Float64()*(a-b) + b
}

func jitter(currentSleep float64) float64 {
	return 0.5 * currentSleep * chooseRandom(1, -1)
}

// isRetryableStatusCode reports whether an HTTP status code indicates a
// retryable condition. 403 is only retried when the caller opts in: cloud
// storage occasionally returns transient 403s for result chunks.
func isRetryableStatusCode(statusCode int, retry403 bool) bool {
	return (statusCode >= 500 && statusCode < 600) ||
		statusCode == 408 ||
		statusCode == 429 ||
		(retry403 && statusCode == 403)
}
