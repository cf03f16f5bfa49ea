package executor

import (
	"context"
	"math/rand"
	"net/http"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// backoffDelay returns the exponential delay for the given zero-based
// attempt, with +-25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d*3/4 + jitter
}

// sleepBackoff waits the attempt's delay unless the context ends first.
func sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(backoffDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableStatus reports whether an upstream HTTP status is worth another
// attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
