package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// redemptionRateLimiter tracks redemptions against unknown tokens per
// participant and enforces exponential backoff. Classified redemptions,
// flagged ones included, never count as failures.
type redemptionRateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 30 * time.Second
	// maxLockout caps the exponential backoff.
	maxLockout = 10 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newRedemptionRateLimiter(now func() time.Time) *redemptionRateLimiter {
	return &redemptionRateLimiter{
		now:      now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check returns true if the participant is currently locked out, along with
// how long the caller should wait.
func (rl *redemptionRateLimiter) check(participantID string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[participantID]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, participantID)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once maxFailures is reached.
func (rl *redemptionRateLimiter) recordFailure(participantID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[participantID]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[participantID] = rec
	}
	rec.failures++
	rec.lastFailure = rl.now()

	if rec.failures >= maxFailures {
		// baseLockout * 2^(failures - maxFailures)
		shift := rec.failures - maxFailures
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

// recordSuccess resets the failure counter after a classified redemption.
func (rl *redemptionRateLimiter) recordSuccess(participantID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, participantID)
}

// sweep removes expired records.
func (rl *redemptionRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
		}
	}
}

func (rl *redemptionRateLimiter) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many unknown-token redemptions; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
