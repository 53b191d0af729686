package logging

import (
	"sync"
	"time"
)

// RateLimited wraps a Logger and suppresses repeats of the same keyed event
// within a per-key interval. State is scoped to the wrapper, so one instance
// per device session keeps deduplication local to that device. Suppressed
// occurrences are counted and reported on the next emitted line.
type RateLimited struct {
	logger Logger

	mu      sync.Mutex
	last    map[string]time.Time
	dropped map[string]int

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimited creates a rate-limited wrapper around logger.
func NewRateLimited(logger Logger) *RateLimited {
	return &RateLimited{
		logger:  logger,
		last:    make(map[string]time.Time),
		dropped: make(map[string]int),
		now:     time.Now,
	}
}

// Log emits msg at the given level unless an event with the same key was
// emitted less than interval ago. A non-positive interval disables limiting
// for this call.
func (r *RateLimited) Log(key string, level Level, interval time.Duration, msg string, fields ...Field) {
	if interval <= 0 {
		r.logger.Log(level, msg, fields...)
		return
	}

	r.mu.Lock()
	now := r.now()
	if last, ok := r.last[key]; ok && now.Sub(last) < interval {
		r.dropped[key]++
		r.mu.Unlock()
		return
	}
	r.last[key] = now
	dropped := r.dropped[key]
	r.dropped[key] = 0
	r.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, Int("suppressed", dropped))
	}
	r.logger.Log(level, msg, fields...)
}

// Reset clears the limiter state for a key, so the next occurrence is
// emitted immediately.
func (r *RateLimited) Reset(key string) {
	r.mu.Lock()
	delete(r.last, key)
	delete(r.dropped, key)
	r.mu.Unlock()
}
