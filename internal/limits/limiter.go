// Package limits holds the in-memory rate limiter and the streaming
// concurrency governor. Both are process-local and reset on restart;
// losing their state costs nothing beyond a transient quota reset.
package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/delegatehq/orchestrator/internal/domain"
)

const cleanupInterval = time.Minute

// Limiter tracks sliding windows of operation timestamps keyed by
// actor-plus-operation, and token buckets for per-agent request ceilings.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	buckets map[string]*rate.Limiter

	agentRPM int
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type window struct {
	limit    int
	duration time.Duration
	stamps   []time.Time
}

// NewLimiter creates a limiter whose cleanup goroutine prunes idle windows
// until Stop is called. agentRPM is the default per-agent request ceiling.
func NewLimiter(agentRPM int) *Limiter {
	l := &Limiter{
		windows:  make(map[string]*window),
		buckets:  make(map[string]*rate.Limiter),
		agentRPM: agentRPM,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow records one operation for key if the sliding window has room.
// The returned info always carries the ceiling and remaining quota; on
// rejection it also carries a retry-after computed from the oldest
// timestamp still in the window.
func (l *Limiter) Allow(key string, limit int, dur time.Duration) (bool, domain.RateLimitInfo) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.limit != limit || w.duration != dur {
		w = &window{limit: limit, duration: dur}
		l.windows[key] = w
	}
	w.prune(now)

	if len(w.stamps) >= w.limit {
		retry := w.stamps[0].Add(w.duration).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, domain.RateLimitInfo{Limit: limit, Remaining: 0, RetryAfter: retry}
	}

	w.stamps = append(w.stamps, now)
	return true, domain.RateLimitInfo{Limit: limit, Remaining: limit - len(w.stamps)}
}

// AllowAgent applies the per-agent request ceiling using a token bucket.
// Like Allow, the returned info always carries the ceiling; on rejection the
// retry-after is the wait until the bucket refills one token.
func (l *Limiter) AllowAgent(agentID string) (bool, domain.RateLimitInfo) {
	if l.agentRPM <= 0 {
		return true, domain.RateLimitInfo{}
	}

	l.mu.Lock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.agentRPM)), l.agentRPM)
		l.buckets[agentID] = b
	}
	l.mu.Unlock()

	if b.Allow() {
		remaining := int(b.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return true, domain.RateLimitInfo{Limit: l.agentRPM, Remaining: remaining}
	}

	info := domain.RateLimitInfo{Limit: l.agentRPM}
	if r := b.Reserve(); r.OK() {
		info.RetryAfter = r.Delay()
		r.Cancel()
	}
	return false, info
}

// Reset drops all state. Intended for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
	l.buckets = make(map[string]*rate.Limiter)
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		w.prune(now)
		if len(w.stamps) == 0 {
			delete(l.windows, key)
		}
	}
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.duration)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
