package api

import (
    "sync"
    "time"

    "golang.org/x/time/rate"
)

const (
    limiterIdleTTL   = 10 * time.Minute
    limiterPruneSize = 1024
)

type userLimiter struct {
    mu       sync.Mutex
    limit    rate.Limit
    burst    int
    limiters map[string]*limiterEntry
    now      func() time.Time
}

type limiterEntry struct {
    limiter  *rate.Limiter
    lastSeen time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
    if perMinute <= 0 {
        return nil
    }
    return &userLimiter{
        limit:    rate.Every(time.Minute / time.Duration(perMinute)),
        burst:    perMinute,
        limiters: make(map[string]*limiterEntry),
        now:      time.Now,
    }
}

// Allow reports whether userID may submit now. A nil limiter allows all.
func (l *userLimiter) Allow(userID string) bool {
    if l == nil {
        return true
    }

    l.mu.Lock()
    defer l.mu.Unlock()

    now := l.now()
    e, ok := l.limiters[userID]
    if !ok {
        if len(l.limiters) >= limiterPruneSize {
            l.prune(now)
        }
        e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
        l.limiters[userID] = e
    }
    e.lastSeen = now
    return e.limiter.AllowN(now, 1)
}

func (l *userLimiter) prune(now time.Time) {
    for id, e := range l.limiters {
        if now.Sub(e.lastSeen) > limiterIdleTTL {
            delete(l.limiters, id)
        }
    }
}
