// Package limiter bounds how many watch dispatches may start per rolling
// time window, independently of how many run at once. The primary
// implementation is a Redis sorted-set sliding window shared by every
// process; when Redis is unavailable the limiter degrades to an in-process
// window so a single worker still polls politely.
package limiter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window limits event starts to Limit per rolling Window duration.
type Window struct {
	rdb    *redis.Client
	key    string
	limit  int
	window time.Duration

	script *redis.Script

	mu    sync.Mutex
	local []time.Time // fallback window when rdb is nil or errors
}

// slidingScript trims entries older than the window, then either records the
// new event or reports how long until the oldest entry ages out. Returns
// {allowed, retry_after_ms}.
var slidingScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now_ms, member)
		redis.call('PEXPIRE', key, window_ms)
		return { 1, 0 }
	end
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry_after = 0
	if oldest[2] ~= nil then
		retry_after = tonumber(oldest[2]) + window_ms - now_ms
		if retry_after < 0 then retry_after = 0 end
	end
	return { 0, retry_after }
`)

// New builds a Window. rdb may be nil; the limiter then runs in-process.
func New(rdb *redis.Client, key string, limit int, window time.Duration) *Window {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		rdb:    rdb,
		key:    key,
		limit:  limit,
		window: window,
		script: slidingScript,
	}
}

// Allow reports whether an event may start now. When denied it also returns
// how long the caller should wait before asking again.
func (w *Window) Allow(ctx context.Context) (bool, time.Duration) {
	now := time.Now()
	if w.rdb != nil {
		member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
		vals, err := w.script.Run(ctx, w.rdb, []string{w.key},
			now.UnixMilli(), w.window.Milliseconds(), w.limit, member).Int64Slice()
		if err == nil && len(vals) == 2 {
			if vals[0] == 1 {
				return true, 0
			}
			return false, time.Duration(vals[1]) * time.Millisecond
		}
		// Redis unreachable or script error: fall through to the local window.
	}
	return w.allowLocal(now)
}

func (w *Window) allowLocal(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.window)
	kept := w.local[:0]
	for _, t := range w.local {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.local = kept
	if len(w.local) < w.limit {
		w.local = append(w.local, now)
		return true, 0
	}
	return false, w.local[0].Add(w.window).Sub(now)
}

// Wait blocks until an event may start or ctx is cancelled.
func (w *Window) Wait(ctx context.Context) error {
	for {
		ok, retry := w.Allow(ctx)
		if ok {
			return nil
		}
		if retry <= 0 || retry > time.Second {
			retry = time.Second
		}
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
