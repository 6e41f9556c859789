package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle lets one line per key through every interval.
// Used for warnings that would otherwise repeat on every poll tick.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, keys: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written at now.
func (t *Throttle) Allow(key string, now time.Time) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.keys[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.keys[key] = lim
	}
	return lim.AllowN(now, 1)
}
