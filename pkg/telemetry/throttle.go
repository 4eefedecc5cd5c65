package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Throttle lets one log line per key through per interval.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
	// suppressed counts lines dropped since the key last passed.
	suppressed map[string]int
}

// NewThrottle returns a Throttle with the given minimum interval. A
// non-positive interval lets every line through.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval:   interval,
		now:        time.Now,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether a line for key may be written now, and how many were
// suppressed since the previous one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil || t.interval <= 0 {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		t.suppressed[key]++
		return false, 0
	}
	dropped := t.suppressed[key]
	t.last[key] = now
	delete(t.suppressed, key)
	return true, dropped
}

// Warn returns a warn event for err on log, or nil when a line for key was
// written within the interval. zerolog treats a nil event as disabled. The
// event carries the number of lines dropped since the previous one.
func (t *Throttle) Warn(log zerolog.Logger, key string, err error) *zerolog.Event {
	ok, suppressed := t.Allow(key)
	if !ok {
		return nil
	}
	ev := log.Warn().Err(err)
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	return ev
}
