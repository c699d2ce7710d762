package common

import (
	"sync"
	"time"
)

// Debouncer is a per-key time gate, used to persist high-frequency signals
// (heartbeats) at a bounded rate.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval, last: make(map[string]time.Time)}
}

// TryMark marks key and reports true when its interval has elapsed since the
// last mark.
func (d *Debouncer) TryMark(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.last[key]; ok && d.interval > 0 && now.Sub(last) < d.interval {
		return false
	}
	d.last[key] = now
	return true
}

// Mark records now as the key's last action time.
func (d *Debouncer) Mark(key string, now time.Time) {
	d.mu.Lock()
	d.last[key] = now
	d.mu.Unlock()
}

// Forget clears the key (next TryMark succeeds).
func (d *Debouncer) Forget(key string) {
	d.mu.Lock()
	delete(d.last, key)
	d.mu.Unlock()
}
