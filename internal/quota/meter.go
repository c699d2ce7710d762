package quota

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MeterHandle identifies one metering timer. A restart installs a new handle,
// so ticks from an old handle can be told apart and ignored.
type MeterHandle struct {
	ID     uint64
	Tenant string
	BotID  string
	cancel context.CancelFunc
}

// TickFunc is called once per period for a running bot.
type TickFunc func(ctx context.Context, h *MeterHandle)

// Meter owns one periodic timer per metered bot.
type Meter struct {
	interval time.Duration
	onTick   TickFunc

	seq atomic.Uint64

	mu      sync.Mutex
	handles map[string]*MeterHandle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMeter(interval time.Duration, onTick TickFunc) *Meter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Meter{
		interval: interval,
		onTick:   onTick,
		handles:  make(map[string]*MeterHandle),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetTick replaces the tick callback. Must be called before the first Start.
func (m *Meter) SetTick(fn TickFunc) { m.onTick = fn }

// Start installs a fresh timer for botID, cancelling any previous one.
func (m *Meter) Start(tenant, botID string) *MeterHandle {
	ctx, cancel := context.WithCancel(m.ctx)
	h := &MeterHandle{ID: m.seq.Add(1), Tenant: tenant, BotID: botID, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.handles[botID]; ok {
		old.cancel()
	}
	m.handles[botID] = h
	m.mu.Unlock()

	if m.interval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			t := time.NewTicker(m.interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if m.onTick != nil {
						m.onTick(ctx, h)
					}
				}
			}
		}()
	}
	return h
}

// Stop cancels h if it is still the bot's current timer. It never waits for
// an in-flight tick, so it is safe to call from inside a tick callback.
func (m *Meter) Stop(h *MeterHandle) {
	if h == nil {
		return
	}
	h.cancel()
	m.mu.Lock()
	if cur, ok := m.handles[h.BotID]; ok && cur == h {
		delete(m.handles, h.BotID)
	}
	m.mu.Unlock()
}

// Current reports whether h is the bot's active timer.
func (m *Meter) Current(h *MeterHandle) bool {
	if h == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[h.BotID] == h
}

// Fire runs one tick for botID synchronously, as if its period elapsed.
func (m *Meter) Fire(ctx context.Context, botID string) bool {
	m.mu.Lock()
	h, ok := m.handles[botID]
	m.mu.Unlock()
	if !ok || m.onTick == nil {
		return false
	}
	m.onTick(ctx, h)
	return true
}

// Active lists botIds with a running timer.
func (m *Meter) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep cancels timers whose bot is no longer live and returns their ids.
func (m *Meter) Sweep(isLive func(botID string) bool) []string {
	m.mu.Lock()
	var stale []*MeterHandle
	for id, h := range m.handles {
		if !isLive(id) {
			stale = append(stale, h)
			delete(m.handles, id)
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(stale))
	for _, h := range stale {
		h.cancel()
		out = append(out, h.BotID)
	}
	sort.Strings(out)
	return out
}

// Close cancels every timer and waits for their goroutines.
func (m *Meter) Close() {
	m.cancel()
	m.mu.Lock()
	m.handles = make(map[string]*MeterHandle)
	m.mu.Unlock()
	m.wg.Wait()
}
