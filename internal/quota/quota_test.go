package quota

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[string]int
	owners map[string]string
}

func (f fakeCounter) Count(_ context.Context, tenant string) (int, error) { return f.counts[tenant], nil }
func (f fakeCounter) Owner(botID string) (string, bool) {
	t, ok := f.owners[botID]
	return t, ok
}

func TestAuthority_CanAdmit(t *testing.T) {
	ctx := context.Background()
	a := NewAuthority(fakeCounter{
		counts: map[string]int{"full": 2, "some": 1},
		owners: map[string]string{"existing": "full"},
	}, 2, 3)

	require.NoError(t, a.CanAdmit(ctx, "some", "new", 0))
	require.ErrorIs(t, a.CanAdmit(ctx, "full", "new", 0), ErrTenantCeiling)
	// an owned bot is not a new bot
	require.NoError(t, a.CanAdmit(ctx, "full", "existing", 0))
	require.ErrorIs(t, a.CanAdmit(ctx, "some", "new", 3), ErrGlobalCeiling)
	require.ErrorIs(t, a.CanAdmit(ctx, "full", "existing", 3), ErrGlobalCeiling)
}

func openLedger(t *testing.T, initial int64) *Ledger {
	t.Helper()
	l, err := OpenLedger(LedgerOptions{
		Path:           filepath.Join(t.TempDir(), "ledger.db"),
		GrantWindow:    24 * time.Hour,
		InitialCredits: decimal.NewFromInt(initial),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_ChargeAndTick(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, 1)
	one := decimal.NewFromInt(1)

	bal, err := l.Charge(ctx, "a", "b1", one)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = l.Charge(ctx, "a", "b1", one)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	bal, exhausted, err := l.Tick(ctx, "a", "b1", one)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.True(t, bal.IsZero(), "balance never goes negative")
}

func TestLedger_TickExhaustsAtZero(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, 2)
	one := decimal.NewFromInt(1)

	_, exhausted, err := l.Tick(ctx, "a", "b1", one)
	require.NoError(t, err)
	assert.False(t, exhausted)

	bal, exhausted, err := l.Tick(ctx, "a", "b1", one)
	require.NoError(t, err)
	assert.True(t, exhausted, "a deduction landing on zero exhausts")
	assert.True(t, bal.IsZero())
}

func TestLedger_GrantOncePerWindow(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, 0)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	bal, err := l.Grant(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())

	now = now.Add(23 * time.Hour)
	_, err = l.Grant(ctx, "a")
	require.ErrorIs(t, err, ErrGrantTooSoon)
	var denied *GrantDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC), denied.NextAt.UTC())

	now = now.Add(time.Hour)
	bal, err = l.Grant(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", bal.String())

	events, err := l.History(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindGrant, events[0].Kind)
}

func TestLedger_RefundRestoresCharge(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, 2)
	one := decimal.NewFromInt(1)

	_, err := l.Charge(ctx, "a", "b1", one)
	require.NoError(t, err)
	bal, err := l.Refund(ctx, "a", "b1", one)
	require.NoError(t, err)
	assert.Equal(t, "2", bal.String())
}

func TestMeter_StartReplacesAndStopIgnoresStale(t *testing.T) {
	var ticks atomic.Int32
	m := NewMeter(10*time.Millisecond, func(_ context.Context, h *MeterHandle) { ticks.Add(1) })
	defer m.Close()

	h1 := m.Start("a", "b1")
	h2 := m.Start("a", "b1")
	assert.False(t, m.Current(h1))
	assert.True(t, m.Current(h2))

	m.Stop(h1) // stale handle must not remove the fresh one
	assert.Equal(t, []string{"b1"}, m.Active())

	require.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, 5*time.Millisecond)

	m.Stop(h2)
	assert.Empty(t, m.Active())
}

func TestMeter_FireAndSweep(t *testing.T) {
	var mu sync.Mutex
	var fired []uint64
	m := NewMeter(0, func(_ context.Context, h *MeterHandle) {
		mu.Lock()
		fired = append(fired, h.ID)
		mu.Unlock()
	})
	defer m.Close()

	h := m.Start("a", "b1")
	m.Start("a", "b2")
	require.True(t, m.Fire(context.Background(), "b1"))
	assert.False(t, m.Fire(context.Background(), "missing"))
	mu.Lock()
	assert.Equal(t, []uint64{h.ID}, fired)
	mu.Unlock()

	swept := m.Sweep(func(id string) bool { return id == "b1" })
	assert.Equal(t, []string{"b2"}, swept)
	assert.Equal(t, []string{"b1"}, m.Active())
}
