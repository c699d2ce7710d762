package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botfleet/internal/quota"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/sysmem"
	pkgconfig "github.com/betbot/botfleet/pkg/config"
)

type fakeProc struct {
	pid    int
	botID  string
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	exit   Exit
	killed atomic.Bool
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProc) finish(exit Exit) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) crash(code int) { p.finish(Exit{Code: code, Err: fmt.Errorf("exit status %d", code)}) }

func (p *fakeProc) Kill(context.Context, time.Duration) error {
	p.killed.Store(true)
	p.finish(Exit{Code: -1, Err: errors.New("signal: killed")})
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  error
	pid   int
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	if l.fail != nil {
		err := l.fail
		l.mu.Unlock()
		return nil, err
	}
	l.pid++
	p := &fakeProc{pid: 1000 + l.pid, botID: spec.BotID, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	if spec.OnOutput != nil {
		spec.OnOutput("ready")
	}
	return p, nil
}

func (l *fakeLauncher) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last(botID string) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.procs) - 1; i >= 0; i-- {
		if l.procs[i].botID == botID {
			return l.procs[i]
		}
	}
	return nil
}

type harness struct {
	s      *Supervisor
	l      *fakeLauncher
	reg    *registry.Registry
	ledger *quota.Ledger
	mem    *sysmem.Fixed
	store  *storage.Optimizer
}

type harnessOpts struct {
	perTenant int
	global    int
	credits   bool
	initial   int64
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	root := t.TempDir()
	canonical := filepath.Join(root, "code")
	require.NoError(t, os.MkdirAll(filepath.Join(canonical, storage.KindCommands), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(canonical, storage.KindEvents), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(canonical, storage.KindCommands, "ping.js"), []byte("ping"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(canonical, storage.KindEvents, "ready.js"), []byte("ready"), 0o644))

	store, err := storage.New(storage.Options{CanonicalDir: canonical, DataDir: filepath.Join(root, "data")})
	require.NoError(t, err)

	reg, err := registry.New(context.Background(), registry.NewMemoryStore())
	require.NoError(t, err)

	if ho.perTenant == 0 {
		ho.perTenant = 5
	}
	if ho.global == 0 {
		ho.global = 100
	}
	h := &harness{
		l:     &fakeLauncher{},
		reg:   reg,
		mem:   sysmem.NewFixed(0.1),
		store: store,
	}
	opts := Options{
		Registry:  reg,
		Authority: quota.NewAuthority(reg, ho.perTenant, ho.global),
		Storage:   store,
		Launcher:  h.l,
		Memory:    h.mem,
		AckWindow: 50 * time.Millisecond,
		KillGrace: 10 * time.Millisecond,
		Recovery: pkgconfig.RecoveryConfig{
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
			MaxAttempts: 3,
		},
		Governor: pkgconfig.GovernorConfig{HighWater: 0.8, RecycleFraction: 0.2},
	}
	if ho.credits {
		ledger, err := quota.OpenLedger(quota.LedgerOptions{
			Path:           filepath.Join(root, "ledger.db"),
			InitialCredits: decimal.NewFromInt(ho.initial),
		})
		require.NoError(t, err)
		h.ledger = ledger
		opts.Ledger = ledger
		opts.StartCost = decimal.NewFromInt(1)
		opts.TickCost = decimal.NewFromInt(1)
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.s = s

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
		if h.ledger != nil {
			_ = h.ledger.Close()
		}
		store.Close()
	})
	return h
}

func botConfig() *registry.BotConfig {
	return &registry.BotConfig{Token: "token-0123456789", Commands: []string{"ping"}, Events: []string{"ready"}}
}

func (h *harness) state(t *testing.T, tenant, botID string) Status {
	t.Helper()
	st, err := h.s.Status(context.Background(), tenant, botID)
	require.NoError(t, err)
	return st
}

func TestStart_ConcurrentSameBotOnlyOneWins(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins, already atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.s.Start(ctx, "alice", "b1", botConfig())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), already.Load())
	assert.Equal(t, 1, h.l.launches())
}

func TestStart_OtherTenantsBotIsOwnershipViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	res, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, res.State)

	_, err = h.s.Start(ctx, "bob", "b1", botConfig())
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, KindOwnershipViolation, KindOf(err))
	assert.Equal(t, 1, h.l.launches())

	require.ErrorIs(t, h.s.Stop(ctx, "bob", "b1"), ErrForbidden)
	_, err = h.s.Restart(ctx, "bob", "b1")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStart_RejectsUnknownUnitsAndMissingConfig(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.s.Start(ctx, "alice", "b1", &registry.BotConfig{Commands: []string{"nope"}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.s.Start(ctx, "alice", "../b1", botConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, h.l.launches())
}

func TestStart_TenantAndGlobalCeilings(t *testing.T) {
	h := newHarness(t, harnessOpts{perTenant: 2, global: 3})
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		_, err := h.s.Start(ctx, "alice", id, botConfig())
		require.NoError(t, err)
	}
	_, err := h.s.Start(ctx, "alice", "a3", botConfig())
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.ErrorIs(t, err, quota.ErrTenantCeiling)

	_, err = h.s.Start(ctx, "bob", "b1", botConfig())
	require.NoError(t, err)
	_, err = h.s.Start(ctx, "carol", "c1", botConfig())
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.ErrorIs(t, err, quota.ErrGlobalCeiling)
}

func TestStart_ConcurrentBurstRespectsGlobalCeiling(t *testing.T) {
	h := newHarness(t, harnessOpts{perTenant: 100, global: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.s.Start(ctx, "alice", fmt.Sprintf("bot-%d", i), botConfig()); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(3), wins.Load())
	assert.Equal(t, 3, h.s.liveCount())
}

func TestStop_ManuallyStoppedNeverSelfRevives(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	p := h.l.last("b1")

	require.NoError(t, h.s.Stop(ctx, "alice", "b1"))
	assert.True(t, p.killed.Load())

	rec, err := h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.True(t, rec.ManuallyStopped)
	assert.False(t, rec.AutoRestart)

	for i := 0; i < 3; i++ {
		h.s.RecoverOnce(ctx)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.l.launches())
	assert.False(t, h.s.isLive("b1"))
	assert.Equal(t, StateStopped, h.state(t, "alice", "b1").State)

	require.ErrorIs(t, h.s.Stop(ctx, "alice", "b1"), ErrNotFound)
	require.ErrorIs(t, h.s.Stop(ctx, "alice", "ghost"), ErrNotFound)

	// explicit start brings it back with autoRestart restored
	_, err = h.s.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	rec, err = h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.False(t, rec.ManuallyStopped)
	assert.True(t, rec.AutoRestart)
}

func TestStop_CancelsPendingRevival(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.s.opts.Recovery.BaseDelay = 100 * time.Millisecond
	h.s.opts.Recovery.MaxDelay = 100 * time.Millisecond

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	h.l.last("b1").crash(1)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateBackoff
	}, time.Second, time.Millisecond)

	h.s.RecoverOnce(ctx)
	require.NotNil(t, h.state(t, "alice", "b1").NextRevival)

	require.NoError(t, h.s.Stop(ctx, "alice", "b1"))
	time.Sleep(250 * time.Millisecond)

	assert.Equal(t, 1, h.l.launches())
	assert.False(t, h.s.isLive("b1"))
	st := h.state(t, "alice", "b1")
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.NextRevival)
}

func TestStop_WithoutLiveEntryLeavesRecordAlone(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	_, err = h.s.ToggleAutoRestart(ctx, "alice", "b1", false)
	require.NoError(t, err)
	h.l.last("b1").crash(1)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateBackoff
	}, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)
	require.False(t, h.s.isLive("b1"))

	before, err := h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	require.ErrorIs(t, h.s.Stop(ctx, "alice", "b1"), ErrNotFound)

	after, err := h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.False(t, after.ManuallyStopped)
	assert.Equal(t, before.AutoRestart, after.AutoRestart)
	assert.Equal(t, before.DesiredRunning, after.DesiredRunning)
}

func TestStart_RejectsBotAwaitingRevival(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: true, initial: 5})
	ctx := context.Background()
	h.s.opts.Recovery.BaseDelay = time.Hour
	h.s.opts.Recovery.MaxDelay = time.Hour

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	h.l.last("b1").crash(1)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateBackoff
	}, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)

	before, err := h.s.Balance(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.s.Start(ctx, "alice", "b1", nil)
		require.ErrorIs(t, err, ErrAlreadyRunning)
	}
	assert.Equal(t, 1, h.l.launches())
	st := h.state(t, "alice", "b1")
	assert.Equal(t, StateBackoff, st.State)
	assert.NotNil(t, st.NextRevival)

	after, err := h.s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "rejected starts are not charged")

	// restart is the explicit way out of backoff
	_, err = h.s.Restart(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.l.launches())
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateRunning
	}, time.Second, time.Millisecond)
	assert.Nil(t, h.state(t, "alice", "b1").NextRevival)
}

func TestBackoffDelayIsMonotonicAndCapped(t *testing.T) {
	s := &Supervisor{opts: Options{Recovery: pkgconfig.RecoveryConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second}}}
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	prev := time.Duration(0)
	for i, w := range want {
		d := s.backoffDelay(i)
		assert.Equal(t, w*time.Second, d, "attempt %d", i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestCrashRecovery_CeilingLeavesBotDead(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b2", botConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.l.last("b2").crash(1)
		require.Eventually(t, func() bool {
			return h.state(t, "alice", "b2").State == StateBackoff
		}, time.Second, time.Millisecond)
		h.s.RecoverOnce(ctx)
		want := i + 2
		require.Eventually(t, func() bool { return h.l.launches() == want }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool {
			return h.state(t, "alice", "b2").State == StateRunning
		}, time.Second, time.Millisecond)
		assert.Equal(t, i+1, h.state(t, "alice", "b2").RestartAttempts)
	}

	// the 4th crash exhausts the budget
	h.l.last("b2").crash(1)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b2").State == StateBackoff
	}, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, h.l.launches())
	assert.False(t, h.s.isLive("b2"))
	st := h.state(t, "alice", "b2")
	assert.False(t, st.Running)
	assert.Equal(t, StateDead, st.State)
	assert.Equal(t, 3, st.RestartAttempts)

	rec, err := h.reg.Get(ctx, "alice", "b2")
	require.NoError(t, err)
	assert.False(t, rec.ManuallyStopped)
	assert.False(t, rec.DesiredRunning)

	// a dead bot needs a manual start, which resets the counter
	_, err = h.s.Start(ctx, "alice", "b2", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.state(t, "alice", "b2").RestartAttempts)
}

func TestStableWorkerHasAttemptsForgiven(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	h.s.opts.Recovery.StableAfter = time.Minute

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	h.l.last("b1").crash(1)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateBackoff
	}, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateRunning
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.state(t, "alice", "b1").RestartAttempts)

	h.s.RecoverOnce(ctx)
	assert.Equal(t, 1, h.state(t, "alice", "b1").RestartAttempts)

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()
	h.s.RecoverOnce(ctx)
	assert.Equal(t, 0, h.state(t, "alice", "b1").RestartAttempts)

	rec, err := h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RestartAttempts)
}

func TestCleanExitRemovesEntry(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	h.l.last("b1").finish(Exit{})

	require.Eventually(t, func() bool { return !h.s.isLive("b1") }, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)
	assert.Equal(t, 1, h.l.launches())
	_, err = os.Stat(h.store.BundleDir("b1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestart_ReplacesWorkerAndIgnoresStaleExit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Restart(ctx, "alice", "b1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	first := h.l.last("b1")

	res, err := h.s.Restart(ctx, "alice", "b1")
	require.NoError(t, err)
	second := h.l.last("b1")
	assert.NotSame(t, first, second)
	assert.True(t, first.killed.Load())
	assert.Equal(t, second.PID(), res.PID)

	// the killed worker's exit notification must not count as a crash
	time.Sleep(20 * time.Millisecond)
	st := h.state(t, "alice", "b1")
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, second.PID(), st.PID)
	assert.NotNil(t, st.LastRestart)

	require.NoError(t, h.s.Stop(ctx, "alice", "b1"))
	_, err = h.s.Restart(ctx, "alice", "b1")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestCredits_ExhaustionStopsWithoutManualFlag(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: true, initial: 1})
	ctx := context.Background()

	res, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	require.NotNil(t, res.Balance)
	assert.True(t, res.Balance.IsZero())
	p := h.l.last("b1")

	require.True(t, h.s.meter.Fire(ctx, "b1"))
	assert.True(t, p.killed.Load())
	assert.False(t, h.s.isLive("b1"))
	assert.Empty(t, h.s.meter.Active())

	rec, err := h.reg.Get(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.False(t, rec.ManuallyStopped)
	assert.True(t, rec.AutoRestart)

	_, err = h.s.Start(ctx, "alice", "b1", nil)
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.ErrorIs(t, err, quota.ErrInsufficientCredits)

	bal, err := h.s.GrantCredit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())
	_, err = h.s.GrantCredit(ctx, "alice")
	require.ErrorIs(t, err, quota.ErrGrantTooSoon)

	_, err = h.s.Start(ctx, "alice", "b1", nil)
	require.NoError(t, err)
	assert.True(t, h.s.isLive("b1"))
}

func TestCredits_RestartInstallsFreshMeter(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: true, initial: 10})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	h.s.mu.RLock()
	old := h.s.live["b1"].meter
	h.s.mu.RUnlock()

	_, err = h.s.Restart(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.False(t, h.s.meter.Current(old))
	assert.Equal(t, []string{"b1"}, h.s.meter.Active())

	bal, err := h.s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "9", bal.String(), "restart does not charge")
}

func TestSpawnFailureIsScheduledForRecovery(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: true, initial: 1})
	ctx := context.Background()

	h.l.setFail(errors.New("exec: no such file"))
	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.ErrorIs(t, err, ErrCreationFailed)
	assert.Equal(t, StateBackoff, h.state(t, "alice", "b1").State)

	bal, err := h.s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String(), "failed spawn is refunded")

	h.l.setFail(nil)
	h.s.RecoverOnce(ctx)
	require.Eventually(t, func() bool { return h.l.launches() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateRunning
	}, time.Second, time.Millisecond)
}

func TestToggleAutoRestartOffLeavesCrashedBotStopped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	rec, err := h.s.ToggleAutoRestart(ctx, "alice", "b1", false)
	require.NoError(t, err)
	assert.False(t, rec.AutoRestart)

	h.l.last("b1").crash(2)
	require.Eventually(t, func() bool {
		return h.state(t, "alice", "b1").State == StateBackoff
	}, time.Second, time.Millisecond)
	h.s.RecoverOnce(ctx)
	assert.False(t, h.s.isLive("b1"))
	assert.Equal(t, 1, h.l.launches())

	// enabling does not start it
	_, err = h.s.ToggleAutoRestart(ctx, "alice", "b1", true)
	require.NoError(t, err)
	h.s.RecoverOnce(ctx)
	assert.Equal(t, 1, h.l.launches())
}

func TestDeleteTearsDownAndForgets(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	require.NoError(t, h.s.Delete(ctx, "alice", "b1"))

	assert.True(t, h.l.last("b1").killed.Load())
	assert.False(t, h.s.isLive("b1"))
	_, owned := h.reg.Owner("b1")
	assert.False(t, owned)

	// the id is free for anyone now
	_, err = h.s.Start(ctx, "bob", "b1", botConfig())
	require.NoError(t, err)
}

func TestGovernor_RecyclesOldestUnderPressure(t *testing.T) {
	h := newHarness(t, harnessOpts{perTenant: 10})
	ctx := context.Background()

	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	for i := 0; i < 5; i++ {
		_, err := h.s.Start(ctx, "alice", fmt.Sprintf("b%d", i), botConfig())
		require.NoError(t, err)
	}
	oldest := h.l.last("b0")

	assert.Empty(t, h.s.GovernOnce(ctx))

	h.mem.Set(0.9)
	recycled := h.s.GovernOnce(ctx)
	assert.Equal(t, []string{"b0"}, recycled)
	assert.True(t, oldest.killed.Load())
	assert.NotSame(t, oldest, h.l.last("b0"))
	assert.Equal(t, 6, h.l.launches())

	// b0 is now the youngest, so b1 goes next
	assert.Equal(t, []string{"b1"}, h.s.GovernOnce(ctx))

	u, err := h.s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, u.Live)
	assert.InDelta(t, 0.9, u.MemoryUtilization, 1e-6)
}

func TestSweepReclaimsOrphans(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "live", botConfig())
	require.NoError(t, err)
	_, err = h.store.Materialize(ctx, "orphan", map[string][]string{storage.KindCommands: {"ping"}}, "")
	require.NoError(t, err)
	h.s.meter.Start("alice", "ghost")

	rep := h.s.ForceCleanup(ctx)
	assert.Equal(t, []string{"orphan"}, rep.Bundles)
	assert.Equal(t, []string{"ghost"}, rep.Meters)
	_, err = os.Stat(h.store.BundleDir("live"))
	assert.NoError(t, err)
}

func TestReadoptStartsPreviouslyRunningBots(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: true, initial: 0})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.reg.Update(ctx, "alice", func(doc registry.Records) error {
		running := registry.NewRecord("alice", "was-running", *botConfig(), now)
		running.DesiredRunning = true
		stopped := registry.NewRecord("alice", "was-stopped", *botConfig(), now)
		stopped.ManuallyStopped = true
		stopped.DesiredRunning = true
		doc["was-running"] = running
		doc["was-stopped"] = stopped
		return nil
	}))

	n, err := h.s.Readopt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.s.isLive("was-running"))
	assert.False(t, h.s.isLive("was-stopped"))
}

func TestDetailsRedactsSecrets(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	d, err := h.s.Details(ctx, "alice", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.CommandCount)
	assert.Equal(t, 1, d.EventCount)
	assert.NotEqual(t, botConfig().Token, d.Config.Token)
	assert.True(t, d.Running)

	all, err := h.s.AllBots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Tenant)
}

func TestEventsArePublished(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	events, cancel := h.s.Events().Subscribe(16)
	defer cancel()

	_, err := h.s.Start(ctx, "alice", "b1", botConfig())
	require.NoError(t, err)
	require.NoError(t, h.s.Stop(ctx, "alice", "b1"))

	var got []EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	assert.Equal(t, []EventType{EventStarted, EventStopped}, got)
}
