// Package supervisor owns the live-process table: it starts, stops and
// restarts bot workers, and reacts to their exits, to credit exhaustion and
// to memory pressure.
//
// Lock order: admitMu (admission only) -> per-bot lock -> registry/ledger.
// Entry fields are only touched while holding that bot's lock; the table
// map itself is guarded by mu.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/betbot/botfleet/internal/common"
	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/quota"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/sysmem"
	pkgconfig "github.com/betbot/botfleet/pkg/config"
	"github.com/betbot/botfleet/pkg/logger"
)

// State is what the supervisor knows about a bot right now.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateStopped  State = "stopped"
	StateDead     State = "dead"
)

// Spawn triggers, used for metrics and events.
const (
	triggerStart   = "start"
	triggerRestart = "restart"
	triggerRevive  = "revive"
	triggerRecycle = "recycle"
	triggerReadopt = "readopt"
)

var botIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Options wires the supervisor's collaborators.
type Options struct {
	Registry  *registry.Registry
	Authority *quota.Authority
	// Ledger nil disables credit metering.
	Ledger        *quota.Ledger
	StartCost     decimal.Decimal
	TickCost      decimal.Decimal
	MeterInterval time.Duration

	Storage  *storage.Optimizer
	Launcher Launcher
	Memory   sysmem.Sampler
	Metrics  metrics.Recorder
	Events   *Bus

	AckWindow time.Duration
	KillGrace time.Duration
	// HeartbeatEvery bounds how often lastActive is persisted.
	HeartbeatEvery time.Duration

	Recovery pkgconfig.RecoveryConfig
	Governor pkgconfig.GovernorConfig
}

// run is one spawn of a bot. Output callbacks only touch run, never the
// entry, so they never need the bot lock.
type run struct {
	id         string
	ready      chan struct{}
	readyOnce  sync.Once
	lastOutput atomic.Int64
}

func newRun() *run {
	return &run{id: uuid.NewString(), ready: make(chan struct{})}
}

func (r *run) markReady() { r.readyOnce.Do(func() { close(r.ready) }) }

// entry is a Live Process Entry.
type entry struct {
	tenant string
	botID  string
	config registry.BotConfig

	state           State
	run             *run
	proc            Process
	startTime       time.Time
	lastRestart     time.Time
	restartAttempts int
	lastExit        *Exit
	meter           *quota.MeterHandle

	revivalID     uint64
	revivalCancel context.CancelFunc
	revivalAt     time.Time
}

type Supervisor struct {
	opts     Options
	reg      *registry.Registry
	auth     *quota.Authority
	ledger   *quota.Ledger
	meter    *quota.Meter
	store    *storage.Optimizer
	launcher Launcher
	breaker  *gobreaker.CircuitBreaker[Process]
	mem      sysmem.Sampler
	rec      metrics.Recorder
	bus      *Bus

	heartbeat *common.Debouncer
	nudge     *common.Nudge
	locks     *common.KeyLock

	admitMu sync.Mutex
	mu      sync.RWMutex
	live    map[string]*entry

	lastMem atomic.Value // sysmem.Sample

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
	revivalSeq atomic.Uint64
	now        func() time.Time
}

func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil || opts.Authority == nil || opts.Storage == nil || opts.Launcher == nil {
		return nil, errors.New("supervisor: registry, authority, storage and launcher are required")
	}
	if opts.Memory == nil {
		opts.Memory = sysmem.NewHost()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Events == nil {
		opts.Events = NewBus()
	}
	if opts.AckWindow <= 0 {
		opts.AckWindow = 2 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = time.Minute
	}
	if opts.Recovery.MaxAttempts <= 0 {
		opts.Recovery.MaxAttempts = 3
	}
	if opts.Recovery.BaseDelay <= 0 {
		opts.Recovery.BaseDelay = 5 * time.Second
	}
	if opts.Recovery.MaxDelay < opts.Recovery.BaseDelay {
		opts.Recovery.MaxDelay = opts.Recovery.BaseDelay
	}
	if opts.Governor.HighWater <= 0 {
		opts.Governor.HighWater = 0.8
	}
	if opts.Governor.RecycleFraction <= 0 {
		opts.Governor.RecycleFraction = 0.2
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:      opts,
		reg:       opts.Registry,
		auth:      opts.Authority,
		ledger:    opts.Ledger,
		store:     opts.Storage,
		launcher:  opts.Launcher,
		mem:       opts.Memory,
		rec:       opts.Metrics,
		bus:       opts.Events,
		heartbeat: common.NewDebouncer(opts.HeartbeatEvery),
		nudge:     common.NewNudge(),
		locks:     common.NewKeyLock(64),
		live:      make(map[string]*entry),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	s.meter = quota.NewMeter(opts.MeterInterval, s.onMeterTick)
	s.breaker = gobreaker.NewCircuitBreaker[Process](gobreaker.Settings{
		Name:        "bot-spawn",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("spawn breaker state changed")
		},
	})
	return s, nil
}

// Events exposes the lifecycle bus.
func (s *Supervisor) Events() *Bus { return s.bus }

// RecoveryNudge fires whenever a crash is recorded.
func (s *Supervisor) RecoveryNudge() <-chan struct{} { return s.nudge.C() }

func (s *Supervisor) creditsEnabled() bool { return s.ledger != nil }

func (s *Supervisor) log(e *entry) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"tenant": e.tenant, "bot_id": e.botID})
}

// --- live table ---

func (s *Supervisor) getEntry(botID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[botID]
}

func (s *Supervisor) putEntry(e *entry) {
	s.mu.Lock()
	s.live[e.botID] = e
	n := len(s.live)
	s.mu.Unlock()
	s.rec.LiveBots(n)
}

// removeEntry deletes e if it is still the bot's entry. Removing an absent
// entry is a no-op.
func (s *Supervisor) removeEntry(e *entry) {
	s.mu.Lock()
	if cur, ok := s.live[e.botID]; ok && cur == e {
		delete(s.live, e.botID)
	}
	n := len(s.live)
	s.mu.Unlock()
	s.rec.LiveBots(n)
}

func (s *Supervisor) liveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *Supervisor) liveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}

func (s *Supervisor) isLive(botID string) bool { return s.getEntry(botID) != nil }

// --- operations ---

// StartResult is returned by Start and Restart.
type StartResult struct {
	BotID   string           `json:"botId"`
	State   State            `json:"state"`
	PID     int              `json:"pid,omitempty"`
	RunID   string           `json:"runId,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
	Message string           `json:"message"`
}

func validateIDs(tenant, botID string) error {
	if tenant == "" {
		return newError(KindInvalidConfig, botID, "tenant is required", nil)
	}
	if !botIDPattern.MatchString(botID) {
		return newError(KindInvalidConfig, botID, "invalid bot id", nil)
	}
	return nil
}

// Start admits, persists and spawns botID for tenant. cfg nil reuses the
// persisted config. It returns once the worker acknowledged (first output)
// or the ack window elapsed, whichever comes first.
func (s *Supervisor) Start(ctx context.Context, tenant, botID string, cfg *registry.BotConfig) (StartResult, error) {
	if err := validateIDs(tenant, botID); err != nil {
		return StartResult{BotID: botID}, err
	}
	if s.closed.Load() {
		return StartResult{BotID: botID}, newError(KindProcessCreationFailure, botID, "", ErrSupervisorShutdown)
	}
	unlock := s.locks.Lock(botID)
	res, r, proc, err := s.startLocked(ctx, tenant, botID, cfg)
	unlock()
	if err != nil {
		return res, err
	}
	return s.awaitAck(ctx, res, r, proc), nil
}

func (s *Supervisor) startLocked(ctx context.Context, tenant, botID string, cfg *registry.BotConfig) (StartResult, *run, Process, error) {
	res := StartResult{BotID: botID}
	if owner, ok := s.reg.Owner(botID); ok && owner != tenant {
		return res, nil, nil, newError(KindOwnershipViolation, botID, "bot id is owned by another tenant", nil)
	}

	var persisted *registry.Record
	rec, err := s.reg.Get(ctx, tenant, botID)
	switch {
	case err == nil:
		persisted = &rec
	case errors.Is(err, registry.ErrNotFound):
	default:
		return res, nil, nil, newError(KindProcessCreationFailure, botID, "load record", err)
	}

	var conf registry.BotConfig
	switch {
	case cfg != nil:
		conf = cfg.Clone()
	case persisted != nil:
		conf = persisted.Config.Clone()
	default:
		return res, nil, nil, newError(KindInvalidConfig, botID, "config is required for a new bot", nil)
	}
	if err := s.validateSelection(conf); err != nil {
		return res, nil, nil, newError(KindInvalidConfig, botID, "", err)
	}

	// a bot waiting in backoff still holds its slot; restart is the way out
	if s.getEntry(botID) != nil {
		return res, nil, nil, newError(KindAlreadyRunning, botID, "bot is already running", nil)
	}

	charged := false
	s.admitMu.Lock()
	if err := s.auth.CanAdmit(ctx, tenant, botID, s.liveCount()); err != nil {
		s.admitMu.Unlock()
		return res, nil, nil, newError(KindAdmissionDenied, botID, "", err)
	}
	if s.creditsEnabled() && s.opts.StartCost.IsPositive() {
		bal, err := s.ledger.Charge(ctx, tenant, botID, s.opts.StartCost)
		if err != nil {
			s.admitMu.Unlock()
			return res, nil, nil, newError(KindAdmissionDenied, botID, "", err)
		}
		res.Balance = &bal
		charged = true
	}
	if err := s.persistStart(ctx, tenant, botID, conf); err != nil {
		s.admitMu.Unlock()
		if charged {
			s.refund(tenant, botID)
		}
		return res, nil, nil, err
	}
	e := &entry{tenant: tenant, botID: botID, state: StateStarting}
	s.putEntry(e)
	s.admitMu.Unlock()

	e.config = conf
	e.restartAttempts = 0
	e.lastRestart = time.Time{}
	r, err := s.spawnLocked(ctx, e, triggerStart)
	if err != nil {
		if charged {
			s.refund(tenant, botID)
			res.Balance = nil
		}
		return res, nil, nil, err
	}
	res.RunID = r.id
	res.PID = e.proc.PID()
	return res, r, e.proc, nil
}

// persistStart records the start intent, claiming botID for tenant.
func (s *Supervisor) persistStart(ctx context.Context, tenant, botID string, conf registry.BotConfig) error {
	now := s.now()
	err := s.reg.Update(ctx, tenant, func(doc registry.Records) error {
		rec, ok := doc[botID]
		if !ok {
			rec = registry.NewRecord(tenant, botID, conf, now)
		}
		rec.Config = conf.Clone()
		rec.AutoRestart = true
		rec.ManuallyStopped = false
		rec.DesiredRunning = true
		rec.RestartAttempts = 0
		rec.LastError = ""
		rec.LastActive = now
		doc[botID] = rec
		return nil
	})
	if errors.Is(err, registry.ErrOwnedByOther) {
		return newError(KindOwnershipViolation, botID, "bot id is owned by another tenant", err)
	}
	if err != nil {
		return newError(KindProcessCreationFailure, botID, "persist record", err)
	}
	return nil
}

func (s *Supervisor) refund(tenant, botID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.ledger.Refund(ctx, tenant, botID, s.opts.StartCost); err != nil {
		logger.WithFields(logrus.Fields{"tenant": tenant, "bot_id": botID}).Errorf("refund start charge: %v", err)
	}
}

// validateSelection rejects units the catalog does not know.
func (s *Supervisor) validateSelection(conf registry.BotConfig) error {
	cat, err := s.store.Catalog()
	if err != nil {
		return err
	}
	for kind, units := range selection(conf) {
		known := make(map[string]struct{}, len(cat[kind]))
		for _, u := range cat[kind] {
			known[u] = struct{}{}
		}
		for _, u := range units {
			if _, ok := known[u]; !ok {
				return fmt.Errorf("unknown %s unit %q", kind, u)
			}
		}
	}
	return nil
}

func selection(conf registry.BotConfig) map[string][]string {
	return map[string][]string{
		storage.KindCommands: conf.Commands,
		storage.KindEvents:   conf.Events,
	}
}

// spawnLocked materializes the bundle and launches a worker into e.
// On failure e is left in backoff for the recovery loop to judge.
func (s *Supervisor) spawnLocked(ctx context.Context, e *entry, trigger string) (*run, error) {
	t0 := s.now()
	bundle, err := s.store.Materialize(ctx, e.botID, selection(e.config), s.store.OverrideDir(e.tenant))
	if err != nil {
		s.rec.SpawnDuration(s.now().Sub(t0), err)
		return nil, s.spawnFailed(e, "materialize bundle", err)
	}

	r := newRun()
	proc, err := s.breaker.Execute(func() (Process, error) {
		return s.launcher.Launch(ctx, LaunchSpec{
			BotID:     e.botID,
			Tenant:    e.tenant,
			RunID:     r.id,
			BundleDir: bundle,
			Config:    e.config.Clone(),
			OnOutput:  s.outputHandler(e.tenant, e.botID, r),
		})
	})
	s.rec.SpawnDuration(s.now().Sub(t0), err)
	if err != nil {
		return nil, s.spawnFailed(e, "launch worker", err)
	}

	now := s.now()
	e.run = r
	e.proc = proc
	e.state = StateRunning
	e.startTime = now
	e.lastExit = nil
	if trigger != triggerStart {
		e.lastRestart = now
	}
	if s.creditsEnabled() {
		e.meter = s.meter.Start(e.tenant, e.botID)
	}
	s.watch(e.botID, r.id, proc)
	s.rec.BotStarted(trigger)

	evt := EventStarted
	switch trigger {
	case triggerRevive:
		evt = EventRevived
	case triggerRecycle:
		evt = EventRecycled
	}
	s.bus.Publish(Event{Type: evt, Tenant: e.tenant, BotID: e.botID, Attempt: e.restartAttempts, Message: trigger})
	s.log(e).WithFields(logrus.Fields{"pid": proc.PID(), "run_id": r.id, "trigger": trigger}).Info("bot spawned")
	return r, nil
}

func (s *Supervisor) spawnFailed(e *entry, step string, err error) error {
	s.meter.Stop(e.meter)
	e.meter = nil
	e.proc = nil
	e.run = nil
	e.state = StateBackoff
	exit := Exit{Code: -1, Err: err}
	e.lastExit = &exit

	msg := fmt.Sprintf("%s: %v", step, err)
	s.persistExit(e, exit)
	s.bus.Publish(Event{Type: EventSpawnFail, Tenant: e.tenant, BotID: e.botID, Message: msg})
	s.log(e).Errorf("spawn failed: %s", msg)
	s.nudge.Emit()
	return newError(KindProcessCreationFailure, e.botID, step, err)
}

func (s *Supervisor) persistExit(e *entry, exit Exit) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code := exit.Code
	_, err := s.reg.Mutate(ctx, e.tenant, e.botID, func(rec *registry.Record) error {
		rec.LastExitCode = &code
		rec.LastError = ""
		if exit.Err != nil {
			rec.LastError = exit.Err.Error()
		}
		if exit.Clean() {
			rec.DesiredRunning = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log(e).Warnf("persist exit: %v", err)
	}
}

// outputHandler feeds the ack signal and the heartbeat.
func (s *Supervisor) outputHandler(tenant, botID string, r *run) func(string) {
	return func(string) {
		r.markReady()
		now := s.now()
		r.lastOutput.Store(now.UnixNano())
		if !s.heartbeat.TryMark(botID, now) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.reg.Mutate(ctx, tenant, botID, func(rec *registry.Record) error {
			rec.LastActive = now
			return nil
		})
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			logger.WithField("bot_id", botID).Debugf("heartbeat: %v", err)
		}
	}
}

func (s *Supervisor) watch(botID, runID string, proc Process) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-proc.Done():
			s.handleExit(botID, runID, proc.Exit())
		case <-s.ctx.Done():
		}
	}()
}

// handleExit classifies one exit notification. Notifications for a run the
// supervisor already replaced or tore down are ignored.
func (s *Supervisor) handleExit(botID, runID string, exit Exit) {
	unlock := s.locks.Lock(botID)
	defer unlock()
	e := s.getEntry(botID)
	if e == nil || e.run == nil || e.run.id != runID || e.proc == nil {
		logger.WithFields(logrus.Fields{"bot_id": botID, "run_id": runID}).Debug("stale exit ignored")
		return
	}
	s.handleExitLocked(e, exit)
}

func (s *Supervisor) handleExitLocked(e *entry, exit Exit) {
	s.meter.Stop(e.meter)
	e.meter = nil
	e.proc = nil
	e.run = nil
	e.lastExit = &exit
	s.persistExit(e, exit)
	code := exit.Code

	if exit.Clean() {
		s.removeEntry(e)
		s.reclaim(e)
		s.rec.BotStopped("clean")
		s.bus.Publish(Event{Type: EventExited, Tenant: e.tenant, BotID: e.botID, ExitCode: &code})
		s.log(e).Info("bot exited cleanly")
		return
	}
	e.state = StateBackoff
	s.rec.BotStopped("crash")
	s.bus.Publish(Event{Type: EventCrashed, Tenant: e.tenant, BotID: e.botID, ExitCode: &code, Attempt: e.restartAttempts})
	s.log(e).WithField("exit_code", code).Warnf("bot crashed: %v", exit.Err)
	s.nudge.Emit()
}

// awaitAck waits for the first output line, an early exit, or the ack window.
func (s *Supervisor) awaitAck(ctx context.Context, res StartResult, r *run, proc Process) StartResult {
	if r == nil || proc == nil {
		return res
	}
	t := time.NewTimer(s.opts.AckWindow)
	defer t.Stop()
	select {
	case <-r.ready:
		res.State = StateRunning
		res.Message = "bot started"
	case <-proc.Done():
		exit := proc.Exit()
		if exit.Clean() {
			res.State = StateStopped
		} else {
			res.State = StateBackoff
		}
		res.Message = fmt.Sprintf("bot exited during startup (code %d)", exit.Code)
	case <-t.C:
		res.State = StateStarting
		res.Message = "bot is starting"
	case <-ctx.Done():
		res.State = StateStarting
		res.Message = "bot is starting"
	}
	return res
}

// killLocked terminates e's worker and detaches it, so the exit watcher
// treats the resulting notification as stale.
func (s *Supervisor) killLocked(e *entry) {
	proc := e.proc
	e.proc = nil
	e.run = nil
	if proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.KillGrace+5*time.Second)
	defer cancel()
	if err := proc.Kill(ctx, s.opts.KillGrace); err != nil {
		s.log(e).Errorf("kill worker pid=%d: %v", proc.PID(), err)
	}
}

func (s *Supervisor) cancelRevival(e *entry) {
	if e.revivalCancel != nil {
		e.revivalCancel()
	}
	e.revivalCancel = nil
	e.revivalID = 0
	e.revivalAt = time.Time{}
}

func (s *Supervisor) reclaim(e *entry) {
	if err := s.store.Reclaim(e.botID); err != nil {
		s.log(e).Warnf("reclaim bundle: %v", err)
	}
}

// teardownLocked ends everything e holds and drops it from the table.
func (s *Supervisor) teardownLocked(e *entry, outcome string) {
	s.cancelRevival(e)
	s.meter.Stop(e.meter)
	e.meter = nil
	s.killLocked(e)
	s.removeEntry(e)
	s.reclaim(e)
	s.rec.BotStopped(outcome)
}

// ownedRecord loads botID's record, checking that tenant owns it.
func (s *Supervisor) ownedRecord(ctx context.Context, tenant, botID string) (registry.Record, error) {
	owner, ok := s.reg.Owner(botID)
	if !ok {
		return registry.Record{}, newError(KindNotFound, botID, "bot not found", nil)
	}
	if owner != tenant {
		return registry.Record{}, newError(KindOwnershipViolation, botID, "bot belongs to another tenant", nil)
	}
	rec, err := s.reg.Get(ctx, tenant, botID)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Record{}, newError(KindNotFound, botID, "bot not found", nil)
	}
	if err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

// Stop tears botID down and marks it manually stopped so recovery leaves it
// alone.
func (s *Supervisor) Stop(ctx context.Context, tenant, botID string) error {
	unlock := s.locks.Lock(botID)
	defer unlock()

	if _, err := s.ownedRecord(ctx, tenant, botID); err != nil {
		return err
	}
	e := s.getEntry(botID)
	if e == nil {
		return newError(KindNotFound, botID, "bot is not running", nil)
	}
	s.teardownLocked(e, "manual")

	_, err := s.reg.Mutate(ctx, tenant, botID, func(rec *registry.Record) error {
		rec.ManuallyStopped = true
		rec.AutoRestart = false
		rec.DesiredRunning = false
		return nil
	})
	if err != nil {
		s.log(e).Errorf("persist stop: %v", err)
	}
	s.bus.Publish(Event{Type: EventStopped, Tenant: tenant, BotID: botID, Message: "manual"})
	s.log(e).Info("bot stopped")
	return nil
}

// Restart replaces a live worker with a fresh one using the persisted
// config. It neither charges nor re-admits; the metering timer restarts.
func (s *Supervisor) Restart(ctx context.Context, tenant, botID string) (StartResult, error) {
	unlock := s.locks.Lock(botID)
	res, r, proc, err := s.restartLocked(ctx, tenant, botID)
	unlock()
	if err != nil {
		return res, err
	}
	return s.awaitAck(ctx, res, r, proc), nil
}

func (s *Supervisor) restartLocked(ctx context.Context, tenant, botID string) (StartResult, *run, Process, error) {
	res := StartResult{BotID: botID}
	rec, err := s.ownedRecord(ctx, tenant, botID)
	if err != nil {
		return res, nil, nil, err
	}
	e := s.getEntry(botID)
	if e == nil {
		return res, nil, nil, newError(KindNotRunning, botID, "bot is not running", nil)
	}

	s.cancelRevival(e)
	s.meter.Stop(e.meter)
	e.meter = nil
	s.killLocked(e)

	now := s.now()
	_, err = s.reg.Mutate(ctx, tenant, botID, func(r *registry.Record) error {
		r.ManuallyStopped = false
		r.DesiredRunning = true
		r.RestartAttempts = 0
		r.LastRestart = &now
		return nil
	})
	if err != nil {
		s.log(e).Warnf("persist restart: %v", err)
	}

	e.config = rec.Config.Clone()
	e.restartAttempts = 0
	e.state = StateStarting
	r, err := s.spawnLocked(ctx, e, triggerRestart)
	if err != nil {
		return res, nil, nil, err
	}
	res.RunID = r.id
	res.PID = e.proc.PID()
	return res, r, e.proc, nil
}

// Delete tears the bot down if needed and removes its record. Tenant
// overrides are kept.
func (s *Supervisor) Delete(ctx context.Context, tenant, botID string) error {
	unlock := s.locks.Lock(botID)
	defer unlock()

	if _, err := s.ownedRecord(ctx, tenant, botID); err != nil {
		return err
	}
	if e := s.getEntry(botID); e != nil {
		s.teardownLocked(e, "deleted")
	} else if err := s.store.Reclaim(botID); err != nil {
		logger.WithField("bot_id", botID).Warnf("reclaim bundle: %v", err)
	}
	if err := s.reg.Delete(ctx, tenant, botID); err != nil {
		return err
	}
	s.heartbeat.Forget(botID)
	s.bus.Publish(Event{Type: EventDeleted, Tenant: tenant, BotID: botID})
	logger.WithFields(logrus.Fields{"tenant": tenant, "bot_id": botID}).Info("bot deleted")
	return nil
}

// ToggleAutoRestart flips the record's autoRestart flag. Enabling it does
// not start a stopped bot.
func (s *Supervisor) ToggleAutoRestart(ctx context.Context, tenant, botID string, enabled bool) (registry.Record, error) {
	unlock := s.locks.Lock(botID)
	defer unlock()

	if _, err := s.ownedRecord(ctx, tenant, botID); err != nil {
		return registry.Record{}, err
	}
	rec, err := s.reg.Mutate(ctx, tenant, botID, func(r *registry.Record) error {
		r.AutoRestart = enabled
		return nil
	})
	if err != nil {
		return registry.Record{}, err
	}
	if !enabled {
		// a pending revival must not fire once auto-restart is off
		if e := s.getEntry(botID); e != nil && e.state == StateBackoff {
			s.cancelRevival(e)
			s.nudge.Emit()
		}
	}
	return rec, nil
}

// onMeterTick debits one period and force-stops the bot once credits run
// out. manuallyStopped is left untouched so the tenant can resume later.
func (s *Supervisor) onMeterTick(_ context.Context, h *quota.MeterHandle) {
	unlock := s.locks.Lock(h.BotID)
	defer unlock()

	e := s.getEntry(h.BotID)
	if e == nil || e.meter != h || !s.meter.Current(h) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bal, exhausted, err := s.ledger.Tick(ctx, h.Tenant, h.BotID, s.opts.TickCost)
	if err != nil {
		s.log(e).Errorf("credit tick: %v", err)
		return
	}
	s.rec.CreditTick(exhausted)
	if !exhausted {
		s.log(e).WithField("balance", bal.String()).Debug("credit tick")
		return
	}

	s.teardownLocked(e, "credits")
	_, err = s.reg.Mutate(ctx, h.Tenant, h.BotID, func(rec *registry.Record) error {
		rec.DesiredRunning = false
		rec.LastError = "credits exhausted"
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log(e).Warnf("persist credit stop: %v", err)
	}
	s.bus.Publish(Event{Type: EventExhausted, Tenant: h.Tenant, BotID: h.BotID, Message: "credits exhausted"})
	s.log(e).Warn("bot stopped: credits exhausted")
}

// Balance returns tenant's credit balance.
func (s *Supervisor) Balance(ctx context.Context, tenant string) (decimal.Decimal, error) {
	if !s.creditsEnabled() {
		return decimal.Zero, ErrCreditsDisabled
	}
	return s.ledger.Balance(ctx, tenant)
}

// GrantCredit is the rate-limited collection action.
func (s *Supervisor) GrantCredit(ctx context.Context, tenant string) (decimal.Decimal, error) {
	if !s.creditsEnabled() {
		return decimal.Zero, ErrCreditsDisabled
	}
	return s.ledger.Grant(ctx, tenant)
}

// CreditHistory lists tenant's recent ledger events.
func (s *Supervisor) CreditHistory(ctx context.Context, tenant string, limit int) ([]quota.Event, error) {
	if !s.creditsEnabled() {
		return nil, nil
	}
	return s.ledger.History(ctx, tenant, limit)
}

// Readopt starts the bots that were running when the process last went
// down, through the revival path (no admission, no charge).
func (s *Supervisor) Readopt(ctx context.Context) (int, error) {
	recs, err := s.reg.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.DesiredRunning || !rec.AutoRestart || rec.ManuallyStopped {
			continue
		}
		if s.readoptOne(ctx, rec) {
			n++
		}
	}
	return n, nil
}

func (s *Supervisor) readoptOne(ctx context.Context, rec registry.Record) bool {
	unlock := s.locks.Lock(rec.BotID)
	defer unlock()
	if s.getEntry(rec.BotID) != nil {
		return false
	}
	e := &entry{
		tenant:          rec.OwnerID,
		botID:           rec.BotID,
		config:          rec.Config.Clone(),
		state:           StateStarting,
		restartAttempts: rec.RestartAttempts,
	}
	s.putEntry(e)
	_, err := s.spawnLocked(ctx, e, triggerReadopt)
	return err == nil
}

// Close tears down every live worker without touching persisted intent, so
// the next boot re-adopts them.
func (s *Supervisor) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range s.liveIDs() {
		unlock := s.locks.Lock(id)
		if e := s.getEntry(id); e != nil {
			s.cancelRevival(e)
			s.meter.Stop(e.meter)
			e.meter = nil
			s.killLocked(e)
			s.removeEntry(e)
			s.reclaim(e)
		}
		unlock()
	}
	s.cancel()
	s.meter.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
