package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/registry"
)

// backoffDelay is base*2^attempts, capped at MaxDelay.
func (s *Supervisor) backoffDelay(attempts int) time.Duration {
	d := s.opts.Recovery.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.opts.Recovery.MaxDelay {
			return s.opts.Recovery.MaxDelay
		}
	}
	if d > s.opts.Recovery.MaxDelay {
		return s.opts.Recovery.MaxDelay
	}
	return d
}

// RecoverOnce is one pass of the health and recovery loop.
//
// Per bot: RUNNING -(crash)-> BACKOFF(n) -(timer)-> RUNNING, and once n hits
// the ceiling the next crash is DEAD: the entry is dropped and only the
// record remains.
func (s *Supervisor) RecoverOnce(ctx context.Context) {
	metrics.RecoveryRuns.Add(1)
	for _, id := range s.liveIDs() {
		if ctx.Err() != nil {
			return
		}
		s.recoverBot(ctx, id)
	}
}

func (s *Supervisor) recoverBot(ctx context.Context, botID string) {
	unlock := s.locks.Lock(botID)
	defer unlock()

	e := s.getEntry(botID)
	if e == nil {
		return
	}
	switch e.state {
	case StateStarting:
		return
	case StateRunning:
		if e.proc == nil {
			return
		}
		select {
		case <-e.proc.Done():
			// the exit notification has not been handled yet
			s.handleExitLocked(e, e.proc.Exit())
			if s.getEntry(botID) != e {
				return
			}
		default:
			s.stableReset(ctx, e)
			return
		}
	}
	if e.state != StateBackoff || e.revivalCancel != nil {
		return
	}

	rec, err := s.reg.Lookup(ctx, botID)
	if errors.Is(err, registry.ErrNotFound) {
		s.dropLocked(e, "orphaned")
		return
	}
	if err != nil {
		metrics.RecoveryErrors.Add(1)
		s.log(e).Warnf("recovery lookup: %v", err)
		return
	}
	if !rec.AutoRestart || rec.ManuallyStopped {
		s.dropLocked(e, "not restartable")
		s.persistIntent(ctx, e, func(r *registry.Record) { r.DesiredRunning = false })
		s.log(e).Info("crashed bot left stopped: auto-restart disabled")
		return
	}

	ceiling := s.opts.Recovery.MaxAttempts
	if e.restartAttempts >= ceiling {
		attempts := e.restartAttempts
		s.dropLocked(e, "dead")
		s.persistIntent(ctx, e, func(r *registry.Record) {
			r.DesiredRunning = false
			r.RestartAttempts = attempts
			r.LastError = fmt.Sprintf("gave up after %d restart attempts", attempts)
		})
		s.rec.BotDead()
		s.bus.Publish(Event{Type: EventDead, Tenant: e.tenant, BotID: botID, Attempt: attempts})
		s.log(e).Errorf("restart ceiling reached (%d), bot is dead", attempts)
		return
	}

	delay := s.backoffDelay(e.restartAttempts)
	e.restartAttempts++
	attempt := e.restartAttempts
	s.persistIntent(ctx, e, func(r *registry.Record) { r.RestartAttempts = attempt })
	s.scheduleRevival(e, delay)
	s.rec.BotRevived(attempt, delay)
	s.bus.Publish(Event{Type: EventBackoff, Tenant: e.tenant, BotID: botID, Attempt: attempt,
		Message: fmt.Sprintf("revival in %s", delay)})
	s.log(e).Infof("revival %d/%d scheduled in %s", attempt, ceiling, delay)
}

// stableReset forgives past crashes once a worker has stayed up long enough.
func (s *Supervisor) stableReset(ctx context.Context, e *entry) {
	after := s.opts.Recovery.StableAfter
	if after <= 0 || e.restartAttempts == 0 || s.now().Sub(e.startTime) < after {
		return
	}
	e.restartAttempts = 0
	s.persistIntent(ctx, e, func(r *registry.Record) { r.RestartAttempts = 0 })
	s.log(e).Info("bot stable, restart attempts reset")
}

func (s *Supervisor) persistIntent(ctx context.Context, e *entry, fn func(r *registry.Record)) {
	_, err := s.reg.Mutate(ctx, e.tenant, e.botID, func(r *registry.Record) error {
		fn(r)
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log(e).Warnf("persist record: %v", err)
	}
}

// dropLocked removes e for good without touching its record.
func (s *Supervisor) dropLocked(e *entry, outcome string) {
	s.cancelRevival(e)
	s.meter.Stop(e.meter)
	e.meter = nil
	s.killLocked(e)
	s.removeEntry(e)
	s.reclaim(e)
	s.log(e).WithField("outcome", outcome).Debug("live entry dropped")
}

func (s *Supervisor) scheduleRevival(e *entry, delay time.Duration) {
	id := s.revivalSeq.Add(1)
	ctx, cancel := context.WithCancel(s.ctx)
	e.revivalID = id
	e.revivalCancel = cancel
	e.revivalAt = s.now().Add(delay)
	botID := e.botID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.revive(botID, id)
	}()
}

// revive fires a scheduled revival. It bypasses admission and credits: the
// entry never left the table, so its slot is still counted. A failed spawn
// leaves the entry in backoff, which the next pass treats as another crash.
func (s *Supervisor) revive(botID string, id uint64) {
	unlock := s.locks.Lock(botID)
	defer unlock()

	e := s.getEntry(botID)
	if e == nil || e.revivalID != id || e.state != StateBackoff || s.closed.Load() {
		return
	}
	s.cancelRevival(e)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := s.reg.Lookup(ctx, botID)
	if err != nil || !rec.AutoRestart || rec.ManuallyStopped {
		s.dropLocked(e, "not restartable")
		return
	}
	now := s.now()
	s.persistIntent(ctx, e, func(r *registry.Record) { r.LastRestart = &now })
	_, _ = s.spawnLocked(ctx, e, triggerRevive)
}
