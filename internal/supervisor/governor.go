package supervisor

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/sysmem"
	"github.com/betbot/botfleet/pkg/logger"
)

func govLog() *logrus.Entry { return logger.WithField("component", "governor") }

// GovernOnce samples host memory and, above the high-water mark, recycles
// the oldest share of running bots. It returns the recycled botIds.
func (s *Supervisor) GovernOnce(ctx context.Context) []string {
	metrics.GovernorRuns.Add(1)
	sample, err := s.mem.Sample()
	if err != nil {
		govLog().Debugf("memory sample: %v", err)
		return nil
	}
	s.lastMem.Store(sample)
	util := sample.Utilization()
	s.rec.MemoryUtilization(util)
	if util <= s.opts.Governor.HighWater {
		return nil
	}

	victims := s.oldestRunning(s.opts.Governor.RecycleFraction)
	govLog().Warnf("memory at %.1f%% above %.0f%%, recycling %d bot(s)",
		util*100, s.opts.Governor.HighWater*100, len(victims))

	var out []string
	for _, id := range victims {
		if ctx.Err() != nil {
			break
		}
		if s.recycle(ctx, id) {
			out = append(out, id)
		}
	}
	return out
}

type aged struct {
	botID string
	start time.Time
}

// oldestRunning picks ceil(fraction*running) bots by start time, at least one.
func (s *Supervisor) oldestRunning(fraction float64) []string {
	var running []aged
	for _, id := range s.liveIDs() {
		unlock := s.locks.Lock(id)
		if e := s.getEntry(id); e != nil && e.state == StateRunning {
			running = append(running, aged{botID: id, start: e.startTime})
		}
		unlock()
	}
	if len(running) == 0 {
		return nil
	}
	sort.Slice(running, func(i, j int) bool {
		if running[i].start.Equal(running[j].start) {
			return running[i].botID < running[j].botID
		}
		return running[i].start.Before(running[j].start)
	})
	n := int(math.Ceil(float64(len(running)) * fraction))
	if n < 1 {
		n = 1
	}
	if n > len(running) {
		n = len(running)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = running[i].botID
	}
	return out
}

// recycle is an internally initiated restart. Crash counters are untouched.
func (s *Supervisor) recycle(ctx context.Context, botID string) bool {
	unlock := s.locks.Lock(botID)
	defer unlock()

	e := s.getEntry(botID)
	if e == nil || e.state != StateRunning {
		return false
	}
	s.meter.Stop(e.meter)
	e.meter = nil
	s.killLocked(e)
	e.state = StateStarting
	if _, err := s.spawnLocked(ctx, e, triggerRecycle); err != nil {
		return false
	}
	s.rec.BotRecycled()
	return true
}

// SweepReport lists what a sweep reclaimed.
type SweepReport struct {
	Bundles []string `json:"bundles"`
	Meters  []string `json:"meters"`
}

// Sweep reclaims orphaned artifacts: bundle directories and metering timers
// whose bot has no live entry. Bundles younger than minAge are kept.
func (s *Supervisor) Sweep(ctx context.Context, minAge time.Duration) SweepReport {
	metrics.SweepRuns.Add(1)
	var rep SweepReport
	bundles, err := s.store.Sweep(s.isLive, minAge)
	if err != nil {
		govLog().Warnf("sweep bundles: %v", err)
	}
	rep.Bundles = bundles
	rep.Meters = s.meter.Sweep(s.isLive)
	n := len(rep.Bundles) + len(rep.Meters)
	metrics.SweepReclaimed.Add(int64(n))
	if n > 0 {
		govLog().Infof("sweep reclaimed %d bundle(s), %d meter(s)", len(rep.Bundles), len(rep.Meters))
	}
	return rep
}

// ForceCleanup is the admin trigger: an immediate sweep ignoring age, plus a
// catalog refresh.
func (s *Supervisor) ForceCleanup(ctx context.Context) SweepReport {
	rep := s.Sweep(ctx, 0)
	if _, err := s.store.RefreshCatalog(); err != nil {
		govLog().Warnf("refresh catalog: %v", err)
	}
	return rep
}

func (s *Supervisor) memorySample() (sysmem.Sample, bool) {
	v, ok := s.lastMem.Load().(sysmem.Sample)
	return v, ok
}
