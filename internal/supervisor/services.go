package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/betbot/botfleet/internal/common"
	"github.com/betbot/botfleet/pkg/logger"
)

// loopService adapts a periodic pass to suture.Service.
type loopService struct {
	name     string
	interval time.Duration
	nudge    <-chan struct{}
	fn       func(ctx context.Context)
}

func (l *loopService) String() string { return l.name }

// Serve implements suture.Service.
func (l *loopService) Serve(ctx context.Context) error {
	logger.WithField("service", l.name).Infof("started (interval=%s)", l.interval)
	return common.RunEvery(ctx, l.interval, l.nudge, l.fn)
}

// RecoveryService runs the health and recovery loop. Crashes nudge it so
// revivals do not wait for the next tick.
func (s *Supervisor) RecoveryService(interval time.Duration) suture.Service {
	return &loopService{
		name:     "recovery-loop",
		interval: interval,
		nudge:    s.nudge.C(),
		fn:       s.RecoverOnce,
	}
}

// GovernorService runs the memory governor.
func (s *Supervisor) GovernorService(interval time.Duration) suture.Service {
	return &loopService{
		name:     "resource-governor",
		interval: interval,
		fn:       func(ctx context.Context) { s.GovernOnce(ctx) },
	}
}

// SweepService runs the orphan sweep.
func (s *Supervisor) SweepService(interval, minAge time.Duration) suture.Service {
	return &loopService{
		name:     "orphan-sweep",
		interval: interval,
		fn:       func(ctx context.Context) { s.Sweep(ctx, minAge) },
	}
}

// CatalogService keeps the available-units listing fresh.
func (s *Supervisor) CatalogService(interval time.Duration) suture.Service {
	return &loopService{
		name:     "catalog-refresh",
		interval: interval,
		fn: func(context.Context) {
			if _, err := s.store.RefreshCatalog(); err != nil {
				govLog().Warnf("refresh catalog: %v", err)
			}
		},
	}
}

// EventHook forwards suture's service failures to logrus.
func EventHook() suture.EventHook {
	return func(e suture.Event) {
		entry := logger.WithFields(logrus.Fields(e.Map()))
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			entry.Error(e.String())
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			entry.Warn(e.String())
		default:
			entry.Info(e.String())
		}
	}
}

// NewTree builds the root suture supervisor every long-running service
// hangs off.
func NewTree(name string, shutdownTimeout time.Duration) *suture.Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook:        EventHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}
