package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/betbot/botfleet/internal/registry"
)

// Status merges the record (intent) with the live entry (fact). The live
// table decides whether the bot is running; the record decides whether it
// should be.
type Status struct {
	BotID           string     `json:"botId"`
	Tenant          string     `json:"tenant"`
	State           State      `json:"state"`
	Running         bool       `json:"running"`
	PID             int        `json:"pid,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	UptimeSeconds   int64      `json:"uptimeSeconds"`
	RestartAttempts int        `json:"restartAttempts"`
	LastRestart     *time.Time `json:"lastRestart,omitempty"`
	NextRevival     *time.Time `json:"nextRevival,omitempty"`
	AutoRestart     bool       `json:"autoRestart"`
	ManuallyStopped bool       `json:"manuallyStopped"`
	LastActive      time.Time  `json:"lastActive"`
	LastExitCode    *int       `json:"lastExitCode,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

// Details adds the bundle summary to Status.
type Details struct {
	Status
	Config       registry.BotConfig `json:"config"`
	CommandCount int                `json:"commandCount"`
	EventCount   int                `json:"eventCount"`
	CreatedAt    time.Time          `json:"createdAt"`
	BundleDir    string             `json:"bundleDir,omitempty"`
}

func (s *Supervisor) statusOf(rec registry.Record) Status {
	st := Status{
		BotID:           rec.BotID,
		Tenant:          rec.OwnerID,
		State:           StateStopped,
		RestartAttempts: rec.RestartAttempts,
		LastRestart:     rec.LastRestart,
		AutoRestart:     rec.AutoRestart,
		ManuallyStopped: rec.ManuallyStopped,
		LastActive:      rec.LastActive,
		LastExitCode:    rec.LastExitCode,
		LastError:       rec.LastError,
	}

	unlock := s.locks.Lock(rec.BotID)
	defer unlock()
	e := s.getEntry(rec.BotID)
	if e == nil {
		if !rec.ManuallyStopped && rec.RestartAttempts >= s.opts.Recovery.MaxAttempts {
			st.State = StateDead
		}
		return st
	}

	now := s.now()
	st.State = e.state
	st.RestartAttempts = e.restartAttempts
	if !e.lastRestart.IsZero() {
		t := e.lastRestart
		st.LastRestart = &t
	}
	if !e.revivalAt.IsZero() {
		t := e.revivalAt
		st.NextRevival = &t
	}
	if e.proc != nil && e.state == StateRunning {
		st.Running = true
		st.PID = e.proc.PID()
		t := e.startTime
		st.StartTime = &t
		st.UptimeSeconds = int64(now.Sub(e.startTime) / time.Second)
		if r := e.run; r != nil {
			if ns := r.lastOutput.Load(); ns > 0 {
				if seen := time.Unix(0, ns); seen.After(st.LastActive) {
					st.LastActive = seen
				}
			}
		}
	}
	if e.lastExit != nil {
		code := e.lastExit.Code
		st.LastExitCode = &code
	}
	return st
}

// Status reports one bot of tenant.
func (s *Supervisor) Status(ctx context.Context, tenant, botID string) (Status, error) {
	rec, err := s.ownedRecord(ctx, tenant, botID)
	if err != nil {
		return Status{}, err
	}
	return s.statusOf(rec), nil
}

// List reports every bot of tenant.
func (s *Supervisor) List(ctx context.Context, tenant string) ([]Status, error) {
	recs, err := s.reg.List(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.statusOf(rec))
	}
	return out, nil
}

// Details reports one bot with its redacted config.
func (s *Supervisor) Details(ctx context.Context, tenant, botID string) (Details, error) {
	rec, err := s.ownedRecord(ctx, tenant, botID)
	if err != nil {
		return Details{}, err
	}
	d := Details{
		Status:       s.statusOf(rec),
		Config:       rec.Config.Redacted(),
		CommandCount: len(rec.Config.Commands),
		EventCount:   len(rec.Config.Events),
		CreatedAt:    rec.CreatedAt,
	}
	if d.Running {
		d.BundleDir = s.store.BundleDir(botID)
	}
	return d, nil
}

// ExportConfig returns botID's persisted record regardless of owner. The
// token is masked unless redact is false.
func (s *Supervisor) ExportConfig(ctx context.Context, botID string, redact bool) (registry.Record, error) {
	rec, err := s.reg.Lookup(ctx, botID)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Record{}, newError(KindNotFound, botID, "bot not found", nil)
	}
	if err != nil {
		return registry.Record{}, err
	}
	if redact {
		rec.Config = rec.Config.Redacted()
	}
	return rec, nil
}

// AllBots reports every bot of every tenant.
func (s *Supervisor) AllBots(ctx context.Context) ([]Status, error) {
	recs, err := s.reg.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.statusOf(rec))
	}
	return out, nil
}

// Usage is the aggregate resource view for operators.
type Usage struct {
	Live              int     `json:"live"`
	Running           int     `json:"running"`
	Backoff           int     `json:"backoff"`
	GlobalCeiling     int     `json:"globalCeiling"`
	PerTenantCeiling  int     `json:"perTenantCeiling"`
	Meters            int     `json:"meters"`
	MemoryUtilization float64 `json:"memoryUtilization"`
	MemoryTotal       uint64  `json:"memoryTotalBytes"`
	MemoryAvailable   uint64  `json:"memoryAvailableBytes"`
	HighWater         float64 `json:"highWater"`
}

func (s *Supervisor) Usage(ctx context.Context) (Usage, error) {
	u := Usage{
		GlobalCeiling:    s.auth.GlobalCeiling(),
		PerTenantCeiling: s.auth.PerTenantCeiling(),
		Meters:           len(s.meter.Active()),
		HighWater:        s.opts.Governor.HighWater,
	}
	for _, id := range s.liveIDs() {
		unlock := s.locks.Lock(id)
		if e := s.getEntry(id); e != nil {
			u.Live++
			switch e.state {
			case StateRunning, StateStarting:
				u.Running++
			case StateBackoff:
				u.Backoff++
			}
		}
		unlock()
	}
	sample, ok := s.memorySample()
	if !ok {
		if fresh, err := s.mem.Sample(); err == nil {
			sample, ok = fresh, true
		}
	}
	if ok {
		u.MemoryUtilization = sample.Utilization()
		u.MemoryTotal = sample.Total
		u.MemoryAvailable = sample.Available
	}
	return u, ctx.Err()
}
