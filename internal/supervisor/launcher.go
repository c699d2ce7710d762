package supervisor

import (
	"context"
	"time"

	"github.com/betbot/botfleet/internal/registry"
)

// LaunchSpec is everything a launcher needs to create one worker.
type LaunchSpec struct {
	BotID     string
	Tenant    string
	RunID     string
	BundleDir string
	Config    registry.BotConfig
	// OnOutput is called for every line the worker writes.
	OnOutput func(line string)
}

// Exit describes how a worker ended.
type Exit struct {
	Code int
	Err  error
}

// Clean reports a zero exit without a wait error.
func (e Exit) Clean() bool { return e.Code == 0 && e.Err == nil }

// Process is a running worker. Done is closed exactly once, after which Exit
// is stable.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Exit() Exit
	// Kill terminates the worker's whole process group, escalating to a
	// forceful kill once grace has elapsed, and returns after Done closed
	// or ctx ended.
	Kill(ctx context.Context, grace time.Duration) error
}

// Launcher creates workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
