//go:build unix

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/botfleet/internal/registry"
)

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
}

func (l *lines) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func launchShell(t *testing.T, script string, out *lines) (Process, string, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	root := t.TempDir()
	bundle := filepath.Join(root, "bundle")
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	logs := filepath.Join(root, "logs")

	l := &ExecLauncher{Bin: "/bin/sh", Args: []string{"-c", script}, LogsDir: logs, LogMaxMB: 1, LogBackups: 1}
	p, err := l.Launch(context.Background(), LaunchSpec{
		BotID:     "b1",
		Tenant:    "alice",
		RunID:     "run-1",
		BundleDir: bundle,
		Config:    registry.BotConfig{Token: "secret", Commands: []string{"ping"}},
		OnOutput:  out.add,
	})
	require.NoError(t, err)
	return p, bundle, logs
}

func TestExecLauncher_ReportsExitCodeAndOutput(t *testing.T) {
	out := &lines{}
	p, bundle, logs := launchShell(t, `echo hello; echo "$BOT_ID/$USER_ID/$BOT_RUN_ID"; exit 3`, out)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	exit := p.Exit()
	assert.Equal(t, 3, exit.Code)
	assert.False(t, exit.Clean())
	assert.Equal(t, []string{"hello", "b1/alice/run-1"}, out.snapshot())

	info, err := os.Stat(filepath.Join(bundle, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	logged, err := os.ReadFile(BotLogPath(logs, "b1"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "hello\n")
}

func TestExecLauncher_CleanExit(t *testing.T) {
	p, _, _ := launchShell(t, `exit 0`, &lines{})
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.True(t, p.Exit().Clean())
}

func TestExecLauncher_KillEscalatesToSIGKILL(t *testing.T) {
	out := &lines{}
	p, _, _ := launchShell(t, `trap "" TERM; echo up; sleep 30`, out)
	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, p.Kill(ctx, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed after kill")
	}
	assert.False(t, p.Exit().Clean())
	// killing an exited worker is a no-op
	require.NoError(t, p.Kill(ctx, time.Millisecond))
}
