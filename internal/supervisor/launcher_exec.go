//go:build unix

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/betbot/botfleet/pkg/logger"
)

// ConfigFileName is written into every bundle and passed as BOT_CONFIG.
const ConfigFileName = "config.yaml"

// ExecLauncher runs workers as OS processes, each in its own process group.
type ExecLauncher struct {
	Bin        string
	Args       []string
	LogsDir    string
	LogMaxMB   int
	LogBackups int
	Env        []string
}

// BotLogPath is where a worker's combined output is written.
func BotLogPath(logsDir, botID string) string {
	return filepath.Join(logsDir, "bots", botID, "bot.log")
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(spec.BundleDir, ConfigFileName)
	b, err := yaml.Marshal(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("encode bot config: %w", err)
	}
	if err := os.WriteFile(cfgPath, b, 0o600); err != nil {
		return nil, fmt.Errorf("write bot config: %w", err)
	}

	out, err := logger.NewRotatingWriter(BotLogPath(l.LogsDir, spec.BotID), l.LogMaxMB, l.LogBackups)
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = out.Close()
		return nil, err
	}

	cmd := exec.Command(l.Bin, l.Args...)
	cmd.Dir = spec.BundleDir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		"BOT_CONFIG="+cfgPath,
		"BOT_ID="+spec.BotID,
		"USER_ID="+spec.Tenant,
		"BOT_BUNDLE_DIR="+spec.BundleDir,
		"BOT_RUN_ID="+spec.RunID,
	)
	// 独立进程组：停止时整组终止，不影响 server
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = out.Close()
		return nil, err
	}
	// parent keeps only the read end
	_ = pw.Close()

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		pump(pr, out, spec.OnOutput)
	}()
	go func() {
		waitErr := cmd.Wait()
		// grandchildren may keep the pipe open after the leader is gone
		select {
		case <-pumped:
		case <-time.After(2 * time.Second):
		}
		_ = pr.Close()
		<-pumped
		_ = out.Close()

		exit := Exit{}
		if waitErr != nil {
			var ee *exec.ExitError
			if errors.As(waitErr, &ee) {
				exit.Code = ee.ExitCode()
				if exit.Code == 0 {
					exit.Code = -1
				}
			} else {
				exit.Code = -1
			}
			exit.Err = waitErr
		}
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// pump copies worker output to w line by line. It ends at EOF, which happens
// once every process in the group has closed the pipe.
func pump(r io.Reader, w io.Writer, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		_, _ = io.WriteString(w, line+"\n")
		if onLine != nil {
			onLine(line)
		}
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	exit Exit
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *execProcess) Kill(ctx context.Context, grace time.Duration) error {
	pgid := p.PID()
	select {
	case <-p.done:
		return nil
	default:
	}
	// 先 SIGTERM 整个进程组
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pgid, unix.SIGTERM)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	// 再 SIGKILL
	_ = unix.Kill(-pgid, unix.SIGKILL)
	_ = unix.Kill(pgid, unix.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kill pid=%d: %w", pgid, ctx.Err())
	}
}
