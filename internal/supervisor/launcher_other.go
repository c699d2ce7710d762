//go:build !unix

package supervisor

import (
	"context"
	"errors"
	"path/filepath"
)

const ConfigFileName = "config.yaml"

type ExecLauncher struct {
	Bin        string
	Args       []string
	LogsDir    string
	LogMaxMB   int
	LogBackups int
	Env        []string
}

func BotLogPath(logsDir, botID string) string {
	return filepath.Join(logsDir, "bots", botID, "bot.log")
}

func (l *ExecLauncher) Launch(context.Context, LaunchSpec) (Process, error) {
	return nil, errors.New("process groups are only supported on unix")
}
