package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/botfleet/internal/supervisor"
)

const (
	defaultTail  = 200
	maxTail      = 5000
	tailMaxBytes = 256 * 1024
)

// ownsBot 校验 bot 属于请求租户，失败时已写出响应
func (s *Server) ownsBot(w http.ResponseWriter, r *http.Request, botID string) bool {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.sup.Status(ctx, tenantOf(r), botID); err != nil {
		writeDomainError(w, err)
		return false
	}
	return true
}

func (s *Server) handleBotLogsTail(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	if !s.ownsBot(w, r, botID) {
		return
	}
	n := defaultTail
	if v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("tail"))); err == nil && v > 0 {
		n = min(v, maxTail)
	}

	lines, err := tailLines(supervisor.BotLogPath(s.cfg.LogsDir, botID), n, tailMaxBytes)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		lines = []string{}
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read log: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "lines": lines})
}

// handleBotLogsStream 以 SSE 推送日志追加内容；文件被轮转后重新打开
func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	if !s.ownsBot(w, r, botID) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(event, data string) {
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", escapeSSE(data))
		flusher.Flush()
	}

	fl := &logFollower{path: supervisor.BotLogPath(s.cfg.LogsDir, botID)}
	defer fl.close()
	if err := fl.open(true); err != nil {
		emit("info", "log file not found yet")
	}

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			lines, err := fl.poll()
			for _, line := range lines {
				emit("", line)
			}
			if err != nil {
				emit("error", err.Error())
				return
			}
		}
	}
}

// logFollower 跟随一个可能被 lumberjack 轮转的日志文件
type logFollower struct {
	path    string
	f       *os.File
	info    os.FileInfo
	offset  int64
	pending []byte
}

func (l *logFollower) open(atEnd bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.f, l.info, l.offset, l.pending = f, st, 0, nil
	if atEnd {
		l.offset = st.Size()
	}
	return nil
}

func (l *logFollower) close() {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

// rotated 报告路径是否已指向新文件，或当前文件被截断
func (l *logFollower) rotated() bool {
	st, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return !os.SameFile(st, l.info) || st.Size() < l.offset
}

func (l *logFollower) poll() ([]string, error) {
	if l.f == nil {
		if err := l.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}
	lines, err := l.drain()
	if err != nil {
		return lines, err
	}
	if l.rotated() {
		l.close()
		if err := l.open(false); err == nil {
			more, err := l.drain()
			return append(lines, more...), err
		}
	}
	return lines, nil
}

func (l *logFollower) drain() ([]string, error) {
	buf := make([]byte, 32*1024)
	var lines []string
	for {
		n, err := l.f.ReadAt(buf, l.offset)
		if n > 0 {
			l.offset += int64(n)
			l.pending = append(l.pending, buf[:n]...)
			for {
				i := bytes.IndexByte(l.pending, '\n')
				if i < 0 {
					break
				}
				lines = append(lines, strings.TrimRight(string(l.pending[:i]), "\r"))
				l.pending = l.pending[i+1:]
			}
		}
		if err == io.EOF || (err == nil && n < len(buf)) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
	}
}

// tailLines 读取文件末尾至多 maxBytes 字节中的最后 n 行
func tailLines(path string, n int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := max(st.Size()-maxBytes, 0)
	sc := bufio.NewScanner(io.NewSectionReader(f, start, st.Size()-start))
	sc.Buffer(make([]byte, 64*1024), int(maxBytes)+1)

	ring := make([]string, 0, n)
	first := start > 0
	for sc.Scan() {
		if first {
			// 截断读取时首行可能不完整
			first = false
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, strings.TrimRight(sc.Text(), "\r"))
	}
	return ring, sc.Err()
}

func escapeSSE(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
