package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/botfleet/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
// 回调按注册的逆序分阶段执行：后注册的先关闭（先停 HTTP，再停 bot，最后关存储）
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，重复调用无副作用）
// ctx 应该带超时，避免无限等待
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("shutdown: no callbacks registered")
		return
	}
	logger.Infof("shutdown: running %d callbacks", len(callbacks))

	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if ctx.Err() != nil {
			logger.Warnf("shutdown: deadline reached, skipping %s", cb.name)
			continue
		}
		start := time.Now()
		done := make(chan error, 1)
		go func() { done <- cb.fn(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				logger.WithField("step", cb.name).Warnf("shutdown step failed: %v", err)
				continue
			}
			logger.WithField("step", cb.name).Debugf("shutdown step done in %s", time.Since(start))
		case <-ctx.Done():
			logger.WithField("step", cb.name).Warnf("shutdown step timed out: %v", ctx.Err())
		}
	}
}
