package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOnce(t *testing.T) {
	var mu sync.Mutex
	var order []string
	step := func(name string, err error) Handler {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}
	}

	m := NewManager()
	m.OnShutdown("registry", step("registry", nil))
	m.OnShutdown("storage", step("storage", errors.New("busy")))
	m.OnShutdown("nil", nil)
	m.OnShutdown("supervisor", step("supervisor", nil))

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())
	assert.Equal(t, []string{"supervisor", "storage", "registry"}, order)
}

func TestShutdownSkipsAfterDeadline(t *testing.T) {
	ran := false
	m := NewManager()
	m.OnShutdown("late", func(context.Context) error { ran = true; return nil })
	m.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	assert.False(t, ran)
}
